package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hupe1980/tiersearch/model"
)

// wireEvent is one JSON line of the ingest input:
//
//	{"op":"upsert","volume":1,"file":42,"name":"a.txt","path":"/data/a.txt","size":10,"modified":"2024-05-01T10:00:00Z"}
//	{"op":"upsert","volume":1,"file":42,"content":{"text":"hello","kind":"text"}}
//	{"op":"delete","volume":1,"file":42}
//
// An upsert with a name or path carries metadata; one with content carries
// content. Content inherits modified, size and volume from the metadata of
// the same line when it has none of its own.
type wireEvent struct {
	Op       string       `json:"op"`
	Volume   uint16       `json:"volume"`
	File     uint64       `json:"file"`
	Parent   uint64       `json:"parent,omitempty"`
	Name     string       `json:"name,omitempty"`
	Path     string       `json:"path,omitempty"`
	Ext      string       `json:"ext,omitempty"`
	Size     uint64       `json:"size,omitempty"`
	Modified time.Time    `json:"modified,omitzero"`
	Created  time.Time    `json:"created,omitzero"`
	Flags    []string     `json:"flags,omitempty"`
	Content  *wireContent `json:"content,omitempty"`
}

type wireContent struct {
	Text     string    `json:"text"`
	Kind     string    `json:"kind,omitempty"`
	Modified time.Time `json:"modified,omitzero"`
	Size     uint64    `json:"size,omitempty"`
}

var flagNames = map[string]model.Flags{
	"dir":       model.FlagIsDir,
	"hidden":    model.FlagHidden,
	"system":    model.FlagSystem,
	"archive":   model.FlagArchive,
	"reparse":   model.FlagReparse,
	"offline":   model.FlagOffline,
	"temporary": model.FlagTemporary,
}

func (we *wireEvent) event() (model.ChangeEvent, error) {
	key := model.NewDocKey(model.VolumeID(we.Volume), model.FileID(we.File))
	switch strings.ToLower(we.Op) {
	case "delete":
		return model.ChangeEvent{Key: key, Kind: model.ChangeDelete}, nil
	case "upsert", "":
	default:
		return model.ChangeEvent{}, fmt.Errorf("unknown op %q", we.Op)
	}

	ev := model.ChangeEvent{Key: key, Kind: model.ChangeUpsert}
	if we.Name != "" || we.Path != "" {
		m := model.FileMeta{
			Key:      key,
			Name:     we.Name,
			Path:     we.Path,
			Ext:      we.Ext,
			Size:     we.Size,
			Modified: we.Modified.UTC(),
			Created:  we.Created.UTC(),
			Volume:   model.VolumeID(we.Volume),
		}
		if we.Parent != 0 {
			m.Parent = model.NewDocKey(model.VolumeID(we.Volume), model.FileID(we.Parent))
		}
		if m.Name == "" {
			m.Name = filepath.Base(m.Path)
		}
		if m.Ext == "" {
			m.Ext = strings.TrimPrefix(filepath.Ext(m.Name), ".")
		}
		for _, f := range we.Flags {
			bit, ok := flagNames[strings.ToLower(f)]
			if !ok {
				return model.ChangeEvent{}, fmt.Errorf("unknown flag %q", f)
			}
			m.Flags |= bit
		}
		ev.Meta = &m
	}
	if wc := we.Content; wc != nil {
		c := model.ContentDoc{
			Key:      key,
			Text:     wc.Text,
			Modified: wc.Modified.UTC(),
			Size:     wc.Size,
			Volume:   model.VolumeID(we.Volume),
		}
		if c.Modified.IsZero() {
			c.Modified = we.Modified.UTC()
		}
		if c.Size == 0 {
			c.Size = we.Size
		}
		switch strings.ToLower(wc.Kind) {
		case "", "text":
			c.Kind = model.DocText
		case "code":
			c.Kind = model.DocCode
		case "log":
			c.Kind = model.DocLog
		default:
			return model.ChangeEvent{}, fmt.Errorf("unknown content kind %q", wc.Kind)
		}
		c.Analyzer = c.Kind.DefaultAnalyzer()
		ev.Content = &c
	}
	return ev, nil
}
