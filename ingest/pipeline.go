package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/panjf2000/ants/v2"

	"github.com/hupe1980/tiersearch/model"
)

// Config bounds capability calls.
type Config struct {
	// Timeout per call. Default 10s.
	Timeout time.Duration
	// MaxFailures disables a capability after that many consecutive
	// failures. Default 3.
	MaxFailures int
	// MaxTextBytes truncates extracted text. Default 1 MiB.
	MaxTextBytes int
	// Workers caps concurrent capability calls. Default 4.
	Workers int
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.MaxTextBytes <= 0 {
		c.MaxTextBytes = 1 << 20
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

type extractor struct {
	capability
	Extractor
}

type transformer struct {
	capability
	Transformer
}

// Pipeline runs extractors and transformers for incoming files.
type Pipeline struct {
	cfg          Config
	pool         *ants.Pool
	logger       *slog.Logger
	extractors   []*extractor
	transformers []*transformer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithExtractor registers an extractor. Extractors are tried in
// registration order; the first enabled one that supports a file wins.
func WithExtractor(e Extractor) Option {
	return func(p *Pipeline) {
		x := &extractor{Extractor: e}
		x.name = e.Name()
		p.extractors = append(p.extractors, x)
	}
}

// WithTransformer registers a transformer. Transformers run in
// registration order on the metadata of every extraction.
func WithTransformer(t Transformer) Option {
	return func(p *Pipeline) {
		x := &transformer{Transformer: t}
		x.name = t.Name()
		p.transformers = append(p.transformers, x)
	}
}

// New creates a pipeline. Call Release when done.
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	cfg.applyDefaults()
	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:    cfg,
		pool:   pool,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Release stops the worker pool.
func (p *Pipeline) Release() {
	p.pool.Release()
}

func (p *Pipeline) fail(c *capability, err error) {
	n := c.failures.Add(1)
	p.logger.Warn("capability call failed", "capability", c.name, "failures", n, "error", err)
	if int(n) >= p.cfg.MaxFailures && c.disabled.CompareAndSwap(false, true) {
		p.logger.Error("capability disabled", "capability", c.name, "failures", n)
	}
}

// Status reports every registered capability.
func (p *Pipeline) Status() []CapabilityStatus {
	out := make([]CapabilityStatus, 0, len(p.extractors)+len(p.transformers))
	for _, x := range p.extractors {
		out = append(out, x.status())
	}
	for _, t := range p.transformers {
		out = append(out, t.status())
	}
	return out
}

// Content extracts the content document of m. It returns ErrUnsupported
// when no enabled extractor supports the file.
func (p *Pipeline) Content(ctx context.Context, m model.FileMeta) (*model.ContentDoc, error) {
	fi := FileInfo{
		Path: m.Path,
		Ext:  strings.ToLower(strings.TrimPrefix(m.Ext, ".")),
		Size: m.Size,
	}
	if fi.Ext == "" {
		fi.Ext = extOf(m.Path)
	}

	var x *extractor
	for _, e := range p.extractors {
		if !e.disabled.Load() && e.Supports(fi) {
			x = e
			break
		}
	}
	if x == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, m.Path)
	}

	out, err := call(ctx, p, &x.capability, func(ctx context.Context) (Extracted, error) {
		return x.Extract(ctx, m.Path)
	})
	if err != nil {
		return nil, err
	}

	meta := out.Metadata
	for _, t := range p.transformers {
		if t.disabled.Load() {
			continue
		}
		in := meta
		next, err := call(ctx, p, &t.capability, func(ctx context.Context) (json.RawMessage, error) {
			return t.Transform(ctx, in)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// A failed transform leaves the metadata as it was.
			continue
		}
		meta = next
	}

	kind, analyzer, err := classify(meta)
	if err != nil {
		p.logger.Debug("ignoring extraction metadata", "extractor", x.name, "path", m.Path, "error", err)
	}
	return &model.ContentDoc{
		Key:      m.Key,
		Kind:     kind,
		Analyzer: analyzer,
		Text:     truncate(out.Text, p.cfg.MaxTextBytes),
		Modified: m.Modified,
		Size:     m.Size,
		Volume:   m.Volume,
	}, nil
}

// Event builds the upsert for m. Content is attached when an extractor
// supports the file; extraction failures are logged and the metadata is
// indexed alone.
func (p *Pipeline) Event(ctx context.Context, m model.FileMeta) (model.ChangeEvent, error) {
	ev := model.ChangeEvent{Key: m.Key, Kind: model.ChangeUpsert, Meta: &m}
	if m.Flags.Has(model.FlagIsDir) {
		return ev, nil
	}
	c, err := p.Content(ctx, m)
	switch {
	case err == nil:
		ev.Content = c
	case ctx.Err() != nil:
		return model.ChangeEvent{}, ctx.Err()
	case errors.Is(err, ErrUnsupported):
	default:
		p.logger.Warn("content extraction failed", "path", m.Path, "error", err)
	}
	return ev, nil
}

type classification struct {
	Kind     string `json:"kind"`
	Analyzer string `json:"analyzer"`
}

func classify(meta json.RawMessage) (model.DocKind, model.Analyzer, error) {
	kind := model.DocText
	if len(meta) == 0 {
		return kind, kind.DefaultAnalyzer(), nil
	}
	var c classification
	if err := json.Unmarshal(meta, &c); err != nil {
		return kind, kind.DefaultAnalyzer(), err
	}
	switch strings.ToLower(c.Kind) {
	case "code":
		kind = model.DocCode
	case "log":
		kind = model.DocLog
	}
	switch strings.ToLower(c.Analyzer) {
	case "standard":
		return kind, model.AnalyzerStandard, nil
	case "code":
		return kind, model.AnalyzerCode, nil
	case "log":
		return kind, model.AnalyzerLog, nil
	}
	return kind, kind.DefaultAnalyzer(), nil
}

func extOf(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
