package ingest

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"slices"
	"unicode/utf8"
)

var (
	textExts = []string{"txt", "md", "rst", "csv", "json", "xml", "yaml", "yml", "toml", "ini", "html"}
	codeExts = []string{"go", "rs", "c", "h", "cc", "cpp", "hpp", "cs", "java", "kt", "py", "js", "ts", "tsx", "rb", "sh", "ps1", "sql"}
	logExts  = []string{"log", "out", "err"}
)

// TextExtractor reads plain text, source code and log files from disk.
type TextExtractor struct {
	// MaxBytes caps how much of a file is read. 0 reads 1 MiB.
	MaxBytes int64
}

// Name implements Extractor.
func (TextExtractor) Name() string { return "text" }

// Supports implements Extractor.
func (TextExtractor) Supports(fi FileInfo) bool {
	return slices.Contains(textExts, fi.Ext) || slices.Contains(codeExts, fi.Ext) || slices.Contains(logExts, fi.Ext)
}

// Extract implements Extractor. Files that are not valid UTF-8 yield no text.
func (e TextExtractor) Extract(ctx context.Context, path string) (Extracted, error) {
	limit := e.MaxBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	f, err := os.Open(path)
	if err != nil {
		return Extracted{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return Extracted{}, err
	}
	if err := ctx.Err(); err != nil {
		return Extracted{}, err
	}
	// The limit may have cut a rune in half.
	for i := 0; i < utf8.UTFMax && len(data) > 0 && !utf8.Valid(data); i++ {
		data = data[:len(data)-1]
	}
	if !utf8.Valid(data) {
		data = nil
	}

	ext := extOf(path)
	kind := "text"
	switch {
	case slices.Contains(codeExts, ext):
		kind = "code"
	case slices.Contains(logExts, ext):
		kind = "log"
	}
	meta, err := json.Marshal(classification{Kind: kind})
	if err != nil {
		return Extracted{}, err
	}
	return Extracted{Text: string(data), Metadata: meta}, nil
}
