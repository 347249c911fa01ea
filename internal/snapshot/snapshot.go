package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/tiersearch/blobstore"
	"github.com/hupe1980/tiersearch/internal/hash"
)

// FormatVersion is the manifest format written by this package.
const FormatVersion = 1

const (
	// CurrentName is the pointer to the latest complete snapshot.
	CurrentName  = "CURRENT"
	rootPrefix   = "snapshots/"
	manifestName = "MANIFEST"
)

var (
	// ErrNoSnapshot is returned when the store holds no snapshot.
	ErrNoSnapshot = errors.New("snapshot: no snapshot")
	// ErrChecksum is returned when a part does not match its manifest entry.
	ErrChecksum = errors.New("snapshot: checksum mismatch")
	// ErrFormat is returned for manifests of an unknown format version.
	ErrFormat = errors.New("snapshot: unsupported format")
)

// Part describes one uploaded stream.
type Part struct {
	Name   string `json:"name"`
	Object string `json:"object"`
	// Size is the uncompressed length.
	Size   int64  `json:"size"`
	CRC32C uint32 `json:"crc32c"`
}

// Manifest lists the parts of one snapshot.
type Manifest struct {
	Version   int       `json:"version"`
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Parts     []Part    `json:"parts"`
}

// Bytes returns the total uncompressed size of all parts.
func (m *Manifest) Bytes() int64 {
	var n int64
	for _, p := range m.Parts {
		n += p.Size
	}
	return n
}

// Part returns the part called name.
func (m *Manifest) Part(name string) (Part, bool) {
	for _, p := range m.Parts {
		if p.Name == name {
			return p, true
		}
	}
	return Part{}, false
}

// Source produces the content of one part.
type Source struct {
	Name    string
	WriteTo func(ctx context.Context, w io.Writer) error
}

func objectName(id, name string) string {
	return path.Join(rootPrefix, id, name)
}

// Write uploads sources in order as snapshot id and makes it current.
func Write(ctx context.Context, store blobstore.Store, id string, createdAt time.Time, sources []Source, logger *slog.Logger) (*Manifest, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if id == "" || strings.Contains(id, "/") {
		return nil, fmt.Errorf("snapshot: invalid id %q", id)
	}
	m := &Manifest{Version: FormatVersion, ID: id, CreatedAt: createdAt.UTC()}
	for _, src := range sources {
		start := time.Now()
		p, err := putPart(ctx, store, objectName(id, src.Name+".zst"), src)
		if err != nil {
			return nil, fmt.Errorf("snapshot part %s: %w", src.Name, err)
		}
		p.Name = src.Name
		m.Parts = append(m.Parts, p)
		logger.Debug("snapshot part uploaded", "id", id, "part", src.Name, "bytes", p.Size, "duration", time.Since(start))
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := store.Put(ctx, objectName(id, manifestName), bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("snapshot manifest: %w", err)
	}
	if err := store.Put(ctx, CurrentName, strings.NewReader(id+"\n")); err != nil {
		return nil, fmt.Errorf("snapshot commit: %w", err)
	}
	return m, nil
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// putPart streams src through zstd into the store. The producer and the
// upload run concurrently over a pipe.
func putPart(ctx context.Context, store blobstore.Store, object string, src Source) (Part, error) {
	pr, pw := io.Pipe()
	crc := hash.NewCRC32C()
	counter := &countingWriter{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := encode(gctx, pw, src, io.MultiWriter(crc, counter))
		_ = pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		err := store.Put(gctx, object, pr)
		// Unblocks the producer if the upload stopped reading early.
		_ = pr.CloseWithError(err)
		return err
	})
	if err := g.Wait(); err != nil {
		return Part{}, err
	}
	return Part{Object: object, Size: counter.n, CRC32C: crc.Sum32()}, nil
}

func encode(ctx context.Context, w io.Writer, src Source, tap io.Writer) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	if err := src.WriteTo(ctx, io.MultiWriter(enc, tap)); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// Current returns the id CURRENT points at.
func Current(ctx context.Context, store blobstore.Store) (string, error) {
	r, err := store.Get(ctx, CurrentName)
	if errors.Is(err, blobstore.ErrNotFound) {
		return "", ErrNoSnapshot
	}
	if err != nil {
		return "", err
	}
	defer r.Close()
	data, err := io.ReadAll(io.LimitReader(r, 1024))
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", ErrNoSnapshot
	}
	return id, nil
}

// Open reads the manifest of snapshot id, or of the current one when id is empty.
func Open(ctx context.Context, store blobstore.Store, id string) (*Manifest, error) {
	if id == "" {
		var err error
		if id, err = Current(ctx, store); err != nil {
			return nil, err
		}
	}
	r, err := store.Get(ctx, objectName(id, manifestName))
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, id)
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("snapshot manifest %s: %w", id, err)
	}
	if m.Version != FormatVersion {
		return nil, fmt.Errorf("%w: version %d", ErrFormat, m.Version)
	}
	return &m, nil
}

// List returns the ids of every snapshot with a manifest, oldest first
// when ids sort by time.
func List(ctx context.Context, store blobstore.Store) ([]string, error) {
	names, err := store.List(ctx, rootPrefix)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, name := range names {
		rest := strings.TrimPrefix(name, rootPrefix)
		if id, ok := strings.CutSuffix(rest, "/"+manifestName); ok && !strings.Contains(id, "/") {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// OpenPart returns a reader of the decompressed part. Reading to EOF
// verifies size and checksum and fails with ErrChecksum on mismatch.
func OpenPart(ctx context.Context, store blobstore.Store, p Part) (io.ReadCloser, error) {
	body, err := store.Get(ctx, p.Object)
	if err != nil {
		return nil, fmt.Errorf("snapshot part %s: %w", p.Name, err)
	}
	dec, err := zstd.NewReader(body)
	if err != nil {
		_ = body.Close()
		return nil, err
	}
	return &partReader{part: p, body: body, dec: dec, crc: hash.NewCRC32C()}, nil
}

type partReader struct {
	part Part
	body io.ReadCloser
	dec  *zstd.Decoder
	crc  interface {
		io.Writer
		Sum32() uint32
	}
	n int64
}

func (r *partReader) Read(p []byte) (int, error) {
	n, err := r.dec.Read(p)
	r.n += int64(n)
	_, _ = r.crc.Write(p[:n])
	if errors.Is(err, io.EOF) {
		if r.n != r.part.Size || r.crc.Sum32() != r.part.CRC32C {
			return n, fmt.Errorf("%w: part %s", ErrChecksum, r.part.Name)
		}
	}
	return n, err
}

func (r *partReader) Close() error {
	r.dec.Close()
	return r.body.Close()
}
