package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// FileInfo describes a file offered to extractors.
type FileInfo struct {
	Path string
	// Ext is lower case without the leading dot.
	Ext  string
	Size uint64
}

// Extracted is the output of an extractor.
type Extracted struct {
	Text string
	// Metadata is a JSON object. The keys "kind" ("text", "code", "log")
	// and "analyzer" ("standard", "code", "log") select how the text is
	// classified and tokenized; other keys are left to transformers.
	Metadata json.RawMessage
}

// Extractor reads the content of the files it supports.
type Extractor interface {
	Name() string
	Supports(fi FileInfo) bool
	Extract(ctx context.Context, path string) (Extracted, error)
}

// Transformer rewrites extracted metadata before classification.
type Transformer interface {
	Name() string
	Transform(ctx context.Context, in json.RawMessage) (json.RawMessage, error)
}

// CapabilityStatus reports the health of a registered capability.
type CapabilityStatus struct {
	Name     string
	Failures int
	Disabled bool
}

// capability tracks consecutive failures of one extractor or transformer.
type capability struct {
	name     string
	failures atomic.Int32
	disabled atomic.Bool
}

func (c *capability) status() CapabilityStatus {
	return CapabilityStatus{
		Name:     c.name,
		Failures: int(c.failures.Load()),
		Disabled: c.disabled.Load(),
	}
}

type result[T any] struct {
	v   T
	err error
}

// call runs fn on the pipeline pool under the call timeout. A failure or
// timeout counts against c; a success resets the count.
func call[T any](ctx context.Context, p *Pipeline, c *capability, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if c.disabled.Load() {
		return zero, fmt.Errorf("%w: %s", ErrDisabled, c.name)
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	done := make(chan result[T], 1)
	err := p.pool.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result[T]{err: fmt.Errorf("%s panicked: %v", c.name, r)}
			}
		}()
		v, err := fn(ctx)
		done <- result[T]{v: v, err: err}
	})
	if err != nil {
		return zero, fmt.Errorf("%s: submit: %w", c.name, err)
	}

	var res result[T]
	select {
	case res = <-done:
	case <-ctx.Done():
		if err := parent.Err(); err != nil {
			return zero, err
		}
		res.err = fmt.Errorf("%w: %s", ErrTimeout, c.name)
	}
	if res.err != nil {
		p.fail(c, res.err)
		return zero, res.err
	}
	c.failures.Store(0)
	return res.v, nil
}
