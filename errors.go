package tiersearch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/tiersearch/internal/migration"
	"github.com/hupe1980/tiersearch/internal/snapshot"
	"github.com/hupe1980/tiersearch/internal/tier"
	"github.com/hupe1980/tiersearch/model"
	"github.com/hupe1980/tiersearch/query"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed DB.
	ErrClosed = errors.New("tiersearch: closed")

	// ErrInvalidArgument is returned for malformed queries, events or options.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCorrupt is returned when a tier holds undecodable data. The tier is
	// excluded from reads until RebuildTier.
	ErrCorrupt = errors.New("data corruption detected")

	// ErrTierUnavailable is returned when a tier is disabled, closed or corrupt.
	ErrTierUnavailable = errors.New("tier unavailable")

	// ErrBudgetExceeded reports that background work stopped at its budget
	// and resumes on the next tick.
	ErrBudgetExceeded = errors.New("migration budget exceeded")

	// ErrWriterBusy is returned when another job holds a tier writer.
	ErrWriterBusy = errors.New("tier writer busy")

	// ErrNotFound is returned when a document, tier or snapshot does not exist.
	ErrNotFound = errors.New("not found")
)

// TierError attributes a failure to a tier.
//
// The underlying error can be accessed via errors.Unwrap; it wraps one of
// the package sentinels where one applies.
type TierError struct {
	Tier model.Tier
	Err  error
}

func (e *TierError) Error() string {
	prefix := fmt.Sprintf("tier %s: ", e.Tier)
	msg := e.Err.Error()
	if strings.Contains(msg, prefix) {
		return msg
	}
	return prefix + msg
}

func (e *TierError) Unwrap() error { return e.Err }

var sentinels = []struct {
	internal error
	public   error
}{
	{tier.ErrClosed, ErrClosed},
	{tier.ErrCorrupt, ErrCorrupt},
	{tier.ErrTierUnavailable, ErrTierUnavailable},
	{tier.ErrWriterBusy, ErrWriterBusy},
	{migration.ErrBudgetExceeded, ErrBudgetExceeded},
	{query.ErrSyntax, ErrInvalidArgument},
	{snapshot.ErrNoSnapshot, ErrNotFound},
	{snapshot.ErrChecksum, ErrCorrupt},
	{snapshot.ErrFormat, ErrCorrupt},
}

// publicError adds a public sentinel to the chain of an error whose message
// already names it.
type publicError struct {
	sentinel error
	err      error
}

func (e *publicError) Error() string { return e.err.Error() }

func (e *publicError) Unwrap() []error { return []error{e.sentinel, e.err} }

func translateError(err error) error {
	if err == nil {
		return nil
	}
	out := err
	for _, s := range sentinels {
		if !errors.Is(err, s.internal) {
			continue
		}
		if strings.Contains(err.Error(), s.public.Error()) {
			out = &publicError{sentinel: s.public, err: err}
		} else {
			out = fmt.Errorf("%w: %w", s.public, err)
		}
		break
	}

	var te *tier.Error
	if errors.As(err, &te) {
		return &TierError{Tier: te.Tier, Err: out}
	}
	return out
}
