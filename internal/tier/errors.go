package tier

import (
	"errors"
	"fmt"

	"github.com/hupe1980/tiersearch/model"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed store or tier.
	ErrClosed = errors.New("tier closed")

	// ErrCorrupt is returned when data corruption is detected (checksum mismatch, undecodable record).
	ErrCorrupt = errors.New("data corruption detected")

	// ErrTierUnavailable is returned when a tier is disabled, closed or marked corrupt.
	ErrTierUnavailable = errors.New("tier unavailable")

	// ErrWriterBusy is returned by TryWriter when another job holds the tier writer.
	ErrWriterBusy = errors.New("tier writer busy")
)

// Error attributes a failure to a tier.
type Error struct {
	Tier model.Tier
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tier %s: %v", e.Tier, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(t model.Tier, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Tier: t, Err: err}
}
