package migration

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/hupe1980/tiersearch/internal/hash"
	"github.com/hupe1980/tiersearch/internal/tier"
	"github.com/hupe1980/tiersearch/model"
)

// State is the lifecycle state of a demotion job.
type State uint8

const (
	StatePending State = iota
	StateCopying
	StateDeleting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCopying:
		return "copying"
	case StateDeleting:
		return "deleting"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Job is the persisted progress of one demotion.
type Job struct {
	Source model.Tier
	Dest   model.Tier
	Kind   model.IndexKind
	// Cursor is the first doc key not yet examined by the current pass.
	Cursor model.DocKey
	// Pending is the size of the batch copied to Dest but not yet removed
	// from Source.
	Pending   int
	State     State
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// ID returns the stable identifier of the job, e.g. "meta:hot->warm".
func (j *Job) ID() string {
	return JobID(j.Source, j.Dest, j.Kind)
}

// JobID builds the identifier of the demotion src -> dst of a keyspace.
func JobID(src, dst model.Tier, kind model.IndexKind) string {
	return fmt.Sprintf("%s:%s->%s", kind, src, dst)
}

// Active reports whether the job stopped in the middle of a pass.
func (j *Job) Active() bool {
	return j.State == StateCopying || j.State == StateDeleting
}

const (
	jobPrefix  = "job/"
	jobVersion = 1
)

func jobKey(id string) []byte {
	return []byte(jobPrefix + id)
}

// Version (1) | Checksum (4, CRC32C of payload) | Payload
func marshalJob(j *Job) []byte {
	payload := make([]byte, 0, 48+len(j.LastError))
	payload = append(payload, byte(j.Source), byte(j.Dest), byte(j.Kind), byte(j.State))
	payload = binary.LittleEndian.AppendUint64(payload, uint64(j.Cursor))
	payload = binary.AppendUvarint(payload, uint64(j.Pending))
	payload = binary.AppendUvarint(payload, uint64(j.Attempts))
	payload = binary.LittleEndian.AppendUint64(payload, uint64(j.UpdatedAt.UnixNano()))
	payload = binary.AppendUvarint(payload, uint64(len(j.LastError)))
	payload = append(payload, j.LastError...)

	out := make([]byte, 5, 5+len(payload))
	out[0] = jobVersion
	binary.LittleEndian.PutUint32(out[1:5], hash.CRC32C(payload))
	return append(out, payload...)
}

func unmarshalJob(data []byte) (*Job, error) {
	if len(data) < 5 || data[0] != jobVersion {
		return nil, fmt.Errorf("%w: invalid job record", tier.ErrCorrupt)
	}
	payload := data[5:]
	if hash.CRC32C(payload) != binary.LittleEndian.Uint32(data[1:5]) {
		return nil, fmt.Errorf("%w: job record checksum mismatch", tier.ErrCorrupt)
	}
	if len(payload) < 12 {
		return nil, fmt.Errorf("%w: %w", tier.ErrCorrupt, io.ErrUnexpectedEOF)
	}
	j := &Job{
		Source: model.Tier(payload[0]),
		Dest:   model.Tier(payload[1]),
		Kind:   model.IndexKind(payload[2]),
		State:  State(payload[3]),
		Cursor: model.DocKey(binary.LittleEndian.Uint64(payload[4:12])),
	}
	rest := payload[12:]
	uvarint := func() uint64 {
		v, n := binary.Uvarint(rest)
		if n <= 0 {
			rest = nil
			return 0
		}
		rest = rest[n:]
		return v
	}
	j.Pending = int(uvarint())
	j.Attempts = int(uvarint())
	if len(rest) < 8 {
		return nil, fmt.Errorf("%w: %w", tier.ErrCorrupt, io.ErrUnexpectedEOF)
	}
	j.UpdatedAt = time.Unix(0, int64(binary.LittleEndian.Uint64(rest))).UTC()
	rest = rest[8:]
	l := uvarint()
	if l > uint64(len(rest)) {
		return nil, fmt.Errorf("%w: %w", tier.ErrCorrupt, io.ErrUnexpectedEOF)
	}
	j.LastError = string(rest[:l])
	return j, nil
}

// StateStore persists job records in a badger DB of their own.
type StateStore struct {
	db *badger.DB
}

// OpenStateStore opens the state DB at dir, in memory when inMemory is set.
func OpenStateStore(dir string, inMemory bool, logger *slog.Logger) (*StateStore, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	db, err := tier.OpenBadger(dir, inMemory, tier.MergePolicy{}, logger.With("component", "migration-state"))
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	return &StateStore{db: db}, nil
}

// Save persists j and stamps its UpdatedAt.
func (s *StateStore) Save(j *Job) error {
	j.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(jobKey(j.ID()), marshalJob(j))
	})
}

// Load returns the job with id. Returns nil, nil if no record exists.
func (s *StateStore) Load(id string) (*Job, error) {
	var j *Job
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			var uerr error
			j, uerr = unmarshalJob(val)
			return uerr
		})
	})
	return j, err
}

// List returns every persisted job ordered by id.
func (s *StateStore) List() ([]*Job, error) {
	var jobs []*Job
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(jobPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				j, err := unmarshalJob(val)
				if err != nil {
					return fmt.Errorf("%s: %w", strings.TrimPrefix(string(it.Item().Key()), jobPrefix), err)
				}
				jobs = append(jobs, j)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].ID() < jobs[b].ID() })
	return jobs, err
}

// Backup streams a full backup of the state DB to w.
func (s *StateStore) Backup(w io.Writer) error {
	if _, err := s.db.Backup(w, 0); err != nil {
		return fmt.Errorf("backup state db: %w", err)
	}
	return nil
}

// Close closes the state DB.
func (s *StateStore) Close() error {
	return s.db.Close()
}
