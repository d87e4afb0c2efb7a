// Package ledger records the processing outcome of every content hash. It is
// the single source of truth for skip and resume decisions: a hash recorded as
// done is never processed again, a failed hash is eligible for retry.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/oklog/ulid/v2"

	"github.com/kalambet/lexrag/internal/metrics"
)

// Status is the answer to Check.
type Status int

const (
	StatusNew Status = iota
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	}
	return "new"
}

// Outcome is what a unit of work ended with.
type Outcome string

const (
	OutcomeDone   Outcome = "done"
	OutcomeFailed Outcome = "failed"
)

// Record is one ledger entry.
type Record struct {
	Hash       string    `json:"content_hash"`
	SourceID   string    `json:"source_id,omitempty"`
	Collection string    `json:"collection,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Stats summarises the latest outcome per hash.
type Stats struct {
	Done    int `json:"done"`
	Failed  int `json:"failed"`
	Retry   int `json:"retry"`
	Journal int `json:"journal"`
}

var ErrNotFound = errors.New("ledger: not found")

// Key prefixes. j/ is the append-only journal ordered by ULID, h/ holds the
// latest outcome per content hash, s/ the latest outcome per source id.
const (
	prefixJournal = "j/"
	prefixHash    = "h/"
	prefixSource  = "s/"
)

type Config struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

type Ledger struct {
	db      *badger.DB
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// badgerLogger routes badger's internal logging into slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func Open(cfg Config) (*Ledger, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("ledger path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, fmt.Errorf("creating ledger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithLogger(&badgerLogger{logger: logger.With("component", "ledger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	return &Ledger{db: db, logger: logger, metrics: cfg.Metrics}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// Check reports the latest outcome for hash. It is cheap and must be called
// before any expensive work on the content.
func (l *Ledger) Check(hash string) (Status, error) {
	rec, err := l.Get(hash)
	if errors.Is(err, ErrNotFound) {
		return StatusNew, nil
	}
	if err != nil {
		return StatusNew, err
	}
	if rec.Outcome == OutcomeDone {
		return StatusDone, nil
	}
	return StatusFailed, nil
}

// Get returns the latest record for hash.
func (l *Ledger) Get(hash string) (Record, error) {
	var rec Record
	err := l.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixHash+hash, &rec)
	})
	return rec, err
}

// Record appends r to the journal and makes it the latest outcome for its hash
// and source. A hash already recorded as done keeps that outcome; the journal
// still receives the entry.
func (l *Ledger) Record(r Record) error {
	if r.Hash == "" {
		return errors.New("ledger record without hash")
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling ledger record: %w", err)
	}

	err = l.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixJournal+ulid.Make().String()), data); err != nil {
			return err
		}

		if r.Outcome == OutcomeFailed {
			var prev Record
			switch err := getJSON(txn, prefixHash+r.Hash, &prev); {
			case err == nil && prev.Outcome == OutcomeDone:
				return nil
			case err != nil && !errors.Is(err, ErrNotFound):
				return err
			}
		}
		if err := txn.Set([]byte(prefixHash+r.Hash), data); err != nil {
			return err
		}
		if r.SourceID == "" {
			return nil
		}
		if err := txn.Set([]byte(prefixSource+r.SourceID), data); err != nil {
			return err
		}
		if r.Outcome == OutcomeDone {
			// A fetch failure recorded under the source key is resolved now.
			if err := txn.Delete([]byte(prefixHash + SourceKey(r.SourceID))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording %s for %s: %w", r.Outcome, r.Hash, err)
	}
	l.metrics.LedgerRecord(string(r.Outcome))
	return nil
}

// RetryList returns the sources whose latest outcome is failed, oldest first.
func (l *Ledger) RetryList() ([]Record, error) {
	var out []Record
	err := l.scan(prefixSource, func(r Record) error {
		if r.Outcome == OutcomeFailed {
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing retries: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (l *Ledger) Stats() (Stats, error) {
	var st Stats
	err := l.scan(prefixHash, func(r Record) error {
		switch r.Outcome {
		case OutcomeDone:
			st.Done++
		case OutcomeFailed:
			st.Failed++
		}
		return nil
	})
	if err != nil {
		return st, err
	}
	if err := l.scan(prefixSource, func(r Record) error {
		if r.Outcome == OutcomeFailed {
			st.Retry++
		}
		return nil
	}); err != nil {
		return st, err
	}
	err = l.Journal(func(Record) error {
		st.Journal++
		return nil
	})
	return st, err
}

// Journal replays the append-only log in write order.
func (l *Ledger) Journal(fn func(Record) error) error {
	return l.scan(prefixJournal, fn)
}

// RunGC reclaims value-log space until ctx is cancelled.
func (l *Ledger) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				if err := l.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) && !errors.Is(err, badger.ErrGCInMemoryMode) {
						l.logger.Warn("ledger gc failed", "error", err)
					}
					break
				}
			}
		}
	}
}

func (l *Ledger) scan(prefix string, fn func(Record) error) error {
	return l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decoding %s: %w", it.Item().Key(), err)
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}
