// Package sink provides the production dictionary.SampleSink implementation:
// samples are buffered per seqid in memory as they're emitted, then
// persisted durably into one bbolt bucket per seqid on Commit — a single
// bbolt transaction per sequence, the same open/append/commit/close
// lifecycle discipline as the teacher's media.Recorder (open once, append
// repeatedly, an explicit terminal step that makes the data durable),
// adapted here from FLV tag writes to per-sequence sample batches.
package sink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/finlaysensors/s4pp/internal/s4pp/dictionary"
)

var rootBucket = []byte("sequences")

// Store persists committed sequences into a bbolt database file.
type Store struct {
	mu      sync.Mutex
	db      *bbolt.DB
	logger  *slog.Logger
	pending map[int64][]dictionary.Sample
}

// Open creates or opens the bbolt database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("sink.open: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sink.open.bucket: %w", err)
	}
	return &Store{db: db, logger: logger, pending: make(map[int64][]dictionary.Sample)}, nil
}

// Close closes the underlying database. Any sequences left pending (never
// committed nor aborted) are discarded.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Begin implements dictionary.SampleSink.
func (s *Store) Begin(seqid int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[seqid] = nil
	return nil
}

// Emit implements dictionary.SampleSink.
func (s *Store) Emit(sample dictionary.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[sample.Seqid] = append(s.pending[sample.Seqid], sample)
	return nil
}

type storedSample struct {
	DictIdx       int      `json:"dict_idx"`
	EffectiveTime string   `json:"effective_time"` // decimal rational string, exact
	Span          int64    `json:"span"`
	Values        []string `json:"values"`
	Unit          string   `json:"unit"`
	UnitDivisor   int64    `json:"unit_divisor"`
	Name          string   `json:"name"`
}

// Commit implements dictionary.SampleSink: it writes every buffered sample
// for seqid into its own bbolt bucket within a single transaction, which is
// what makes the batch durable atomically (mirrors the teacher's
// Recorder.Close flushing a complete file in one terminal step).
func (s *Store) Commit(seqid int64) (bool, error) {
	s.mu.Lock()
	samples := s.pending[seqid]
	delete(s.pending, seqid)
	s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(rootBucket)
		seqBucket, err := root.CreateBucketIfNotExists([]byte(strconv.FormatInt(seqid, 10)))
		if err != nil {
			return err
		}
		for i, sample := range samples {
			rec := storedSample{
				DictIdx:       sample.DictIdx,
				EffectiveTime: sample.EffectiveTime.RatString(),
				Span:          sample.Span,
				Values:        sample.Values,
				Unit:          sample.Unit,
				UnitDivisor:   sample.UnitDivisor,
				Name:          sample.Name,
			}
			buf, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("sink.commit.marshal: %w", err)
			}
			key := make([]byte, 8)
			for b := 0; b < 8; b++ {
				key[b] = byte(i >> (8 * (7 - b)))
			}
			if err := seqBucket.Put(key, buf); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("sink commit failed", "seqid", seqid, "error", err)
		return false, err
	}
	return true, nil
}

// Abort implements dictionary.SampleSink: buffered, uncommitted samples for
// seqid are simply discarded.
func (s *Store) Abort(seqid int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, seqid)
	return nil
}

var _ dictionary.SampleSink = (*Store)(nil)
