// Package dictionary implements the Dictionary & Sequence Model (spec §4.4):
// the in-memory per-sequence dictionary, running timestamp, and sample
// emission to the sink. The state-machine shape (explicit struct fields,
// small validating mutator methods, completion signalled by return values)
// follows the teacher's chunk.ChunkStreamState, generalized from per-CSID
// chunk reassembly bookkeeping to per-sequence dictionary + timestamp
// bookkeeping.
package dictionary

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	protoerr "github.com/finlaysensors/s4pp/internal/errors"
)

// DictEntry is a dictionary slot: {unit, unit_divisor, name} (spec §3 Dictionary).
type DictEntry struct {
	Unit        string
	UnitDivisor int64
	Name        string
}

// Sample is the derived entity emitted to the sink on each data line (spec §3 Sample).
type Sample struct {
	Seqid         int64
	DictIdx       int
	EffectiveTime *big.Rat
	Span          int64
	Values        []string
	Unit          string
	UnitDivisor   int64
	Name          string
}

// SampleSink is the external collaborator interface the sequence model
// consumes (spec §6): begin/emit/commit/abort keyed by seqid.
type SampleSink interface {
	Begin(seqid int64) error
	Emit(sample Sample) error
	Commit(seqid int64) (bool, error)
	Abort(seqid int64) error
}

// Options configures implementation-choice reject behaviour (spec §4.4).
type Options struct {
	// MaxSamples bounds samples per sequence; 0 means unbounded.
	MaxSamples int
	// RejectNegativeSpan causes format-1 negative span to be rejected
	// rather than accepted (spec: "MAY reject", advertised via config).
	RejectNegativeSpan bool
}

// Sequence is an in-flight transactional batch (spec §3 Sequence). It does
// not own the HMAC tap; callers feed hmactap.Tap independently while also
// routing DICT/data lines through this type.
type Sequence struct {
	seqid            int64
	basetime         int64
	timeDivisor      int64
	dataFormat       int
	runningTimestamp int64
	dict             map[int]DictEntry
	sampleCount      int

	opts Options
	sink SampleSink
}

// BeginSequence validates and creates a new Sequence, notifying the sink.
// lastCommitted is nil when the session has not yet committed any sequence
// ("none" per spec §3); otherwise seqid must be strictly greater.
func BeginSequence(seqid, basetime, timeDivisor int64, dataFormat int, lastCommitted *int64, opts Options, sink SampleSink) (*Sequence, error) {
	if lastCommitted != nil && seqid <= *lastCommitted {
		return nil, protoerr.NewNonMonotonicSeqidError("dictionary.begin_sequence", seqid)
	}
	if timeDivisor == 0 {
		return nil, protoerr.NewSequenceError("dictionary.begin_sequence", fmt.Errorf("time_divisor must not be zero"))
	}
	if dataFormat != 0 && dataFormat != 1 {
		return nil, protoerr.NewSequenceError("dictionary.begin_sequence", fmt.Errorf("unknown data_format %d", dataFormat))
	}
	if err := sink.Begin(seqid); err != nil {
		return nil, protoerr.NewSinkError("dictionary.begin_sequence.sink", err)
	}
	return &Sequence{
		seqid:            seqid,
		basetime:         basetime,
		timeDivisor:      timeDivisor,
		dataFormat:       dataFormat,
		runningTimestamp: basetime,
		dict:             make(map[int]DictEntry),
		opts:             opts,
		sink:             sink,
	}, nil
}

// Seqid returns the sequence identifier.
func (s *Sequence) Seqid() int64 { return s.seqid }

// PutDictEntry adds or replaces a dictionary slot (spec §3 Dictionary:
// "redefinition ... is permitted and replaces the prior entry").
func (s *Sequence) PutDictEntry(idx int, unit string, unitDivisor int64, name string) error {
	if unitDivisor == 0 {
		return protoerr.NewSequenceError("dictionary.put_dict_entry", fmt.Errorf("unit_divisor must not be zero"))
	}
	if name == "" {
		return protoerr.NewSequenceError("dictionary.put_dict_entry", fmt.Errorf("name must not be empty"))
	}
	s.dict[idx] = DictEntry{Unit: unit, UnitDivisor: unitDivisor, Name: name}
	return nil
}

// IngestSample parses a comma-split data line's fields (not including the
// TAG prefix, since data lines carry no TAG) per the sequence's
// data_format, updates running_timestamp, resolves the dict entry, and
// emits the resulting Sample to the sink.
//
// Format 0 fields: idx, delta_t, value
// Format 1 fields: idx, delta_t, span, value1[, value2, ...]
func (s *Sequence) IngestSample(fields []string) error {
	if len(fields) < 3 {
		return protoerr.NewSequenceError("dictionary.ingest_sample", fmt.Errorf("too few fields: %d", len(fields)))
	}
	idx, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return protoerr.NewSequenceError("dictionary.ingest_sample", fmt.Errorf("bad dict_idx: %w", err))
	}
	deltaT, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
	if err != nil {
		return protoerr.NewSequenceError("dictionary.ingest_sample", fmt.Errorf("bad delta_t: %w", err))
	}
	entry, ok := s.dict[idx]
	if !ok {
		return protoerr.NewSequenceError("dictionary.ingest_sample", fmt.Errorf("unknown dict_idx %d", idx))
	}

	var span int64
	var values []string
	switch s.dataFormat {
	case 0:
		values = fields[2:3]
	case 1:
		if len(fields) < 4 {
			return protoerr.NewSequenceError("dictionary.ingest_sample", fmt.Errorf("format-1 line needs span and at least one value"))
		}
		span, err = strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
		if err != nil {
			return protoerr.NewSequenceError("dictionary.ingest_sample", fmt.Errorf("bad span: %w", err))
		}
		if span < 0 && s.opts.RejectNegativeSpan {
			return protoerr.NewSequenceError("dictionary.ingest_sample", fmt.Errorf("negative span rejected by configuration"))
		}
		values = fields[3:]
	default:
		return protoerr.NewSequenceError("dictionary.ingest_sample", fmt.Errorf("unknown data_format %d", s.dataFormat))
	}

	newRunning := s.runningTimestamp + deltaT
	effective := big.NewRat(newRunning, s.timeDivisor)
	s.runningTimestamp = newRunning

	s.sampleCount++
	if s.opts.MaxSamples > 0 && s.sampleCount > s.opts.MaxSamples {
		return protoerr.NewSequenceError("dictionary.ingest_sample", fmt.Errorf("sample count %d exceeds max %d", s.sampleCount, s.opts.MaxSamples))
	}

	sample := Sample{
		Seqid:         s.seqid,
		DictIdx:       idx,
		EffectiveTime: effective,
		Span:          span,
		Values:        append([]string(nil), values...),
		Unit:          entry.Unit,
		UnitDivisor:   entry.UnitDivisor,
		Name:          entry.Name,
	}
	if err := s.sink.Emit(sample); err != nil {
		return protoerr.NewSinkError("dictionary.ingest_sample.sink", err)
	}
	return nil
}

// Commit finalizes the sequence via the sink. The caller is responsible for
// having already verified the SIG tag before calling Commit.
func (s *Sequence) Commit() (bool, error) {
	ok, err := s.sink.Commit(s.seqid)
	if err != nil {
		return false, protoerr.NewSinkError("dictionary.commit", err)
	}
	return ok, nil
}

// Abort discards the sequence without committing (rejection, signature
// failure, or transport error per spec §3).
func (s *Sequence) Abort(reason string) error {
	if err := s.sink.Abort(s.seqid); err != nil {
		return protoerr.NewSinkError("dictionary.abort", fmt.Errorf("%s: %w", reason, err))
	}
	return nil
}
