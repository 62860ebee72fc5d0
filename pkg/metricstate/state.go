package metricstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
)

// ErrCorruptOperation marks a committed payload that could not be decoded.
// The entry is skipped but its index is still consumed, so replicas stay in
// sync with peers that also skip it.
var ErrCorruptOperation = errors.New("metricstate: corrupt operation payload")

// Aggregate is the running reduction over every recorded value of one metric.
type Aggregate struct {
	Count   uint64  `json:"count"`
	Sum     float64 `json:"sum"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Average float64 `json:"average"`
}

// Sink is an optional durable backend for applied metric state. It is a
// write-behind copy of the in-memory tables, never a second source of truth:
// the replicated log decides what gets applied, the sink only survives
// restarts.
type Sink interface {
	SaveRecord(name string, value float64, agg Aggregate, applied uint64) error
	SaveDelete(name string, applied uint64) error
	Load() (SinkState, error)
	Restore(state SinkState) error
	Close() error
}

// SinkState is the full durable image of one shard's metric state.
type SinkState struct {
	Values     map[string]float64
	Aggregates map[string]Aggregate
	Applied    uint64
}

type valueMap = skipmap.OrderedMap[string, float64]
type aggregateMap = skipmap.OrderedMap[string, Aggregate]

// Store is the deterministic state machine of one shard. Exactly one
// goroutine (the replication loop) calls Apply/MarkApplied/Restore; readers
// are lock-free via the skipmaps and may run concurrently.
type Store struct {
	values     atomic.Pointer[valueMap]
	aggregates atomic.Pointer[aggregateMap]
	applied    atomic.Uint64

	sink Sink
}

// New creates a Store, reloading previously applied state from the sink when
// one is given.
func New(sink Sink) (*Store, error) {
	s := &Store{sink: sink}
	s.values.Store(skipmap.New[string, float64]())
	s.aggregates.Store(skipmap.New[string, Aggregate]())

	if sink != nil {
		st, err := sink.Load()
		if err != nil {
			return nil, fmt.Errorf("load sink state: %w", err)
		}
		s.install(st)
	}
	return s, nil
}

func (s *Store) install(st SinkState) {
	values := skipmap.New[string, float64]()
	aggregates := skipmap.New[string, Aggregate]()
	for name, v := range st.Values {
		values.Store(name, v)
	}
	for name, agg := range st.Aggregates {
		aggregates.Store(name, agg)
	}
	s.values.Store(values)
	s.aggregates.Store(aggregates)
	s.applied.Store(st.Applied)
}

// Apply applies one committed log entry, exactly once and in index order.
// Entries at or below the applied index are ignored, which makes crash
// recovery replay safe. A payload that cannot be decoded consumes the index
// and returns ErrCorruptOperation; any sink failure is returned as-is and the
// index is not consumed, so the caller must treat it as fatal.
func (s *Store) Apply(index uint64, data []byte) (Op, error) {
	if index <= s.applied.Load() {
		return Op{}, nil
	}

	var op Op
	if err := json.Unmarshal(data, &op); err != nil {
		s.applied.Store(index)
		return Op{}, fmt.Errorf("%w: %v", ErrCorruptOperation, err)
	}

	switch op.Type {
	case RecordOp:
		if err := s.applyRecord(op, index); err != nil {
			return op, err
		}
	case DeleteOp:
		if err := s.applyDelete(op, index); err != nil {
			return op, err
		}
	default:
		s.applied.Store(index)
		return op, fmt.Errorf("%w: unknown operation type %d", ErrCorruptOperation, op.Type)
	}

	s.applied.Store(index)
	return op, nil
}

func (s *Store) applyRecord(op Op, index uint64) error {
	aggregates := s.aggregates.Load()

	agg, ok := aggregates.Load(op.Name)
	if !ok {
		agg = Aggregate{Min: op.Value, Max: op.Value}
	}
	agg.Count++
	agg.Sum += op.Value
	agg.Average = agg.Sum / float64(agg.Count)
	if op.Value < agg.Min {
		agg.Min = op.Value
	}
	if op.Value > agg.Max {
		agg.Max = op.Value
	}

	s.values.Load().Store(op.Name, op.Value)
	aggregates.Store(op.Name, agg)

	if s.sink != nil {
		if err := s.sink.SaveRecord(op.Name, op.Value, agg, index); err != nil {
			return fmt.Errorf("sink record %q: %w", op.Name, err)
		}
	}
	return nil
}

func (s *Store) applyDelete(op Op, index uint64) error {
	s.values.Load().Delete(op.Name)
	s.aggregates.Load().Delete(op.Name)

	if s.sink != nil {
		if err := s.sink.SaveDelete(op.Name, index); err != nil {
			return fmt.Errorf("sink delete %q: %w", op.Name, err)
		}
	}
	return nil
}

// MarkApplied consumes an index that carried no metric operation
// (empty raft entries, configuration changes).
func (s *Store) MarkApplied(index uint64) {
	if index > s.applied.Load() {
		s.applied.Store(index)
	}
}

func (s *Store) AppliedIndex() uint64 {
	return s.applied.Load()
}

// Get returns the latest recorded value of a metric.
func (s *Store) Get(name string) (float64, bool) {
	return s.values.Load().Load(name)
}

// GetAggregate returns the running aggregate of a metric.
func (s *Store) GetAggregate(name string) (Aggregate, bool) {
	return s.aggregates.Load().Load(name)
}

// Len returns the number of live metrics.
func (s *Store) Len() int {
	return s.values.Load().Len()
}

// Totals sums all per-metric aggregates, for cross-shard rollups.
func (s *Store) Totals() (count uint64, sum float64) {
	s.aggregates.Load().Range(func(_ string, agg Aggregate) bool {
		count += agg.Count
		sum += agg.Sum
		return true
	})
	return count, sum
}

type snapshotImage struct {
	Applied    uint64               `json:"applied"`
	Values     map[string]float64   `json:"values"`
	Aggregates map[string]Aggregate `json:"aggregates"`
}

// Snapshot captures the full metric state for log compaction and follower
// catch-up.
func (s *Store) Snapshot() ([]byte, error) {
	img := snapshotImage{
		Applied:    s.applied.Load(),
		Values:     make(map[string]float64),
		Aggregates: make(map[string]Aggregate),
	}
	s.values.Load().Range(func(name string, v float64) bool {
		img.Values[name] = v
		return true
	})
	s.aggregates.Load().Range(func(name string, agg Aggregate) bool {
		img.Aggregates[name] = agg
		return true
	})
	return json.Marshal(img)
}

// Restore replaces the whole metric state with a snapshot image, including
// the applied index and the durable sink contents.
func (s *Store) Restore(data []byte) error {
	var img snapshotImage
	if err := json.Unmarshal(data, &img); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	st := SinkState{Values: img.Values, Aggregates: img.Aggregates, Applied: img.Applied}
	if st.Values == nil {
		st.Values = make(map[string]float64)
	}
	if st.Aggregates == nil {
		st.Aggregates = make(map[string]Aggregate)
	}
	s.install(st)

	if s.sink != nil {
		if err := s.sink.Restore(st); err != nil {
			return fmt.Errorf("restore sink: %w", err)
		}
	}
	return nil
}
