package metricstate

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketValues     = []byte("values")
	bucketAggregates = []byte("aggregates")
	bucketMeta       = []byte("meta")
	keyApplied       = []byte("applied")
)

// BoltSink persists applied metric state in a bbolt file. Every write carries
// the applied index in the same transaction, so after a restart replay
// resumes right after the last applied entry and never reapplies one.
type BoltSink struct {
	db *bolt.DB
}

func OpenBolt(path string) (*BoltSink, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt sink: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketValues, bucketAggregates, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sink buckets: %w", err)
	}

	return &BoltSink{db: db}, nil
}

func (b *BoltSink) SaveRecord(name string, value float64, agg Aggregate, applied uint64) error {
	aggData, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("marshal aggregate: %w", err)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		var raw [8]byte
		binary.LittleEndian.PutUint64(raw[:], math.Float64bits(value))
		if err := tx.Bucket(bucketValues).Put([]byte(name), raw[:]); err != nil {
			return err
		}
		if err := tx.Bucket(bucketAggregates).Put([]byte(name), aggData); err != nil {
			return err
		}
		return putApplied(tx, applied)
	})
}

func (b *BoltSink) SaveDelete(name string, applied uint64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketValues).Delete([]byte(name)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketAggregates).Delete([]byte(name)); err != nil {
			return err
		}
		return putApplied(tx, applied)
	})
}

func (b *BoltSink) Load() (SinkState, error) {
	st := SinkState{
		Values:     make(map[string]float64),
		Aggregates: make(map[string]Aggregate),
	}

	err := b.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketValues).ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("corrupt value for metric %q", k)
			}
			st.Values[string(k)] = math.Float64frombits(binary.LittleEndian.Uint64(v))
			return nil
		})
		if err != nil {
			return err
		}

		err = tx.Bucket(bucketAggregates).ForEach(func(k, v []byte) error {
			var agg Aggregate
			if err := json.Unmarshal(v, &agg); err != nil {
				return fmt.Errorf("corrupt aggregate for metric %q: %w", k, err)
			}
			st.Aggregates[string(k)] = agg
			return nil
		})
		if err != nil {
			return err
		}

		if raw := tx.Bucket(bucketMeta).Get(keyApplied); len(raw) == 8 {
			st.Applied = binary.LittleEndian.Uint64(raw)
		}
		return nil
	})
	if err != nil {
		return SinkState{}, err
	}
	return st, nil
}

// Restore rewrites the sink with a snapshot image in one transaction.
func (b *BoltSink) Restore(st SinkState) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketValues, bucketAggregates} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}

		values := tx.Bucket(bucketValues)
		for name, v := range st.Values {
			var raw [8]byte
			binary.LittleEndian.PutUint64(raw[:], math.Float64bits(v))
			if err := values.Put([]byte(name), raw[:]); err != nil {
				return err
			}
		}

		aggregates := tx.Bucket(bucketAggregates)
		for name, agg := range st.Aggregates {
			data, err := json.Marshal(agg)
			if err != nil {
				return err
			}
			if err := aggregates.Put([]byte(name), data); err != nil {
				return err
			}
		}

		return putApplied(tx, st.Applied)
	})
}

func (b *BoltSink) Close() error {
	return b.db.Close()
}

func putApplied(tx *bolt.Tx, applied uint64) error {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], applied)
	return tx.Bucket(bucketMeta).Put(keyApplied, raw[:])
}
