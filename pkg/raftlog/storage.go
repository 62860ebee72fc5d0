package raftlog

import (
	"fmt"
	"sync"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

// Storage holds one replica's raft log, hard state and snapshot, and
// implements the raft.Storage read interface. Only the replication loop
// mutates it; the raft state machine reads it from the same goroutine and
// inspection paths may read concurrently, so every access takes the mutex.
//
// ents[0] is a dummy entry at the snapshot index: ents[i] has raft index
// ents[0].Index + i. With a journal attached every mutation is made durable
// before it is visible in memory.
type Storage struct {
	mu sync.Mutex

	hardState raftpb.HardState
	snapshot  raftpb.Snapshot
	ents      []raftpb.Entry

	journal *Journal
}

// NewMemory creates an empty volatile Storage. A replica backed by it
// rejoins as an empty follower after a restart and catches up via snapshot
// transfer.
func NewMemory() *Storage {
	return &Storage{
		ents: make([]raftpb.Entry, 1),
	}
}

// Open creates a Storage backed by a journal, replaying whatever the journal
// holds from a previous run.
func Open(journal *Journal) (*Storage, error) {
	hs, snap, ents, err := journal.Replay()
	if err != nil {
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	s := NewMemory()
	s.journal = journal
	s.hardState = hs

	if !raft.IsEmptySnap(snap) {
		s.snapshot = snap
		s.ents[0] = raftpb.Entry{
			Index: snap.Metadata.Index,
			Term:  snap.Metadata.Term,
		}
	}

	if len(ents) > 0 {
		if ents[0].Index != s.ents[0].Index+1 {
			return nil, fmt.Errorf("journal log gap: snapshot index %d, first entry %d",
				s.ents[0].Index, ents[0].Index)
		}
		s.ents = append(s.ents, ents...)
	}

	return s, nil
}

// InitialState implements raft.Storage.
func (s *Storage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hardState, s.snapshot.Metadata.ConfState, nil
}

// HardState returns the last durably recorded hard state.
func (s *Storage) HardState() raftpb.HardState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hardState
}

// SetHardState durably records the new term/vote/commit. Must complete
// before any message referencing that state is sent.
func (s *Storage) SetHardState(hs raftpb.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.journal != nil {
		if err := s.journal.SaveHardState(hs); err != nil {
			return err
		}
	}
	s.hardState = hs
	return nil
}

// Entries implements raft.Storage: entries in [lo, hi), size-limited.
func (s *Storage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offset := s.ents[0].Index
	if lo <= offset {
		return nil, raft.ErrCompacted
	}
	if hi > s.lastIndex()+1 {
		return nil, raft.ErrUnavailable
	}
	// Only the dummy entry is retained.
	if len(s.ents) == 1 {
		return nil, raft.ErrUnavailable
	}

	ents := make([]raftpb.Entry, hi-lo)
	copy(ents, s.ents[lo-offset:hi-offset])
	return limitSize(ents, maxSize), nil
}

// Term implements raft.Storage.
func (s *Storage) Term(i uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offset := s.ents[0].Index
	if i < offset {
		return 0, raft.ErrCompacted
	}
	if int(i-offset) >= len(s.ents) {
		return 0, raft.ErrUnavailable
	}
	return s.ents[i-offset].Term, nil
}

// LastIndex implements raft.Storage.
func (s *Storage) LastIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIndex(), nil
}

// FirstIndex implements raft.Storage.
func (s *Storage) FirstIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstIndex(), nil
}

// Snapshot implements raft.Storage. While no snapshot has been captured yet
// it reports ErrSnapshotTemporarilyUnavailable and raft retries later.
func (s *Storage) Snapshot() (raftpb.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if raft.IsEmptySnap(s.snapshot) {
		return raftpb.Snapshot{}, raft.ErrSnapshotTemporarilyUnavailable
	}
	return s.snapshot, nil
}

// Append appends entries to the log tail. An entry whose index already
// exists replaces it and everything after it; raft only does this above the
// commit index.
func (s *Storage) Append(entries []raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	first := s.firstIndex()
	last := entries[0].Index + uint64(len(entries)) - 1

	// Entirely below the compaction point.
	if last < first {
		return nil
	}
	// Drop the compacted prefix of the incoming batch.
	if first > entries[0].Index {
		entries = entries[first-entries[0].Index:]
	}

	if s.journal != nil {
		if err := s.journal.AppendEntries(entries); err != nil {
			return err
		}
	}

	offset := entries[0].Index - s.ents[0].Index
	switch {
	case uint64(len(s.ents)) > offset:
		s.ents = append([]raftpb.Entry{}, s.ents[:offset]...)
		s.ents = append(s.ents, entries...)
	case uint64(len(s.ents)) == offset:
		s.ents = append(s.ents, entries...)
	default:
		return fmt.Errorf("log gap: last index %d, appending at %d", s.lastIndex(), entries[0].Index)
	}
	return nil
}

// ApplySnapshot installs a snapshot received from the leader, discarding the
// whole retained log.
func (s *Storage) ApplySnapshot(snap raftpb.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Metadata.Index <= s.snapshot.Metadata.Index {
		return raft.ErrSnapOutOfDate
	}

	s.snapshot = snap
	s.ents = []raftpb.Entry{{
		Index: snap.Metadata.Index,
		Term:  snap.Metadata.Term,
	}}

	if s.journal != nil {
		if err := s.journal.Rewrite(s.hardState, s.snapshot, nil); err != nil {
			return err
		}
	}
	return nil
}

// CreateSnapshot records a state machine snapshot covering everything up to
// and including index i. The caller compacts the log separately.
func (s *Storage) CreateSnapshot(i uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i <= s.snapshot.Metadata.Index {
		return raftpb.Snapshot{}, raft.ErrSnapOutOfDate
	}
	if i > s.lastIndex() {
		return raftpb.Snapshot{}, raft.ErrUnavailable
	}

	offset := s.ents[0].Index
	s.snapshot.Metadata.Index = i
	s.snapshot.Metadata.Term = s.ents[i-offset].Term
	if cs != nil {
		s.snapshot.Metadata.ConfState = *cs
	}
	s.snapshot.Data = data

	if s.journal != nil {
		tail := make([]raftpb.Entry, len(s.ents[i-offset+1:]))
		copy(tail, s.ents[i-offset+1:])
		if err := s.journal.Rewrite(s.hardState, s.snapshot, tail); err != nil {
			return raftpb.Snapshot{}, err
		}
	}
	return s.snapshot, nil
}

// Compact discards all entries with index <= compactIndex. No entry at or
// below the compaction point can be requested afterwards.
func (s *Storage) Compact(compactIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	offset := s.ents[0].Index
	if compactIndex <= offset {
		return raft.ErrCompacted
	}
	if compactIndex > s.lastIndex() {
		return raft.ErrUnavailable
	}

	i := compactIndex - offset
	ents := make([]raftpb.Entry, 1, uint64(len(s.ents))-i)
	ents[0] = raftpb.Entry{
		Index: s.ents[i].Index,
		Term:  s.ents[i].Term,
	}
	ents = append(ents, s.ents[i+1:]...)
	s.ents = ents
	return nil
}

func (s *Storage) firstIndex() uint64 {
	return s.ents[0].Index + 1
}

func (s *Storage) lastIndex() uint64 {
	return s.ents[0].Index + uint64(len(s.ents)) - 1
}

func limitSize(ents []raftpb.Entry, maxSize uint64) []raftpb.Entry {
	if len(ents) == 0 {
		return ents
	}
	size := ents[0].Size()
	limit := 1
	for ; limit < len(ents); limit++ {
		size += ents[limit].Size()
		if uint64(size) > maxSize {
			break
		}
	}
	return ents[:limit]
}
