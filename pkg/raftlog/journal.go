package raftlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const journalFileName = "raft.journal"

const (
	recHardState byte = iota + 1
	recEntry
	recSnapshot
)

// Journal is the append-only durable record of one replica's raft state:
// hard state, log entries and snapshots, in write order. Appends are flushed
// and fsynced before they return, so anything acknowledged by the journal
// survives a crash. A torn record at the tail (crash mid-write) is detected
// and dropped on replay.
type Journal struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *bufio.Writer
}

func OpenJournal(dir string) (*Journal, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty journal dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	path := filepath.Join(dir, journalFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}

	return &Journal{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// Replay reads the whole journal back and reconstructs the last durable hard
// state, snapshot, and the log tail above the snapshot. An entry record whose
// index already exists replaces it and everything after it, mirroring the
// raft append/truncate rule.
func (j *Journal) Replay() (raftpb.HardState, raftpb.Snapshot, []raftpb.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var (
		hs   raftpb.HardState
		snap raftpb.Snapshot
		ents []raftpb.Entry
	)

	if err := j.writer.Flush(); err != nil {
		return hs, snap, nil, fmt.Errorf("flush journal before replay: %w", err)
	}

	file, err := os.Open(j.path)
	if err != nil {
		return hs, snap, nil, fmt.Errorf("open journal for replay: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close journal read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	for {
		typ, payload, err := readRecord(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			slog.Warn("journal has a torn tail record, dropping it", "path", j.path)
			break
		}
		if err != nil {
			return hs, snap, nil, fmt.Errorf("read journal record: %w", err)
		}

		switch typ {
		case recHardState:
			var next raftpb.HardState
			if err := next.Unmarshal(payload); err != nil {
				return hs, snap, nil, fmt.Errorf("decode hard state record: %w", err)
			}
			hs = next

		case recEntry:
			var e raftpb.Entry
			if err := e.Unmarshal(payload); err != nil {
				return hs, snap, nil, fmt.Errorf("decode entry record: %w", err)
			}
			if e.Index <= snap.Metadata.Index {
				continue
			}
			for len(ents) > 0 && ents[len(ents)-1].Index >= e.Index {
				ents = ents[:len(ents)-1]
			}
			ents = append(ents, e)

		case recSnapshot:
			var next raftpb.Snapshot
			if err := next.Unmarshal(payload); err != nil {
				return hs, snap, nil, fmt.Errorf("decode snapshot record: %w", err)
			}
			snap = next
			kept := ents[:0]
			for _, e := range ents {
				if e.Index > snap.Metadata.Index {
					kept = append(kept, e)
				}
			}
			ents = kept

		default:
			return hs, snap, nil, fmt.Errorf("unknown journal record type %d", typ)
		}
	}

	return hs, snap, ents, nil
}

func (j *Journal) SaveHardState(hs raftpb.HardState) error {
	payload, err := hs.Marshal()
	if err != nil {
		return fmt.Errorf("marshal hard state: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writeRecord(recHardState, payload); err != nil {
		return err
	}
	return j.sync()
}

func (j *Journal) AppendEntries(ents []raftpb.Entry) error {
	if len(ents) == 0 {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	for i := range ents {
		payload, err := ents[i].Marshal()
		if err != nil {
			return fmt.Errorf("marshal entry %d: %w", ents[i].Index, err)
		}
		if err := j.writeRecord(recEntry, payload); err != nil {
			return err
		}
	}
	return j.sync()
}

// Rewrite replaces the journal with a compact image: the snapshot, the
// current hard state and the log tail. Used after snapshot capture so the
// file does not grow without bound. The swap is atomic via rename.
func (j *Journal) Rewrite(hs raftpb.HardState, snap raftpb.Snapshot, ents []raftpb.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tmpPath := j.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create journal rewrite file: %w", err)
	}

	writer := bufio.NewWriter(tmp)
	write := func(typ byte, payload []byte) error {
		return writeRecordTo(writer, typ, payload)
	}

	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}

	if !raft.IsEmptySnap(snap) {
		payload, err := snap.Marshal()
		if err != nil {
			return fail(fmt.Errorf("marshal snapshot: %w", err))
		}
		if err := write(recSnapshot, payload); err != nil {
			return fail(err)
		}
	}
	if !raft.IsEmptyHardState(hs) {
		payload, err := hs.Marshal()
		if err != nil {
			return fail(fmt.Errorf("marshal hard state: %w", err))
		}
		if err := write(recHardState, payload); err != nil {
			return fail(err)
		}
	}
	for i := range ents {
		payload, err := ents[i].Marshal()
		if err != nil {
			return fail(fmt.Errorf("marshal entry %d: %w", ents[i].Index, err))
		}
		if err := write(recEntry, payload); err != nil {
			return fail(err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fail(fmt.Errorf("flush rewritten journal: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync rewritten journal: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return fail(fmt.Errorf("close rewritten journal: %w", err))
	}

	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close old journal: %w", err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return fmt.Errorf("swap journal: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("reopen journal: %w", err)
	}
	j.file = file
	j.writer = bufio.NewWriter(file)
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.writer != nil {
		if err := j.writer.Flush(); err != nil {
			return fmt.Errorf("flush journal on close: %w", err)
		}
		j.writer = nil
	}
	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("close journal file: %w", err)
		}
		j.file = nil
	}
	return nil
}

func (j *Journal) writeRecord(typ byte, payload []byte) error {
	if j.writer == nil {
		return fmt.Errorf("journal is closed")
	}
	return writeRecordTo(j.writer, typ, payload)
}

func (j *Journal) sync() error {
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

func writeRecordTo(w *bufio.Writer, typ byte, payload []byte) error {
	if len(payload) > math.MaxUint32 {
		return fmt.Errorf("journal record too large: %d bytes", len(payload))
	}
	if err := w.WriteByte(typ); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readRecord(r *bufio.Reader) (byte, []byte, error) {
	typ, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}

	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return typ, payload, nil
}
