package membership

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v4"

	"github.com/maidsafe/sn-node/model/safe"
)

const (
	snapshotFile = "members/current.dat"
	walFile      = "members/wal.log"
)

// Snapshot is the persisted form of the membership record.
type Snapshot struct {
	Prefix  safe.Prefix
	Members []safe.NodeState
}

// WAL persists the membership record: a msgpack snapshot plus a write-ahead
// log of changes applied since. Startup replays the WAL into the snapshot
// before the node accepts traffic.
type WAL struct {
	mu       sync.Mutex
	snapPath string
	walPath  string
	walF     *os.File
}

// OpenWAL opens the membership persistence under rootDir.
func OpenWAL(rootDir string) (*WAL, error) {
	snapPath := filepath.Join(rootDir, snapshotFile)
	walPath := filepath.Join(rootDir, walFile)
	if err := os.MkdirAll(filepath.Dir(snapPath), 0700); err != nil {
		return nil, fmt.Errorf("could not create members dir: %w", err)
	}
	walF, err := os.OpenFile(walPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("could not open membership WAL: %w", err)
	}
	return &WAL{snapPath: snapPath, walPath: walPath, walF: walF}, nil
}

// Recover loads the snapshot, replays the WAL onto the record and compacts
// the result back into the snapshot. It must run before the record is used.
func (w *WAL) Recover(record *Record) error {
	raw, err := os.ReadFile(w.snapPath)
	if err == nil {
		var snap Snapshot
		if err := msgpack.Unmarshal(raw, &snap); err != nil {
			return safe.WrapError(safe.KindInvalidState, err, "corrupt membership snapshot")
		}
		record.Restore(snap)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("could not read membership snapshot: %w", err)
	}

	changes, err := w.readChanges()
	if err != nil {
		return err
	}
	for _, change := range changes {
		// replay bypasses the WAL to avoid re-appending
		record.mu.Lock()
		_, err := record.applyLocked(change)
		record.mu.Unlock()
		if err != nil {
			return safe.WrapError(safe.KindInvalidState, err, "membership WAL replay rejected")
		}
	}

	return w.Snapshot(record.SnapshotState())
}

func (w *WAL) readChanges() ([]Change, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.walF.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("could not seek membership WAL: %w", err)
	}

	var changes []Change
	for {
		var header [4]byte
		_, err := io.ReadFull(w.walF, header[:])
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return changes, nil
		}
		if err != nil {
			return nil, fmt.Errorf("could not read membership WAL: %w", err)
		}
		data := make([]byte, binary.BigEndian.Uint32(header[:]))
		if _, err := io.ReadFull(w.walF, data); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				// torn tail record from a crash mid-append
				return changes, nil
			}
			return nil, fmt.Errorf("could not read membership WAL record: %w", err)
		}
		change, err := DecodeChange(data)
		if err != nil {
			return nil, safe.WrapError(safe.KindInvalidState, err, "corrupt membership WAL record")
		}
		changes = append(changes, change)
	}
}

// AppendChange durably logs one agreed change.
func (w *WAL) AppendChange(change Change) error {
	data, err := change.Encode()
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.walF.Write(header[:]); err != nil {
		return fmt.Errorf("could not append membership WAL header: %w", err)
	}
	if _, err := w.walF.Write(data); err != nil {
		return fmt.Errorf("could not append membership WAL record: %w", err)
	}
	if err := w.walF.Sync(); err != nil {
		return fmt.Errorf("could not sync membership WAL: %w", err)
	}
	return nil
}

// Snapshot atomically replaces the on-disk snapshot and truncates the WAL.
func (w *WAL) Snapshot(snap Snapshot) error {
	data, err := msgpack.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("could not encode membership snapshot: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	tmp := w.snapPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("could not create snapshot temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("could not write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("could not sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("could not close snapshot: %w", err)
	}
	if err := os.Rename(tmp, w.snapPath); err != nil {
		return fmt.Errorf("could not publish snapshot: %w", err)
	}

	if err := w.walF.Truncate(0); err != nil {
		return fmt.Errorf("could not truncate membership WAL: %w", err)
	}
	if _, err := w.walF.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("could not seek membership WAL: %w", err)
	}
	return nil
}

// Close releases the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.walF.Close()
}
