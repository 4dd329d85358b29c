package sections

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/maidsafe/sn-node/model/safe"
)

// chainLogFile is the on-disk chain location relative to the node root.
const chainLogFile = "chain/keys.log"

// ChainLog persists chain links as length-prefixed CBOR records applied in
// order on startup. Appends are fsynced before Extend results are acted on.
type ChainLog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenChainLog opens (creating if needed) the chain log under rootDir and
// replays every stored link into the chain. A truncated trailing record,
// left by a crash mid-append, is discarded; any other decoding failure is
// surfaced as corrupted local state.
func OpenChainLog(rootDir string, chain *Chain) (*ChainLog, error) {
	path := filepath.Join(rootDir, chainLogFile)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("could not create chain dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("could not open chain log: %w", err)
	}

	valid, err := replayChainLog(file, chain)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	if err := file.Truncate(valid); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("could not truncate chain log: %w", err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("could not seek chain log: %w", err)
	}

	return &ChainLog{file: file}, nil
}

func replayChainLog(file *os.File, chain *Chain) (int64, error) {
	var offset int64
	for {
		var header [4]byte
		_, err := io.ReadFull(file, header[:])
		if err == io.EOF {
			return offset, nil
		}
		if err == io.ErrUnexpectedEOF {
			return offset, nil
		}
		if err != nil {
			return 0, fmt.Errorf("could not read chain log header: %w", err)
		}

		size := binary.BigEndian.Uint32(header[:])
		data := make([]byte, size)
		if _, err := io.ReadFull(file, data); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return offset, nil
			}
			return 0, fmt.Errorf("could not read chain log record: %w", err)
		}

		var link safe.ChainLink
		if err := cbor.Unmarshal(data, &link); err != nil {
			return 0, safe.WrapError(safe.KindInvalidState, err, "corrupt chain log record")
		}
		if err := chain.Extend(link); err != nil {
			return 0, safe.WrapError(safe.KindInvalidState, err, "chain log replay rejected")
		}
		offset += int64(4 + size)
	}
}

// Append durably records one link.
func (l *ChainLog) Append(link safe.ChainLink) error {
	data, err := cbor.Marshal(link)
	if err != nil {
		return fmt.Errorf("could not encode chain link: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := l.file.Write(header[:]); err != nil {
		return fmt.Errorf("could not append chain log header: %w", err)
	}
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("could not append chain log record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("could not sync chain log: %w", err)
	}
	return nil
}

// Close releases the underlying file.
func (l *ChainLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
