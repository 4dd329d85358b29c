package membership

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maidsafe/sn-node/model/safe"
	"github.com/maidsafe/sn-node/utils/unittest"
)

func TestWALRecoverReplaysChanges(t *testing.T) {
	dir := t.TempDir()

	wal, err := OpenWAL(dir)
	require.NoError(t, err)

	record := NewRecord(unittest.Logger(), safe.EmptyPrefix(), safe.DefaultElderCount, wal)
	peers := unittest.PeersFixture(8)
	for _, peer := range peers {
		_, err := record.Apply(Change{Kind: ChangeJoin, Peer: peer})
		require.NoError(t, err)
	}
	_, err = record.Apply(Change{Kind: ChangeLeave, Name: peers[0].Name})
	require.NoError(t, err)
	require.NoError(t, wal.Close())

	// a restart rebuilds the same membership
	wal, err = OpenWAL(dir)
	require.NoError(t, err)
	defer wal.Close()

	restored := NewRecord(unittest.Logger(), safe.EmptyPrefix(), safe.DefaultElderCount, wal)
	require.NoError(t, wal.Recover(restored))

	assert.Len(t, restored.Joined(), 7)
	assert.False(t, restored.IsJoined(peers[0].Name))
	for _, peer := range peers[1:] {
		assert.True(t, restored.IsJoined(peer.Name))
	}
}

func TestWALSnapshotCompactsLog(t *testing.T) {
	dir := t.TempDir()

	wal, err := OpenWAL(dir)
	require.NoError(t, err)
	defer wal.Close()

	record := NewRecord(unittest.Logger(), safe.EmptyPrefix(), safe.DefaultElderCount, wal)
	for _, peer := range unittest.PeersFixture(8) {
		_, err := record.Apply(Change{Kind: ChangeJoin, Peer: peer})
		require.NoError(t, err)
	}

	require.NoError(t, wal.Snapshot(record.SnapshotState()))

	// the log is empty after compaction, the snapshot carries the state
	info, err := os.Stat(filepath.Join(dir, walFile))
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	restored := NewRecord(unittest.Logger(), safe.EmptyPrefix(), safe.DefaultElderCount, wal)
	require.NoError(t, wal.Recover(restored))
	assert.Len(t, restored.Joined(), 8)
}

func TestWALRecoverDiscardsTornTail(t *testing.T) {
	dir := t.TempDir()

	wal, err := OpenWAL(dir)
	require.NoError(t, err)
	record := NewRecord(unittest.Logger(), safe.EmptyPrefix(), safe.DefaultElderCount, wal)
	peers := unittest.PeersFixture(2)
	for _, peer := range peers {
		_, err := record.Apply(Change{Kind: ChangeJoin, Peer: peer})
		require.NoError(t, err)
	}
	require.NoError(t, wal.Close())

	// chop into the second record, as a crash mid-append would
	path := filepath.Join(dir, walFile)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	wal, err = OpenWAL(dir)
	require.NoError(t, err)
	defer wal.Close()

	restored := NewRecord(unittest.Logger(), safe.EmptyPrefix(), safe.DefaultElderCount, wal)
	require.NoError(t, wal.Recover(restored))
	assert.True(t, restored.IsJoined(peers[0].Name))
	assert.False(t, restored.IsJoined(peers[1].Name))
}

func TestWALRecoverRejectsCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()

	wal, err := OpenWAL(dir)
	require.NoError(t, err)
	defer wal.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, snapshotFile), []byte("not msgpack"), 0600))

	record := NewRecord(unittest.Logger(), safe.EmptyPrefix(), safe.DefaultElderCount, wal)
	err = wal.Recover(record)
	assert.Equal(t, safe.KindInvalidState, safe.KindOf(err))
}
