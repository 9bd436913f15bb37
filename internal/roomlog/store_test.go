package roomlog

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	store, err := Open(dir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAssignsContiguousIndices(t *testing.T) {
	store := openStore(t, t.TempDir())

	for i := 0; i < 10; i++ {
		index, err := store.Append("room-a", Record{ServerTime: uint64(1000 + i), Name: "n"})
		require.NoError(t, err)
		require.Equal(t, uint64(i), index)
	}

	count, err := store.Count("room-a")
	require.NoError(t, err)
	require.Equal(t, uint64(10), count)
}

func TestGetReturnsStoredRecord(t *testing.T) {
	store := openStore(t, t.TempDir())

	want := Record{ServerTime: 5000, ClientTime: 4980, Name: "abCD12-_", Payload: []byte{0xDE, 0xAD, 0x00}}
	_, err := store.Append("room-a", want)
	require.NoError(t, err)

	got, ok, err := store.Get("room-a", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)

	_, ok, err = store.Get("room-a", 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRoomsAreIndependent(t *testing.T) {
	store := openStore(t, t.TempDir())

	for _, room := range []string{"a", "b", "a", "a", "b"} {
		_, err := store.Append(room, Record{Name: room})
		require.NoError(t, err)
	}

	countA, err := store.Count("a")
	require.NoError(t, err)
	require.Equal(t, uint64(3), countA)

	countB, err := store.Count("b")
	require.NoError(t, err)
	require.Equal(t, uint64(2), countB)
}

func TestReopenRestoresOffsets(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)
	for i := 0; i < 5; i++ {
		_, err := store.Append("room-a", Record{ServerTime: uint64(i), Name: "n", Payload: []byte{byte(i)}})
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	reopened := openStore(t, dir)
	count, err := reopened.Count("room-a")
	require.NoError(t, err)
	require.Equal(t, uint64(5), count)

	rec, ok, err := reopened.Get("room-a", 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{3}, rec.Payload)

	index, err := reopened.Append("room-a", Record{Name: "n"})
	require.NoError(t, err)
	require.Equal(t, uint64(5), index)
}

func TestMissingIndexIsRebuiltFromData(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)
	for i := 0; i < 4; i++ {
		_, err := store.Append("room-a", Record{ServerTime: uint64(i), Name: "n"})
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())
	require.NoError(t, os.Remove(filepath.Join(dir, "room-a.idx")))

	reopened := openStore(t, dir)
	count, err := reopened.Count("room-a")
	require.NoError(t, err)
	require.Equal(t, uint64(4), count)

	rec, ok, err := reopened.Get("room-a", 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), rec.ServerTime)
}

func TestRebuildTruncatesPartialTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)
	for i := 0; i < 3; i++ {
		_, err := store.Append("room-a", Record{ServerTime: uint64(i), Name: "n"})
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())
	require.NoError(t, os.Remove(filepath.Join(dir, "room-a.idx")))

	// Fake a crash mid-append: a record length prefix with half a body.
	datPath := filepath.Join(dir, "room-a.dat")
	dat, err := os.OpenFile(datPath, os.O_RDWR|os.O_APPEND, 0o644)
	require.NoError(t, err)
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], 100)
	_, err = dat.Write(append(prefix[:], 0x01, 0x02, 0x03))
	require.NoError(t, err)
	require.NoError(t, dat.Close())

	reopened := openStore(t, dir)
	count, err := reopened.Count("room-a")
	require.NoError(t, err)
	require.Equal(t, uint64(3), count)

	index, err := reopened.Append("room-a", Record{ServerTime: 3, Name: "n"})
	require.NoError(t, err)
	require.Equal(t, uint64(3), index)

	rec, ok, err := reopened.Get("room-a", 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(3), rec.ServerTime)
}

func TestCorruptIndexIsFatal(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)
	_, err := store.Append("room-a", Record{Name: "n"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	idxPath := filepath.Join(dir, "room-a.idx")
	require.NoError(t, os.WriteFile(idxPath, []byte{1, 2, 3}, 0o644))

	reopened := openStore(t, dir)
	_, err = reopened.Count("room-a")
	require.ErrorIs(t, err, ErrCorruptIndex)
}

func TestInvalidRoomNamesAreRejected(t *testing.T) {
	store := openStore(t, t.TempDir())
	for _, room := range []string{"", "a/b", `a\b`, ".", ".."} {
		_, err := store.Append(room, Record{Name: "n"})
		require.ErrorIs(t, err, ErrInvalidRoom, "room %q", room)
	}
}
