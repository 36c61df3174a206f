package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAppendReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log-1")
	log, err := openAppendLog(path, true)
	require.NoError(t, err)

	records := []*LogRecord{
		{Seq: 1, Op: OpInsert, ID: "a", Vector: []float32{1, 2, 3},
			Payload: map[string]interface{}{"title": "first"}},
		{Seq: 2, Op: OpInsert, ID: "b", Vector: []float32{4, 5, 6},
			Sparse: []SparsePair{{Index: 7, Weight: 0.5}}},
		{Seq: 3, Op: OpDelete, ID: "a"},
		{Seq: 4, Op: OpUpdatePayload, ID: "b", Payload: map[string]interface{}{"title": "second"}},
	}
	for _, rec := range records {
		require.NoError(t, log.append(rec))
	}
	require.NoError(t, log.close())

	got, torn, err := readLog(path)
	require.NoError(t, err)
	assert.False(t, torn)
	require.Len(t, got, len(records))

	for i, rec := range records {
		assert.Equal(t, rec.Seq, got[i].Seq)
		assert.Equal(t, rec.Op, got[i].Op)
		assert.Equal(t, rec.ID, got[i].ID)
	}
	assert.Equal(t, []float32{1, 2, 3}, got[0].Vector)
	assert.Equal(t, "first", got[0].Payload["title"])
	assert.Equal(t, SparsePair{Index: 7, Weight: 0.5}, got[1].Sparse[0])
}

func TestLogMissingFileReadsEmpty(t *testing.T) {
	got, torn, err := readLog(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.False(t, torn)
	assert.Empty(t, got)
}

func TestLogTornTailDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log-1")
	log, err := openAppendLog(path, true)
	require.NoError(t, err)

	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, log.append(&LogRecord{Seq: seq, Op: OpInsert, ID: "x", Vector: []float32{1}}))
	}
	require.NoError(t, log.close())

	// Cut the last 3 bytes of the final record: its frame is short, so
	// reading stops there and the previous record is the last one kept.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	got, torn, err := readLog(path)
	require.NoError(t, err)
	assert.True(t, torn, "truncated record must be reported as torn")
	require.Len(t, got, 4)
	assert.Equal(t, uint64(4), got[3].Seq)
}

func TestLogCorruptedByteDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log-1")
	log, err := openAppendLog(path, true)
	require.NoError(t, err)
	require.NoError(t, log.append(&LogRecord{Seq: 1, Op: OpInsert, ID: "x", Vector: []float32{1, 2}}))
	require.NoError(t, log.append(&LogRecord{Seq: 2, Op: OpInsert, ID: "y", Vector: []float32{3, 4}}))
	require.NoError(t, log.close())

	// Flip a byte inside the first record's payload.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[10] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	got, torn, err := readLog(path)
	require.NoError(t, err)
	assert.True(t, torn)
	// The corruption point is the tail: everything after it is ignored,
	// even if physically intact.
	assert.Empty(t, got)
}

func TestChecksumCoversTagAndPayload(t *testing.T) {
	a := Checksum([]byte{1}, []byte("payload"))
	b := Checksum([]byte{2}, []byte("payload"))
	assert.NotEqual(t, a, b, "op tag must be covered by the checksum")
}
