package timeindex

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexusarchive/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// buildIndex creates entries with min timestamps 100, 200, ... and max = min+50.
func buildIndex(t *testing.T, n int) *Index {
	t.Helper()
	idx := New(testOptions())
	offset := int64(core.SegmentHeaderSize)
	for i := 0; i < n; i++ {
		minTs := int64(100 * (i + 1))
		require.NoError(t, idx.Append(Entry{MinTs: minTs, MaxTs: minTs + 50, Offset: offset, Length: 64, Records: 10}))
		offset += 64
	}
	return idx
}

func TestIndex_Floor(t *testing.T) {
	idx := buildIndex(t, 5)

	testCases := []struct {
		name string
		ts   int64
		pos  int
	}{
		{"before all data", 1, 0},
		{"exact first", 100, 0},
		{"inside first", 120, 0},
		{"between batches", 175, 0},
		{"exact third", 300, 2},
		{"between third and fourth", 399, 2},
		{"exact last", 500, 4},
		{"past the last", 10_000, 4},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pos, ok := idx.Floor(tc.ts)
			require.True(t, ok)
			assert.Equal(t, tc.pos, pos)
		})
	}

	// Exhaustive property: Floor returns the last entry whose MinTs <= ts.
	entries := idx.Entries()
	for ts := int64(0); ts <= 700; ts++ {
		pos, ok := idx.Floor(ts)
		require.True(t, ok)
		want := 0
		for i, e := range entries {
			if e.MinTs <= ts {
				want = i
			}
		}
		require.Equal(t, want, pos, "ts=%d", ts)
	}
}

func TestIndex_Empty(t *testing.T) {
	idx := New(testOptions())
	_, ok := idx.Floor(10)
	assert.False(t, ok)
	_, _, ok = idx.Lookup(10)
	assert.False(t, ok)
	_, ok = idx.Last()
	assert.False(t, ok)
	assert.Equal(t, int64(0), idx.End())
}

func TestIndex_LookupWalksBackOverEqualTimestamps(t *testing.T) {
	idx := New(testOptions())
	require.NoError(t, idx.Append(Entry{MinTs: 100, MaxTs: 200, Offset: 32, Length: 10}))
	require.NoError(t, idx.Append(Entry{MinTs: 200, MaxTs: 200, Offset: 42, Length: 10}))
	require.NoError(t, idx.Append(Entry{MinTs: 200, MaxTs: 300, Offset: 52, Length: 10}))
	require.NoError(t, idx.Append(Entry{MinTs: 400, MaxTs: 400, Offset: 62, Length: 10}))

	floor, _ := idx.Floor(200)
	assert.Equal(t, 2, floor)

	e, pos, ok := idx.Lookup(200)
	require.True(t, ok)
	assert.Equal(t, 0, pos, "first record at 200 lives in the first batch")
	assert.Equal(t, int64(32), e.Offset)

	_, pos, _ = idx.Lookup(250)
	assert.Equal(t, 2, pos)

	_, pos, _ = idx.Lookup(350)
	assert.Equal(t, 2, pos)
}

func TestIndex_AppendRejectsDisorder(t *testing.T) {
	idx := buildIndex(t, 2)
	last, _ := idx.Last()

	err := idx.Append(Entry{MinTs: last.MaxTs - 1, MaxTs: last.MaxTs + 10, Offset: last.End(), Length: 8})
	assert.ErrorIs(t, err, core.ErrOutOfOrder)

	err = idx.Append(Entry{MinTs: last.MaxTs + 1, MaxTs: last.MaxTs + 2, Offset: last.Offset, Length: 8})
	assert.ErrorIs(t, err, core.ErrOutOfOrder)

	err = idx.Append(Entry{MinTs: 10, MaxTs: 5, Offset: last.End(), Length: 8})
	assert.ErrorIs(t, err, core.ErrOutOfOrder)
	assert.Equal(t, 2, idx.Len())
}

func TestIndex_TruncateAndPosOf(t *testing.T) {
	idx := buildIndex(t, 4)
	entries := idx.Entries()

	pos, ok := idx.PosOf(entries[2].Offset)
	require.True(t, ok)
	assert.Equal(t, 2, pos)
	_, ok = idx.PosOf(entries[2].Offset + 1)
	assert.False(t, ok)

	dropped := idx.TruncateFrom(entries[2].End() - 1)
	assert.Equal(t, 2, dropped)
	assert.Equal(t, 2, idx.Len())
	assert.Equal(t, entries[1].End(), idx.End())
}

func TestSidecar_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.nxa.idx")
	idx := buildIndex(t, 3)
	meta := Meta{SessionID: core.NewSessionID(), CoveredEnd: idx.End()}

	require.NoError(t, idx.Save(path, meta))
	loaded, gotMeta, err := Load(path, testOptions())
	require.NoError(t, err)
	assert.Equal(t, meta, gotMeta)
	assert.Equal(t, idx.Entries(), loaded.Entries())
}

func TestSidecar_Missing(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "none.idx"), testOptions())
	assert.ErrorIs(t, err, core.ErrIndexMissing)
}

func TestSidecar_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.nxa.idx")
	idx := buildIndex(t, 3)
	require.NoError(t, idx.Save(path, Meta{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[sidecarHeaderSize+3] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, _, err = Load(path, testOptions())
	assert.ErrorIs(t, err, core.ErrIndexCorrupt)

	require.NoError(t, os.WriteFile(path, data[:10], 0644))
	_, _, err = Load(path, testOptions())
	assert.ErrorIs(t, err, core.ErrIndexCorrupt)
}

func TestSidecar_NewerVersion(t *testing.T) {
	idx := buildIndex(t, 1)
	data := idx.MarshalBinary(Meta{})
	data[4] = core.FormatVersion + 1
	// Re-seal the checksum so only the version is wrong.
	body := data[:len(data)-core.ChecksumSize]
	fixed := binary.LittleEndian.AppendUint32(append([]byte(nil), body...), crc32.ChecksumIEEE(body))
	_, _, err := Unmarshal(fixed, testOptions())
	assert.ErrorIs(t, err, core.ErrUnsupportedFormat)
}
