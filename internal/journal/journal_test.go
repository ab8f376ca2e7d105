package journal

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournal_RecordRead(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)

	entry := &Entry{
		Kind:       KindSubmit,
		URL:        "https://example.test/envio",
		StatusCode: 200,
		Request:    "<eSocial>lote</eSocial>",
		Response:   "<eSocial>retorno</eSocial>",
		Duration:   150 * time.Millisecond,
	}
	require.NoError(t, j.Record(context.Background(), entry))
	require.NotEmpty(t, entry.ID)
	require.NotZero(t, entry.Checksum)

	_, err = os.Stat(filepath.Join(j.Dir(), entry.ID+".json.zst"))
	require.NoError(t, err)

	got, err := j.Read(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.Kind, got.Kind)
	assert.Equal(t, entry.URL, got.URL)
	assert.Equal(t, entry.Request, got.Request)
	assert.Equal(t, entry.Response, got.Response)
	assert.Equal(t, entry.Duration, got.Duration)
	assert.Equal(t, entry.Checksum, got.Checksum)
	assert.True(t, entry.StartedAt.Equal(got.StartedAt))
}

func TestJournal_ReadNotFound(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = j.Read("0190c2a4-0000-7000-8000-000000000000")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = j.Read("../../etc/passwd")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestJournal_CorruptEntry(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)

	entry := &Entry{Kind: KindQuery, Protocol: "1.2.202401.0000000000000000001", Request: "<q/>"}
	require.NoError(t, j.Record(context.Background(), entry))

	path := j.path(entry.ID)
	data, err := readCompressed(path)
	require.NoError(t, err)

	// flip one payload byte and keep the stored checksum
	data[headerSize+2] ^= 0xff
	_, err = writeCompressed(path, data)
	require.NoError(t, err)

	_, err = j.Read(entry.ID)
	require.ErrorIs(t, err, ErrCorrupt)

	summaries, err := j.List()
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestJournal_List(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)

	base := time.Now().Add(-time.Hour)
	for i, kind := range []Kind{KindSign, KindSubmit, KindQuery} {
		require.NoError(t, j.Record(context.Background(), &Entry{
			Kind:      kind,
			Request:   "<x/>",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	// files that are not journal entries are ignored
	//nolint:gosec // Test files can use 0644 permissions
	require.NoError(t, os.WriteFile(filepath.Join(j.Dir(), "notes.txt"), []byte("x"), 0644))

	summaries, err := j.List()
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	assert.Equal(t, KindQuery, summaries[0].Kind)
	assert.Equal(t, KindSign, summaries[2].Kind)
	assert.Positive(t, summaries[0].Size)
}

func TestJournal_Cleanup(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)

	oldEntry := &Entry{Kind: KindSubmit, Request: "<old/>"}
	recentEntry := &Entry{Kind: KindSubmit, Request: "<recent/>"}
	require.NoError(t, j.Record(context.Background(), oldEntry))
	require.NoError(t, j.Record(context.Background(), recentEntry))

	// Set old file's mod time to 31 days ago
	oldTime := time.Now().AddDate(0, 0, -31)
	require.NoError(t, os.Chtimes(j.path(oldEntry.ID), oldTime, oldTime))

	deleted, err := j.Cleanup(30)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = j.Read(oldEntry.ID)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = j.Read(recentEntry.ID)
	require.NoError(t, err)

	t.Run("disabled", func(t *testing.T) {
		deleted, err := j.Cleanup(0)
		require.NoError(t, err)
		assert.Zero(t, deleted)
	})
}

func TestBuildRecord(t *testing.T) {
	payload := []byte(`{"id":"x"}`)
	record := buildRecord(payload)

	assert.Equal(t, journalMagic, string(record[0:8]))
	assert.Equal(t, journalVersion, binary.LittleEndian.Uint32(record[8:12]))
	//nolint:gosec // len(payload) is small in tests
	assert.Equal(t, uint32(len(payload)), binary.LittleEndian.Uint32(record[12:16]))

	got, crc, err := parseRecord(record)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, computeCRC64(payload), crc)

	_, _, err = parseRecord(record[:len(record)-1])
	require.Error(t, err)
}

func TestComputeCRC64(t *testing.T) {
	data := []byte("hello world")
	crc1 := computeCRC64(data)
	crc2 := computeCRC64(data)

	// CRC should be deterministic
	assert.Equal(t, crc1, crc2)
	assert.NotZero(t, crc1)

	// Different data should have different CRC
	assert.NotEqual(t, crc1, computeCRC64([]byte("hello world!")))
}

func TestOpen_requiresDir(t *testing.T) {
	_, err := Open("")
	require.Error(t, err)
}
