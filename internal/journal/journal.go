package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hemobras/esocial/internal/telemetry"
	"github.com/klauspost/compress/zstd"
	"github.com/minio/crc64nvme"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// Journal file format constants
	journalMagic   = "ESJRN001"
	journalVersion = uint32(1)
	headerSize     = 16 // 8 bytes magic + 4 bytes version + 4 bytes payload length
	crcSize        = 8

	fileExt = ".json.zst"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("journal entry not found")
	ErrCorrupt  = errors.New("journal entry corrupt")
)

// Kind is the exchange recorded by an entry.
type Kind string

const (
	KindSign   Kind = "sign"
	KindSubmit Kind = "submit"
	KindQuery  Kind = "query"
)

// Entry is one recorded exchange.
type Entry struct {
	ID         string        `json:"id"`
	Kind       Kind          `json:"kind"`
	URL        string        `json:"url,omitempty"`
	ElementID  string        `json:"element_id,omitempty"`
	Protocol   string        `json:"protocol,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	Request    string        `json:"request"`
	Response   string        `json:"response,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Checksum   uint64        `json:"-"`
}

// Summary is the listing view of an entry.
type Summary struct {
	ID         string
	Kind       Kind
	StatusCode int
	Error      string
	StartedAt  time.Time
	Size       int64
}

// Journal stores every exchange as a zstd compressed, checksummed file in one directory.
type Journal struct {
	dir string
	mu  sync.Mutex
}

// Open creates the journal directory if needed.
func Open(dir string) (*Journal, error) {
	if dir == "" {
		return nil, errors.New("journal directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	return &Journal{dir: dir}, nil
}

// Dir returns the journal directory.
func (j *Journal) Dir() string {
	return j.dir
}

// Record writes entry, assigning an ID when it has none.
func (j *Journal) Record(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.Must(uuid.NewV7()).String()
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = time.Now()
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	record := buildRecord(payload)
	entry.Checksum = binary.LittleEndian.Uint64(record[len(record)-crcSize:])

	j.mu.Lock()
	defer j.mu.Unlock()

	path := j.path(entry.ID)
	written, err := writeCompressed(path, record)
	if err != nil {
		return err
	}

	metrics := telemetry.GetMetrics()
	kindAttr := metric.WithAttributes(attribute.String("kind", string(entry.Kind)))
	metrics.JournalEntriesTotal.Add(ctx, 1, kindAttr)
	metrics.JournalBytesWritten.Add(ctx, written, kindAttr)

	log.Debug().
		Str("entry_id", entry.ID).
		Str("kind", string(entry.Kind)).
		Int("original_bytes", len(record)).
		Int64("compressed_bytes", written).
		Msg("journal entry written")

	return nil
}

// Read loads and validates one entry.
func (j *Journal) Read(id string) (*Entry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	data, err := readCompressed(j.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}

	payload, crc, err := parseRecord(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, id, err)
	}

	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, id, err)
	}
	entry.Checksum = crc

	return &entry, nil
}

// List returns the entries newest first. Unreadable files are skipped with a warning.
func (j *Journal) List() ([]Summary, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal directory: %w", err)
	}

	var summaries []Summary
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), fileExt) {
			continue
		}

		id := strings.TrimSuffix(de.Name(), fileExt)
		entry, err := j.Read(id)
		if err != nil {
			log.Warn().Err(err).Str("file", de.Name()).Msg("Skipping unreadable journal entry")
			continue
		}

		var size int64
		if info, err := de.Info(); err == nil {
			size = info.Size()
		}

		summaries = append(summaries, Summary{
			ID:         entry.ID,
			Kind:       entry.Kind,
			StatusCode: entry.StatusCode,
			Error:      entry.Error,
			StartedAt:  entry.StartedAt,
			Size:       size,
		})
	}

	sort.Slice(summaries, func(a, b int) bool {
		return summaries[a].StartedAt.After(summaries[b].StartedAt)
	})

	return summaries, nil
}

// Cleanup removes entries older than the retention period and returns how many were deleted.
func (j *Journal) Cleanup(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		log.Debug().Msg("Journal cleanup disabled (retentionDays <= 0)")
		return 0, nil
	}

	cutoffTime := time.Now().AddDate(0, 0, -retentionDays)

	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read journal directory: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	deletedCount := 0
	deletedBytes := int64(0)

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExt) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to get file info, skipping")
			continue
		}

		if !info.ModTime().Before(cutoffTime) {
			continue
		}

		filePath := filepath.Join(j.dir, entry.Name())
		if err := os.Remove(filePath); err != nil {
			log.Warn().Err(err).Str("file", filePath).Msg("Failed to delete old journal entry")
			continue
		}

		deletedCount++
		deletedBytes += info.Size()
	}

	if deletedCount > 0 {
		log.Info().
			Str("journal_dir", j.dir).
			Int("deleted_files", deletedCount).
			Int64("deleted_bytes", deletedBytes).
			Msg("Journal cleanup completed")
	}

	return deletedCount, nil
}

func (j *Journal) path(id string) string {
	return filepath.Join(j.dir, id+fileExt)
}

// buildRecord frames payload as:
// - Magic (8 bytes)
// - Version (4 bytes, uint32)
// - Payload length (4 bytes, uint32)
// - Payload (variable) - JSON encoded Entry
// - CRC64 (8 bytes, uint64) - CRC64-NVME checksum of the payload
func buildRecord(payload []byte) []byte {
	buf := new(bytes.Buffer)
	buf.WriteString(journalMagic)
	_ = binary.Write(buf, binary.LittleEndian, journalVersion)
	//nolint:gosec // payload size is bounded by the transport response limit
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(payload)))
	buf.Write(payload)
	_ = binary.Write(buf, binary.LittleEndian, computeCRC64(payload))
	return buf.Bytes()
}

func parseRecord(data []byte) ([]byte, uint64, error) {
	if len(data) < headerSize+crcSize {
		return nil, 0, errors.New("record too short")
	}
	if string(data[0:8]) != journalMagic {
		return nil, 0, errors.New("bad magic")
	}
	if v := binary.LittleEndian.Uint32(data[8:12]); v != journalVersion {
		return nil, 0, fmt.Errorf("unsupported version %d", v)
	}

	length := int(binary.LittleEndian.Uint32(data[12:16]))
	if len(data) != headerSize+length+crcSize {
		return nil, 0, fmt.Errorf("length mismatch: header says %d, have %d", length, len(data)-headerSize-crcSize)
	}

	payload := data[headerSize : headerSize+length]
	want := binary.LittleEndian.Uint64(data[headerSize+length:])
	if got := computeCRC64(payload); got != want {
		return nil, 0, fmt.Errorf("checksum mismatch: expected %x, got %x", want, got)
	}

	return payload, want, nil
}

// computeCRC64 computes CRC64-NVME checksum
func computeCRC64(data []byte) uint64 {
	h := crc64nvme.New()
	h.Write(data)
	return h.Sum64()
}

// writeCompressed writes data zstd compressed to path through a temporary file.
func writeCompressed(path string, data []byte) (int64, error) {
	tmp := path + ".tmp"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create journal file: %w", err)
	}

	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		dst.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to create encoder: %w", err)
	}

	if _, err := enc.Write(data); err != nil {
		enc.Close()
		dst.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to compress: %w", err)
	}

	if err := enc.Close(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to close encoder: %w", err)
	}

	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to close journal file: %w", err)
	}

	info, err := os.Stat(tmp)
	if err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to stat journal file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to move journal file: %w", err)
	}

	return info.Size(), nil
}

func readCompressed(path string) ([]byte, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	dec, err := zstd.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decompress: %w", ErrCorrupt, err)
	}
	return data, nil
}
