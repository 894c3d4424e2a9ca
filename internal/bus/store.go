package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// MemoryStore keeps rows in memory only, useful for tests and ephemeral
// devices that do not need durability across restarts.
type MemoryStore struct {
	mu   sync.Mutex
	rows []Row
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append records row in memory.
func (m *MemoryStore) Append(row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, row)
	return nil
}

// Load returns every row recorded so far.
func (m *MemoryStore) Load() ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Row(nil), m.rows...), nil
}

// Manifest describes the on-disk layout of a FileStore's segment, following
// the same JSON sidecar pattern used for replay bundles.
type Manifest struct {
	Version  int    `json:"version"`
	LogPath  string `json:"log_path"`
	Encoding string `json:"encoding"`
}

// FileStore persists rows to a single snappy-compressed, newline-delimited
// JSON segment file, plus a small JSON manifest. Load reads back only that
// snappy segment; the zstd checkpoint written by Compact is not read.
type FileStore struct {
	mu   sync.Mutex
	dir  string
	path string
}

// NewFileStore prepares the storage directory for a bus log rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("bus: file store directory must be provided")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "events.jsonl.sz")
	manifest := Manifest{Version: 1, LogPath: filepath.Base(path), Encoding: "snappy"}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, path: path}, nil
}

// Append opens the segment file for append, writes one snappy-compressed
// JSON line, and closes it. Opening per-append trades throughput for
// simplicity and crash-safety: a partially-written append never corrupts
// previously durable rows.
func (f *FileStore) Append(row Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := snappy.NewBufferedWriter(file)
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	if _, err := writer.Write(append(data, '\n')); err != nil {
		return err
	}
	return writer.Close()
}

// Load decompresses the segment file and parses every newline-delimited row.
func (f *FileStore) Load() ([]Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	reader := snappy.NewReader(file)
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var rows []Row
	for scanner.Scan() {
		var row Row
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			return nil, fmt.Errorf("bus: decode row: %w", err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

// Compact writes rows to a separate zstd-compressed checkpoint file
// (checkpoint.jsonl.zst) beside the log; the snappy segment file is left
// unchanged and remains what Load reads. This mirrors the replay
// pipeline's split between a high-frequency event stream and a compacted
// checkpoint artifact.
func (f *FileStore) Compact(rows []Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	checkpointPath := filepath.Join(f.dir, "checkpoint.jsonl.zst")
	file, err := os.Create(checkpointPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return err
	}
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			encoder.Close()
			return err
		}
		if _, err := encoder.Write(append(data, '\n')); err != nil {
			encoder.Close()
			return err
		}
	}
	return encoder.Close()
}
