// Package sessionbuffer implements the append-only per-job event log and
// its crash-recovery algorithm (spec.md §4.1). Each job owns a directory
// <root>/<jobId>/ containing one or more session-NNN.jsonl files — a new
// one each time the job resumes in a new process — plus a metadata.json
// tracking the highest counter used so far.
package sessionbuffer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/noncelogic/cortex-plane/internal/models"
)

const eventFormatVersion = 1

// metadata is the job directory's metadata.json contents.
type metadata struct {
	HighestCounter int `json:"highestCounter"`
}

// Buffer owns the append-only session file for one job. It is not safe for
// concurrent use by more than one writer, matching spec.md §5's "one writer
// per job" rule; the scheduler enforces that at the lease level.
type Buffer struct {
	mu        sync.Mutex
	root      string
	jobID     int64
	sessionID int64
	agentID   int64
	counter   int
	file      *os.File
	writer    *bufio.Writer
	sequence  int64
}

// jobDir returns <root>/<jobId>.
func jobDir(root string, jobID int64) string {
	return filepath.Join(root, strconv.FormatInt(jobID, 10))
}

// Open prepares (or resumes) the session buffer for a job: it creates the
// job directory if needed, reads metadata.json to find the next session
// counter, recovers the prior sequence number so appends continue
// monotonically, and opens a fresh session-NNN.jsonl for this process.
func Open(root string, jobID, sessionID, agentID int64) (*Buffer, error) {
	dir := jobDir(root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session buffer dir %q: %w", dir, err)
	}

	meta, err := readMetadata(dir)
	if err != nil {
		return nil, err
	}

	var lastSeq int64
	if meta.HighestCounter > 0 {
		rec, err := Recover(root, jobID)
		if err == nil {
			for _, e := range rec.EventsSinceCheckpoint {
				if e.Sequence > lastSeq {
					lastSeq = e.Sequence
				}
			}
			if rec.LastCheckpoint != nil && rec.LastCheckpoint.Sequence > lastSeq {
				lastSeq = rec.LastCheckpoint.Sequence
			}
		}
	}

	counter := meta.HighestCounter + 1
	path := filepath.Join(dir, sessionFileName(counter))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open session file %q: %w", path, err)
	}

	if err := writeMetadata(dir, metadata{HighestCounter: counter}); err != nil {
		f.Close()
		return nil, err
	}

	return &Buffer{
		root:      root,
		jobID:     jobID,
		sessionID: sessionID,
		agentID:   agentID,
		counter:   counter,
		file:      f,
		writer:    bufio.NewWriter(f),
		sequence:  lastSeq,
	}, nil
}

func sessionFileName(counter int) string {
	return fmt.Sprintf("session-%03d.jsonl", counter)
}

func readMetadata(dir string) (metadata, error) {
	path := filepath.Join(dir, "metadata.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return metadata{}, nil
	}
	if err != nil {
		return metadata{}, fmt.Errorf("failed to read %q: %w", path, err)
	}
	var m metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return metadata{}, fmt.Errorf("failed to parse %q: %w", path, err)
	}
	return m, nil
}

func writeMetadata(dir string, m metadata) error {
	path := filepath.Join(dir, "metadata.json")
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename %q to %q: %w", tmp, path, err)
	}
	return nil
}

// Append assigns the next monotonic sequence number, serializes event as
// JSON, writes it, and flushes to stable storage before returning — the
// append contract in spec.md §4.1 is synchronous from the caller's
// perspective. A disk-full write failure is returned to the caller as a
// plain error; callers in the scheduler classify it TRANSIENT and retry.
func (b *Buffer) Append(eventType models.SessionEventType, data json.RawMessage) (models.SessionEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sequence++
	event := models.SessionEvent{
		Version:   eventFormatVersion,
		JobID:     b.jobID,
		SessionID: b.sessionID,
		AgentID:   b.agentID,
		Sequence:  b.sequence,
		Type:      eventType,
		Timestamp: nowFunc(),
		Data:      data,
	}

	line, err := json.Marshal(event)
	if err != nil {
		return models.SessionEvent{}, fmt.Errorf("failed to marshal session event: %w", err)
	}

	if _, err := b.writer.Write(line); err != nil {
		return models.SessionEvent{}, fmt.Errorf("failed to write session event: %w", err)
	}
	if _, err := b.writer.WriteString("\n"); err != nil {
		return models.SessionEvent{}, fmt.Errorf("failed to write newline: %w", err)
	}
	if err := b.writer.Flush(); err != nil {
		return models.SessionEvent{}, fmt.Errorf("failed to flush session event: %w", err)
	}
	if err := b.file.Sync(); err != nil {
		return models.SessionEvent{}, fmt.Errorf("failed to fsync session file: %w", err)
	}

	return event, nil
}

// CurrentFileName returns the name of the session file this Buffer is
// currently appending to, e.g. "session-002.jsonl" — used by the scheduler
// to hand a completed job's file to internal/storage for archival.
func (b *Buffer) CurrentFileName() string {
	return sessionFileName(b.counter)
}

// Close flushes and closes the underlying file.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.writer.Flush(); err != nil {
		return err
	}
	return b.file.Close()
}

// CheckpointCRC computes the CRC32 (IEEE) of a checkpoint blob, matching
// the value stored in jobs.checkpoint_crc (spec.md §4.1 "Checkpoint
// semantics").
func CheckpointCRC(checkpoint string) uint32 {
	return crc32.ChecksumIEEE([]byte(checkpoint))
}

// listSessionFiles returns the job directory's session-*.jsonl file names,
// sorted ascending (lexicographic sort matches numeric sort since counters
// are zero-padded to 3 digits).
func listSessionFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list session buffer dir %q: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "session-") && strings.HasSuffix(e.Name(), ".jsonl") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// nowFunc is a seam for tests; production code always uses time.Now.
var nowFunc = defaultNow
