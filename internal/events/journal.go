package events

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	DefaultMaxJournalSize = 100 * 1024 * 1024
	JournalExtension      = ".jsonl"
	ArchiveDir            = "archive"
)

// Entry is one line of the ledger journal.
type Entry struct {
	EventID    string                 `json:"event_id"`
	Timestamp  time.Time              `json:"timestamp"`
	EventType  EventType              `json:"event_type"`
	TaskID     string                 `json:"task_id,omitempty"`
	ActorID    string                 `json:"actor_id,omitempty"`
	MaterialID string                 `json:"material_id,omitempty"`
	SessionID  string                 `json:"session_id,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Checksum   string                 `json:"checksum,omitempty"`
}

// Journal is an append-only JSONL file of ledger events. Each entry gets a
// ULID so lines sort by time across rotated files.
type Journal struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	path        string
	checksum    bool
	rotations   int
	entropy     io.Reader
	dropped     atomic.Int64
}

func OpenJournal(path string, maxSize int64) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxJournalSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	j := &Journal{
		path:     path,
		maxSize:  maxSize,
		checksum: true,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
	if err := j.open(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) open() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = f
	j.currentSize = st.Size()
	return nil
}

// Record journals a bus event, lifting the well-known ids out of its data.
func (j *Journal) Record(ev Event) error {
	e := &Entry{
		Timestamp: ev.Timestamp,
		EventType: ev.Type,
		Details:   ev.Data,
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.TaskID, _ = ev.Data["task_id"].(string)
	e.MaterialID, _ = ev.Data["material_id"].(string)
	e.SessionID, _ = ev.Data["session_id"].(string)
	if id, ok := ev.Data["actor_id"].(string); ok {
		e.ActorID = id
	} else if id, ok := ev.Data["operator_id"].(string); ok {
		e.ActorID = id
	}
	return j.Append(e)
}

// Append writes e as one line, assigning EventID when empty, and syncs it.
func (j *Journal) Append(e *Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("journal %s is closed", j.path)
	}
	if e.EventID == "" {
		id, err := ulid.New(ulid.Timestamp(e.Timestamp), j.entropy)
		if err != nil {
			return fmt.Errorf("event id: %w", err)
		}
		e.EventID = id.String()
	}
	if j.checksum {
		sum, err := entryChecksum(*e)
		if err != nil {
			return err
		}
		e.Checksum = sum
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	if j.currentSize > 0 && j.currentSize+int64(len(data)) > j.maxSize {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}
	n, err := j.file.Write(data)
	if err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	j.currentSize += int64(n)
	return nil
}

// rotate moves the current file to archive/<name>.<ts>.<n>.jsonl and reopens.
func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	j.file = nil

	archiveDir := filepath.Join(filepath.Dir(j.path), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	j.rotations++
	base := strings.TrimSuffix(filepath.Base(j.path), JournalExtension)
	name := fmt.Sprintf("%s.%s.%d%s", base, time.Now().UTC().Format("20060102_150405"), j.rotations, JournalExtension)
	if err := os.Rename(j.path, filepath.Join(archiveDir, name)); err != nil {
		return fmt.Errorf("archive journal: %w", err)
	}
	return j.open()
}

func entryChecksum(e Entry) (string, error) {
	e.Checksum = ""
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal journal entry: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8]), nil
}

// Subscription queues the bus's ledger events for Drain. Events published
// before Subscribe returns are not journaled.
type Subscription struct {
	ch     chan Event
	unsubs []func()
}

// Subscribe registers the journal on bus for every ledger event type.
func (j *Journal) Subscribe(bus *Bus) *Subscription {
	sub := &Subscription{ch: make(chan Event, 256)}
	for _, t := range LedgerEventTypes {
		sub.unsubs = append(sub.unsubs, bus.Subscribe(t, func(ev Event) {
			select {
			case sub.ch <- ev:
			default:
				j.dropped.Add(1)
			}
		}))
	}
	return sub
}

// Drain writes the subscription's events until ctx is done, then flushes what
// is already queued and unsubscribes. Events are written by this goroutine
// alone, in arrival order. Write failures go to onErr and do not stop the drain.
func (j *Journal) Drain(ctx context.Context, sub *Subscription, onErr func(error)) error {
	defer func() {
		for _, unsub := range sub.unsubs {
			unsub()
		}
	}()

	record := func(ev Event) {
		if err := j.Record(ev); err != nil && onErr != nil {
			onErr(err)
		}
	}
	for {
		select {
		case ev := <-sub.ch:
			record(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-sub.ch:
					record(ev)
				default:
					return nil
				}
			}
		}
	}
}

// Dropped counts events Drain could not queue.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.currentSize
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	err := j.file.Sync()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.file = nil
	return err
}

// ReadJournal decodes every entry of a journal file. Malformed lines are skipped.
func ReadJournal(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, fmt.Errorf("scan journal: %w", err)
	}
	return entries, nil
}

// VerifyJournal reports how many entries parse and how many of those carry a
// matching checksum. Entries without a checksum count as valid.
func VerifyJournal(path string) (total, valid int, err error) {
	entries, err := ReadJournal(path)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		total++
		if e.Checksum == "" {
			valid++
			continue
		}
		if sum, err := entryChecksum(e); err == nil && sum == e.Checksum {
			valid++
		}
	}
	return total, valid, nil
}
