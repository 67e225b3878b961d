// Package ledger is the append-only trust ledger: a hash-chained JSONL
// file recording every decision, approval, execution, and kill. The JSONL
// file is authoritative; a SQLite mirror serves queries.
package ledger

import (
	"bufio"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// GenesisHash anchors the chain: the previous_hash of the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// EntryType labels what a ledger entry records.
type EntryType string

const (
	EntryDecision       EntryType = "decision"
	EntryApproval       EntryType = "approval"
	EntryExecution      EntryType = "execution"
	EntryEscalation     EntryType = "escalation"
	EntryKill           EntryType = "kill"
	EntryBreach         EntryType = "breach"
	EntryDistillation   EntryType = "distillation"
	EntryPlaybookMinted EntryType = "playbook_minted"
	EntryIncidentClosed EntryType = "incident_closed"
)

// Entry is one link of the chain. Hash covers the canonical JSON of the
// entry with Hash itself empty; PreviousHash links to the prior entry.
type Entry struct {
	ID           string         `json:"id"`
	EntryType    EntryType      `json:"entry_type"`
	Timestamp    time.Time      `json:"timestamp"`
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	PreviousHash string         `json:"previous_hash"`
	Hash         string         `json:"hash"`
}

// ComputeHash returns the SHA-256 of the entry's canonical JSON form:
// the struct marshaled with its Hash field cleared. Struct field order is
// fixed, so the encoding is stable.
func ComputeHash(e Entry) (string, error) {
	e.Hash = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal entry %s: %w", e.ID, err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChain checks hashes and linkage. It returns (true, -1) for a valid
// chain, or (false, i) where i is the index of the first broken entry.
func VerifyChain(entries []Entry) (bool, int) {
	prev := GenesisHash
	for i, e := range entries {
		if e.PreviousHash != prev {
			return false, i
		}
		computed, err := ComputeHash(e)
		if err != nil || computed != e.Hash {
			return false, i
		}
		prev = e.Hash
	}
	return true, -1
}

// Ledger appends entries to a JSONL file. Single writer: all appends are
// serialized through one mutex, and the struct owns the file handle.
type Ledger struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	w        *bufio.Writer
	lastHash string
	count    int
	entropy  *ulid.MonotonicEntropy
	logger   *slog.Logger
}

// Open creates or resumes a ledger at path. Resuming replays the existing
// file to recover the chain tip and fails if the stored chain is broken.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	entries, err := ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	lastHash := GenesisHash
	if len(entries) > 0 {
		if ok, broken := VerifyChain(entries); !ok {
			return nil, fmt.Errorf("ledger %s: chain broken at entry %d", path, broken)
		}
		lastHash = entries[len(entries)-1].Hash
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &Ledger{
		path:     path,
		file:     f,
		w:        bufio.NewWriter(f),
		lastHash: lastHash,
		count:    len(entries),
		entropy:  ulid.Monotonic(rand.Reader, 0),
		logger:   logger.With("component", "ledger"),
	}, nil
}

// Append records a new entry and returns it with id, hashes, and timestamp
// filled in.
func (l *Ledger) Append(entryType EntryType, actor, action, resourceID string, data map[string]any) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	id, err := ulid.New(ulid.Timestamp(now), l.entropy)
	if err != nil {
		return Entry{}, fmt.Errorf("mint entry id: %w", err)
	}
	e := Entry{
		ID:           id.String(),
		EntryType:    entryType,
		Timestamp:    now,
		Actor:        actor,
		Action:       action,
		ResourceID:   resourceID,
		Data:         data,
		PreviousHash: l.lastHash,
	}
	e.Hash, err = ComputeHash(e)
	if err != nil {
		return Entry{}, err
	}

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal entry: %w", err)
	}
	if _, err := l.w.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("append entry: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return Entry{}, fmt.Errorf("flush ledger: %w", err)
	}

	l.lastHash = e.Hash
	l.count++
	return e, nil
}

// LastHash returns the current chain tip.
func (l *Ledger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// Len returns the number of entries written or replayed.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Path returns the backing file path.
func (l *Ledger) Path() string {
	return l.path
}

// Close flushes and releases the file handle.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.w.Flush(); err != nil {
		l.file.Close()
		l.file = nil
		return fmt.Errorf("flush ledger: %w", err)
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadFile loads all entries from a ledger file in order.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("ledger %s line %d: %w", path, lineNo, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	return entries, nil
}

// VerifyFile loads and verifies a ledger file. Same return convention as
// VerifyChain, plus the entry count.
func VerifyFile(path string) (ok bool, broken int, total int, err error) {
	entries, err := ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, -1, 0, nil
		}
		return false, 0, 0, err
	}
	ok, broken = VerifyChain(entries)
	return ok, broken, len(entries), nil
}
