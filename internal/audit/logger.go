package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/warden/internal/secrets"
)

// Logger appends hash-chained entries to daily JSONL files. It is safe for
// concurrent use; the chain order is the serialization order under the lock.
type Logger struct {
	cfg      Config
	detector *secrets.Detector
	logger   *slog.Logger

	mu       sync.Mutex
	file     *os.File
	fileDay  string
	prevHash string

	handlerMu    sync.RWMutex
	onWriteError func(error)
}

// NewLogger opens (or creates) the audit directory and recovers the chain
// head from the most recent entry on disk.
func NewLogger(cfg Config, detector *secrets.Detector) (*Logger, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("audit: directory not configured")
	}
	if cfg.MaxErrorLength <= 0 {
		cfg.MaxErrorLength = 500
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = SeverityInfo
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}

	l := &Logger{
		cfg:      cfg,
		detector: detector,
		logger:   slog.Default().With("component", "audit"),
	}
	if err := l.recoverChainHead(); err != nil {
		return nil, err
	}
	return l, nil
}

// Close closes the current day's file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// SetWriteErrorHandler registers a callback invoked whenever an entry
// cannot be appended, so failed audit writes are never silently dropped.
// The handler runs outside the logger's lock and must not call Log.
func (l *Logger) SetWriteErrorHandler(fn func(error)) {
	l.handlerMu.Lock()
	l.onWriteError = fn
	l.handlerMu.Unlock()
}

// Log sanitizes, hashes, and appends one entry. Content fields on never-log
// paths are removed and the error message is redacted before anything
// touches disk. Write failures are reported to the registered handler in
// addition to the returned error.
func (l *Logger) Log(entry Entry) error {
	err := l.log(entry)
	if err != nil {
		l.handlerMu.RLock()
		fn := l.onWriteError
		l.handlerMu.RUnlock()
		if fn != nil {
			fn(err)
		}
	}
	return err
}

func (l *Logger) log(entry Entry) error {
	if severityRank[entry.Severity] < severityRank[l.cfg.MinSeverity] {
		return nil
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Severity == "" {
		entry.Severity = SeverityInfo
	}

	entry.Metadata = stripNeverLog(entry.Metadata)
	entry.Error = l.sanitizeError(entry.Error)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureFile(entry.Timestamp); err != nil {
		return err
	}

	entry.PrevHash = l.prevHash
	hash, err := hashEntry(entry)
	if err != nil {
		return err
	}
	entry.EntryHash = hash

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}

	l.prevHash = hash
	return nil
}

// LogEvent is the common-case helper: category, action, severity, metadata.
func (l *Logger) LogEvent(category Category, action string, severity Severity, metadata map[string]any) error {
	return l.Log(Entry{Category: category, Action: action, Severity: severity, Metadata: metadata})
}

// hashEntry computes SHA-256 over the canonical form of the entry without
// its own hash, concatenated with the previous hash.
func hashEntry(entry Entry) (string, error) {
	withoutHash := entry
	withoutHash.EntryHash = ""
	withoutHash.PrevHash = ""

	canonical, err := canonicalJSON(withoutHash)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(entry.PrevHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Logger) sanitizeError(msg string) string {
	if msg == "" {
		return ""
	}
	if l.detector != nil {
		msg = l.detector.Redact(msg).Redacted
	}
	if len(msg) > l.cfg.MaxErrorLength {
		msg = msg[:l.cfg.MaxErrorLength]
	}
	return msg
}

// stripNeverLog removes content-bearing fields. Both flat dotted keys and
// one level of nesting are handled.
func stripNeverLog(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	for _, path := range neverLogPaths {
		delete(out, path)
		parent, child, ok := strings.Cut(path, ".")
		if !ok {
			continue
		}
		if nested, isMap := out[parent].(map[string]any); isMap {
			if _, present := nested[child]; present {
				copied := make(map[string]any, len(nested))
				for k, v := range nested {
					copied[k] = v
				}
				delete(copied, child)
				out[parent] = copied
			}
		}
	}
	return out
}

func (l *Logger) ensureFile(ts time.Time) error {
	day := ts.UTC().Format("2006-01-02")
	if l.file != nil && l.fileDay == day {
		return nil
	}
	if l.file != nil {
		l.file.Close()
	}
	path := filepath.Join(l.cfg.Dir, "audit-"+day+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", path, err)
	}
	l.file = f
	l.fileDay = day
	return nil
}

// recoverChainHead reads the last entry of the most recent file so the
// chain continues across restarts and day boundaries.
func (l *Logger) recoverChainHead() error {
	files, err := auditFiles(l.cfg.Dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}
	last := files[len(files)-1]

	f, err := os.Open(last)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", last, err)
	}
	defer f.Close()

	var lastLine string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lastLine = line
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("audit: scan %s: %w", last, err)
	}
	if lastLine == "" {
		return nil
	}

	var entry Entry
	if err := json.Unmarshal([]byte(lastLine), &entry); err != nil {
		return fmt.Errorf("audit: corrupt tail in %s: %w", last, err)
	}
	l.prevHash = entry.EntryHash
	return nil
}

// auditFiles lists the daily files in chronological order. Filenames embed
// the date, so lexical order is date order.
func auditFiles(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
