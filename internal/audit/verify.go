package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// VerifyResult reports the outcome of a chain verification.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Entries  int    `json:"entries"`
	BrokenAt string `json:"broken_at,omitempty"`
}

// Verify walks every entry in chronological order, recomputing the hash
// chain. The first entry whose hash or back-link does not match is reported
// by ID; everything after it is not checked further.
func Verify(dir string) (VerifyResult, error) {
	res := VerifyResult{Valid: true}

	prevHash := ""
	err := walkEntries(dir, func(entry Entry) bool {
		res.Entries++
		if entry.PrevHash != prevHash {
			res.Valid = false
			res.BrokenAt = entry.ID
			return false
		}
		expected, hashErr := hashEntry(entry)
		if hashErr != nil || expected != entry.EntryHash {
			res.Valid = false
			res.BrokenAt = entry.ID
			return false
		}
		prevHash = entry.EntryHash
		return true
	})
	if err != nil {
		return VerifyResult{}, err
	}
	return res, nil
}

// Filter selects entries for Query. Zero values match everything.
type Filter struct {
	Category  Category
	Action    string
	Severity  Severity
	SessionID string
	UserID    string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Query scans the daily files and returns matching entries in write order.
func Query(dir string, filter Filter) ([]Entry, error) {
	var out []Entry
	err := walkEntries(dir, func(entry Entry) bool {
		if !filter.matches(entry) {
			return true
		}
		out = append(out, entry)
		return filter.Limit <= 0 || len(out) < filter.Limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f Filter) matches(e Entry) bool {
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Severity != "" && severityRank[e.Severity] < severityRank[f.Severity] {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// walkEntries streams all entries in file order, stopping when fn returns
// false.
func walkEntries(dir string, fn func(Entry) bool) error {
	files, err := auditFiles(dir)
	if err != nil {
		return err
	}
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("audit: open %s: %w", path, err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var entry Entry
			if err := json.Unmarshal([]byte(line), &entry); err != nil {
				f.Close()
				return fmt.Errorf("audit: corrupt entry in %s: %w", path, err)
			}
			if !fn(entry) {
				f.Close()
				return nil
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return fmt.Errorf("audit: scan %s: %w", path, err)
		}
		f.Close()
	}
	return nil
}
