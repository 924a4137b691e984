// Package sessions persists conversations as one JSONL file per session:
// the first line is the session metadata, every following line is a message.
// Message content is redacted before it touches disk.
package sessions

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/warden/internal/secrets"
	"github.com/haasonsaas/warden/pkg/models"
)

// ErrNotFound is returned when a session id has no file.
var ErrNotFound = errors.New("sessions: not found")

// SortField orders List results.
type SortField string

const (
	SortCreatedAt SortField = "created_at"
	SortUpdatedAt SortField = "updated_at"
)

// ListFilter narrows and pages List results.
type ListFilter struct {
	State  models.SessionState
	UserID string
	Sort   SortField
	Desc   bool
	Offset int
	Limit  int
}

// Store reads and writes session files under a single directory.
type Store struct {
	dir      string
	detector *secrets.Detector

	mu sync.Mutex
}

// NewStore creates the directory if needed.
func NewStore(dir string, detector *secrets.Detector) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("sessions: create dir: %w", err)
	}
	return &Store{dir: dir, detector: detector}, nil
}

// Create initializes a new session file and returns the metadata.
func (s *Store) Create(userID, model, workDir string) (*models.Session, error) {
	now := time.Now().UTC()
	session := &models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		State:     models.SessionActive,
		Model:     model,
		WorkDir:   workDir,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("sessions: marshal: %w", err)
	}
	if err := os.WriteFile(s.path(session.ID), append(line, '\n'), 0o600); err != nil {
		return nil, fmt.Errorf("sessions: write: %w", err)
	}
	return session, nil
}

// Get loads a session's metadata and full message history.
func (s *Store) Get(id string) (*models.Session, []models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

// AppendMessage redacts the message content and appends it to the session
// file, bumping the metadata's updated timestamp.
func (s *Store) AppendMessage(id string, msg models.Message) (*models.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if s.detector != nil {
		res := s.detector.Redact(msg.Content)
		if len(res.Findings) > 0 {
			msg.Content = res.Redacted
			msg.Redacted = true
		}
		for i, tr := range msg.ToolResults {
			r := s.detector.Redact(tr.Content)
			if len(r.Findings) > 0 {
				msg.ToolResults[i].Content = r.Redacted
				msg.Redacted = true
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, _, err := s.read(id)
	if err != nil {
		return nil, err
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("sessions: marshal message: %w", err)
	}
	f, err := os.OpenFile(s.path(id), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("sessions: open: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return nil, fmt.Errorf("sessions: append: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	session.UpdatedAt = time.Now().UTC()
	return &msg, s.rewriteMeta(session)
}

// UpdateSession replaces the metadata line, preserving all messages.
func (s *Store) UpdateSession(session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path(session.ID)); err != nil {
		return ErrNotFound
	}
	session.UpdatedAt = time.Now().UTC()
	return s.rewriteMeta(session)
}

// Delete removes the session file.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("sessions: delete: %w", err)
	}
	return nil
}

// List scans only the metadata line of each file.
func (s *Store) List(filter ListFilter) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "*.jsonl"))
	if err != nil {
		return nil, err
	}

	var out []*models.Session
	for _, path := range matches {
		session, err := readMeta(path)
		if err != nil {
			continue
		}
		if filter.State != "" && session.State != filter.State {
			continue
		}
		if filter.UserID != "" && session.UserID != filter.UserID {
			continue
		}
		out = append(out, session)
	}

	sortField := filter.Sort
	if sortField == "" {
		sortField = SortUpdatedAt
	}
	sort.Slice(out, func(i, j int) bool {
		var less bool
		if sortField == SortCreatedAt {
			less = out[i].CreatedAt.Before(out[j].CreatedAt)
		} else {
			less = out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		if filter.Desc {
			return !less
		}
		return less
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".jsonl")
}

func (s *Store) read(id string) (*models.Session, []models.Message, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("sessions: open: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var session *models.Session
	var messages []models.Message
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if session == nil {
			session = &models.Session{}
			if err := json.Unmarshal([]byte(line), session); err != nil {
				return nil, nil, fmt.Errorf("sessions: corrupt metadata: %w", err)
			}
			continue
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return nil, nil, fmt.Errorf("sessions: corrupt message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("sessions: scan: %w", err)
	}
	if session == nil {
		return nil, nil, fmt.Errorf("sessions: empty file for %s", id)
	}
	return session, messages, nil
}

// rewriteMeta swaps the first line atomically via a temp file rename.
func (s *Store) rewriteMeta(session *models.Session) error {
	path := s.path(session.ID)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("sessions: read: %w", err)
	}

	meta, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("sessions: marshal: %w", err)
	}

	rest := ""
	if i := strings.IndexByte(string(data), '\n'); i >= 0 {
		rest = string(data[i+1:])
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(string(meta)+"\n"+rest), 0o600); err != nil {
		return fmt.Errorf("sessions: write tmp: %w", err)
	}
	return os.Rename(tmp, path)
}

func readMeta(path string) (*models.Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		return nil, errors.New("empty session file")
	}
	session := &models.Session{}
	if err := json.Unmarshal(scanner.Bytes(), session); err != nil {
		return nil, err
	}
	return session, nil
}
