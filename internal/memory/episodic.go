package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/warden/internal/memory/embeddings"
)

// ErrUserRequired is returned when an operation is attempted without a
// user id. Every episodic row is owned by exactly one user.
var ErrUserRequired = errors.New("memory: user id required")

// Episode is one stored conversation snippet, tied back to the session and
// turn it came from.
type Episode struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	SessionID    string         `json:"session_id,omitempty"`
	TurnNumber   int            `json:"turn_number,omitempty"`
	Participants []string       `json:"participants,omitempty"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// EpisodeMatch pairs an episode with its similarity score.
type EpisodeMatch struct {
	Episode Episode `json:"episode"`
	Score   float64 `json:"score"`
}

// StoreEpisode redacts, embeds, and persists one snippet, evicting the
// user's oldest entries past the per-user cap.
func (s *Store) StoreEpisode(ctx context.Context, ep Episode) (*Episode, error) {
	if ep.UserID == "" {
		return nil, ErrUserRequired
	}

	if s.detector != nil {
		res := s.detector.Redact(ep.Content)
		if len(res.Findings) > 0 {
			ep.Content = res.Redacted
			if ep.Metadata == nil {
				ep.Metadata = make(map[string]any)
			}
			ep.Metadata["redacted"] = true
		}
	}

	var blob []byte
	if s.embedder != nil {
		vecs, err := s.embedder.Embed(ctx, []string{ep.Content})
		if err != nil {
			return nil, fmt.Errorf("memory: embed: %w", err)
		}
		blob = embeddings.Encode(vecs[0])
	}

	ep.ID = uuid.NewString()
	ep.CreatedAt = time.Now().UTC()

	metaJSON, err := json.Marshal(ep.Metadata)
	if err != nil {
		return nil, fmt.Errorf("memory: marshal metadata: %w", err)
	}
	participantsJSON, err := json.Marshal(ep.Participants)
	if err != nil {
		return nil, fmt.Errorf("memory: marshal participants: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO episodes (id, user_id, session_id, turn_number, participants, content, metadata, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.UserID, ep.SessionID, ep.TurnNumber, string(participantsJSON),
		ep.Content, string(metaJSON), blob, ep.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("memory: insert episode: %w", err)
	}

	if err := s.evictEpisodes(ctx, ep.UserID); err != nil {
		return nil, err
	}
	return &ep, nil
}

func (s *Store) evictEpisodes(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM episodes WHERE user_id = ? AND id NOT IN (
			SELECT id FROM episodes WHERE user_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		)`, userID, userID, s.cfg.MaxEpisodesPerUser)
	if err != nil {
		return fmt.Errorf("memory: evict episodes: %w", err)
	}
	return nil
}

// SearchEpisodes embeds the query and scores the user's episodes by cosine
// similarity. Matches below minSimilarity are dropped.
func (s *Store) SearchEpisodes(ctx context.Context, userID, query string, limit int, minSimilarity float64) ([]EpisodeMatch, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	if s.embedder == nil {
		return nil, errors.New("memory: no embedding provider configured")
	}
	if limit <= 0 {
		limit = 10
	}

	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}
	queryVec := vecs[0]

	rows, err := s.db.QueryContext(ctx, episodeColumns+` FROM episodes WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("memory: query episodes: %w", err)
	}
	defer rows.Close()

	var matches []EpisodeMatch
	for rows.Next() {
		episode, blob, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		score := embeddings.Cosine(queryVec, embeddings.Decode(blob))
		if score < minSimilarity {
			continue
		}
		matches = append(matches, EpisodeMatch{Episode: episode, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// RecentEpisodes returns the user's newest entries, newest first.
func (s *Store) RecentEpisodes(ctx context.Context, userID string, limit int) ([]Episode, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, episodeColumns+`
		FROM episodes WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: query recent: %w", err)
	}
	defer rows.Close()

	var out []Episode
	for rows.Next() {
		episode, _, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, episode)
	}
	return out, rows.Err()
}

// SessionEpisodes returns the user's episodes for one session, oldest first.
func (s *Store) SessionEpisodes(ctx context.Context, userID, sessionID string) ([]Episode, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}

	rows, err := s.db.QueryContext(ctx, episodeColumns+`
		FROM episodes WHERE user_id = ? AND session_id = ? ORDER BY turn_number, created_at`,
		userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("memory: query session episodes: %w", err)
	}
	defer rows.Close()

	var out []Episode
	for rows.Next() {
		episode, _, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, episode)
	}
	return out, rows.Err()
}

// CountEpisodes returns the user's episode count.
func (s *Store) CountEpisodes(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrUserRequired
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM episodes WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

const episodeColumns = `SELECT id, user_id, session_id, turn_number, participants, content, metadata, embedding, created_at`

func scanEpisode(rows *sql.Rows) (Episode, []byte, error) {
	var episode Episode
	var sessionID sql.NullString
	var turnNumber sql.NullInt64
	var participantsJSON, metaJSON sql.NullString
	var blob []byte
	if err := rows.Scan(&episode.ID, &episode.UserID, &sessionID, &turnNumber,
		&participantsJSON, &episode.Content, &metaJSON, &blob, &episode.CreatedAt); err != nil {
		return Episode{}, nil, fmt.Errorf("memory: scan episode: %w", err)
	}
	episode.SessionID = sessionID.String
	episode.TurnNumber = int(turnNumber.Int64)
	if participantsJSON.Valid && participantsJSON.String != "" && participantsJSON.String != "null" {
		if err := json.Unmarshal([]byte(participantsJSON.String), &episode.Participants); err != nil {
			return Episode{}, nil, fmt.Errorf("memory: decode participants: %w", err)
		}
	}
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		if err := json.Unmarshal([]byte(metaJSON.String), &episode.Metadata); err != nil {
			return Episode{}, nil, fmt.Errorf("memory: decode metadata: %w", err)
		}
	}
	return episode, blob, nil
}
