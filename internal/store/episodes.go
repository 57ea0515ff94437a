package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ContentFeatures are the page features captured with each episode.
type ContentFeatures struct {
	Title           string  `json:"title"`
	ContentSample   string  `json:"content_sample"`
	WordCount       int     `json:"word_count"`
	HasCodeBlocks   bool    `json:"has_code_blocks"`
	LinkDensity     float64 `json:"link_density"`
	MetaDescription string  `json:"meta_description"`
}

// Correction is a user's revision of a past decision. It never overwrites
// the original verdict; both live on the same row.
type Correction struct {
	Decision    bool
	PageType    string
	Explanation string
	At          time.Time
}

// Episode is one historical classification.
type Episode struct {
	ID               string
	CreatedAt        time.Time
	URL              string
	Domain           string
	PageType         string
	Confidence       float64
	OriginalDecision bool
	Reasoning        string
	Features         ContentFeatures
	Correction       *Correction
}

// EpisodeStats summarizes the episodic table.
type EpisodeStats struct {
	Total             int
	Corrections       int
	FalsePositives    int // original accept, corrected reject
	FalseNegatives    int // original reject, corrected accept
	CorrectionsByType map[string]int
}

// InsertEpisode writes one episode row.
func (s *Store) InsertEpisode(ctx context.Context, ep Episode) error {
	features, err := json.Marshal(ep.Features)
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO episodic_memory
			(id, created_at, url, domain, page_type, confidence, original_decision, reasoning, features_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, formatTime(ep.CreatedAt), ep.URL, ep.Domain, ep.PageType, ep.Confidence,
		boolToInt(ep.OriginalDecision), ep.Reasoning, string(features))
	if err != nil {
		return fmt.Errorf("insert episode %s: %w", ep.ID, err)
	}
	return nil
}

// AddCorrection attaches a user correction to an episode. The original
// decision, confidence, and reasoning columns are untouched.
func (s *Store) AddCorrection(ctx context.Context, episodeID string, c Correction) error {
	if c.At.IsZero() {
		c.At = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE episodic_memory
		SET corrected_decision = ?, corrected_type = ?, correction_explanation = ?, correction_at = ?
		WHERE id = ?`,
		boolToInt(c.Decision), c.PageType, c.Explanation, formatTime(c.At), episodeID)
	if err != nil {
		return fmt.Errorf("add correction to %s: %w", episodeID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("episode %s not found", episodeID)
	}
	return nil
}

// GetEpisode fetches one episode.
func (s *Store) GetEpisode(ctx context.Context, id string) (Episode, bool, error) {
	row := s.db.QueryRowContext(ctx, episodeSelect+` WHERE id = ?`, id)
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Episode{}, false, nil
	}
	if err != nil {
		return Episode{}, false, err
	}
	return ep, true, nil
}

// EpisodesByDomain returns recent episodes for a domain, newest first.
func (s *Store) EpisodesByDomain(ctx context.Context, domain string, limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, episodeSelect+`
		WHERE domain = ? ORDER BY created_at DESC LIMIT ?`, domain, limit)
	if err != nil {
		return nil, fmt.Errorf("episodes by domain %s: %w", domain, err)
	}
	return collectEpisodes(rows)
}

// EpisodesByIDs fetches episodes preserving the given order.
func (s *Store) EpisodesByIDs(ctx context.Context, ids []string) ([]Episode, error) {
	out := make([]Episode, 0, len(ids))
	for _, id := range ids {
		ep, ok, err := s.GetEpisode(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ep)
		}
	}
	return out, nil
}

// SimilarDecisions returns episodes on the same domain and page type whose
// effective decision (correction wins) matches accepted.
func (s *Store) SimilarDecisions(ctx context.Context, domain, pageType string, accepted bool, limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, episodeSelect+`
		WHERE domain = ? AND page_type = ?
		  AND COALESCE(corrected_decision, original_decision) = ?
		ORDER BY created_at DESC LIMIT ?`,
		domain, pageType, boolToInt(accepted), limit)
	if err != nil {
		return nil, fmt.Errorf("similar decisions: %w", err)
	}
	return collectEpisodes(rows)
}

// EpisodeStatistics computes table-wide counters.
func (s *Store) EpisodeStatistics(ctx context.Context) (EpisodeStats, error) {
	stats := EpisodeStats{CorrectionsByType: map[string]int{}}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(corrected_decision),
		       SUM(CASE WHEN original_decision = 1 AND corrected_decision = 0 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN original_decision = 0 AND corrected_decision = 1 THEN 1 ELSE 0 END)
		FROM episodic_memory`).
		Scan(&stats.Total, &stats.Corrections, nullableInt{&stats.FalsePositives}, nullableInt{&stats.FalseNegatives})
	if err != nil {
		return stats, fmt.Errorf("episode statistics: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT corrected_type, COUNT(*) FROM episodic_memory
		WHERE corrected_type IS NOT NULL AND corrected_type != ''
		GROUP BY corrected_type`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var pageType string
		var n int
		if err := rows.Scan(&pageType, &n); err != nil {
			return stats, err
		}
		stats.CorrectionsByType[pageType] = n
	}
	return stats, rows.Err()
}

const episodeSelect = `
	SELECT id, created_at, url, domain, page_type, confidence, original_decision, reasoning,
	       features_json, corrected_decision, corrected_type, correction_explanation, correction_at
	FROM episodic_memory`

func scanEpisode(row rowScanner) (Episode, error) {
	var ep Episode
	var createdAt, features string
	var origDecision int
	var corrDecision sql.NullInt64
	var corrType, corrExpl, corrAt sql.NullString
	if err := row.Scan(&ep.ID, &createdAt, &ep.URL, &ep.Domain, &ep.PageType, &ep.Confidence,
		&origDecision, &ep.Reasoning, &features, &corrDecision, &corrType, &corrExpl, &corrAt); err != nil {
		return Episode{}, err
	}
	ep.CreatedAt = parseTime(createdAt)
	ep.OriginalDecision = origDecision != 0
	if err := json.Unmarshal([]byte(features), &ep.Features); err != nil {
		return Episode{}, fmt.Errorf("decode features for %s: %w", ep.ID, err)
	}
	if corrDecision.Valid {
		ep.Correction = &Correction{
			Decision:    corrDecision.Int64 != 0,
			PageType:    corrType.String,
			Explanation: corrExpl.String,
			At:          parseTime(corrAt.String),
		}
	}
	return ep, nil
}

func collectEpisodes(rows *sql.Rows) ([]Episode, error) {
	defer rows.Close()
	var out []Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// nullableInt scans NULL as zero.
type nullableInt struct{ dst *int }

func (n nullableInt) Scan(src any) error {
	if src == nil {
		*n.dst = 0
		return nil
	}
	switch v := src.(type) {
	case int64:
		*n.dst = int(v)
	case int:
		*n.dst = v
	case float64:
		*n.dst = int(v)
	default:
		return fmt.Errorf("unsupported scan type %T", src)
	}
	return nil
}
