package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pkmd/internal/visit"
)

// UpsertVisit inserts a visit row, ignoring duplicates by id. Intake calls
// this before enqueueing; resubmitting the same payload is a no-op.
func (s *Store) UpsertVisit(ctx context.Context, v visit.Visit) error {
	var refTS any
	if !v.ReferrerTimestamp.IsZero() {
		refTS = formatTime(v.ReferrerTimestamp)
	}
	var ref any
	if v.Referrer != "" {
		ref = v.Referrer
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO visits (id, url, page_loaded_at, referrer, referrer_timestamp, tree_id, created_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?)
		ON CONFLICT(id) DO NOTHING`,
		v.ID, v.URL, formatTime(v.PageLoadedAt), ref, refTS, v.TreeID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert visit %s: %w", v.ID, err)
	}
	return nil
}

// GetVisit fetches one visit row.
func (s *Store) GetVisit(ctx context.Context, id string) (visit.Visit, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, url, page_loaded_at, referrer, referrer_timestamp, tree_id
		FROM visits WHERE id = ?`, id)
	v, err := scanVisit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return visit.Visit{}, false, nil
	}
	if err != nil {
		return visit.Visit{}, false, fmt.Errorf("get visit %s: %w", id, err)
	}
	return v, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVisit(row rowScanner) (visit.Visit, error) {
	var v visit.Visit
	var loadedAt string
	var ref, refTS, treeID sql.NullString
	if err := row.Scan(&v.ID, &v.URL, &loadedAt, &ref, &refTS, &treeID); err != nil {
		return visit.Visit{}, err
	}
	v.PageLoadedAt = parseTime(loadedAt)
	v.Referrer = ref.String
	if refTS.Valid {
		v.ReferrerTimestamp = parseTime(refTS.String)
	}
	v.TreeID = treeID.String
	return v, nil
}

// SetVisitReferrer records a late-resolved referrer, e.g. after orphan
// reparenting. Only fills the columns when currently empty.
func (s *Store) SetVisitReferrer(ctx context.Context, visitID, referrer string, ts time.Time) error {
	var refTS any
	if !ts.IsZero() {
		refTS = formatTime(ts)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE visits SET referrer = ?, referrer_timestamp = ?
		WHERE id = ? AND (referrer IS NULL OR referrer = '')`,
		referrer, refTS, visitID)
	if err != nil {
		return fmt.Errorf("set referrer for %s: %w", visitID, err)
	}
	return nil
}

// AttachTree assigns a visit to a tree. The only mutation a visit row sees
// after intake.
func (s *Store) AttachTree(ctx context.Context, visitID, treeID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE visits SET tree_id = ? WHERE id = ?`, treeID, visitID)
	if err != nil {
		return fmt.Errorf("attach visit %s to tree %s: %w", visitID, treeID, err)
	}
	return nil
}

// UpsertAnalysis writes a page analysis once; re-running the workflow for
// the same visit id leaves the original row in place.
func (s *Store) UpsertAnalysis(ctx context.Context, a visit.PageAnalysis) error {
	intentions, err := json.Marshal(a.Intentions)
	if err != nil {
		return fmt.Errorf("encode intentions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO page_analyses (visit_id, title, summary, intentions_json, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(visit_id) DO NOTHING`,
		a.VisitID, a.Title, a.Summary, string(intentions), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert analysis for %s: %w", a.VisitID, err)
	}
	return nil
}

// GetAnalysis fetches the analysis for a visit.
func (s *Store) GetAnalysis(ctx context.Context, visitID string) (visit.PageAnalysis, bool, error) {
	var a visit.PageAnalysis
	var intentions string
	err := s.db.QueryRowContext(ctx, `
		SELECT visit_id, title, summary, intentions_json
		FROM page_analyses WHERE visit_id = ?`, visitID).
		Scan(&a.VisitID, &a.Title, &a.Summary, &intentions)
	if errors.Is(err, sql.ErrNoRows) {
		return visit.PageAnalysis{}, false, nil
	}
	if err != nil {
		return visit.PageAnalysis{}, false, fmt.Errorf("get analysis %s: %w", visitID, err)
	}
	if err := json.Unmarshal([]byte(intentions), &a.Intentions); err != nil {
		return visit.PageAnalysis{}, false, fmt.Errorf("decode intentions for %s: %w", visitID, err)
	}
	return a, true, nil
}

// CountVisits returns the number of visit rows, used by status reporting.
func (s *Store) CountVisits(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM visits`).Scan(&n)
	return n, err
}
