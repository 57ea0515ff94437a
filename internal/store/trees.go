package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"pkmd/internal/visit"
)

// treeProximity bounds how far apart in time a visit and an existing tree
// member may be for same-host adoption.
const treeProximity = 30 * time.Minute

// Member is a tree member with its analysis and tree-level intentions, as
// the workflow and the markdown index consume it.
type Member struct {
	Visit      visit.Visit
	Analysis   *visit.PageAnalysis
	Intentions []string // tree-level; supersedes per-page when present
}

// EnsureTree creates the tree row if missing and bumps updated_at.
func (s *Store) EnsureTree(ctx context.Context, treeID, headVisitID string) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trees (id, head_visit_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET head_visit_id = excluded.head_visit_id, updated_at = excluded.updated_at`,
		treeID, headVisitID, now, now)
	if err != nil {
		return fmt.Errorf("ensure tree %s: %w", treeID, err)
	}
	return nil
}

// AddTreeMember appends a visit to a tree, keeping positions stable for
// existing members.
func (s *Store) AddTreeMember(ctx context.Context, treeID, visitID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tree_members (tree_id, visit_id, position)
		VALUES (?, ?, COALESCE((SELECT MAX(position) + 1 FROM tree_members WHERE tree_id = ?), 0))
		ON CONFLICT(tree_id, visit_id) DO NOTHING`,
		treeID, visitID, treeID)
	if err != nil {
		return fmt.Errorf("add member %s to tree %s: %w", visitID, treeID, err)
	}
	return nil
}

// TreeMembers returns the tree's members ordered by page load time, joined
// with analyses and tree-level intentions.
func (s *Store) TreeMembers(ctx context.Context, treeID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.id, v.url, v.page_loaded_at, v.referrer, v.referrer_timestamp, v.tree_id,
		       a.title, a.summary, a.intentions_json
		FROM tree_members m
		JOIN visits v ON v.id = m.visit_id
		LEFT JOIN page_analyses a ON a.visit_id = v.id
		WHERE m.tree_id = ?
		ORDER BY v.page_loaded_at ASC, v.id ASC`, treeID)
	if err != nil {
		return nil, fmt.Errorf("tree members %s: %w", treeID, err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		var loadedAt string
		var ref, refTS, tid, title, summary, intentions sql.NullString
		if err := rows.Scan(&m.Visit.ID, &m.Visit.URL, &loadedAt, &ref, &refTS, &tid,
			&title, &summary, &intentions); err != nil {
			return nil, err
		}
		m.Visit.PageLoadedAt = parseTime(loadedAt)
		m.Visit.Referrer = ref.String
		if refTS.Valid {
			m.Visit.ReferrerTimestamp = parseTime(refTS.String)
		}
		m.Visit.TreeID = tid.String
		if title.Valid {
			a := visit.PageAnalysis{VisitID: m.Visit.ID, Title: title.String, Summary: summary.String}
			if intentions.Valid {
				_ = json.Unmarshal([]byte(intentions.String), &a.Intentions)
			}
			m.Analysis = &a
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	treeIntentions, err := s.TreeIntentions(ctx, treeID)
	if err != nil {
		return nil, err
	}
	for i := range members {
		if list, ok := treeIntentions[i]; ok {
			members[i].Intentions = list
		} else if members[i].Analysis != nil {
			members[i].Intentions = members[i].Analysis.Intentions
		}
	}
	return members, nil
}

// FindTreeForVisit picks the tree a visit belongs to. Deterministic rule:
// first a tree containing a visit whose url equals the referrer; otherwise
// the tree with the most recent same-host member within 30 minutes of the
// visit's load time; otherwise none.
func (s *Store) FindTreeForVisit(ctx context.Context, v visit.Visit) (string, error) {
	if v.Referrer != "" {
		var treeID sql.NullString
		err := s.db.QueryRowContext(ctx, `
			SELECT tree_id FROM visits
			WHERE url = ? AND tree_id IS NOT NULL AND tree_id != '' AND page_loaded_at <= ?
			ORDER BY page_loaded_at DESC, id ASC
			LIMIT 1`, v.Referrer, formatTime(v.PageLoadedAt)).Scan(&treeID)
		if err != nil && err != sql.ErrNoRows {
			return "", fmt.Errorf("find tree by referrer: %w", err)
		}
		if treeID.Valid && treeID.String != "" {
			return treeID.String, nil
		}
	}

	host := visit.Domain(v.URL)
	if host == "" {
		return "", nil
	}
	lower := formatTime(v.PageLoadedAt.Add(-treeProximity))
	upper := formatTime(v.PageLoadedAt)
	var treeID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT tree_id FROM visits
		WHERE tree_id IS NOT NULL AND tree_id != ''
		  AND url LIKE ? AND page_loaded_at BETWEEN ? AND ?
		ORDER BY page_loaded_at DESC, id ASC
		LIMIT 1`, "%://"+host+"%", lower, upper).Scan(&treeID)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("find tree by host: %w", err)
	}
	if treeID.Valid {
		return treeID.String, nil
	}
	return "", nil
}

// ReplaceTreeIntentions rewrites the collective intentions for a tree as a
// mapping from member index to intention list.
func (s *Store) ReplaceTreeIntentions(ctx context.Context, treeID string, byIndex map[int][]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tree_intentions WHERE tree_id = ?`, treeID); err != nil {
		return fmt.Errorf("clear tree intentions %s: %w", treeID, err)
	}
	now := formatTime(time.Now())
	for idx, list := range byIndex {
		encoded, err := json.Marshal(list)
		if err != nil {
			return fmt.Errorf("encode intentions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tree_intentions (tree_id, visit_index, intentions_json, updated_at)
			VALUES (?, ?, ?, ?)`, treeID, idx, string(encoded), now); err != nil {
			return fmt.Errorf("insert tree intentions %s[%d]: %w", treeID, idx, err)
		}
	}
	return tx.Commit()
}

// TreeIntentions loads the collective intentions mapping.
func (s *Store) TreeIntentions(ctx context.Context, treeID string) (map[int][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT visit_index, intentions_json FROM tree_intentions WHERE tree_id = ?`, treeID)
	if err != nil {
		return nil, fmt.Errorf("tree intentions %s: %w", treeID, err)
	}
	defer rows.Close()

	out := make(map[int][]string)
	for rows.Next() {
		var idx int
		var encoded string
		if err := rows.Scan(&idx, &encoded); err != nil {
			return nil, err
		}
		var list []string
		if err := json.Unmarshal([]byte(encoded), &list); err != nil {
			return nil, fmt.Errorf("decode intentions %s[%d]: %w", treeID, idx, err)
		}
		out[idx] = list
	}
	return out, rows.Err()
}
