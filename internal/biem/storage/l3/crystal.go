package l3

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/biemlabs/biem/internal/biem/models"
	"github.com/biemlabs/biem/internal/biemerr"
)

// StoreFact inserts a new crystal fact, assigning an ID if empty.
func (s *Store) StoreFact(ctx context.Context, fact *models.CrystalFact) (string, error) {
	if fact.ID == "" {
		fact.ID = uuid.NewString()
	}
	sourceIDs, err := json.Marshal(fact.SourceNodeIDs)
	if err != nil {
		return "", biemerr.New(biemerr.ValidationFailure, "l3.StoreFact", err)
	}
	meta, err := json.Marshal(fact.Metadata)
	if err != nil {
		return "", biemerr.New(biemerr.ValidationFailure, "l3.StoreFact", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO crystal_facts (id, content, source_node_ids, confidence, created_at, updated_at, metadata, user_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fact.ID, fact.Content, string(sourceIDs), fact.Confidence,
		fact.CreatedAt.Format(time.RFC3339), fact.UpdatedAt.Format(time.RFC3339), string(meta), fact.UserID,
	)
	if err != nil {
		return "", biemerr.New(biemerr.BackendUnavailable, "l3.StoreFact", err)
	}
	return fact.ID, nil
}

// GetFact retrieves a fact by ID, returning nil if absent.
func (s *Store) GetFact(ctx context.Context, id string) (*models.CrystalFact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, content, source_node_ids, confidence, created_at, updated_at, metadata, user_id
		FROM crystal_facts WHERE id = ?`, id)
	fact, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "l3.GetFact", err)
	}
	return fact, nil
}

// UpdateFact updates a fact's content and, if confidence is non-nil, its
// confidence, bumping updated_at.
func (s *Store) UpdateFact(ctx context.Context, id, content string, confidence *float64) (bool, error) {
	var res sql.Result
	var err error
	now := time.Now().Format(time.RFC3339)
	if confidence != nil {
		res, err = s.db.ExecContext(ctx, `UPDATE crystal_facts SET content = ?, confidence = ?, updated_at = ? WHERE id = ?`,
			content, *confidence, now, id)
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE crystal_facts SET content = ?, updated_at = ? WHERE id = ?`,
			content, now, id)
	}
	if err != nil {
		return false, biemerr.New(biemerr.BackendUnavailable, "l3.UpdateFact", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteFact removes a fact by ID.
func (s *Store) DeleteFact(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM crystal_facts WHERE id = ?`, id)
	if err != nil {
		return false, biemerr.New(biemerr.BackendUnavailable, "l3.DeleteFact", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SearchFactsByContent performs full-text search over fact content via FTS5.
func (s *Store) SearchFactsByContent(ctx context.Context, query string, limit int, minConfidence float64) ([]*models.CrystalFact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.content, f.source_node_ids, f.confidence, f.created_at, f.updated_at, f.metadata, f.user_id
		FROM crystal_facts f
		JOIN facts_fts ON facts_fts.id = f.id
		WHERE facts_fts MATCH ? AND f.confidence >= ?
		ORDER BY rank
		LIMIT ?`, query, minConfidence, limit)
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "l3.SearchFactsByContent", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// GetFactsBySource returns facts derived from a given source node.
func (s *Store) GetFactsBySource(ctx context.Context, sourceNodeID string) ([]*models.CrystalFact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, source_node_ids, confidence, created_at, updated_at, metadata, user_id
		FROM crystal_facts ORDER BY created_at DESC`)
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "l3.GetFactsBySource", err)
	}
	defer rows.Close()

	all, err := scanFacts(rows)
	if err != nil {
		return nil, err
	}
	var out []*models.CrystalFact
	for _, f := range all {
		for _, id := range f.SourceNodeIDs {
			if id == sourceNodeID {
				out = append(out, f)
				break
			}
		}
	}
	return out, nil
}

// GetRecentFacts returns the most recently created facts.
func (s *Store) GetRecentFacts(ctx context.Context, limit int) ([]*models.CrystalFact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, source_node_ids, confidence, created_at, updated_at, metadata, user_id
		FROM crystal_facts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "l3.GetRecentFacts", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// GetHighConfidenceFacts returns facts at or above minConfidence.
func (s *Store) GetHighConfidenceFacts(ctx context.Context, minConfidence float64, limit int) ([]*models.CrystalFact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, source_node_ids, confidence, created_at, updated_at, metadata, user_id
		FROM crystal_facts WHERE confidence >= ?
		ORDER BY confidence DESC, created_at DESC LIMIT ?`, minConfidence, limit)
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "l3.GetHighConfidenceFacts", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanFact(row scannable) (*models.CrystalFact, error) {
	var f models.CrystalFact
	var sourceIDs, metadata, createdAt, updatedAt string
	if err := row.Scan(&f.ID, &f.Content, &sourceIDs, &f.Confidence, &createdAt, &updatedAt, &metadata, &f.UserID); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(sourceIDs), &f.SourceNodeIDs)
	_ = json.Unmarshal([]byte(metadata), &f.Metadata)
	f.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	f.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &f, nil
}

func scanFacts(rows *sql.Rows) ([]*models.CrystalFact, error) {
	var out []*models.CrystalFact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, biemerr.New(biemerr.BackendUnavailable, "l3.scanFacts", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ==================== Crystal Links ====================

// StoreLink upserts a persisted link, updating weight on conflict.
func (s *Store) StoreLink(ctx context.Context, link models.Link) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crystal_links (id, source_id, target_id, link_type, weight, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, link_type) DO UPDATE SET weight = excluded.weight`,
		id, link.SourceID, link.TargetID, string(link.Type), link.Weight, link.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return "", biemerr.New(biemerr.BackendUnavailable, "l3.StoreLink", err)
	}
	return id, nil
}

// GetLinksForNode returns every link where node is source or target.
func (s *Store) GetLinksForNode(ctx context.Context, nodeID string) ([]models.Link, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, target_id, link_type, weight, created_at FROM crystal_links
		WHERE source_id = ? OR target_id = ?`, nodeID, nodeID)
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "l3.GetLinksForNode", err)
	}
	defer rows.Close()
	return scanLinks(rows)
}

// GetOutgoingLinks returns links originating at sourceID, optionally
// filtered to one link type.
func (s *Store) GetOutgoingLinks(ctx context.Context, sourceID string, linkType *models.LinkType) ([]models.Link, error) {
	var rows *sql.Rows
	var err error
	if linkType != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT source_id, target_id, link_type, weight, created_at FROM crystal_links
			WHERE source_id = ? AND link_type = ?`, sourceID, string(*linkType))
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT source_id, target_id, link_type, weight, created_at FROM crystal_links
			WHERE source_id = ?`, sourceID)
	}
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "l3.GetOutgoingLinks", err)
	}
	defer rows.Close()
	return scanLinks(rows)
}

// GetAllLinks returns up to limit persisted links, for rehydrating the
// in-process graph store on startup. limit<=0 means unlimited.
func (s *Store) GetAllLinks(ctx context.Context, limit int) ([]models.Link, error) {
	query := `SELECT source_id, target_id, link_type, weight, created_at FROM crystal_links`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, query+" LIMIT ?", limit)
	} else {
		rows, err = s.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "l3.GetAllLinks", err)
	}
	defer rows.Close()
	return scanLinks(rows)
}

// DeleteLink removes a specific link.
func (s *Store) DeleteLink(ctx context.Context, sourceID, targetID string, linkType models.LinkType) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM crystal_links WHERE source_id = ? AND target_id = ? AND link_type = ?`,
		sourceID, targetID, string(linkType))
	if err != nil {
		return false, biemerr.New(biemerr.BackendUnavailable, "l3.DeleteLink", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateLinkWeight overwrites a link's weight.
func (s *Store) UpdateLinkWeight(ctx context.Context, sourceID, targetID string, linkType models.LinkType, weight float64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE crystal_links SET weight = ? WHERE source_id = ? AND target_id = ? AND link_type = ?`,
		weight, sourceID, targetID, string(linkType))
	if err != nil {
		return false, biemerr.New(biemerr.BackendUnavailable, "l3.UpdateLinkWeight", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanLinks(rows *sql.Rows) ([]models.Link, error) {
	var out []models.Link
	for rows.Next() {
		var l models.Link
		var linkType, createdAt string
		if err := rows.Scan(&l.SourceID, &l.TargetID, &linkType, &l.Weight, &createdAt); err != nil {
			return nil, biemerr.New(biemerr.BackendUnavailable, "l3.scanLinks", err)
		}
		l.Type = models.LinkType(linkType)
		l.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, l)
	}
	return out, rows.Err()
}
