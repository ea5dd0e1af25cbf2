package l3

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/biemlabs/biem/internal/biem/knowledge"
	"github.com/biemlabs/biem/internal/biemerr"
)

// StoreTriple atomically upserts a knowledge triple identified by
// (lower(subject), lower(predicate)) — a GLOBAL identity shared by every
// user — and appends a history row recording each insert or object change.
// On first insert, version is 1 and previous_values is empty; when the
// object changes, the prior object is appended to previous_values and
// version is incremented. An object equal to the stored one
// (case-insensitive) only refreshes confidence, source and session, with no
// version bump and no history row.
func (s *Store) StoreTriple(ctx context.Context, t *knowledge.Triple) (*knowledge.Triple, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "l3.StoreTriple", err)
	}
	defer tx.Rollback()

	existing, err := getTripleTx(ctx, tx, t.Subject, t.Predicate)
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "l3.StoreTriple", err)
	}

	now := time.Now()
	if existing == nil {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.Version = 1
		t.PreviousValues = nil
		t.CreatedAt = now
		t.UpdatedAt = now

		prevValues, _ := json.Marshal([]string{})
		_, err = tx.ExecContext(ctx, `
			INSERT INTO knowledge_triples (id, subject, predicate, object, confidence, source, version, previous_values, session_id, user_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Subject, t.Predicate, t.Object, t.Confidence, string(t.Source), t.Version,
			string(prevValues), t.SessionID, t.UserID, now.Format(time.RFC3339), now.Format(time.RFC3339))
		if err != nil {
			return nil, biemerr.New(biemerr.BackendUnavailable, "l3.StoreTriple", err)
		}

		if err := insertHistoryTx(ctx, tx, t.ID, t.Subject, t.Predicate, "", t.Object, 0, t.Confidence, t.UserID, now); err != nil {
			return nil, err
		}
	} else if strings.EqualFold(existing.Object, t.Object) {
		// Idempotent on identical object: no version bump, no history row.
		existing.Confidence = t.Confidence
		existing.Source = t.Source
		existing.SessionID = t.SessionID
		existing.UpdatedAt = now
		if _, err = tx.ExecContext(ctx, `
			UPDATE knowledge_triples
			SET confidence = ?, source = ?, session_id = ?, updated_at = ?
			WHERE id = ?`,
			existing.Confidence, string(existing.Source), existing.SessionID, now.Format(time.RFC3339), existing.ID); err != nil {
			return nil, biemerr.New(biemerr.BackendUnavailable, "l3.StoreTriple", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, biemerr.New(biemerr.BackendUnavailable, "l3.StoreTriple", err)
		}
		*t = *existing
		return t, nil
	} else {
		t.ID = existing.ID
		t.Version = existing.Version + 1
		t.PreviousValues = append(append([]string{}, existing.PreviousValues...), existing.Object)
		t.CreatedAt = existing.CreatedAt
		t.UpdatedAt = now

		prevValues, _ := json.Marshal(t.PreviousValues)
		_, err = tx.ExecContext(ctx, `
			UPDATE knowledge_triples
			SET subject = ?, predicate = ?, object = ?, confidence = ?, source = ?, version = ?, previous_values = ?, session_id = ?, updated_at = ?
			WHERE id = ?`,
			t.Subject, t.Predicate, t.Object, t.Confidence, string(t.Source), t.Version,
			string(prevValues), t.SessionID, now.Format(time.RFC3339), t.ID)
		if err != nil {
			return nil, biemerr.New(biemerr.BackendUnavailable, "l3.StoreTriple", err)
		}

		if err := insertHistoryTx(ctx, tx, t.ID, t.Subject, t.Predicate, existing.Object, t.Object, existing.Confidence, t.Confidence, t.UserID, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "l3.StoreTriple", err)
	}
	return t, nil
}

func insertHistoryTx(ctx context.Context, tx *sql.Tx, tripleID, subject, predicate, oldObj, newObj string, oldConf, newConf float64, changedBy string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO knowledge_history (id, triple_id, subject, predicate, old_object, new_object, old_confidence, new_confidence, changed_at, changed_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), tripleID, subject, predicate, oldObj, newObj, oldConf, newConf, at.Format(time.RFC3339), changedBy)
	if err != nil {
		return biemerr.New(biemerr.BackendUnavailable, "l3.insertHistory", err)
	}
	return nil
}

// GetTripleByIdentity retrieves the triple matching (lower(subject), lower(predicate)).
func (s *Store) GetTripleByIdentity(ctx context.Context, subject, predicate string) (*knowledge.Triple, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject, predicate, object, confidence, source, version, previous_values, session_id, user_id, created_at, updated_at
		FROM knowledge_triples WHERE lower(subject) = lower(?) AND lower(predicate) = lower(?)`, subject, predicate)
	t, err := scanTriple(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "l3.GetTripleByIdentity", err)
	}
	return t, nil
}

func getTripleTx(ctx context.Context, tx *sql.Tx, subject, predicate string) (*knowledge.Triple, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, subject, predicate, object, confidence, source, version, previous_values, session_id, user_id, created_at, updated_at
		FROM knowledge_triples WHERE lower(subject) = lower(?) AND lower(predicate) = lower(?)`, subject, predicate)
	t, err := scanTriple(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// GetTripleByID retrieves a triple by its primary key.
func (s *Store) GetTripleByID(ctx context.Context, id string) (*knowledge.Triple, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject, predicate, object, confidence, source, version, previous_values, session_id, user_id, created_at, updated_at
		FROM knowledge_triples WHERE id = ?`, id)
	t, err := scanTriple(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "l3.GetTripleByID", err)
	}
	return t, nil
}

// DeleteTriple removes a triple by ID.
func (s *Store) DeleteTriple(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_triples WHERE id = ?`, id)
	if err != nil {
		return false, biemerr.New(biemerr.BackendUnavailable, "l3.DeleteTriple", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// QueryBySubject returns all triples for a given subject (case-insensitive).
func (s *Store) QueryBySubject(ctx context.Context, subject string) ([]*knowledge.Triple, error) {
	rows, err := s.db.QueryContext(ctx, tripleSelectBase+` WHERE lower(subject) = lower(?)`, subject)
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "l3.QueryBySubject", err)
	}
	defer rows.Close()
	return scanTriples(rows)
}

// QueryByPredicate returns all triples for a given predicate (case-insensitive).
func (s *Store) QueryByPredicate(ctx context.Context, predicate string) ([]*knowledge.Triple, error) {
	rows, err := s.db.QueryContext(ctx, tripleSelectBase+` WHERE lower(predicate) = lower(?)`, predicate)
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "l3.QueryByPredicate", err)
	}
	defer rows.Close()
	return scanTriples(rows)
}

// Search performs full-text search across subject/predicate/object.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]*knowledge.Triple, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.subject, t.predicate, t.object, t.confidence, t.source, t.version, t.previous_values, t.session_id, t.user_id, t.created_at, t.updated_at
		FROM knowledge_triples t
		JOIN triples_fts ON triples_fts.id = t.id
		WHERE triples_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "l3.Search", err)
	}
	defer rows.Close()
	return scanTriples(rows)
}

// GetRecentTriples returns the most recently updated triples.
func (s *Store) GetRecentTriples(ctx context.Context, limit int) ([]*knowledge.Triple, error) {
	rows, err := s.db.QueryContext(ctx, tripleSelectBase+` ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "l3.GetRecentTriples", err)
	}
	defer rows.Close()
	return scanTriples(rows)
}

// GetAllTriples returns every triple (bounded by limit; limit<=0 means unlimited).
func (s *Store) GetAllTriples(ctx context.Context, limit int) ([]*knowledge.Triple, error) {
	query := tripleSelectBase
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, query+" LIMIT ?", limit)
	} else {
		rows, err = s.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "l3.GetAllTriples", err)
	}
	defer rows.Close()
	return scanTriples(rows)
}

// FindPotentialConflict returns the existing triple sharing this identity
// if its object differs from proposedObject, or nil if there is no
// conflict (no existing row, or the object already matches).
func (s *Store) FindPotentialConflict(ctx context.Context, subject, predicate, proposedObject string) (*knowledge.Triple, error) {
	existing, err := s.GetTripleByIdentity(ctx, subject, predicate)
	if err != nil || existing == nil {
		return nil, err
	}
	if strings.EqualFold(strings.TrimSpace(existing.Object), strings.TrimSpace(proposedObject)) {
		return nil, nil
	}
	return existing, nil
}

// HistoryEntry is one recorded transition of a knowledge triple.
type HistoryEntry struct {
	ID            string
	TripleID      string
	Subject       string
	Predicate     string
	OldObject     string
	NewObject     string
	OldConfidence float64
	NewConfidence float64
	ChangedAt     time.Time
	ChangedBy     string
}

// GetHistory returns up to limit history entries for a triple, newest first.
func (s *Store) GetHistory(ctx context.Context, tripleID string, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, triple_id, subject, predicate, old_object, new_object, old_confidence, new_confidence, changed_at, changed_by
		FROM knowledge_history WHERE triple_id = ? ORDER BY changed_at DESC LIMIT ?`, tripleID, limit)
	if err != nil {
		return nil, biemerr.New(biemerr.BackendUnavailable, "l3.GetHistory", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var oldObj, newObj sql.NullString
		var oldConf, newConf sql.NullFloat64
		var changedAt string
		if err := rows.Scan(&h.ID, &h.TripleID, &h.Subject, &h.Predicate, &oldObj, &newObj, &oldConf, &newConf, &changedAt, &h.ChangedBy); err != nil {
			return nil, biemerr.New(biemerr.BackendUnavailable, "l3.GetHistory", err)
		}
		h.OldObject, h.NewObject = oldObj.String, newObj.String
		h.OldConfidence, h.NewConfidence = oldConf.Float64, newConf.Float64
		h.ChangedAt, _ = time.Parse(time.RFC3339, changedAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

const tripleSelectBase = `
	SELECT id, subject, predicate, object, confidence, source, version, previous_values, session_id, user_id, created_at, updated_at
	FROM knowledge_triples`

func scanTriple(row scannable) (*knowledge.Triple, error) {
	var t knowledge.Triple
	var source, prevValues, createdAt, updatedAt string
	if err := row.Scan(&t.ID, &t.Subject, &t.Predicate, &t.Object, &t.Confidence, &source, &t.Version,
		&prevValues, &t.SessionID, &t.UserID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Source = knowledge.Source(source)
	_ = json.Unmarshal([]byte(prevValues), &t.PreviousValues)
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &t, nil
}

func scanTriples(rows *sql.Rows) ([]*knowledge.Triple, error) {
	var out []*knowledge.Triple
	for rows.Next() {
		t, err := scanTriple(rows)
		if err != nil {
			return nil, biemerr.New(biemerr.BackendUnavailable, "l3.scanTriples", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
