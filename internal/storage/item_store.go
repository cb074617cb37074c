// Package storage provides persistence for QuietDesk.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quietdesk/quietdesk/internal/core"
)

// ItemStore handles inbox item persistence
type ItemStore struct {
	db *DB
}

// NewItemStore creates a new item store
func NewItemStore(db *DB) *ItemStore {
	return &ItemStore{db: db}
}

const itemColumns = `id, source, external_id, sender, sender_display_name,
	       subject, content, status, classification, created_at, updated_at`

// Upsert inserts a new item or refreshes the display fields of an existing one.
// Identity is (source, external_id): re-ingestion never duplicates a row and
// never touches status or classification. The item's ID is set to the stored
// row's ID on return.
func (s *ItemStore) Upsert(item *core.InboxItem) error {
	if item.Source == "" || item.ExternalID == "" {
		return fmt.Errorf("%w: source and external id", core.ErrMissingRequired)
	}

	now := time.Now().UTC()
	if item.ID == "" {
		item.ID = core.ItemID(uuid.NewString())
	}
	if item.Status == "" {
		item.Status = core.ItemStatusNew
	}
	item.CreatedAt = now
	item.UpdatedAt = now

	_, err := s.db.conn.Exec(`
		INSERT INTO items (
		    id, source, external_id, sender, sender_display_name,
		    subject, content, status, classification, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT (source, external_id) DO UPDATE SET
		    sender = excluded.sender,
		    sender_display_name = excluded.sender_display_name,
		    subject = excluded.subject,
		    content = excluded.content,
		    updated_at = excluded.updated_at
	`,
		item.ID, item.Source, item.ExternalID, item.Sender, item.SenderDisplayName,
		item.Subject, item.Content, item.Status, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return err
	}

	// On conflict the original row's id survives; read it back.
	stored, err := s.GetBySourceExternalID(item.Source, item.ExternalID)
	if err != nil {
		return err
	}
	*item = *stored
	return nil
}

// GetByID returns an item by ID
func (s *ItemStore) GetByID(id core.ItemID) (*core.InboxItem, error) {
	row := s.db.conn.QueryRow(`SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	return s.scanItem(row)
}

// GetBySourceExternalID returns an item by its connector identity
func (s *ItemStore) GetBySourceExternalID(source core.Source, externalID string) (*core.InboxItem, error) {
	row := s.db.conn.QueryRow(
		`SELECT `+itemColumns+` FROM items WHERE source = ? AND external_id = ?`,
		source, externalID,
	)
	return s.scanItem(row)
}

// ListFilter narrows List results
type ListFilter struct {
	Status core.ItemStatus
	Sender string
	Limit  int
}

// List returns items matching the filter, newest first
func (s *ItemStore) List(filter ListFilter) ([]*core.InboxItem, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE 1=1`
	var args []interface{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Sender != "" {
		query += " AND sender = ?"
		args = append(args, filter.Sender)
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanItems(rows)
}

// ListUnclassified returns items awaiting classification, oldest first
func (s *ItemStore) ListUnclassified(limit int) ([]*core.InboxItem, error) {
	rows, err := s.db.conn.Query(`
		SELECT `+itemColumns+` FROM items
		WHERE classification IS NULL AND status = 'new'
		ORDER BY created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanItems(rows)
}

// UpdateStatus sets an item's lifecycle status
func (s *ItemStore) UpdateStatus(id core.ItemID, status core.ItemStatus) error {
	res, err := s.db.conn.Exec(
		"UPDATE items SET status = ?, updated_at = ? WHERE id = ?",
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res, core.ErrItemNotFound)
}

// SetClassification writes a classification onto an item, replacing any
// previous record.
func (s *ItemStore) SetClassification(id core.ItemID, c *core.Classification) error {
	if err := c.Validate(); err != nil {
		return err
	}

	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal classification: %w", err)
	}

	res, err := s.db.conn.Exec(
		"UPDATE items SET classification = ?, updated_at = ? WHERE id = ?",
		string(doc), time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res, core.ErrItemNotFound)
}

// MergeClassification applies override fields onto an item's existing
// classification, last write wins on conflicting keys. The item must already
// be classified.
func (s *ItemStore) MergeClassification(id core.ItemID, next core.Classification) (*core.Classification, error) {
	item, err := s.GetByID(id)
	if err != nil {
		return nil, err
	}
	if item.Classification == nil {
		return nil, core.ErrItemUnclassified
	}

	merged := *item.Classification
	merged.Merge(next)
	if err := s.SetClassification(id, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// DetachFromBatch clears an item's batch grouping without touching the rest
// of its classification.
func (s *ItemStore) DetachFromBatch(id core.ItemID) error {
	item, err := s.GetByID(id)
	if err != nil {
		return err
	}
	if item.Classification == nil {
		return nil
	}

	c := *item.Classification
	c.DetachBatch()
	return s.SetClassification(id, &c)
}

// ArchiveMany archives every listed item and records the given actual action
// on its classification. Per-item failures are isolated; the first error is
// returned after all items have been attempted.
func (s *ItemStore) ArchiveMany(ids []core.ItemID, action core.ActualAction) error {
	var firstErr error
	for _, id := range ids {
		if err := s.UpdateStatus(id, core.ItemStatusArchived); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("archive %s: %w", id, err)
			}
			continue
		}
		if _, err := s.MergeClassification(id, core.Classification{ActualAction: action}); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("record action on %s: %w", id, err)
			}
		}
	}
	return firstErr
}

// OutcomeCounts aggregates the recorded outcome history for a sender into the
// evidence buckets the proposal learner consumes.
func (s *ItemStore) OutcomeCounts(sender string) (core.ProposalEvidence, error) {
	var ev core.ProposalEvidence

	err := s.db.conn.QueryRow(`
		SELECT
		    COUNT(CASE WHEN json_extract(classification, '$.actual_action') = 'bulk_archive' THEN 1 END),
		    COUNT(CASE WHEN json_extract(classification, '$.actual_action') = 'archive' THEN 1 END),
		    COUNT(CASE WHEN json_extract(classification, '$.actual_action') = 'engaged' THEN 1 END),
		    COUNT(CASE WHEN json_extract(classification, '$.actual_action') = 'engaged'
		               AND json_extract(classification, '$.recommendation') = 'archive' THEN 1 END)
		FROM items
		WHERE sender = ? AND classification IS NOT NULL
	`, sender).Scan(&ev.Bulk, &ev.Quick, &ev.Engaged, &ev.Overrides)
	if err != nil {
		return ev, err
	}

	ev.Total = ev.Bulk + ev.Quick + ev.Engaged
	return ev, nil
}

// RecentSenders returns senders with recorded outcomes since the cutoff,
// used by the daily learning sweep.
func (s *ItemStore) RecentSenders(since time.Time) ([]string, error) {
	rows, err := s.db.conn.Query(`
		SELECT DISTINCT sender FROM items
		WHERE sender != ''
		  AND classification IS NOT NULL
		  AND json_extract(classification, '$.actual_action') IS NOT NULL
		  AND updated_at >= ?
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var senders []string
	for rows.Next() {
		var sender string
		if err := rows.Scan(&sender); err != nil {
			return nil, err
		}
		senders = append(senders, sender)
	}
	return senders, rows.Err()
}

// Count returns total item count
func (s *ItemStore) Count() (int, error) {
	var count int
	err := s.db.conn.QueryRow("SELECT COUNT(*) FROM items").Scan(&count)
	return count, err
}

func (s *ItemStore) scanItem(row *sql.Row) (*core.InboxItem, error) {
	item := &core.InboxItem{}
	var classification sql.NullString

	err := row.Scan(
		&item.ID, &item.Source, &item.ExternalID, &item.Sender, &item.SenderDisplayName,
		&item.Subject, &item.Content, &item.Status, &classification,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, core.ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}

	if classification.Valid {
		c := &core.Classification{}
		if err := json.Unmarshal([]byte(classification.String), c); err != nil {
			return nil, fmt.Errorf("unmarshal classification: %w", err)
		}
		item.Classification = c
	}

	return item, nil
}

func (s *ItemStore) scanItems(rows *sql.Rows) ([]*core.InboxItem, error) {
	var items []*core.InboxItem

	for rows.Next() {
		item := &core.InboxItem{}
		var classification sql.NullString

		err := rows.Scan(
			&item.ID, &item.Source, &item.ExternalID, &item.Sender, &item.SenderDisplayName,
			&item.Subject, &item.Content, &item.Status, &classification,
			&item.CreatedAt, &item.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}

		if classification.Valid {
			c := &core.Classification{}
			if err := json.Unmarshal([]byte(classification.String), c); err != nil {
				return nil, fmt.Errorf("unmarshal classification: %w", err)
			}
			item.Classification = c
		}

		items = append(items, item)
	}

	return items, rows.Err()
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
