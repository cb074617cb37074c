// Package storage provides persistence for QuietDesk.
package storage

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/quietdesk/quietdesk/internal/core"
)

// BatchStore handles batch card persistence
type BatchStore struct {
	db *DB
}

// NewBatchStore creates a new batch store
func NewBatchStore(db *DB) *BatchStore {
	return &BatchStore{db: db}
}

// GetOrCreate returns the open card for a batch type, creating it if none
// exists. A partial unique index on (batch_type) WHERE open makes the insert
// idempotent: concurrent callers all read back the one surviving row.
func (s *BatchStore) GetOrCreate(batchType string) (*core.BatchCard, error) {
	if batchType == "" || batchType == core.BatchTypeIndividual {
		return nil, core.ErrInvalidInput
	}

	now := time.Now().UTC()
	_, err := s.db.conn.Exec(`
		INSERT INTO batch_cards (id, batch_type, open, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT DO NOTHING
	`, uuid.NewString(), batchType, now, now)
	if err != nil {
		return nil, err
	}

	return s.getOpenByType(batchType)
}

func (s *BatchStore) getOpenByType(batchType string) (*core.BatchCard, error) {
	card := &core.BatchCard{}
	var open int
	err := s.db.conn.QueryRow(`
		SELECT id, batch_type, open, created_at, updated_at
		FROM batch_cards WHERE batch_type = ? AND open = 1
	`, batchType).Scan(&card.ID, &card.BatchType, &open, &card.CreatedAt, &card.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrCardNotFound
	}
	if err != nil {
		return nil, err
	}
	card.Open = open == 1

	return s.loadMembers(card)
}

// GetByID returns a card with its current membership
func (s *BatchStore) GetByID(id core.CardID) (*core.BatchCard, error) {
	card := &core.BatchCard{}
	var open int
	err := s.db.conn.QueryRow(`
		SELECT id, batch_type, open, created_at, updated_at
		FROM batch_cards WHERE id = ?
	`, id).Scan(&card.ID, &card.BatchType, &open, &card.CreatedAt, &card.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrCardNotFound
	}
	if err != nil {
		return nil, err
	}
	card.Open = open == 1

	return s.loadMembers(card)
}

// ListOpen returns all open cards with membership
func (s *BatchStore) ListOpen() ([]*core.BatchCard, error) {
	rows, err := s.db.conn.Query(`
		SELECT id, batch_type, open, created_at, updated_at
		FROM batch_cards WHERE open = 1
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cards []*core.BatchCard
	for rows.Next() {
		card := &core.BatchCard{}
		var open int
		if err := rows.Scan(&card.ID, &card.BatchType, &open, &card.CreatedAt, &card.UpdatedAt); err != nil {
			return nil, err
		}
		card.Open = open == 1
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, card := range cards {
		if _, err := s.loadMembers(card); err != nil {
			return nil, err
		}
	}
	return cards, nil
}

// AddItem attaches an item to a card; attaching twice is a no-op
func (s *BatchStore) AddItem(cardID core.CardID, itemID core.ItemID) error {
	now := time.Now().UTC()
	_, err := s.db.conn.Exec(`
		INSERT INTO batch_card_items (card_id, item_id, added_at)
		VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`, cardID, itemID, now)
	if err != nil {
		return err
	}

	_, err = s.db.conn.Exec("UPDATE batch_cards SET updated_at = ? WHERE id = ?", now, cardID)
	return err
}

// RemoveItem detaches an item from a card
func (s *BatchStore) RemoveItem(cardID core.CardID, itemID core.ItemID) error {
	_, err := s.db.conn.Exec(
		"DELETE FROM batch_card_items WHERE card_id = ? AND item_id = ?",
		cardID, itemID,
	)
	return err
}

// MemberCount returns how many items remain on a card
func (s *BatchStore) MemberCount(cardID core.CardID) (int, error) {
	var count int
	err := s.db.conn.QueryRow(
		"SELECT COUNT(*) FROM batch_card_items WHERE card_id = ?", cardID,
	).Scan(&count)
	return count, err
}

// Dissolve closes a card so GetOrCreate produces a fresh one next time
func (s *BatchStore) Dissolve(cardID core.CardID) error {
	res, err := s.db.conn.Exec(
		"UPDATE batch_cards SET open = 0, updated_at = ? WHERE id = ?",
		time.Now().UTC(), cardID,
	)
	if err != nil {
		return err
	}
	return requireRow(res, core.ErrCardNotFound)
}

func (s *BatchStore) loadMembers(card *core.BatchCard) (*core.BatchCard, error) {
	rows, err := s.db.conn.Query(`
		SELECT item_id FROM batch_card_items
		WHERE card_id = ? ORDER BY added_at ASC
	`, card.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	card.ItemIDs = nil
	for rows.Next() {
		var id core.ItemID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		card.ItemIDs = append(card.ItemIDs, id)
	}
	return card, rows.Err()
}
