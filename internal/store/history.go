package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is one entry of a chat transcript.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Role      string    `json:"role"` // human, ai
	Content   string    `json:"content"`
	PlanID    string    `json:"planId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Store) AddMessage(ctx context.Context, chatID, role, content, planID string) (*Message, error) {
	msg := &Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		PlanID:    planID,
		CreatedAt: now(),
	}
	query := `INSERT INTO messages (id, chat_id, role, content, plan_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.exec(ctx, query, msg.ID, chatID, role, content, nullString(planID), toUnix(msg.CreatedAt)); err != nil {
		return nil, fmt.Errorf("add message: %w", err)
	}
	return msg, nil
}

// GetHistory returns the last limit messages of a chat in chronological order.
func (s *Store) GetHistory(ctx context.Context, chatID string, limit int) ([]Message, error) {
	query := `SELECT id, chat_id, role, content, COALESCE(plan_id, ''), created_at
		FROM messages WHERE chat_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := s.query(ctx, query, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []Message
	for rows.Next() {
		var (
			m       Message
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.PlanID, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = fromUnix(created)
		history = append(history, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}

	return history, nil
}

func (s *Store) ClearHistory(ctx context.Context, chatID string) error {
	_, err := s.exec(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID)
	return err
}
