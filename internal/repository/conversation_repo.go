package repository

import (
	"database/sql"
	"time"

	"github.com/costline/costline/internal/domain"
	"github.com/google/uuid"
)

// ConversationRepository handles conversation and message persistence
type ConversationRepository struct {
	db *DB
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(db *DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// GetOrCreate returns the project's conversation, creating it on first use
func (r *ConversationRepository) GetOrCreate(projectID, userID string) (*domain.Conversation, error) {
	conv := &domain.Conversation{}
	err := r.db.QueryRow(`
		SELECT id, project_id, user_id, created_at, updated_at
		FROM conversations WHERE project_id = ?
		ORDER BY created_at ASC LIMIT 1
	`, projectID).Scan(&conv.ID, &conv.ProjectID, &conv.UserID, &conv.CreatedAt, &conv.UpdatedAt)

	if err == nil {
		return conv, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	now := time.Now()
	conv = &domain.Conversation{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = r.db.Exec(`
		INSERT INTO conversations (id, project_id, user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, conv.ID, conv.ProjectID, conv.UserID, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// AppendMessage adds a message to a conversation
func (r *ConversationRepository) AppendMessage(message *domain.Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	message.CreatedAt = time.Now()

	_, err := r.db.Exec(`
		INSERT INTO messages (id, conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, message.ID, message.ConversationID, message.Role, message.Content, message.CreatedAt)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		message.CreatedAt, message.ConversationID)
	return err
}

// ListMessages retrieves all messages of a conversation in order
func (r *ConversationRepository) ListMessages(conversationID string) ([]*domain.Message, error) {
	rows, err := r.db.Query(`
		SELECT id, conversation_id, role, content, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		message := &domain.Message{}
		if err := rows.Scan(&message.ID, &message.ConversationID, &message.Role,
			&message.Content, &message.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, rows.Err()
}
