package db

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kconnect-labs/k-connect-dev-sub012/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// ClientDB handles client-side database operations.
type ClientDB struct {
	db *sql.DB
}

// NewClientDB opens or creates the client database.
func NewClientDB(path string) (*ClientDB, error) {
	db, err := sql.Open("sqlite3", path+"?_fk=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	cdb := &ClientDB{db: db}
	if err := cdb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return cdb, nil
}

// Close closes the database connection.
func (c *ClientDB) Close() error {
	return c.db.Close()
}

func (c *ClientDB) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS preferences (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cached_messages (
			chat_id INTEGER NOT NULL,
			message_id INTEGER NOT NULL,
			sender_id INTEGER NOT NULL,
			payload BLOB NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (chat_id, message_id)
		);

		CREATE INDEX IF NOT EXISTS idx_cached_messages_chat
			ON cached_messages(chat_id, message_id);
	`
	_, err := c.db.Exec(schema)
	return err
}

// GetPreference retrieves a preference value. Missing keys yield "".
func (c *ClientDB) GetPreference(key string) (string, error) {
	var value string
	err := c.db.QueryRow(`SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetPreference sets a preference value.
func (c *ClientDB) SetPreference(key, value string) error {
	_, err := c.db.Exec(`
		INSERT INTO preferences (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// NewCachedMessage encodes a message for the cache.
func NewCachedMessage(m *models.Message) (*models.CachedMessage, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message %d: %w", m.ID, err)
	}
	return &models.CachedMessage{
		ChatID:    m.ChatID,
		MessageID: m.ID,
		SenderID:  m.SenderID,
		Payload:   payload,
		CreatedAt: m.CreatedAt,
	}, nil
}

// CacheMessage caches a message locally.
func (c *ClientDB) CacheMessage(msg *models.CachedMessage) error {
	_, err := c.db.Exec(`
		INSERT OR REPLACE INTO cached_messages
			(chat_id, message_id, sender_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ChatID, msg.MessageID, msg.SenderID, msg.Payload, msg.CreatedAt.UTC())
	return err
}

// GetCachedMessages returns up to limit of the newest cached messages of a
// chat, ascending by id.
func (c *ClientDB) GetCachedMessages(chatID int64, limit int) ([]models.Message, error) {
	rows, err := c.db.Query(`
		SELECT payload FROM cached_messages
		WHERE chat_id = ?
		ORDER BY message_id DESC LIMIT ?
	`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var m models.Message
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("failed to decode cached message: %w", err)
		}
		messages = append(messages, m)
	}
	// Reverse to get ascending order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, rows.Err()
}

// DeleteCachedMessage removes one cached message.
func (c *ClientDB) DeleteCachedMessage(chatID, messageID int64) error {
	_, err := c.db.Exec(`DELETE FROM cached_messages WHERE chat_id = ? AND message_id = ?`, chatID, messageID)
	return err
}

// ClearCachedMessages clears cached messages for a chat.
func (c *ClientDB) ClearCachedMessages(chatID int64) error {
	_, err := c.db.Exec(`DELETE FROM cached_messages WHERE chat_id = ?`, chatID)
	return err
}
