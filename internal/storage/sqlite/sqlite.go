// Package sqlite is the default storage.Adapter implementation, backed
// by an embedded SQLite database file under the account's data directory.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fluux-im/fluux/internal/storage"
)

// DB is a storage.Adapter backed by SQLite.
type DB struct {
	db *sql.DB
}

var _ storage.Adapter = (*DB)(nil)

// New opens (creating if necessary) the database file under dataDir.
func New(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "fluux.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &DB{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the underlying database handle.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			account TEXT NOT NULL,
			jid TEXT NOT NULL,
			body TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			outgoing INTEGER NOT NULL,
			encrypted INTEGER NOT NULL,
			type TEXT NOT NULL,
			received INTEGER DEFAULT 0,
			displayed INTEGER DEFAULT 0,
			corrected INTEGER DEFAULT 0,
			corrected_id TEXT,
			stanza_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_jid ON messages(account, jid)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_stanza_id ON messages(stanza_id)`,

		// app_state is the generic key/value surface the Connection
		// Manager and Presence Machine use to persist
		// storage.SMStateKey and storage.PresenceMachineKey, one row
		// per (account, key).
		`CREATE TABLE IF NOT EXISTS app_state (
			account TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT,
			PRIMARY KEY (account, key)
		)`,

		`CREATE TABLE IF NOT EXISTS roster_cache (
			account TEXT NOT NULL,
			jid TEXT NOT NULL,
			name TEXT,
			groups_json TEXT,
			subscription TEXT,
			last_updated INTEGER NOT NULL,
			PRIMARY KEY (account, jid)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_roster_cache_account ON roster_cache(account)`,

		`CREATE TABLE IF NOT EXISTS mam_sync (
			account TEXT NOT NULL,
			jid TEXT NOT NULL,
			last_stanza_id TEXT,
			last_timestamp INTEGER,
			last_synced INTEGER NOT NULL,
			PRIMARY KEY (account, jid)
		)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Get implements storage.Adapter.
func (d *DB) Get(account, key string) (string, bool, error) {
	var value string
	err := d.db.QueryRow(`SELECT value FROM app_state WHERE account = ? AND key = ?`, account, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set implements storage.Adapter.
func (d *DB) Set(account, key, value string) error {
	_, err := d.db.Exec(`
		INSERT INTO app_state (account, key, value)
		VALUES (?, ?, ?)
		ON CONFLICT(account, key) DO UPDATE SET value = excluded.value
	`, account, key, value)
	return err
}

// Delete implements storage.Adapter.
func (d *DB) Delete(account, key string) error {
	_, err := d.db.Exec(`DELETE FROM app_state WHERE account = ? AND key = ?`, account, key)
	return err
}

// SaveMessage implements storage.MessageAdapter.
func (d *DB) SaveMessage(account, jid, id, body, msgType string, timestamp time.Time, outgoing, encrypted bool) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO messages (id, account, jid, body, timestamp, outgoing, encrypted, type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, account, jid, body, timestamp.Unix(), outgoing, encrypted, msgType)
	return err
}

// SaveMessageWithStanzaID implements storage.MessageAdapter, deduping on
// the archive's stanza-id via INSERT OR IGNORE.
func (d *DB) SaveMessageWithStanzaID(account, jid, id, stanzaID, body, msgType string, timestamp time.Time, outgoing, encrypted bool) error {
	_, err := d.db.Exec(`
		INSERT OR IGNORE INTO messages (id, stanza_id, account, jid, body, timestamp, outgoing, encrypted, type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, stanzaID, account, jid, body, timestamp.Unix(), outgoing, encrypted, msgType)
	return err
}

// GetMessages implements storage.MessageAdapter.
func (d *DB) GetMessages(account, jid string, limit, offset int) ([]storage.Message, error) {
	rows, err := d.db.Query(`
		SELECT id, body, timestamp, outgoing, encrypted, type, received, displayed, corrected, corrected_id
		FROM messages
		WHERE account = ? AND jid = ?
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`, account, jid, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []storage.Message
	for rows.Next() {
		var msg storage.Message
		var ts int64
		var correctedID sql.NullString

		err := rows.Scan(&msg.ID, &msg.Body, &ts, &msg.Outgoing, &msg.Encrypted,
			&msg.Type, &msg.Received, &msg.Displayed, &msg.Corrected, &correctedID)
		if err != nil {
			return nil, err
		}

		msg.Timestamp = time.Unix(ts, 0)
		if correctedID.Valid {
			msg.CorrectedID = correctedID.String
		}
		messages = append(messages, msg)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// MessageExists implements storage.MessageAdapter.
func (d *DB) MessageExists(stanzaID string) (bool, error) {
	var one int
	err := d.db.QueryRow("SELECT 1 FROM messages WHERE stanza_id = ?", stanzaID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return one == 1, nil
}

// MarkMessageReceived implements storage.MessageAdapter.
func (d *DB) MarkMessageReceived(id string) error {
	_, err := d.db.Exec("UPDATE messages SET received = 1 WHERE id = ?", id)
	return err
}

// MarkMessageDisplayed implements storage.MessageAdapter.
func (d *DB) MarkMessageDisplayed(id string) error {
	_, err := d.db.Exec("UPDATE messages SET displayed = 1 WHERE id = ?", id)
	return err
}

// DeleteMessages implements storage.MessageAdapter.
func (d *DB) DeleteMessages(account, jid string) error {
	_, err := d.db.Exec("DELETE FROM messages WHERE account = ? AND jid = ?", account, jid)
	return err
}

// DeleteOldMessages implements storage.MessageAdapter.
func (d *DB) DeleteOldMessages(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	result, err := d.db.Exec("DELETE FROM messages WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// GetMessageCount returns the total number of persisted messages across
// all accounts.
func (d *DB) GetMessageCount() (int64, error) {
	var count int64
	err := d.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&count)
	return count, err
}

// GetDatabaseSize reports the on-disk size of the database in bytes.
func (d *DB) GetDatabaseSize() (int64, error) {
	var pageCount, pageSize int64
	if err := d.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, err
	}
	if err := d.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}

// Vacuum reclaims free pages. Nothing in this module calls it, including
// at startup when StorageConfig.VacuumOnStartup is set.
func (d *DB) Vacuum() error {
	_, err := d.db.Exec("VACUUM")
	return err
}

// SaveRoster implements storage.RosterAdapter.
func (d *DB) SaveRoster(account string, entries []storage.RosterEntry) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM roster_cache WHERE account = ?", account); err != nil {
		return err
	}

	for _, entry := range entries {
		groupsJSON := "[]"
		if len(entry.Groups) > 0 {
			encoded, err := json.Marshal(entry.Groups)
			if err != nil {
				return err
			}
			groupsJSON = string(encoded)
		}

		_, err := tx.Exec(`
			INSERT INTO roster_cache (account, jid, name, groups_json, subscription, last_updated)
			VALUES (?, ?, ?, ?, ?, ?)
		`, account, entry.JID, entry.Name, groupsJSON, entry.Subscription, time.Now().Unix())
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetRoster implements storage.RosterAdapter.
func (d *DB) GetRoster(account string) ([]storage.RosterEntry, error) {
	rows, err := d.db.Query(`
		SELECT jid, name, groups_json, subscription
		FROM roster_cache
		WHERE account = ?
		ORDER BY COALESCE(name, jid), jid
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []storage.RosterEntry
	for rows.Next() {
		var entry storage.RosterEntry
		var groupsJSON sql.NullString
		var name, subscription sql.NullString

		if err := rows.Scan(&entry.JID, &name, &groupsJSON, &subscription); err != nil {
			return nil, err
		}

		if name.Valid {
			entry.Name = name.String
		}
		if subscription.Valid {
			entry.Subscription = subscription.String
		}
		if groupsJSON.Valid && groupsJSON.String != "" {
			_ = json.Unmarshal([]byte(groupsJSON.String), &entry.Groups)
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// GetMAMSync implements storage.MAMAdapter.
func (d *DB) GetMAMSync(account, jid string) (*storage.MAMSync, error) {
	var sync storage.MAMSync
	err := d.db.QueryRow(`
		SELECT account, jid, last_stanza_id, last_timestamp, last_synced
		FROM mam_sync
		WHERE account = ? AND jid = ?
	`, account, jid).Scan(&sync.Account, &sync.JID, &sync.LastStanzaID, &sync.LastTimestamp, &sync.LastSynced)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &sync, err
}

// SaveMAMSync implements storage.MAMAdapter.
func (d *DB) SaveMAMSync(sync storage.MAMSync) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO mam_sync (account, jid, last_stanza_id, last_timestamp, last_synced)
		VALUES (?, ?, ?, ?, ?)
	`, sync.Account, sync.JID, sync.LastStanzaID, sync.LastTimestamp, time.Now().Unix())
	return err
}

// DeleteMAMSync implements storage.MAMAdapter.
func (d *DB) DeleteMAMSync(account, jid string) error {
	_, err := d.db.Exec(`
		DELETE FROM mam_sync
		WHERE account = ? AND jid = ?
	`, account, jid)
	return err
}
