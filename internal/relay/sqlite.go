package relay

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/dqhuy/unilink/internal/signaling"
)

// sqliteStore persists envelopes in a SQLite file. WAL mode is enabled so a
// relay restart or a second instance sharing the file does not lose rows.
type sqliteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the relay database at path.
func OpenSQLite(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open relay database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure relay database: %w", err)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS signals (
		id          TEXT PRIMARY KEY,
		sender_id   TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		type        TEXT NOT NULL,
		data        TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create signals table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS signals_receiver
		ON signals (receiver_id, created_at)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("index signals table: %w", err)
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Insert(ctx context.Context, env signaling.Envelope) (signaling.Envelope, error) {
	env.ID = uuid.NewString()
	env.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO signals (id, sender_id, receiver_id, type, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		env.ID, env.SenderID, env.ReceiverID, string(env.Type), string(env.Data),
		env.CreatedAt.UnixMilli())
	if err != nil {
		return signaling.Envelope{}, fmt.Errorf("insert signal: %w", err)
	}
	return env, nil
}

func (s *sqliteStore) ListByReceiver(ctx context.Context, userID string, limit int) ([]signaling.Envelope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender_id, receiver_id, type, data, created_at
		 FROM signals WHERE receiver_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	var out []signaling.Envelope
	for rows.Next() {
		var env signaling.Envelope
		var typ, data string
		var createdMs int64
		if err := rows.Scan(&env.ID, &env.SenderID, &env.ReceiverID, &typ, &data, &createdMs); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		env.Type = signaling.Type(typ)
		env.Data = []byte(data)
		env.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, env)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM signals WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete signal: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }
