package relay

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/dqhuy/unilink/internal/signaling"
)

// pgStore persists envelopes in Postgres for relays that are shared between
// machines or fronted by more than one instance.
type pgStore struct {
	db *sql.DB
}

// OpenPostgres connects to the database identified by connStr
// (a lib/pq connection string or postgres:// URL).
func OpenPostgres(connStr string) (Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open relay database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping relay database: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS signals (
		id          TEXT PRIMARY KEY,
		sender_id   TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		type        TEXT NOT NULL,
		data        TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create signals table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS signals_receiver
		ON signals (receiver_id, created_at)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("index signals table: %w", err)
	}

	return &pgStore{db: db}, nil
}

func (s *pgStore) Insert(ctx context.Context, env signaling.Envelope) (signaling.Envelope, error) {
	env.ID = uuid.NewString()
	env.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO signals (id, sender_id, receiver_id, type, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		env.ID, env.SenderID, env.ReceiverID, string(env.Type), string(env.Data), env.CreatedAt)
	if err != nil {
		return signaling.Envelope{}, fmt.Errorf("insert signal: %w", err)
	}
	return env, nil
}

func (s *pgStore) ListByReceiver(ctx context.Context, userID string, limit int) ([]signaling.Envelope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender_id, receiver_id, type, data, created_at
		 FROM signals WHERE receiver_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	var out []signaling.Envelope
	for rows.Next() {
		var env signaling.Envelope
		var typ, data string
		if err := rows.Scan(&env.ID, &env.SenderID, &env.ReceiverID, &typ, &data, &env.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		env.Type = signaling.Type(typ)
		env.Data = []byte(data)
		out = append(out, env)
	}
	return out, rows.Err()
}

func (s *pgStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM signals WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete signal: %w", err)
	}
	return nil
}

func (s *pgStore) Close() error { return s.db.Close() }
