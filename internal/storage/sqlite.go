package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"msgate/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// Timestamps are stored as fixed-width RFC 3339 UTC so text order is time order.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := checkKey(id); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM credentials WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteStore) Load(ctx context.Context, id string) ([]byte, error) {
	if err := checkKey(id); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM credentials WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return data, err
}

func (s *sqliteStore) Save(ctx context.Context, id string, data []byte) error {
	if err := checkKey(id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials(id, data, updated_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		id, data, time.Now().UTC().Format(sqliteTime),
	)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	if err := checkKey(id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM credentials ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, d Delivery) error {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(at, session_id, job_id, kind, recipient, address, status, message_id, err)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		d.At.UTC().Format(sqliteTime), d.SessionID, nullStr(d.JobID), d.Kind, d.Recipient,
		nullStr(d.Address), d.Status, nullStr(d.MessageID), nullStr(d.Error),
	)
	return err
}

func (s *sqliteStore) RecentDeliveries(ctx context.Context, sessionID string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT at, session_id, job_id, kind, recipient, address, status, message_id, err FROM deliveries`
	args := []any{}
	if sessionID != "" {
		q += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var (
			d                           Delivery
			at                          string
			jobID, addr, msgID, errText sql.NullString
		)
		if err := rows.Scan(&at, &d.SessionID, &jobID, &d.Kind, &d.Recipient, &addr, &d.Status, &msgID, &errText); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			d.At = t
		}
		d.JobID, d.Address, d.MessageID, d.Error = jobID.String, addr.String, msgID.String, errText.String
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneDeliveries(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE at < ?`, before.UTC().Format(sqliteTime))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
