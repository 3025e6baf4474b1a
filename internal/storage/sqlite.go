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

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	logx "globalchat/pkg/logx"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer; SQLite serializes writes anyway and this keeps tx semantics simple.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path), logx.Duration("busy_timeout", busy))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) CreateNetwork(ctx context.Context, n Network, channelID int64) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO network(name, owner_id, created_at) VALUES(?,?,?)`,
			n.Name, n.OwnerID, n.CreatedAt.UnixMilli(),
		); err != nil {
			return mapSQLiteErr(err, "network "+quote(n.Name)+" exists")
		}
		if channelID == 0 {
			return nil
		}
		return insertMemberSQLite(ctx, tx, n.Name, channelID)
	})
}

func (s *sqliteStore) GetNetwork(ctx context.Context, name string) (Network, error) {
	var (
		n  Network
		at int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, owner_id, created_at FROM network WHERE name = ?`, name,
	).Scan(&n.Name, &n.OwnerID, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Network{}, ErrNotFound
	}
	if err != nil {
		return Network{}, err
	}
	n.CreatedAt = time.UnixMilli(at)
	return n, nil
}

func (s *sqliteStore) AddMember(ctx context.Context, name string, channelID int64) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM network WHERE name = ?`, name).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: network %s", ErrNotFound, quote(name))
		}
		if err != nil {
			return err
		}
		return insertMemberSQLite(ctx, tx, name, channelID)
	})
}

func insertMemberSQLite(ctx context.Context, tx *sql.Tx, name string, channelID int64) error {
	var cur string
	err := tx.QueryRowContext(ctx, `SELECT name FROM network_member WHERE channel_id = ?`, channelID).Scan(&cur)
	switch {
	case err == nil:
		return fmt.Errorf("%w: channel already in network %s", ErrConflict, quote(cur))
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO network_member(channel_id, name, joined_at) VALUES(?,?,?)`,
		channelID, name, time.Now().UnixMilli(),
	)
	return mapSQLiteErr(err, "channel already in a network")
}

func (s *sqliteStore) RemoveMember(ctx context.Context, channelID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM network_member WHERE channel_id = ?`, channelID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) DeleteNetwork(ctx context.Context, name string, ownerID int64) (bool, error) {
	deleted := false
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var owner int64
		err := tx.QueryRowContext(ctx, `SELECT owner_id FROM network WHERE name = ?`, name).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if owner != ownerID {
			return nil
		}
		// Explicit cascade: databases created before foreign_keys was enabled
		// have no enforced ON DELETE.
		if _, err := tx.ExecContext(ctx, `DELETE FROM network_member WHERE name = ?`, name); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM network WHERE name = ?`, name); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	return deleted, err
}

func (s *sqliteStore) NetworkByChannel(ctx context.Context, channelID int64) (string, bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT m.name FROM network_member m JOIN network n ON n.name = m.name WHERE m.channel_id = ?`,
		channelID,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return name, true, nil
}

func (s *sqliteStore) Members(ctx context.Context, name string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id FROM network_member WHERE name = ? ORDER BY channel_id`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneOrphans(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM network_member WHERE name NOT IN (SELECT name FROM network)`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// mapSQLiteErr turns constraint violations into ErrConflict/ErrNotFound.
func mapSQLiteErr(err error, conflictMsg string) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return fmt.Errorf("%w: %s", ErrConflict, conflictMsg)
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return fmt.Errorf("%w: network", ErrNotFound)
	}
	return err
}

func quote(s string) string { return fmt.Sprintf("%q", s) }
