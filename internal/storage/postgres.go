package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "globalchat/pkg/logx"
)

//go:embed schema_postgres.sql
var postgresSchema string

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	// No arguments: pgx uses the simple protocol, which accepts multiple statements.
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	log.Debug("postgres store opened", logx.String("host", pcfg.ConnConfig.Host), logx.Int("max_conns", int(pcfg.MaxConns)))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *postgresStore) CreateNetwork(ctx context.Context, n Network, channelID int64) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO network (name, owner_id, created_at) VALUES ($1, $2, $3)`,
			n.Name, n.OwnerID, n.CreatedAt)
		if err != nil {
			return mapPgErr(err, "network "+quote(n.Name)+" exists")
		}
		if channelID == 0 {
			return nil
		}
		return insertMemberPg(ctx, tx, n.Name, channelID)
	})
}

func (s *postgresStore) GetNetwork(ctx context.Context, name string) (Network, error) {
	var n Network
	err := s.pool.QueryRow(ctx,
		`SELECT name, owner_id, created_at FROM network WHERE name = $1`, name,
	).Scan(&n.Name, &n.OwnerID, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Network{}, ErrNotFound
	}
	return n, err
}

func (s *postgresStore) AddMember(ctx context.Context, name string, channelID int64) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var one int
		err := tx.QueryRow(ctx, `SELECT 1 FROM network WHERE name = $1 FOR SHARE`, name).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: network %s", ErrNotFound, quote(name))
		}
		if err != nil {
			return err
		}
		return insertMemberPg(ctx, tx, name, channelID)
	})
}

func insertMemberPg(ctx context.Context, tx pgx.Tx, name string, channelID int64) error {
	var cur string
	err := tx.QueryRow(ctx, `SELECT name FROM network_member WHERE channel_id = $1`, channelID).Scan(&cur)
	switch {
	case err == nil:
		return fmt.Errorf("%w: channel already in network %s", ErrConflict, quote(cur))
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO network_member (channel_id, name, joined_at) VALUES ($1, $2, $3)`,
		channelID, name, time.Now())
	return mapPgErr(err, "channel already in a network")
}

func (s *postgresStore) RemoveMember(ctx context.Context, channelID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM network_member WHERE channel_id = $1`, channelID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *postgresStore) DeleteNetwork(ctx context.Context, name string, ownerID int64) (bool, error) {
	deleted := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var owner int64
		err := tx.QueryRow(ctx, `SELECT owner_id FROM network WHERE name = $1 FOR UPDATE`, name).Scan(&owner)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if owner != ownerID {
			return nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM network_member WHERE name = $1`, name); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM network WHERE name = $1`, name); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	return deleted, err
}

func (s *postgresStore) NetworkByChannel(ctx context.Context, channelID int64) (string, bool, error) {
	var name string
	err := s.pool.QueryRow(ctx,
		`SELECT m.name FROM network_member m JOIN network n ON n.name = m.name WHERE m.channel_id = $1`,
		channelID,
	).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return name, true, nil
}

func (s *postgresStore) Members(ctx context.Context, name string) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT channel_id FROM network_member WHERE name = $1 ORDER BY channel_id`, name)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (s *postgresStore) PruneOrphans(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM network_member m WHERE NOT EXISTS (SELECT 1 FROM network n WHERE n.name = m.name)`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func mapPgErr(err error, conflictMsg string) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		return fmt.Errorf("%w: %s", ErrConflict, conflictMsg)
	case pgForeignKeyViolation:
		return fmt.Errorf("%w: network", ErrNotFound)
	}
	return err
}
