// Package storage persists the network registry: which networks exist, who
// owns them and which channels belong to each.
//
// Backends:
//   - "sqlite" (default): single-file database via modernc.org/sqlite
//   - "postgres": shared database via pgx
//   - "memory": process-local, for tests and throwaway runs
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "globalchat/pkg/logx"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrDisabled = errors.New("storage disabled")
)

// Network is a named relay group. Names are case-sensitive.
type Network struct {
	Name      string
	OwnerID   int64
	CreatedAt time.Time
}

// Store is the registry persistence API. Every mutating call is atomic.
type Store interface {
	// CreateNetwork inserts n. If channelID is non-zero the channel joins n in
	// the same transaction. ErrConflict if the name exists or the channel is
	// already a member elsewhere.
	CreateNetwork(ctx context.Context, n Network, channelID int64) error
	GetNetwork(ctx context.Context, name string) (Network, error)

	// AddMember returns ErrNotFound for an unknown network and ErrConflict if
	// the channel already belongs to any network.
	AddMember(ctx context.Context, name string, channelID int64) error
	// RemoveMember reports whether a row was removed.
	RemoveMember(ctx context.Context, channelID int64) (bool, error)

	// DeleteNetwork removes the network and all its member rows when ownerID
	// owns it. It returns false (and no error) on owner mismatch, and
	// ErrNotFound when no such network exists.
	DeleteNetwork(ctx context.Context, name string, ownerID int64) (bool, error)

	NetworkByChannel(ctx context.Context, channelID int64) (name string, ok bool, err error)
	// Members returns member channel IDs in ascending order.
	Members(ctx context.Context, name string) ([]int64, error)

	// PruneOrphans deletes member rows whose network no longer exists.
	PruneOrphans(ctx context.Context) (int, error)

	Close() error
}

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only
	MaxConns    int
}

// Open initializes the configured backend and applies its schema.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	case "memory":
		return NewMemory(), nil
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
