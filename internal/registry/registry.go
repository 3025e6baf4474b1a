// Package registry implements network management on top of storage:
// validation, ownership and the error kinds surfaced to command handlers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"globalchat/internal/eventbus"
	"globalchat/internal/storage"
	logx "globalchat/pkg/logx"
)

// MaxNameLen matches the platform's slash command string option limit.
const MaxNameLen = 100

var (
	ErrNotFound     = storage.ErrNotFound
	ErrConflict     = storage.ErrConflict
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidName  = errors.New("invalid network name")
)

type Network = storage.Network

// Registry is safe for concurrent use; all consistency is delegated to the store.
type Registry struct {
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
}

func New(store storage.Store, log logx.Logger, bus eventbus.Bus) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Registry{store: store, log: log, bus: bus, now: time.Now}
}

// NormalizeName trims surrounding space and checks length and characters.
// Case is preserved: "Lobby" and "lobby" are different networks.
func NormalizeName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if !utf8.ValidString(name) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidName)
	}
	if utf8.RuneCountInString(name) > MaxNameLen {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidName, MaxNameLen)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: control characters", ErrInvalidName)
		}
	}
	return name, nil
}

// CreateNetwork registers a network owned by ownerID. ErrConflict if taken.
func (r *Registry) CreateNetwork(ctx context.Context, name string, ownerID int64) error {
	return r.create(ctx, name, ownerID, 0)
}

// CreateAndJoin registers a network and joins channelID to it atomically.
func (r *Registry) CreateAndJoin(ctx context.Context, name string, ownerID, channelID int64) error {
	return r.create(ctx, name, ownerID, channelID)
}

func (r *Registry) create(ctx context.Context, raw string, ownerID, channelID int64) error {
	name, err := NormalizeName(raw)
	if err != nil {
		return err
	}
	n := Network{Name: name, OwnerID: ownerID, CreatedAt: r.now()}
	if err := r.store.CreateNetwork(ctx, n, channelID); err != nil {
		return err
	}
	r.log.Info("network created",
		logx.String("network", name), logx.Snowflake("owner_id", ownerID), logx.Snowflake("channel_id", channelID))
	r.publish("created", name, channelID)
	return nil
}

// AddMember joins channelID to an existing network. ErrNotFound for an
// unknown network, ErrConflict if the channel is already in any network.
func (r *Registry) AddMember(ctx context.Context, name string, channelID int64) error {
	name, err := NormalizeName(name)
	if err != nil {
		return err
	}
	if err := r.store.AddMember(ctx, name, channelID); err != nil {
		return err
	}
	r.log.Info("channel joined network", logx.String("network", name), logx.Snowflake("channel_id", channelID))
	r.publish("joined", name, channelID)
	return nil
}

// RemoveMember detaches channelID from its network. Absent is not an error;
// the bool reports whether anything changed.
func (r *Registry) RemoveMember(ctx context.Context, channelID int64) (bool, error) {
	removed, err := r.store.RemoveMember(ctx, channelID)
	if err != nil {
		return false, err
	}
	if removed {
		r.log.Info("channel left network", logx.Snowflake("channel_id", channelID))
		r.publish("left", "", channelID)
	}
	return removed, nil
}

// DeleteNetwork removes the network and all memberships when requesterID is
// the owner. It reports false for a non-owner; DeleteNetworkStrict turns that
// into ErrUnauthorized.
func (r *Registry) DeleteNetwork(ctx context.Context, name string, requesterID int64) (bool, error) {
	name, err := NormalizeName(name)
	if err != nil {
		return false, err
	}
	deleted, err := r.store.DeleteNetwork(ctx, name, requesterID)
	if err != nil {
		return false, err
	}
	if !deleted {
		r.log.Warn("network delete refused (not owner)",
			logx.String("network", name), logx.Snowflake("requester_id", requesterID))
		return false, nil
	}
	r.log.Info("network deleted", logx.String("network", name), logx.Snowflake("owner_id", requesterID))
	r.publish("deleted", name, 0)
	return true, nil
}

func (r *Registry) DeleteNetworkStrict(ctx context.Context, name string, requesterID int64) error {
	ok, err := r.DeleteNetwork(ctx, name, requesterID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

// LookupNetworkByChannel returns the network channelID belongs to.
func (r *Registry) LookupNetworkByChannel(ctx context.Context, channelID int64) (string, bool, error) {
	return r.store.NetworkByChannel(ctx, channelID)
}

// ListMembers returns every member channel, the caller's own included.
func (r *Registry) ListMembers(ctx context.Context, name string) ([]int64, error) {
	return r.store.Members(ctx, name)
}

func (r *Registry) GetNetwork(ctx context.Context, name string) (Network, error) {
	name, err := NormalizeName(name)
	if err != nil {
		return Network{}, err
	}
	return r.store.GetNetwork(ctx, name)
}

// PruneOrphans removes member rows left behind by networks deleted without
// cascading (older databases).
func (r *Registry) PruneOrphans(ctx context.Context) (int, error) {
	return r.store.PruneOrphans(ctx)
}

type NetworkChange struct {
	Action    string
	Network   string
	ChannelID int64
}

func (r *Registry) publish(action, name string, channelID int64) {
	r.bus.Publish(eventbus.Event{
		Type: eventbus.NetworkChanged,
		Data: NetworkChange{Action: action, Network: name, ChannelID: channelID},
	})
}
