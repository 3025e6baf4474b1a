// Package commands implements the network management slash commands.
//
// Each handler returns the Reply shown to the invoking user. User mistakes
// (unknown network, channel already joined, not the owner) are answered
// with an ephemeral explanation and a nil error; only unexpected failures
// are returned as errors.
package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"globalchat/internal/registry"
	"globalchat/internal/transport"
	"globalchat/internal/transport/discord/router"
	logx "globalchat/pkg/logx"
)

const (
	NameCreate = "create"
	NameJoin   = "join"
	NameLeave  = "leave"
	NameDelete = "delete"

	optName = "name"

	commandTimeout = 10 * time.Second
)

// Registry is the part of *registry.Registry the commands use.
type Registry interface {
	CreateAndJoin(ctx context.Context, name string, ownerID, channelID int64) error
	AddMember(ctx context.Context, name string, channelID int64) error
	RemoveMember(ctx context.Context, channelID int64) (bool, error)
	DeleteNetwork(ctx context.Context, name string, requesterID int64) (bool, error)
	LookupNetworkByChannel(ctx context.Context, channelID int64) (string, bool, error)
}

type Handlers struct {
	reg Registry
	log logx.Logger
}

func New(reg Registry, log logx.Logger) *Handlers {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handlers{reg: reg, log: log.With(logx.String("comp", "commands"))}
}

func reject(format string, args ...any) transport.Reply {
	return transport.Reply{Text: fmt.Sprintf(format, args...), Ephemeral: true}
}

func done(format string, args ...any) transport.Reply {
	return transport.Reply{Text: fmt.Sprintf(format, args...)}
}

func guildOnly(inv transport.CommandInvocation) (transport.Reply, bool) {
	if inv.GuildID == 0 || inv.ChannelID == 0 {
		return reject("This command can only be used in a server channel."), false
	}
	return transport.Reply{}, true
}

// Create registers a new network owned by the caller and joins the current
// channel to it.
func (h *Handlers) Create(ctx context.Context, inv transport.CommandInvocation) (transport.Reply, error) {
	if r, ok := guildOnly(inv); !ok {
		return r, nil
	}
	name, err := registry.NormalizeName(inv.Options[optName])
	if err != nil {
		return reject("That name cannot be used (%v).", err), nil
	}
	if cur, member, err := h.reg.LookupNetworkByChannel(ctx, inv.ChannelID); err != nil {
		return transport.Reply{}, err
	} else if member {
		return reject("This channel is already in network %q. Use /leave first.", cur), nil
	}

	switch err := h.reg.CreateAndJoin(ctx, name, inv.UserID, inv.ChannelID); {
	case err == nil:
		return done("Created network %q and joined this channel to it.", name), nil
	case errors.Is(err, registry.ErrConflict):
		return reject("A network named %q already exists, or this channel just joined one.", name), nil
	default:
		return transport.Reply{}, fmt.Errorf("create %q: %w", name, err)
	}
}

// Join adds the current channel to an existing network.
func (h *Handlers) Join(ctx context.Context, inv transport.CommandInvocation) (transport.Reply, error) {
	if r, ok := guildOnly(inv); !ok {
		return r, nil
	}
	name, err := registry.NormalizeName(inv.Options[optName])
	if err != nil {
		return reject("That name cannot be used (%v).", err), nil
	}
	if cur, member, err := h.reg.LookupNetworkByChannel(ctx, inv.ChannelID); err != nil {
		return transport.Reply{}, err
	} else if member {
		if cur == name {
			return reject("This channel is already in network %q.", cur), nil
		}
		return reject("This channel is already in network %q. Use /leave first.", cur), nil
	}

	switch err := h.reg.AddMember(ctx, name, inv.ChannelID); {
	case err == nil:
		return done("Joined network %q.", name), nil
	case errors.Is(err, registry.ErrNotFound):
		return reject("There is no network named %q.", name), nil
	case errors.Is(err, registry.ErrConflict):
		return reject("This channel is already in a network. Use /leave first."), nil
	default:
		return transport.Reply{}, fmt.Errorf("join %q: %w", name, err)
	}
}

// Leave removes the current channel from whatever network it is in.
func (h *Handlers) Leave(ctx context.Context, inv transport.CommandInvocation) (transport.Reply, error) {
	if r, ok := guildOnly(inv); !ok {
		return r, nil
	}
	removed, err := h.reg.RemoveMember(ctx, inv.ChannelID)
	if err != nil {
		return transport.Reply{}, fmt.Errorf("leave: %w", err)
	}
	if !removed {
		return reject("This channel is not in a network."), nil
	}
	return done("Left the network."), nil
}

// Delete removes a network and all its memberships. Only the owner may.
func (h *Handlers) Delete(ctx context.Context, inv transport.CommandInvocation) (transport.Reply, error) {
	if r, ok := guildOnly(inv); !ok {
		return r, nil
	}
	name, err := registry.NormalizeName(inv.Options[optName])
	if err != nil {
		return reject("That name cannot be used (%v).", err), nil
	}
	deleted, err := h.reg.DeleteNetwork(ctx, name, inv.UserID)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return reject("There is no network named %q.", name), nil
	case err != nil:
		return transport.Reply{}, fmt.Errorf("delete %q: %w", name, err)
	case !deleted:
		return reject("Only the creator of %q can delete it.", name), nil
	}
	return done("Deleted network %q.", name), nil
}

// Commands binds the handlers to router commands.
func (h *Handlers) Commands() []router.Command {
	nameOpt := []transport.CommandOption{{
		Name:        optName,
		Description: "Network name",
		Required:    true,
		MaxLength:   registry.MaxNameLen,
	}}
	return []router.Command{
		h.bind(transport.CommandSpec{Name: NameCreate, Description: "Create a network and join this channel to it.", Options: nameOpt}, h.Create),
		h.bind(transport.CommandSpec{Name: NameJoin, Description: "Join this channel to a network.", Options: nameOpt}, h.Join),
		h.bind(transport.CommandSpec{Name: NameLeave, Description: "Remove this channel from its network."}, h.Leave),
		h.bind(transport.CommandSpec{Name: NameDelete, Description: "Delete a network you created.", Options: nameOpt}, h.Delete),
	}
}

type replyFunc func(ctx context.Context, inv transport.CommandInvocation) (transport.Reply, error)

func (h *Handlers) bind(spec transport.CommandSpec, fn replyFunc) router.Command {
	return router.Command{
		Spec:    spec,
		Timeout: commandTimeout,
		Handle: func(ctx context.Context, req *router.Request) error {
			rep, err := fn(ctx, req.Invocation)
			if err != nil {
				return err
			}
			if rep.Ephemeral {
				h.log.Debug("command rejected",
					logx.String("cmd", spec.Name), logx.Snowflake("user_id", req.Invocation.UserID), logx.String("reply", rep.Text))
			}
			return req.Reply(ctx, rep)
		},
	}
}
