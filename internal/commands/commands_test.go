package commands

import (
	"context"
	"strings"
	"testing"

	"globalchat/internal/registry"
	"globalchat/internal/storage"
	"globalchat/internal/transport"
	logx "globalchat/pkg/logx"
)

const (
	guild   int64 = 1
	owner   int64 = 10
	visitor int64 = 20
)

func newHandlers() (*Handlers, *registry.Registry) {
	reg := registry.New(storage.NewMemory(), logx.Nop(), nil)
	return New(reg, logx.Nop()), reg
}

func inv(user, channel int64, name string) transport.CommandInvocation {
	return transport.CommandInvocation{
		GuildID:   guild,
		ChannelID: channel,
		UserID:    user,
		Options:   map[string]string{optName: name},
	}
}

func TestCreateJoinsInvokingChannel(t *testing.T) {
	h, reg := newHandlers()
	ctx := context.Background()

	rep, err := h.Create(ctx, inv(owner, 100, "lobby"))
	if err != nil || rep.Ephemeral {
		t.Fatalf("Create = %+v, %v", rep, err)
	}
	name, ok, _ := reg.LookupNetworkByChannel(ctx, 100)
	if !ok || name != "lobby" {
		t.Fatalf("channel not joined: %q %v", name, ok)
	}
}

func TestCreateDuplicateRejected(t *testing.T) {
	h, _ := newHandlers()
	ctx := context.Background()
	_, _ = h.Create(ctx, inv(owner, 100, "lobby"))

	rep, err := h.Create(ctx, inv(visitor, 200, "lobby"))
	if err != nil || !rep.Ephemeral || !strings.Contains(rep.Text, "already exists") {
		t.Fatalf("Create = %+v, %v", rep, err)
	}
}

func TestJoinRules(t *testing.T) {
	h, reg := newHandlers()
	ctx := context.Background()
	_, _ = h.Create(ctx, inv(owner, 100, "lobby"))
	_, _ = h.Create(ctx, inv(owner, 300, "other"))

	if rep, err := h.Join(ctx, inv(visitor, 200, "ghost")); err != nil || !strings.Contains(rep.Text, "no network") {
		t.Fatalf("join unknown = %+v, %v", rep, err)
	}
	if rep, err := h.Join(ctx, inv(visitor, 200, "lobby")); err != nil || rep.Ephemeral {
		t.Fatalf("join = %+v, %v", rep, err)
	}
	rep, err := h.Join(ctx, inv(visitor, 200, "other"))
	if err != nil || !rep.Ephemeral || !strings.Contains(rep.Text, "/leave") {
		t.Fatalf("join while member = %+v, %v", rep, err)
	}
	if name, _, _ := reg.LookupNetworkByChannel(ctx, 200); name != "lobby" {
		t.Fatalf("channel moved to %q", name)
	}
}

func TestLeave(t *testing.T) {
	h, reg := newHandlers()
	ctx := context.Background()
	_, _ = h.Create(ctx, inv(owner, 100, "lobby"))

	if rep, err := h.Leave(ctx, inv(owner, 100, "")); err != nil || rep.Ephemeral {
		t.Fatalf("leave = %+v, %v", rep, err)
	}
	if _, ok, _ := reg.LookupNetworkByChannel(ctx, 100); ok {
		t.Fatalf("still a member")
	}
	if rep, err := h.Leave(ctx, inv(owner, 100, "")); err != nil || !rep.Ephemeral {
		t.Fatalf("second leave = %+v, %v", rep, err)
	}
}

func TestDeleteOwnerOnly(t *testing.T) {
	h, reg := newHandlers()
	ctx := context.Background()
	_, _ = h.Create(ctx, inv(owner, 100, "lobby"))

	rep, err := h.Delete(ctx, inv(visitor, 200, "lobby"))
	if err != nil || !strings.Contains(rep.Text, "Only the creator") {
		t.Fatalf("non-owner delete = %+v, %v", rep, err)
	}
	if _, err := reg.GetNetwork(ctx, "lobby"); err != nil {
		t.Fatalf("network deleted by non-owner")
	}

	if rep, err := h.Delete(ctx, inv(owner, 100, "lobby")); err != nil || rep.Ephemeral {
		t.Fatalf("owner delete = %+v, %v", rep, err)
	}
	if _, ok, _ := reg.LookupNetworkByChannel(ctx, 100); ok {
		t.Fatalf("membership survived delete")
	}
	if rep, _ := h.Delete(ctx, inv(owner, 100, "lobby")); !strings.Contains(rep.Text, "no network") {
		t.Fatalf("delete missing = %+v", rep)
	}
}

func TestGuildOnlyAndNameValidation(t *testing.T) {
	h, _ := newHandlers()
	ctx := context.Background()

	dm := inv(owner, 100, "lobby")
	dm.GuildID = 0
	if rep, _ := h.Create(ctx, dm); !strings.Contains(rep.Text, "server channel") {
		t.Fatalf("dm create = %+v", rep)
	}
	if rep, _ := h.Create(ctx, inv(owner, 100, "   ")); !rep.Ephemeral || !strings.Contains(rep.Text, "cannot be used") {
		t.Fatalf("blank name = %+v", rep)
	}
}

func TestCommandsSpecs(t *testing.T) {
	h, _ := newHandlers()
	cmds := h.Commands()
	if len(cmds) != 4 {
		t.Fatalf("got %d commands", len(cmds))
	}
	for _, c := range cmds {
		if c.Spec.Name == NameLeave {
			if len(c.Spec.Options) != 0 {
				t.Fatalf("leave takes no options")
			}
			continue
		}
		if len(c.Spec.Options) != 1 || !c.Spec.Options[0].Required || c.Spec.Options[0].MaxLength != registry.MaxNameLen {
			t.Fatalf("%s options = %+v", c.Spec.Name, c.Spec.Options)
		}
	}
}
