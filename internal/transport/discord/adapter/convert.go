package adapter

import (
	"strconv"

	"github.com/bwmarrin/discordgo"

	"globalchat/internal/transport"
)

func snowflake(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func idString(v int64) string { return strconv.FormatInt(v, 10) }

func readyEvent(r *discordgo.Ready) transport.Ready {
	ev := transport.Ready{}
	if r == nil {
		return ev
	}
	if r.User != nil {
		ev.SelfID = snowflake(r.User.ID)
		ev.Username = r.User.Username
	}
	ev.Guilds = len(r.Guilds)
	return ev
}

func author(u *discordgo.User, m *discordgo.Member) transport.Author {
	if u == nil {
		return transport.Author{}
	}
	a := transport.Author{
		ID:         snowflake(u.ID),
		Username:   u.Username,
		GlobalName: u.GlobalName,
		AvatarHash: u.Avatar,
		Bot:        u.Bot,
		System:     u.System,
	}
	// "0" for migrated accounts.
	a.Discriminator, _ = strconv.Atoi(u.Discriminator)
	if m != nil {
		a.Nick = m.Nick
	}
	return a
}

func messageEvent(m *discordgo.Message) transport.MessageCreate {
	ev := transport.MessageCreate{
		ID:        snowflake(m.ID),
		ChannelID: snowflake(m.ChannelID),
		GuildID:   snowflake(m.GuildID),
		Author:    author(m.Author, m.Member),
		Content:   m.Content,
		WebhookID: snowflake(m.WebhookID),
	}
	for _, at := range m.Attachments {
		if at == nil {
			continue
		}
		ev.Attachments = append(ev.Attachments, transport.Attachment{
			ID:          snowflake(at.ID),
			Filename:    at.Filename,
			URL:         at.URL,
			ContentType: at.ContentType,
			Size:        int64(at.Size),
		})
	}
	return ev
}

func invocationEvent(i *discordgo.Interaction) transport.CommandInvocation {
	data := i.ApplicationCommandData()
	inv := transport.CommandInvocation{
		Name:      data.Name,
		Options:   map[string]string{},
		ChannelID: snowflake(i.ChannelID),
		GuildID:   snowflake(i.GuildID),
		Ref:       i,
	}
	switch {
	case i.Member != nil && i.Member.User != nil:
		inv.UserID = snowflake(i.Member.User.ID)
	case i.User != nil:
		inv.UserID = snowflake(i.User.ID)
	}
	for _, o := range data.Options {
		if o != nil && o.Type == discordgo.ApplicationCommandOptionString {
			inv.Options[o.Name] = o.StringValue()
		}
	}
	return inv
}

func endpointFrom(w *discordgo.Webhook) transport.Endpoint {
	ep := transport.Endpoint{
		ID:        snowflake(w.ID),
		Token:     w.Token,
		ChannelID: snowflake(w.ChannelID),
		Name:      w.Name,
	}
	if w.User != nil {
		ep.OwnerID = snowflake(w.User.ID)
	}
	return ep
}

func commandFrom(spec transport.CommandSpec) *discordgo.ApplicationCommand {
	perms := int64(discordgo.PermissionManageChannels)
	dm := false
	cmd := &discordgo.ApplicationCommand{
		Name:                     spec.Name,
		Description:              spec.Description,
		DefaultMemberPermissions: &perms,
		DMPermission:             &dm,
	}
	for _, o := range spec.Options {
		cmd.Options = append(cmd.Options, &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        o.Name,
			Description: o.Description,
			Required:    o.Required,
			MaxLength:   o.MaxLength,
		})
	}
	return cmd
}
