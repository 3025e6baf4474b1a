package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"globalchat/internal/transport"
	logx "globalchat/pkg/logx"
)

const textLimit = 2000

func (a *Adapter) ChannelEndpoints(ctx context.Context, channelID int64) ([]transport.Endpoint, error) {
	hooks, err := a.session.ChannelWebhooks(idString(channelID), discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	out := make([]transport.Endpoint, 0, len(hooks))
	for _, w := range hooks {
		if w == nil || w.Type != discordgo.WebhookTypeIncoming {
			continue
		}
		out = append(out, endpointFrom(w))
	}
	return out, nil
}

func (a *Adapter) CreateEndpoint(ctx context.Context, channelID int64, name string) (transport.Endpoint, error) {
	w, err := a.session.WebhookCreate(idString(channelID), name, "", discordgo.WithContext(ctx))
	if err != nil {
		return transport.Endpoint{}, classify(err)
	}
	ep := endpointFrom(w)
	if ep.ChannelID == 0 {
		ep.ChannelID = channelID
	}
	return ep, nil
}

// ExecuteEndpoint posts through the webhook. Mentions are disabled so a
// relayed @everyone can't ping a foreign server.
func (a *Adapter) ExecuteEndpoint(ctx context.Context, ep transport.Endpoint, post transport.Post) error {
	params := &discordgo.WebhookParams{
		Content:         post.Content,
		Username:        post.Username,
		AvatarURL:       post.AvatarURL,
		AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}},
	}
	for _, f := range post.Files {
		params.Files = append(params.Files, &discordgo.File{
			Name:        f.Name,
			ContentType: f.ContentType,
			Reader:      bytes.NewReader(f.Data),
		})
	}
	_, err := a.session.WebhookExecute(idString(ep.ID), ep.Token, false, params, discordgo.WithContext(ctx))
	return classify(err)
}

func (a *Adapter) Respond(ctx context.Context, inv transport.CommandInvocation, r transport.Reply) error {
	i, ok := inv.Ref.(*discordgo.Interaction)
	if !ok || i == nil {
		return errors.New("invocation has no interaction handle")
	}
	data := &discordgo.InteractionResponseData{
		Content:         truncate(r.Text, textLimit),
		AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}},
	}
	if r.Ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	err := a.session.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	}, discordgo.WithContext(ctx))
	return classify(err)
}

// SendText posts a plain bot message; used by the log channel sink.
func (a *Adapter) SendText(ctx context.Context, channelID int64, text string) error {
	_, err := a.session.ChannelMessageSend(idString(channelID), truncate(text, textLimit), discordgo.WithContext(ctx))
	return classify(err)
}

// RegisterCommands overwrites the application's commands, globally when
// guildID is 0. The session must be ready.
func (a *Adapter) RegisterCommands(ctx context.Context, guildID int64, specs []transport.CommandSpec) error {
	self := a.SelfID()
	if self == 0 {
		return transport.ErrNotReady
	}
	cmds := make([]*discordgo.ApplicationCommand, 0, len(specs))
	for _, s := range specs {
		cmds = append(cmds, commandFrom(s))
	}
	guild := ""
	if guildID != 0 {
		guild = idString(guildID)
	}
	if _, err := a.session.ApplicationCommandBulkOverwrite(idString(self), guild, cmds, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("register commands: %w", classify(err))
	}
	a.log.Info("commands registered", logx.Int("count", len(cmds)), logx.Snowflake("guild_id", guildID))
	return nil
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-1]) + "…"
}
