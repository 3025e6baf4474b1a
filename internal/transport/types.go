package transport

import "context"

// Event is the closed set of inbound platform events. Only types in this
// package implement it; dispatch switches on the concrete type.
type Event interface {
	isEvent()
}

// Ready is delivered once the gateway session is established.
type Ready struct {
	SelfID   int64
	Username string
	Guilds   int
}

// MessageCreate is a message posted in a guild text channel.
type MessageCreate struct {
	ID          int64
	ChannelID   int64
	GuildID     int64
	Author      Author
	Content     string
	Attachments []Attachment
	// WebhookID is set when the message was posted through an endpoint,
	// including our own relayed copies.
	WebhookID int64
}

// CommandInvocation is a slash command interaction.
type CommandInvocation struct {
	Name      string
	Options   map[string]string
	ChannelID int64
	GuildID   int64
	UserID    int64
	// Ref is the adapter's handle for replying (opaque to the router).
	Ref any
}

func (Ready) isEvent()             {}
func (MessageCreate) isEvent()     {}
func (CommandInvocation) isEvent() {}

type Author struct {
	ID         int64
	Username   string
	GlobalName string
	Nick       string // guild nickname, empty if unset
	// Discriminator is 0 for accounts migrated to unique usernames.
	Discriminator int
	AvatarHash    string
	Bot           bool
	System        bool
}

// Attachment is an inbound file reference. Order is preserved from the message.
type Attachment struct {
	ID          int64
	Filename    string
	URL         string
	ContentType string
	Size        int64
}

// Endpoint is a per-channel proxy posting endpoint (a webhook).
type Endpoint struct {
	ID        int64
	Token     string
	ChannelID int64
	// OwnerID is the user that created the endpoint. Only endpoints owned by
	// the bot itself are ever adopted.
	OwnerID int64
	Name    string
}

// File is an attachment payload ready for upload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Post is a message sent through an Endpoint under an arbitrary identity.
type Post struct {
	Content   string
	Username  string
	AvatarURL string
	Files     []File
}

// Reply answers a CommandInvocation.
type Reply struct {
	Text      string
	Ephemeral bool
}

// Platform is the outbound surface the relay depends on.
type Platform interface {
	// SelfID is the bot's user ID, 0 until the session is ready.
	SelfID() int64
	ChannelEndpoints(ctx context.Context, channelID int64) ([]Endpoint, error)
	CreateEndpoint(ctx context.Context, channelID int64, name string) (Endpoint, error)
	ExecuteEndpoint(ctx context.Context, ep Endpoint, post Post) error
}

// CommandSpec describes a slash command for registration.
type CommandSpec struct {
	Name        string
	Description string
	Options     []CommandOption
}

type CommandOption struct {
	Name        string
	Description string
	Required    bool
	MaxLength   int
}

// Adapter is the full platform connection owned by the app.
type Adapter interface {
	Platform

	Start(ctx context.Context, out chan<- Event) error
	Stop(ctx context.Context) error

	Respond(ctx context.Context, inv CommandInvocation, r Reply) error
	SendText(ctx context.Context, channelID int64, text string) error
	RegisterCommands(ctx context.Context, guildID int64, cmds []CommandSpec) error
}
