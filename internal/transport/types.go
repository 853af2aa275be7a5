package transport

import (
	"context"
	"errors"
)

// ErrNotFound is returned by adapters when the platform reports a missing object
// (message, channel, member).
var ErrNotFound = errors.New("not found")

// ErrForbidden is returned by adapters when the bot lacks access to an object.
var ErrForbidden = errors.New("forbidden")

// Recipient is an addressable member. Equality is by ID.
type Recipient struct {
	ID       string
	Username string
}

// Member is a community member together with the role ids it holds.
type Member struct {
	Recipient
	RoleIDs []string
	Bot     bool
}

type Role struct {
	ID   string
	Name string
}

type Channel struct {
	ID       string
	Name     string
	Position int
}

// Directory exposes community membership.
type Directory interface {
	ListRoles(ctx context.Context, communityID string) ([]Role, error)
	ListMembers(ctx context.Context, communityID string) ([]Member, error)
}

// ContentStore locates previously authored messages.
type ContentStore interface {
	// Communities lists the communities visible to the bot session.
	Communities(ctx context.Context) ([]string, error)
	// SearchChannels lists text channels of a community.
	SearchChannels(ctx context.Context, communityID string) ([]Channel, error)
	// FetchMessage returns the message body or an error wrapping ErrNotFound.
	FetchMessage(ctx context.Context, channelID, ref string) (string, error)
}

// DirectSender sends a direct message to one recipient.
type DirectSender interface {
	SendDirect(ctx context.Context, to Recipient, body string) error
}

// MembersWithRole filters a membership snapshot down to holders of roleID.
func MembersWithRole(members []Member, roleID string) []Recipient {
	out := make([]Recipient, 0)
	for _, m := range members {
		for _, r := range m.RoleIDs {
			if r == roleID {
				out = append(out, m.Recipient)
				break
			}
		}
	}
	return out
}

// ---- inbound updates ----

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	UpdateCommand UpdateKind = "command"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
	Command *Command
}

// Message is a plain text message seen in a channel.
type Message struct {
	ID           string
	ChannelID    string
	CommunityID  string
	FromID       string
	FromUsername string
	Text         string
}

// Command is a slash command invocation. Token identifies the interaction for replies.
type Command struct {
	InteractionID string
	Token         string
	Name          string
	Options       map[string]string
	ChannelID     string
	CommunityID   string
	FromID        string
	FromUsername  string
	FromRoleIDs   []string
}

// CommandSpec declares a slash command for registration.
type CommandSpec struct {
	Name        string
	Description string
	Options     []CommandOption
}

type CommandOption struct {
	Name        string
	Description string
	Required    bool
}

// Replier answers inbound updates.
type Replier interface {
	// Defer acknowledges a command with an ephemeral "thinking" state.
	Defer(ctx context.Context, cmd *Command) error
	// Respond replaces the deferred reply with text.
	Respond(ctx context.Context, cmd *Command, text string) error
	// Reply posts text into a channel.
	Reply(ctx context.Context, channelID, text string) error
}

// Adapter is a chat platform connection.
type Adapter interface {
	Directory
	ContentStore
	DirectSender
	Replier

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	RegisterCommands(ctx context.Context, specs []CommandSpec) error
}
