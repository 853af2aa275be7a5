package adapter

import (
	"errors"
	"net/http"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "rolecast/internal/transport"
	logx "rolecast/pkg/logx"
)

func TestMapErr(t *testing.T) {
	t.Parallel()

	rest := func(code int) error {
		return &discordgo.RESTError{Response: &http.Response{StatusCode: code, Status: http.StatusText(code)}}
	}
	plain := errors.New("boom")

	tests := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"not found", rest(http.StatusNotFound), kit.ErrNotFound},
		{"forbidden", rest(http.StatusForbidden), kit.ErrForbidden},
		{"server error", rest(http.StatusBadGateway), nil},
		{"plain", plain, plain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := mapErr(tt.in)
			switch {
			case tt.in == nil:
				assert.NoError(t, got)
			case tt.want == nil:
				require.Error(t, got)
				assert.False(t, errors.Is(got, kit.ErrNotFound))
				assert.False(t, errors.Is(got, kit.ErrForbidden))
			default:
				assert.ErrorIs(t, got, tt.want)
			}
		})
	}
}

func TestCommandFromGuildInteraction(t *testing.T) {
	t.Parallel()

	i := &discordgo.Interaction{
		ID:        "int-1",
		Token:     "tok",
		Type:      discordgo.InteractionApplicationCommand,
		ChannelID: "c1",
		GuildID:   "g1",
		Member: &discordgo.Member{
			User:  &discordgo.User{ID: "u1", Username: "alice"},
			Roles: []string{"r1", "r2"},
		},
		Data: discordgo.ApplicationCommandInteractionData{
			Name: "sendkrein",
			Options: []*discordgo.ApplicationCommandInteractionDataOption{
				{Name: "message_id", Type: discordgo.ApplicationCommandOptionString, Value: "555"},
				{Name: "time", Type: discordgo.ApplicationCommandOptionString, Value: "2025-05-07T14:30:00"},
			},
		},
	}

	cmd := commandFromInteraction(i)
	assert.Equal(t, "int-1", cmd.InteractionID)
	assert.Equal(t, "tok", cmd.Token)
	assert.Equal(t, "sendkrein", cmd.Name)
	assert.Equal(t, map[string]string{"message_id": "555", "time": "2025-05-07T14:30:00"}, cmd.Options)
	assert.Equal(t, "u1", cmd.FromID)
	assert.Equal(t, "alice", cmd.FromUsername)
	assert.Equal(t, []string{"r1", "r2"}, cmd.FromRoleIDs)
	assert.Equal(t, "g1", cmd.CommunityID)
}

func TestCommandFromDirectInteraction(t *testing.T) {
	t.Parallel()

	i := &discordgo.Interaction{
		ID:   "int-2",
		Type: discordgo.InteractionApplicationCommand,
		User: &discordgo.User{ID: "u9", Username: "bob"},
		Data: discordgo.ApplicationCommandInteractionData{Name: "broadcasts"},
	}
	cmd := commandFromInteraction(i)
	assert.Equal(t, "u9", cmd.FromID)
	assert.Empty(t, cmd.FromRoleIDs)
	assert.Empty(t, cmd.Options)
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Token: "  "}, logx.Nop())
	require.Error(t, err)

	a, err := New(Config{Token: "abc", ClientID: "app-1"}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "app-1", a.AppID())
	assert.NoError(t, a.Stop(t.Context()))
}

func TestSendUpdateCountsDrops(t *testing.T) {
	t.Parallel()

	a, err := New(Config{Token: "abc"}, logx.Nop())
	require.NoError(t, err)

	// no consumer installed: updates are discarded silently
	a.sendUpdate(kit.Update{Kind: kit.UpdateMessage})
	assert.Zero(t, a.droppedUpdates.Load())

	out := make(chan kit.Update, 1)
	var o chan<- kit.Update = out
	a.out.Store(o)
	a.sendUpdate(kit.Update{Kind: kit.UpdateMessage})
	a.sendUpdate(kit.Update{Kind: kit.UpdateMessage})
	assert.Equal(t, uint64(1), a.droppedUpdates.Load())
	assert.Len(t, out, 1)
}
