package broadcast

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rolecast/internal/transport"
	"rolecast/internal/transport/transporttest"
	logx "rolecast/pkg/logx"
)

func contentPlatform() *transporttest.Platform {
	return &transporttest.Platform{
		Channels: map[string][]transport.Channel{
			"g1": {
				{ID: "c2", Name: "orders", Position: 2},
				{ID: "c1", Name: "general", Position: 1},
			},
			"g2": {{ID: "c9", Name: "archive", Position: 0}},
		},
		Messages: map[string]map[string]string{
			"c2": {"100": "from orders"},
			"c1": {"200": "from general"},
			"c9": {"100": "from archive", "300": "archived"},
		},
	}
}

func TestResolveFirstMatchWins(t *testing.T) {
	t.Parallel()

	r := NewMessageResolver(contentPlatform(), logx.Nop())

	body, err := r.Resolve(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, "from orders", body)

	body, err = r.Resolve(context.Background(), " 300 ")
	require.NoError(t, err)
	assert.Equal(t, "archived", body)
}

func TestResolveSearchesChannelsByPosition(t *testing.T) {
	t.Parallel()

	p := contentPlatform()
	r := NewMessageResolver(p, logx.Nop())

	_, err := r.Resolve(context.Background(), "200")
	require.NoError(t, err)
	assert.Equal(t, 1, p.FetchCalls)
}

func TestResolveNotFound(t *testing.T) {
	t.Parallel()

	p := contentPlatform()
	r := NewMessageResolver(p, logx.Nop())

	_, err := r.Resolve(context.Background(), "404")
	require.ErrorIs(t, err, ErrMessageNotFound)
	assert.Equal(t, 3, p.FetchCalls)

	_, err = r.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestResolveSkipsForbiddenChannels(t *testing.T) {
	t.Parallel()

	p := contentPlatform()
	p.FetchErr = map[string]error{"c1": transport.ErrForbidden}
	r := NewMessageResolver(p, logx.Nop())

	body, err := r.Resolve(context.Background(), "300")
	require.NoError(t, err)
	assert.Equal(t, "archived", body)
}

func TestResolveTransientErrorWithoutMatch(t *testing.T) {
	t.Parallel()

	p := contentPlatform()
	p.FetchErr = map[string]error{"c2": errors.New("502 bad gateway")}
	r := NewMessageResolver(p, logx.Nop())

	_, err := r.Resolve(context.Background(), "404")
	assert.ErrorIs(t, err, ErrTransportUnavailable)

	// a later match still wins over an earlier transient failure
	body, err := r.Resolve(context.Background(), "300")
	require.NoError(t, err)
	assert.Equal(t, "archived", body)
}
