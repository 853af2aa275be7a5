// Package transporttest provides an in-memory chat platform for tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"rolecast/internal/transport"
)

// Sent records one direct message.
type Sent struct {
	To   transport.Recipient
	Body string
}

// Platform is a fake Directory, ContentStore, DirectSender and Replier.
// Zero value is usable; populate the exported fields before use.
type Platform struct {
	mu sync.Mutex

	Roles    map[string][]transport.Role   // community -> roles
	Members  map[string][]transport.Member // community -> members
	Channels map[string][]transport.Channel
	Messages map[string]map[string]string // channel -> ref -> body

	// Failing recipients return SendErr from SendDirect.
	Failing map[string]bool
	SendErr error

	DirectoryErr error
	ChannelsErr  error
	FetchErr     map[string]error // channel -> error

	OnSend func(to transport.Recipient)

	RoleCalls    int
	MemberCalls  int
	ChannelCalls int
	FetchCalls   int
	SendCalls    int

	Sent      []Sent
	Responses []string
	Replies   []string
	Deferred  int
}

func (p *Platform) ListRoles(_ context.Context, communityID string) ([]transport.Role, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RoleCalls++
	if p.DirectoryErr != nil {
		return nil, p.DirectoryErr
	}
	return append([]transport.Role(nil), p.Roles[communityID]...), nil
}

func (p *Platform) ListMembers(_ context.Context, communityID string) ([]transport.Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.MemberCalls++
	if p.DirectoryErr != nil {
		return nil, p.DirectoryErr
	}
	return append([]transport.Member(nil), p.Members[communityID]...), nil
}

func (p *Platform) Communities(_ context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.Channels))
	for id := range p.Channels {
		out = append(out, id)
	}
	return out, nil
}

func (p *Platform) SearchChannels(_ context.Context, communityID string) ([]transport.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ChannelCalls++
	if p.ChannelsErr != nil {
		return nil, p.ChannelsErr
	}
	return append([]transport.Channel(nil), p.Channels[communityID]...), nil
}

func (p *Platform) FetchMessage(_ context.Context, channelID, ref string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.FetchCalls++
	if err := p.FetchErr[channelID]; err != nil {
		return "", err
	}
	body, ok := p.Messages[channelID][ref]
	if !ok {
		return "", fmt.Errorf("message %s in %s: %w", ref, channelID, transport.ErrNotFound)
	}
	return body, nil
}

func (p *Platform) SendDirect(_ context.Context, to transport.Recipient, body string) error {
	p.mu.Lock()
	p.SendCalls++
	fail := p.Failing[to.ID]
	err := p.SendErr
	hook := p.OnSend
	if !fail {
		p.Sent = append(p.Sent, Sent{To: to, Body: body})
	}
	p.mu.Unlock()

	if hook != nil {
		hook(to)
	}
	if fail {
		if err == nil {
			err = transport.ErrForbidden
		}
		return err
	}
	return nil
}

func (p *Platform) Defer(_ context.Context, _ *transport.Command) error {
	p.mu.Lock()
	p.Deferred++
	p.mu.Unlock()
	return nil
}

func (p *Platform) Respond(_ context.Context, _ *transport.Command, text string) error {
	p.mu.Lock()
	p.Responses = append(p.Responses, text)
	p.mu.Unlock()
	return nil
}

func (p *Platform) Reply(_ context.Context, _ string, text string) error {
	p.mu.Lock()
	p.Replies = append(p.Replies, text)
	p.mu.Unlock()
	return nil
}

// SentTo returns recipient ids in send order.
func (p *Platform) SentTo() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.Sent))
	for _, s := range p.Sent {
		out = append(out, s.To.ID)
	}
	return out
}

// Calls returns a snapshot of directory, content and send call counts.
func (p *Platform) Calls() (directory, content, send int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.RoleCalls + p.MemberCalls, p.ChannelCalls + p.FetchCalls, p.SendCalls
}

func (p *Platform) LastResponse() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Responses) == 0 {
		return ""
	}
	return p.Responses[len(p.Responses)-1]
}

func (p *Platform) LastReply() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Replies) == 0 {
		return ""
	}
	return p.Replies[len(p.Replies)-1]
}

// ResponseLog returns a copy of every interaction response.
func (p *Platform) ResponseLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Responses...)
}

// ReplyLog returns a copy of every channel reply.
func (p *Platform) ReplyLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Replies...)
}

func (p *Platform) DeferredCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Deferred
}
