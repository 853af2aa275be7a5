package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	rtsup "rolecast/internal/runtime/supervisor"
	kit "rolecast/internal/transport"
	logx "rolecast/pkg/logx"
)

const memberPageSize = 1000

type Config struct {
	Token    string
	ClientID string // application id; learned from Ready when empty
	GuildID  string // commands are registered here; empty registers them globally
}

// Adapter connects to the Discord gateway and REST API.
type Adapter struct {
	cfg Config
	log logx.Logger

	s     *discordgo.Session
	appID atomic.Value // string

	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	ready   chan struct{}
	once    sync.Once

	droppedUpdates atomic.Uint64
}

var _ kit.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + strings.TrimSpace(cfg.Token))
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	s.ShouldReconnectOnError = true

	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, s: s, ready: make(chan struct{})}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.appID.Store(strings.TrimSpace(cfg.ClientID))
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.Application != nil && a.AppID() == "" {
			a.appID.Store(r.Application.ID)
		}
		a.log.Info("gateway ready",
			logx.String("user", r.User.Username),
			logx.Int("guilds", len(r.Guilds)),
		)
		a.once.Do(func() { close(a.ready) })
	})

	a.s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		a.sendUpdate(kit.Update{
			Kind: kit.UpdateMessage,
			Message: &kit.Message{
				ID:           m.ID,
				ChannelID:    m.ChannelID,
				CommunityID:  m.GuildID,
				FromID:       m.Author.ID,
				FromUsername: m.Author.Username,
				Text:         m.Content,
			},
		})
	})

	a.s.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateCommand, Command: commandFromInteraction(i.Interaction)})
	})
}

func commandFromInteraction(i *discordgo.Interaction) *kit.Command {
	data := i.ApplicationCommandData()
	cmd := &kit.Command{
		InteractionID: i.ID,
		Token:         i.Token,
		Name:          data.Name,
		Options:       make(map[string]string, len(data.Options)),
		ChannelID:     i.ChannelID,
		CommunityID:   i.GuildID,
	}
	for _, opt := range data.Options {
		if opt.Type == discordgo.ApplicationCommandOptionString {
			cmd.Options[opt.Name] = opt.StringValue()
		} else {
			cmd.Options[opt.Name] = fmt.Sprint(opt.Value)
		}
	}
	switch {
	case i.Member != nil && i.Member.User != nil:
		cmd.FromID = i.Member.User.ID
		cmd.FromUsername = i.Member.User.Username
		cmd.FromRoleIDs = append([]string(nil), i.Member.Roles...)
	case i.User != nil:
		cmd.FromID = i.User.ID
		cmd.FromUsername = i.User.Username
	}
	return cmd
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) AppID() string {
	id, _ := a.appID.Load().(string)
	return id
}

// DroppedUpdates counts updates dropped since the last drop report.
func (a *Adapter) DroppedUpdates() uint64 { return a.droppedUpdates.Load() }

// Ready is closed after the first gateway Ready event.
func (a *Adapter) Ready() <-chan struct{} { return a.ready }

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.out.Store(out)
	if err := a.s.Open(); err != nil {
		var nilOut chan<- kit.Update
		a.out.Store(nilOut)
		a.runMu.Unlock()
		return fmt.Errorf("discord open: %w", err)
	}
	a.running = true
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "discord.adapter"))))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := a.droppedUpdates.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})
	a.log.Info("gateway connecting")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	a.log.Info("stopping")
	err := a.s.Close()
	if sup != nil {
		if werr := sup.Stop(ctx); werr != nil && !errors.Is(werr, context.Canceled) {
			a.log.Warn("adapter goroutines did not stop in time", logx.Err(werr))
		}
	}
	return err
}

// RegisterCommands overwrites the application's slash commands in the configured guild.
func (a *Adapter) RegisterCommands(ctx context.Context, specs []kit.CommandSpec) error {
	appID := a.AppID()
	if appID == "" {
		return errors.New("discord application id unknown (set discord.client_id or wait for ready)")
	}
	cmds := make([]*discordgo.ApplicationCommand, 0, len(specs))
	for _, sp := range specs {
		c := &discordgo.ApplicationCommand{Name: sp.Name, Description: sp.Description}
		for _, o := range sp.Options {
			c.Options = append(c.Options, &discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        o.Name,
				Description: o.Description,
				Required:    o.Required,
			})
		}
		cmds = append(cmds, c)
	}
	got, err := a.s.ApplicationCommandBulkOverwrite(appID, a.cfg.GuildID, cmds, discordgo.WithContext(ctx))
	if err != nil {
		return mapErr(err)
	}
	a.log.Info("slash commands registered", logx.Int("count", len(got)), logx.String("guild", a.cfg.GuildID))
	return nil
}

// ---- Directory ----

func (a *Adapter) ListRoles(ctx context.Context, guildID string) ([]kit.Role, error) {
	roles, err := a.s.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]kit.Role, 0, len(roles))
	for _, r := range roles {
		out = append(out, kit.Role{ID: r.ID, Name: r.Name})
	}
	return out, nil
}

// ListMembers pages through the whole guild member list.
func (a *Adapter) ListMembers(ctx context.Context, guildID string) ([]kit.Member, error) {
	var (
		out   []kit.Member
		after string
	)
	for {
		page, err := a.s.GuildMembers(guildID, after, memberPageSize, discordgo.WithContext(ctx))
		if err != nil {
			return nil, mapErr(err)
		}
		for _, m := range page {
			if m.User == nil {
				continue
			}
			out = append(out, kit.Member{
				Recipient: kit.Recipient{ID: m.User.ID, Username: m.User.Username},
				RoleIDs:   m.Roles,
				Bot:       m.User.Bot,
			})
			after = m.User.ID
		}
		if len(page) < memberPageSize {
			return out, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// ---- ContentStore ----

func (a *Adapter) Communities(_ context.Context) ([]string, error) {
	a.s.State.RLock()
	defer a.s.State.RUnlock()
	out := make([]string, 0, len(a.s.State.Guilds))
	for _, g := range a.s.State.Guilds {
		out = append(out, g.ID)
	}
	sort.Strings(out)
	return out, nil
}

func (a *Adapter) SearchChannels(ctx context.Context, guildID string) ([]kit.Channel, error) {
	chs, err := a.s.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]kit.Channel, 0, len(chs))
	for _, c := range chs {
		if c.Type != discordgo.ChannelTypeGuildText && c.Type != discordgo.ChannelTypeGuildNews {
			continue
		}
		out = append(out, kit.Channel{ID: c.ID, Name: c.Name, Position: c.Position})
	}
	return out, nil
}

func (a *Adapter) FetchMessage(ctx context.Context, channelID, ref string) (string, error) {
	m, err := a.s.ChannelMessage(channelID, ref, discordgo.WithContext(ctx))
	if err != nil {
		return "", mapErr(err)
	}
	return m.Content, nil
}

// ---- DirectSender ----

func (a *Adapter) SendDirect(ctx context.Context, to kit.Recipient, body string) error {
	ch, err := a.s.UserChannelCreate(to.ID, discordgo.WithContext(ctx))
	if err != nil {
		return mapErr(err)
	}
	if _, err := a.s.ChannelMessageSend(ch.ID, body, discordgo.WithContext(ctx)); err != nil {
		return mapErr(err)
	}
	return nil
}

// ---- Replier ----

func (a *Adapter) interaction(cmd *kit.Command) *discordgo.Interaction {
	return &discordgo.Interaction{ID: cmd.InteractionID, AppID: a.AppID(), Token: cmd.Token}
}

func (a *Adapter) Defer(ctx context.Context, cmd *kit.Command) error {
	err := a.s.InteractionRespond(a.interaction(cmd), &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	}, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (a *Adapter) Respond(ctx context.Context, cmd *kit.Command, text string) error {
	_, err := a.s.InteractionResponseEdit(a.interaction(cmd), &discordgo.WebhookEdit{Content: &text}, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (a *Adapter) Reply(ctx context.Context, channelID, text string) error {
	_, err := a.s.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	return mapErr(err)
}

// mapErr translates REST status codes into transport errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", kit.ErrNotFound, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", kit.ErrForbidden, err)
		}
	}
	return err
}
