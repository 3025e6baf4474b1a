// Package adapter connects the transport port to Discord via discordgo.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	rtsup "globalchat/internal/runtime/supervisor"
	"globalchat/internal/transport"
	logx "globalchat/pkg/logx"
)

const Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentMessageContent

type Config struct {
	Token string
	// MaxRestRetries bounds discordgo's own retries on 5xx. Rate limits are
	// never retried here; they surface as transient errors.
	MaxRestRetries int
}

type Adapter struct {
	cfg Config
	log logx.Logger

	session *discordgo.Session
	selfID  atomic.Int64
	out     atomic.Value // chan<- transport.Event

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedEvents atomic.Uint64
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	token = strings.TrimPrefix(token, "Bot ")
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = Intents
	s.ShouldRetryOnRateLimit = false
	if cfg.MaxRestRetries > 0 {
		s.MaxRestRetries = cfg.MaxRestRetries
	}
	s.StateEnabled = true

	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "discord.adapter")), session: s}
	var nilOut chan<- transport.Event
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Supervisor returns the adapter's internal supervisor, nil when stopped.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) SelfID() int64 { return a.selfID.Load() }

// Handlers forward to the current output channel; Start may swap it.
func (a *Adapter) registerHandlers() {
	a.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		ev := readyEvent(r)
		a.selfID.Store(ev.SelfID)
		a.log.Info("gateway ready",
			logx.Snowflake("self_id", ev.SelfID), logx.String("username", ev.Username), logx.Int("guilds", ev.Guilds))
		a.sendEvent(ev)
	})
	a.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m == nil || m.Message == nil {
			return
		}
		a.sendEvent(messageEvent(m.Message))
	})
	a.session.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		if i == nil || i.Interaction == nil || i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		a.sendEvent(invocationEvent(i.Interaction))
	})
}

func (a *Adapter) sendEvent(ev transport.Event) {
	out, _ := a.out.Load().(chan<- transport.Event)
	if out == nil {
		return
	}
	select {
	case out <- ev:
	default:
		a.droppedEvents.Add(1)
	}
}

// Start opens the gateway session. discordgo reconnects on its own; the
// supervisor only owns the drop reporter and the close-on-cancel watcher.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Event) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.out.Store(out)
	if err := a.session.Open(); err != nil {
		var nilOut chan<- transport.Event
		a.out.Store(nilOut)
		a.runMu.Unlock()
		return classify(err)
	}
	a.running = true
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("events.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := a.droppedEvents.Swap(0); n > 0 {
				a.log.Warn("inbound events dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
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
	sup.Go0("session.close_on_cancel", func(c context.Context) {
		<-c.Done()
		_ = a.session.Close()
	})

	a.log.Info("session opened")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Event
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_events_pending", a.droppedEvents.Load()))

	if sup == nil {
		return a.session.Close()
	}
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("discord stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("discord stopped with supervisor error", logx.Err(err))
	}
	return nil
}
