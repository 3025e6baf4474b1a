// Package router dispatches inbound platform events to registered handlers.
//
// Handlers are registered per event variant (OnReady, OnMessage) and per
// command name (Command). Ready and message handlers run on the dispatch
// goroutine and must not block; command handlers run on a supervised worker
// pool behind the middleware chain.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"globalchat/internal/runtime/supervisor"
	"globalchat/internal/transport"
	logx "globalchat/pkg/logx"
)

const (
	defaultCommandTimeout = 15 * time.Second
	jobQueueCap           = 256

	replyBusy   = "The bot is busy right now, please try again in a moment."
	replyFailed = "Something went wrong while running this command."
)

type ReadyHandler func(ctx context.Context, ev transport.Ready)

type MessageHandler func(ctx context.Context, ev transport.MessageCreate)

// Responder answers command invocations.
type Responder interface {
	Respond(ctx context.Context, inv transport.CommandInvocation, r transport.Reply) error
}

type Command struct {
	Spec    transport.CommandSpec
	Timeout time.Duration
	Handle  HandlerFunc
}

// Request is one command invocation travelling through the middleware chain.
type Request struct {
	Invocation transport.CommandInvocation
	Command    string
	ReqID      string
	Logger     logx.Logger

	responder Responder
	replied   atomic.Bool
}

// Option returns a string option, "" when absent.
func (r *Request) Option(name string) string { return r.Invocation.Options[name] }

// Reply answers the invocation. Only the first reply is delivered.
func (r *Request) Reply(ctx context.Context, rep transport.Reply) error {
	if !r.replied.CompareAndSwap(false, true) {
		return nil
	}
	return r.responder.Respond(ctx, r.Invocation, rep)
}

func (r *Request) Replied() bool { return r.replied.Load() }

// Dispatcher routes events by variant. Registration is safe at any time.
type Dispatcher struct {
	log       logx.Logger
	responder Responder

	mu       sync.RWMutex
	ready    []ReadyHandler
	message  []MessageHandler
	commands map[string]Command

	jobs    chan func()
	workers int

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor
}

func NewDispatcher(log logx.Logger, responder Responder) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		log:       log.With(logx.String("comp", "discord.router")),
		responder: responder,
		commands:  map[string]Command{},
		jobs:      make(chan func(), jobQueueCap),
		workers:   max(runtime.NumCPU(), 2),
	}
}

func (d *Dispatcher) OnReady(h ReadyHandler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	d.ready = append(d.ready, h)
	d.mu.Unlock()
}

func (d *Dispatcher) OnMessage(h MessageHandler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	d.message = append(d.message, h)
	d.mu.Unlock()
}

// Command registers (or replaces) the handler for c.Spec.Name.
func (d *Dispatcher) Command(c Command) {
	if c.Spec.Name == "" || c.Handle == nil {
		return
	}
	d.mu.Lock()
	d.commands[c.Spec.Name] = c
	d.mu.Unlock()
}

// Specs lists registered commands sorted by name, for platform registration.
func (d *Dispatcher) Specs() []transport.CommandSpec {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]transport.CommandSpec, 0, len(d.commands))
	for _, c := range d.commands {
		out = append(out, c.Spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Supervisor returns the worker pool supervisor, nil when not running.
func (d *Dispatcher) Supervisor() *supervisor.Supervisor {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if !d.running {
		return nil
	}
	return d.sup
}

func (d *Dispatcher) setSupervisor(sup *supervisor.Supervisor, running bool) {
	d.runMu.Lock()
	d.sup = sup
	d.running = running
	d.runMu.Unlock()
}

func (d *Dispatcher) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case d.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes events until ctx is done or events is closed.
// It can only run once per Dispatcher.
func (d *Dispatcher) DispatchLoop(ctx context.Context, events <-chan transport.Event) error {
	sup := supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(d.log),
		supervisor.WithCancelOnError(false),
	)
	d.setSupervisor(sup, true)
	d.log.Info("dispatcher started", logx.Int("workers", d.workers), logx.Int("job_queue_cap", cap(d.jobs)))

	for i := 0; i < d.workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-d.jobs:
					if !ok {
						return nil
					}
					d.runJob(i, job)
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		d.setSupervisor(sup, false)
		close(d.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		d.setSupervisor(nil, false)
		d.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.route(ctx, ev)
		}
	}
}

func (d *Dispatcher) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	job()
}

func (d *Dispatcher) route(ctx context.Context, ev transport.Event) {
	switch ev := ev.(type) {
	case transport.Ready:
		d.mu.RLock()
		hs := d.ready
		d.mu.RUnlock()
		for _, h := range hs {
			d.safe("ready", func() { h(ctx, ev) })
		}
	case transport.MessageCreate:
		d.mu.RLock()
		hs := d.message
		d.mu.RUnlock()
		for _, h := range hs {
			d.safe("message", func() { h(ctx, ev) })
		}
	case transport.CommandInvocation:
		d.routeCommand(ctx, ev)
	}
}

func (d *Dispatcher) safe(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in event handler", logx.String("kind", kind), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn()
}

func (d *Dispatcher) routeCommand(ctx context.Context, inv transport.CommandInvocation) {
	d.mu.RLock()
	cmd, ok := d.commands[inv.Name]
	d.mu.RUnlock()
	if !ok {
		d.log.Warn("unknown command", logx.String("cmd", inv.Name))
		return
	}

	rid := uuid.NewString()
	req := &Request{
		Invocation: inv,
		Command:    inv.Name,
		ReqID:      rid,
		Logger: d.log.With(
			logx.String("rid", rid),
			logx.String("cmd", inv.Name),
			logx.Snowflake("user_id", inv.UserID),
		),
		responder: d.responder,
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(d.log),
		MWRequestLog(d.log),
		MWTimeout(timeout),
	)

	job := func() {
		if err := final(ctx, req); err != nil && !req.Replied() {
			_ = req.Reply(ctx, transport.Reply{Text: replyFailed, Ephemeral: true})
		}
	}
	if !d.tryEnqueue(job) {
		_ = req.Reply(ctx, transport.Reply{Text: replyBusy, Ephemeral: true})
	}
}
