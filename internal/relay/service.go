package relay

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"globalchat/internal/eventbus"
	"globalchat/internal/transport"
	logx "globalchat/pkg/logx"
)

type job struct {
	id  string
	msg transport.MessageCreate
}

// Service queues inbound messages and relays them from a worker pool.
type Service struct {
	mu sync.Mutex

	cfg Config
	b   *Broadcaster
	log logx.Logger
	bus eventbus.Bus

	queue  chan job
	stopCh chan struct{}
	// stopDone is non-nil while Stop is in progress; closed once workers exit.
	stopDone  chan struct{}
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	statusMu  sync.RWMutex
	status    map[string]*JobStatus
	statusMax int
	statusTTL time.Duration

	dropped atomic.Uint64
	now     func() time.Time
}

func NewService(cfg Config, b *Broadcaster, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:       cfg,
		b:         b,
		log:       log.With(logx.String("comp", "relay")),
		bus:       bus,
		queue:     make(chan job, cfg.QueueSize),
		status:    map[string]*JobStatus{},
		statusMax: cfg.StatusMax,
		statusTTL: cfg.StatusTTL,
		now:       time.Now,
	}
}

// Apply updates the broadcaster and status bounds live. Workers and queue
// size take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	s.statusMu.Lock()
	s.statusMax = cfg.StatusMax
	s.statusTTL = cfg.StatusTTL
	s.statusMu.Unlock()

	s.b.Apply(cfg)
}

func (s *Service) Start(ctx context.Context) {
	// Wait out a Stop in progress so two pools never overlap.
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	if cap(s.queue) != s.cfg.QueueSize && len(s.queue) == 0 {
		s.queue = make(chan job, s.cfg.QueueSize)
	}
	s.stopCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel

	workers := s.cfg.Workers
	queue, stopCh := s.queue, s.stopCh
	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in relay worker", logx.Int("worker", i), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}
	s.log.Info("relay started", logx.Int("workers", workers), logx.Int("queue_cap", cap(queue)))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	stopCh, cancel, queue := s.stopCh, s.runCancel, s.queue
	s.runCancel = nil
	s.mu.Unlock()

	// Workers stop taking jobs at once; in-flight broadcasts get until ctx
	// expires before their context is canceled.
	close(stopCh)

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		// Submit sends under mu, so nothing lands in queue after this point.
		abandoned := s.drain(queue)
		s.mu.Unlock()
		close(done)
		fields := []logx.Field{logx.Duration("took", time.Since(start))}
		if abandoned > 0 {
			s.log.Warn("relay stopped with queued jobs abandoned", append(fields, logx.Int("abandoned", abandoned))...)
			return
		}
		s.log.Info("relay stopped", fields...)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
}

// Submit enqueues msg without blocking. It returns the job ID and false when
// the queue is full or the service is stopped.
func (s *Service) Submit(msg transport.MessageCreate) (string, bool) {
	now := s.now()
	id := uuid.NewString()
	s.pruneStatus(now)

	// The send happens under mu so Start cannot swap the queue and Stop
	// cannot drain it underneath us.
	s.mu.Lock()
	q, running := s.queue, s.stopCh != nil && s.stopDone == nil
	queued := false
	if running {
		s.putStatus(&JobStatus{ID: id, Origin: msg.ChannelID, MessageID: msg.ID, CreatedAt: now})
		select {
		case q <- job{id: id, msg: msg}:
			queued = true
		default:
			s.dropStatus(id)
		}
	}
	s.mu.Unlock()

	if queued {
		s.bus.Publish(eventbus.Event{Type: eventbus.RelayQueued, Data: id})
		return id, true
	}

	n := s.dropped.Add(1)
	s.log.Warn("relay queue unavailable; message dropped",
		logx.Snowflake("channel_id", msg.ChannelID), logx.Snowflake("message_id", msg.ID),
		logx.Bool("running", running), logx.Int("queue_cap", cap(q)), logx.Uint64("dropped_total", n))
	s.bus.Publish(eventbus.Event{Type: eventbus.RelayDropped, Data: msg.ID})
	return id, false
}

// drain empties queue and marks every job left in it abandoned. Callers hold mu.
func (s *Service) drain(queue chan job) int {
	now := s.now()
	n := 0
	for {
		select {
		case j := <-queue:
			s.abandon(j.id, now)
			s.bus.Publish(eventbus.Event{Type: eventbus.RelayDropped, Data: j.msg.ID})
			n++
		default:
			return n
		}
	}
}

// Dropped counts messages rejected by Submit since start.
func (s *Service) Dropped() uint64 { return s.dropped.Load() }

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.exec(ctx, j)
		}
	}
}

func (s *Service) exec(ctx context.Context, j job) {
	s.markRunning(j.id, s.now())
	out, err := s.b.broadcast(ctx, j.id, j.msg)
	if err != nil {
		s.log.Error("relay lookup failed", logx.String("job", j.id), logx.Snowflake("channel_id", j.msg.ChannelID), logx.Err(err))
	}
	s.finish(j.id, out, err, s.now())
	s.bus.Publish(eventbus.Event{Type: eventbus.RelayFinished, Data: out})
}
