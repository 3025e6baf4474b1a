package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"globalchat/internal/eventbus"
	logx "globalchat/pkg/logx"
)

type fakeEndpoints struct {
	lastIdle atomic.Int64
	calls    atomic.Int32
}

func (f *fakeEndpoints) Sweep(idle time.Duration) int {
	f.lastIdle.Store(int64(idle))
	f.calls.Add(1)
	return 2
}

type fakeOrphans struct {
	err error
}

func (f *fakeOrphans) PruneOrphans(ctx context.Context) (int, error) {
	if _, ok := ctx.Deadline(); !ok {
		return 0, errors.New("no deadline")
	}
	if f.err != nil {
		return 0, f.err
	}
	return 5, nil
}

type fakeStatus struct{ calls atomic.Int32 }

func (f *fakeStatus) PruneStatus() int {
	f.calls.Add(1)
	return 0
}

func TestRunNowRunsEveryTarget(t *testing.T) {
	ep := &fakeEndpoints{}
	st := &fakeStatus{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	cfg := DefaultConfig()
	cfg.EndpointIdleTTL = 7 * time.Minute
	s := New(cfg, Targets{Endpoints: ep, Orphans: &fakeOrphans{}, Status: st}, logx.Nop(), bus)

	res := s.RunNow(context.Background())
	if len(res) != 3 {
		t.Fatalf("results = %+v", res)
	}
	if res[0].Task != TaskEndpointSweep || res[0].Removed != 2 {
		t.Fatalf("endpoint sweep = %+v", res[0])
	}
	if res[1].Task != TaskOrphanSweep || res[1].Removed != 5 || res[1].Err != nil {
		t.Fatalf("orphan sweep = %+v", res[1])
	}
	if time.Duration(ep.lastIdle.Load()) != 7*time.Minute {
		t.Fatalf("idle ttl = %v", time.Duration(ep.lastIdle.Load()))
	}
	if st.calls.Load() != 1 {
		t.Fatalf("status prune calls = %d", st.calls.Load())
	}
	for i := 0; i < 3; i++ {
		select {
		case ev := <-ch:
			if ev.Type != eventbus.MaintenanceSwept {
				t.Fatalf("event type = %q", ev.Type)
			}
		default:
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestRunNowSkipsNilTargetsAndReportsErrors(t *testing.T) {
	boom := errors.New("db gone")
	s := New(DefaultConfig(), Targets{Orphans: &fakeOrphans{err: boom}}, logx.Nop(), nil)
	res := s.RunNow(context.Background())
	if len(res) != 1 || !errors.Is(res[0].Err, boom) {
		t.Fatalf("results = %+v", res)
	}
}

func TestStartDisabledThenApplyEnables(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	s := New(cfg, Targets{Status: &fakeStatus{}}, logx.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Running() {
		t.Fatalf("disabled service is running")
	}

	cfg.Enabled = true
	if err := s.Apply(cfg); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !s.Running() {
		t.Fatalf("enabled service not running")
	}
	next, ok := s.Next(TaskStatusSweep)
	if !ok || !next.After(time.Now()) {
		t.Fatalf("next status sweep = %v, %v", next, ok)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Running() {
		t.Fatalf("still running after Stop")
	}
	if _, ok := s.Next(TaskStatusSweep); ok {
		t.Fatalf("next reported after Stop")
	}
}

func TestApplyRejectsBadScheduleAndKeepsOld(t *testing.T) {
	s := New(DefaultConfig(), Targets{}, logx.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	bad := DefaultConfig()
	bad.OrphanSweep = "not a cron spec"
	if err := s.Apply(bad); err == nil {
		t.Fatalf("bad spec accepted")
	}
	bad = DefaultConfig()
	bad.Timezone = "Mars/Olympus"
	if err := s.Apply(bad); err == nil {
		t.Fatalf("bad timezone accepted")
	}
	if _, ok := s.Next(TaskOrphanSweep); !ok {
		t.Fatalf("old schedule lost")
	}
}

func TestEmptySpecDisablesTask(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EndpointSweep = ""
	s := New(cfg, Targets{Endpoints: &fakeEndpoints{}}, logx.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())
	if _, ok := s.Next(TaskEndpointSweep); ok {
		t.Fatalf("empty spec was scheduled")
	}
	if _, ok := s.Next(TaskStatusSweep); !ok {
		t.Fatalf("status sweep not scheduled")
	}
}

func TestScheduledTaskFires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EndpointSweep = "@every 1s"
	cfg.OrphanSweep = ""
	cfg.StatusSweep = ""
	ep := &fakeEndpoints{}
	s := New(cfg, Targets{Endpoints: ep}, logx.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for ep.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("endpoint sweep never fired")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestKVFields(t *testing.T) {
	if got := kvFields([]interface{}{"a", 1, "b"}); len(got) != 2 {
		t.Fatalf("fields = %d", len(got))
	}
}
