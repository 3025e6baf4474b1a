package relay

import (
	"context"
	"testing"
	"time"

	"globalchat/internal/eventbus"
	"globalchat/internal/transport"
	logx "globalchat/pkg/logx"
)

func TestServiceRelaysAndRecordsStatus(t *testing.T) {
	p := newFakePlatform()
	p.exec = func(ep transport.Endpoint, _ transport.Post) error {
		if ep.ChannelID == 3 {
			return transport.Permanent(errBoom)
		}
		return nil
	}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	svc := NewService(testConfig(), newTestBroadcaster(p, lobby(1, 2, 3)), logx.Nop(), bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	id, ok := svc.Submit(humanMessage(1, "hi"))
	if !ok {
		t.Fatalf("Submit rejected")
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != eventbus.RelayFinished {
				continue
			}
			st, ok := svc.Status(id)
			if !ok || st.Running || st.Total != 2 || st.Failed != 1 || st.Network != "lobby" {
				t.Fatalf("status = %+v", st)
			}
			if len(st.Failures) != 1 || st.Failures[0] != 3 || st.Err == "" {
				t.Fatalf("failures = %v err = %q", st.Failures, st.Err)
			}
			return
		case <-deadline:
			t.Fatalf("relay did not finish")
		}
	}
}

func TestSubmitWhileStoppedDrops(t *testing.T) {
	p := newFakePlatform()
	svc := NewService(testConfig(), newTestBroadcaster(p, lobby(1, 2)), logx.Nop(), nil)
	if _, ok := svc.Submit(humanMessage(1, "hi")); ok {
		t.Fatalf("Submit accepted while stopped")
	}
	if svc.Dropped() != 1 {
		t.Fatalf("dropped = %d", svc.Dropped())
	}
}

func TestPruneStatusBounds(t *testing.T) {
	cfg := testConfig()
	cfg.StatusMax = 2
	cfg.StatusTTL = time.Hour
	svc := NewService(cfg, newTestBroadcaster(newFakePlatform(), lobby()), logx.Nop(), nil)

	base := time.Unix(1_700_000_000, 0)
	svc.now = func() time.Time { return base.Add(2 * time.Hour) }
	svc.putStatus(&JobStatus{ID: "expired", DoneAt: base})
	svc.putStatus(&JobStatus{ID: "old", DoneAt: base.Add(70 * time.Minute)})
	svc.putStatus(&JobStatus{ID: "mid", DoneAt: base.Add(80 * time.Minute)})
	svc.putStatus(&JobStatus{ID: "new", DoneAt: base.Add(90 * time.Minute)})
	svc.putStatus(&JobStatus{ID: "running", Running: true, CreatedAt: base})

	if n := svc.PruneStatus(); n != 3 {
		t.Fatalf("pruned %d, want 3", n)
	}
	for _, id := range []string{"new", "running"} {
		if _, ok := svc.Status(id); !ok {
			t.Fatalf("%s pruned", id)
		}
	}
}

func TestStopAbandonsQueuedJobs(t *testing.T) {
	p := newFakePlatform()
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	p.exec = func(transport.Endpoint, transport.Post) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	}
	cfg := testConfig()
	cfg.Workers = 1
	svc := NewService(cfg, newTestBroadcaster(p, lobby(1, 2)), logx.Nop(), nil)
	svc.Start(context.Background())

	first, _ := svc.Submit(humanMessage(1, "first"))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("first job never ran")
	}
	var queued []string
	for _, text := range []string{"second", "third"} {
		id, ok := svc.Submit(humanMessage(1, text))
		if !ok {
			t.Fatalf("Submit %q rejected", text)
		}
		queued = append(queued, id)
	}

	sctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	svc.Stop(sctx)
	if _, ok := svc.Submit(humanMessage(1, "late")); ok {
		t.Fatalf("Submit accepted while stopping")
	}
	close(release)
	svc.Stop(context.Background())

	for _, id := range queued {
		st, ok := svc.Status(id)
		if !ok || !st.Abandoned || st.DoneAt.IsZero() || st.Err == "" {
			t.Fatalf("queued job status = %+v", st)
		}
	}
	if st, _ := svc.Status(first); st.Abandoned {
		t.Fatalf("in-flight job marked abandoned: %+v", st)
	}
}
