package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"globalchat/internal/transport"
	logx "globalchat/pkg/logx"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RatePerSec = 1000
	cfg.RetryBase = time.Millisecond
	return cfg
}

func newTestBroadcaster(p *fakePlatform, dir Directory) *Broadcaster {
	cache := NewEndpointCache(p, "", logx.Nop(), nil)
	b := NewBroadcaster(testConfig(), dir, p, cache, nil, logx.Nop())
	b.sleep = func(context.Context, time.Duration) error { return nil }
	return b
}

func lobby(members ...int64) fakeDirectory {
	return fakeDirectory{networks: map[string][]int64{"lobby": members}}
}

func humanMessage(channelID int64, content string) transport.MessageCreate {
	return transport.MessageCreate{
		ID:        1,
		ChannelID: channelID,
		Author:    transport.Author{ID: 80351110224678912, Username: "alice"},
		Content:   content,
	}
}

func TestBroadcastExcludesOrigin(t *testing.T) {
	p := newFakePlatform()
	b := newTestBroadcaster(p, lobby(1, 2, 3))

	out, err := b.Broadcast(context.Background(), humanMessage(1, "hi"))
	if err != nil || out.Err() != nil {
		t.Fatalf("Broadcast: %v / %v", err, out.Err())
	}
	if len(p.postsTo(1)) != 0 {
		t.Fatalf("origin received its own message")
	}
	for _, ch := range []int64{2, 3} {
		posts := p.postsTo(ch)
		if len(posts) != 1 {
			t.Fatalf("channel %d got %d posts", ch, len(posts))
		}
		if posts[0].Content != "hi" || posts[0].Username != "alice" {
			t.Fatalf("post = %+v", posts[0])
		}
		if posts[0].AvatarURL != "https://cdn.discordapp.com/avatars/80351110224678912/4.png" {
			t.Fatalf("avatar = %q", posts[0].AvatarURL)
		}
	}
	if out.Network != "lobby" || out.Delivered() != 2 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	p := newFakePlatform()
	p.exec = func(ep transport.Endpoint, _ transport.Post) error {
		if ep.ChannelID == 2 {
			return transport.Permanent(errBoom)
		}
		return nil
	}
	b := newTestBroadcaster(p, lobby(1, 2, 3))

	out, err := b.Broadcast(context.Background(), humanMessage(1, "hi"))
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if len(p.postsTo(3)) != 1 {
		t.Fatalf("healthy destination skipped")
	}
	agg := out.Err()
	if !errors.Is(agg, ErrPartialFailure) || !errors.Is(agg, errBoom) {
		t.Fatalf("aggregate = %v", agg)
	}
	var pf *PartialFailure
	if !errors.As(agg, &pf) || pf.Failed != 1 || pf.Total != 2 {
		t.Fatalf("partial failure = %+v", pf)
	}
}

func TestBroadcastSkipsAutomatedAuthors(t *testing.T) {
	p := newFakePlatform()
	b := newTestBroadcaster(p, lobby(1, 2))

	bot := humanMessage(1, "beep")
	bot.Author.Bot = true
	hook := humanMessage(1, "relayed copy")
	hook.WebhookID = 55

	for _, msg := range []transport.MessageCreate{bot, hook} {
		out, err := b.Broadcast(context.Background(), msg)
		if err != nil || out.Skipped != SkipAutomated {
			t.Fatalf("outcome = %+v, %v", out, err)
		}
	}
	if len(p.postsTo(2)) != 0 || p.listCalls.Load() != 0 {
		t.Fatalf("automated message was relayed")
	}
}

func TestBroadcastOutsideNetworkIsNoop(t *testing.T) {
	p := newFakePlatform()
	b := newTestBroadcaster(p, lobby(1, 2))

	out, err := b.Broadcast(context.Background(), humanMessage(99, "hi"))
	if err != nil || out.Skipped != SkipNoNetwork || len(out.Results) != 0 {
		t.Fatalf("outcome = %+v, %v", out, err)
	}
}

func TestBroadcastLookupErrorReturned(t *testing.T) {
	p := newFakePlatform()
	b := newTestBroadcaster(p, fakeDirectory{err: errBoom})
	if _, err := b.Broadcast(context.Background(), humanMessage(1, "hi")); !errors.Is(err, errBoom) {
		t.Fatalf("err = %v", err)
	}
}

func TestBroadcastRecreatesDeletedEndpointOnce(t *testing.T) {
	p := newFakePlatform()
	b := newTestBroadcaster(p, lobby(1, 2))

	if _, err := b.Broadcast(context.Background(), humanMessage(1, "first")); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	p.deleteEndpoints(2)

	out, err := b.Broadcast(context.Background(), humanMessage(1, "second"))
	if err != nil || out.Err() != nil {
		t.Fatalf("Broadcast after delete: %v / %v", err, out.Err())
	}
	r := out.Results[0]
	if !r.Refreshed || r.Attempts != 2 {
		t.Fatalf("result = %+v", r)
	}
	if len(p.postsTo(2)) != 2 || p.createCalls.Load() != 2 {
		t.Fatalf("posts = %d creates = %d", len(p.postsTo(2)), p.createCalls.Load())
	}
}

func TestBroadcastUnknownEndpointRetriedOnlyOnce(t *testing.T) {
	p := newFakePlatform()
	p.exec = func(transport.Endpoint, transport.Post) error {
		return transport.Permanent(transport.ErrUnknownEndpoint)
	}
	b := newTestBroadcaster(p, lobby(1, 2))

	out, _ := b.Broadcast(context.Background(), humanMessage(1, "hi"))
	r := out.Results[0]
	if r.Attempts != 2 || !transport.IsUnknownEndpoint(r.Err) {
		t.Fatalf("result = %+v", r)
	}
}

func TestBroadcastRetriesTransient(t *testing.T) {
	p := newFakePlatform()
	var calls atomic.Int32
	p.exec = func(transport.Endpoint, transport.Post) error {
		if calls.Add(1) < 3 {
			return transport.Transient(errBoom, 5*time.Millisecond)
		}
		return nil
	}
	b := newTestBroadcaster(p, lobby(1, 2))
	var slept []time.Duration
	b.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	out, _ := b.Broadcast(context.Background(), humanMessage(1, "hi"))
	if err := out.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}
	if out.Results[0].Attempts != 3 {
		t.Fatalf("attempts = %d", out.Results[0].Attempts)
	}
	if len(slept) != 2 || slept[0] != 5*time.Millisecond {
		t.Fatalf("slept = %v, want retry-after honored", slept)
	}
}

func TestBroadcastGivesUpAfterRetryMax(t *testing.T) {
	p := newFakePlatform()
	p.exec = func(transport.Endpoint, transport.Post) error { return transport.Transient(errBoom, 0) }
	b := newTestBroadcaster(p, lobby(1, 2))

	out, _ := b.Broadcast(context.Background(), humanMessage(1, "hi"))
	if got := out.Results[0].Attempts; got != testConfig().RetryMax+1 {
		t.Fatalf("attempts = %d", got)
	}
	if !transport.IsTransient(out.Results[0].Err) {
		t.Fatalf("err = %v", out.Results[0].Err)
	}
}

func TestBroadcastEmptyMessageSkipped(t *testing.T) {
	p := newFakePlatform()
	b := newTestBroadcaster(p, lobby(1, 2))
	out, err := b.Broadcast(context.Background(), humanMessage(1, ""))
	if err != nil || out.Skipped != SkipEmpty {
		t.Fatalf("outcome = %+v, %v", out, err)
	}
}

func TestBroadcastGivesUpOnLongRetryAfter(t *testing.T) {
	p := newFakePlatform()
	p.exec = func(transport.Endpoint, transport.Post) error { return transport.Transient(errBoom, time.Hour) }
	b := newTestBroadcaster(p, lobby(1, 2))
	var slept []time.Duration
	b.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	out, _ := b.Broadcast(context.Background(), humanMessage(1, "hi"))
	r := out.Results[0]
	if len(slept) != 0 {
		t.Fatalf("slept = %v, want no wait past the limit", slept)
	}
	if r.Attempts != 1 || !transport.IsTransient(r.Err) || !errors.Is(r.Err, errBoom) {
		t.Fatalf("result = %+v", r)
	}
}

func TestBroadcastBackoffCapped(t *testing.T) {
	p := newFakePlatform()
	p.exec = func(transport.Endpoint, transport.Post) error { return transport.Transient(errBoom, 0) }
	b := newTestBroadcaster(p, lobby(1, 2))
	cfg := testConfig()
	cfg.RetryMax = 3
	cfg.RetryBase = time.Second
	cfg.RetryMaxDelay = 1500 * time.Millisecond
	b.Apply(cfg)
	var slept []time.Duration
	b.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	out, _ := b.Broadcast(context.Background(), humanMessage(1, "hi"))
	want := []time.Duration{time.Second, 1500 * time.Millisecond, 1500 * time.Millisecond}
	if len(slept) != len(want) {
		t.Fatalf("slept = %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("slept = %v, want %v", slept, want)
		}
	}
	if out.Results[0].Attempts != 4 {
		t.Fatalf("attempts = %d", out.Results[0].Attempts)
	}
}

func TestBroadcastFetchesAttachmentsOnce(t *testing.T) {
	var mu sync.Mutex
	hits := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		mu.Unlock()
		if r.URL.Path != "/cat.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("meow"))
	}))
	defer srv.Close()

	p := newFakePlatform()
	cache := NewEndpointCache(p, "", logx.Nop(), nil)
	fetcher := NewTranscoder(srv.Client(), time.Second, 1024, logx.Nop())
	b := NewBroadcaster(testConfig(), lobby(1, 2, 3, 4), p, cache, fetcher, logx.Nop())

	msg := humanMessage(1, "hi")
	msg.Attachments = []transport.Attachment{
		{Filename: "cat.png", URL: srv.URL + "/cat.png", ContentType: "image/png"},
		{Filename: "gone.png", URL: srv.URL + "/gone.png"},
	}
	out, err := b.Broadcast(context.Background(), msg)
	if err != nil || out.Err() != nil {
		t.Fatalf("Broadcast: %v / %v", err, out.Err())
	}
	if out.Attachments != 1 || out.DroppedAttachments != 1 {
		t.Fatalf("attachments = %d dropped = %d", out.Attachments, out.DroppedAttachments)
	}
	mu.Lock()
	catHits, goneHits := hits["/cat.png"], hits["/gone.png"]
	mu.Unlock()
	if catHits != 1 || goneHits != 1 {
		t.Fatalf("hits = cat %d gone %d, want one fetch each", catHits, goneHits)
	}
	for _, ch := range []int64{2, 3, 4} {
		posts := p.postsTo(ch)
		if len(posts) != 1 {
			t.Fatalf("channel %d got %d posts", ch, len(posts))
		}
		got := posts[0]
		if got.Content != "hi" || len(got.Files) != 1 || got.Files[0].Name != "cat.png" || string(got.Files[0].Data) != "meow" {
			t.Fatalf("channel %d post = %+v", ch, got)
		}
	}
}
