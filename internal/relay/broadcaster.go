package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rivo/uniseg"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"globalchat/internal/transport"
	logx "globalchat/pkg/logx"
)

// Platform message body limit for endpoint posts.
const maxContentRunes = 2000

// Directory answers membership questions. *registry.Registry satisfies it.
type Directory interface {
	LookupNetworkByChannel(ctx context.Context, channelID int64) (string, bool, error)
	ListMembers(ctx context.Context, name string) ([]int64, error)
}

// Broadcaster fans one message out to the other channels of its network.
type Broadcaster struct {
	dir       Directory
	platform  transport.Platform
	endpoints *EndpointCache
	fetcher   *Transcoder
	log       logx.Logger

	mu          sync.Mutex
	identity    IdentityResolver
	sem         *semaphore.Weighted
	limiter     *rate.Limiter
	retryMax    int
	retryBase   time.Duration
	maxDelay    time.Duration
	callTimeout time.Duration

	newID func() string
	sleep func(ctx context.Context, d time.Duration) error
}

func NewBroadcaster(cfg Config, dir Directory, p transport.Platform, endpoints *EndpointCache, fetcher *Transcoder, log logx.Logger) *Broadcaster {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Broadcaster{
		dir:       dir,
		platform:  p,
		endpoints: endpoints,
		fetcher:   fetcher,
		log:       log.With(logx.String("comp", "broadcaster")),
		newID:     uuid.NewString,
		sleep:     sleepCtx,
	}
	b.Apply(cfg)
	return b
}

// Apply swaps tunables. In-flight deliveries finish under the old limits.
func (b *Broadcaster) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.identity = IdentityResolver{AvatarHost: cfg.AvatarHost}
	b.sem = semaphore.NewWeighted(int64(cfg.MaxInflight))
	b.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	b.retryMax = cfg.RetryMax
	b.retryBase = cfg.RetryBase
	b.maxDelay = cfg.RetryMaxDelay
	b.callTimeout = cfg.CallTimeout
	if b.endpoints != nil {
		b.endpoints.SetName(cfg.EndpointName)
	}
	if b.fetcher != nil {
		b.fetcher.SetMaxBytes(cfg.MaxAttachmentBytes)
	}
}

type deliverySettings struct {
	sem         *semaphore.Weighted
	limiter     *rate.Limiter
	retryMax    int
	retryBase   time.Duration
	maxDelay    time.Duration
	callTimeout time.Duration
}

func (b *Broadcaster) settings() (IdentityResolver, deliverySettings) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.identity, deliverySettings{
		sem:         b.sem,
		limiter:     b.limiter,
		retryMax:    b.retryMax,
		retryBase:   b.retryBase,
		maxDelay:    b.maxDelay,
		callTimeout: b.callTimeout,
	}
}

// Broadcast relays msg to every member of its channel's network except the
// origin. The returned error is reserved for failures before fan-out (the
// membership lookup); per-destination failures are in the Outcome, see
// Outcome.Err.
func (b *Broadcaster) Broadcast(ctx context.Context, msg transport.MessageCreate) (Outcome, error) {
	return b.broadcast(ctx, b.newID(), msg)
}

func (b *Broadcaster) broadcast(ctx context.Context, jobID string, msg transport.MessageCreate) (Outcome, error) {
	start := time.Now()
	out := Outcome{JobID: jobID, Origin: msg.ChannelID}

	if msg.Author.Bot || msg.Author.System || msg.WebhookID != 0 {
		out.Skipped = SkipAutomated
		return out, nil
	}

	network, ok, err := b.dir.LookupNetworkByChannel(ctx, msg.ChannelID)
	if err != nil {
		return out, err
	}
	if !ok {
		out.Skipped = SkipNoNetwork
		return out, nil
	}
	out.Network = network

	members, err := b.dir.ListMembers(ctx, network)
	if err != nil {
		return out, err
	}
	dests := make([]int64, 0, len(members))
	for _, ch := range members {
		if ch != msg.ChannelID {
			dests = append(dests, ch)
		}
	}
	if len(dests) == 0 {
		out.Skipped = SkipNoDestinations
		return out, nil
	}

	identity, st := b.settings()
	id := identity.Resolve(msg.Author)

	var payloads []Payload
	if b.fetcher != nil {
		payloads = b.fetcher.Fetch(ctx, msg.Attachments)
	}
	out.Attachments = len(payloads)
	out.DroppedAttachments = len(msg.Attachments) - len(payloads)

	post := transport.Post{
		Content:   truncateGraphemes(msg.Content, maxContentRunes),
		Username:  id.Username,
		AvatarURL: id.AvatarURL,
	}
	for _, p := range payloads {
		post.Files = append(post.Files, p.File())
	}
	if post.Content == "" && len(post.Files) == 0 {
		out.Skipped = SkipEmpty
		return out, nil
	}

	out.Results = make([]DestinationResult, len(dests))
	var wg sync.WaitGroup
	for i, dest := range dests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out.Results[i] = b.deliverBounded(ctx, st, dest, post)
		}()
	}
	wg.Wait()
	out.Took = time.Since(start)

	b.logOutcome(out)
	return out, nil
}

func (b *Broadcaster) deliverBounded(ctx context.Context, st deliverySettings, dest int64, post transport.Post) DestinationResult {
	if err := st.sem.Acquire(ctx, 1); err != nil {
		return DestinationResult{ChannelID: dest, Err: err}
	}
	defer st.sem.Release(1)
	return b.deliver(ctx, st, dest, post)
}

// deliver posts to one destination. Transient failures are retried up to
// retryMax times, never waiting longer than maxDelay at once; an unknown
// endpoint is evicted and re-resolved once.
func (b *Broadcaster) deliver(ctx context.Context, st deliverySettings, dest int64, post transport.Post) DestinationResult {
	start := time.Now()
	res := DestinationResult{ChannelID: dest}
	retries := 0

	for {
		err := b.attempt(ctx, st, dest, post, &res)
		if err == nil {
			res.Took = time.Since(start)
			return res
		}

		switch {
		case transport.IsUnknownEndpoint(err) && !res.Refreshed:
			b.endpoints.Invalidate(dest, res.EndpointID)
			res.Refreshed = true
			continue
		case transport.IsTransient(err) && retries < st.retryMax:
			delay, hinted := transport.RetryAfter(err)
			if !hinted {
				delay = min(st.retryBase*time.Duration(1<<retries), st.maxDelay)
			}
			if delay > st.maxDelay {
				b.log.Warn("relay retry-after exceeds limit; giving up",
					logx.Snowflake("channel_id", dest), logx.Duration("retry_after", delay), logx.Duration("max_delay", st.maxDelay))
				res.Err = fmt.Errorf("%w (retry after %s exceeds %s)", err, delay, st.maxDelay)
				res.Took = time.Since(start)
				return res
			}
			retries++
			b.log.Debug("relay retry scheduled",
				logx.Snowflake("channel_id", dest), logx.Int("retry", retries), logx.Duration("delay", delay), logx.Err(err))
			if serr := b.sleep(ctx, delay); serr != nil {
				res.Err = errors.Join(err, serr)
				res.Took = time.Since(start)
				return res
			}
			continue
		}

		res.Err = err
		res.Took = time.Since(start)
		return res
	}
}

func (b *Broadcaster) attempt(ctx context.Context, st deliverySettings, dest int64, post transport.Post, res *DestinationResult) error {
	ep, err := b.endpoints.Resolve(ctx, dest)
	if err != nil {
		return err
	}
	res.EndpointID = ep.ID

	if st.limiter != nil {
		if err := st.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	res.Attempts++
	cctx, cancel := context.WithTimeout(ctx, st.callTimeout)
	defer cancel()
	return b.platform.ExecuteEndpoint(cctx, ep, post)
}

func (b *Broadcaster) logOutcome(out Outcome) {
	fields := []logx.Field{
		logx.String("job", out.JobID),
		logx.String("network", out.Network),
		logx.Snowflake("origin", out.Origin),
		logx.Int("total", len(out.Results)),
		logx.Int("failed", out.Failed()),
		logx.Int("attachments", out.Attachments),
		logx.Duration("took", out.Took),
	}
	if out.DroppedAttachments > 0 {
		fields = append(fields, logx.Int("attachments_dropped", out.DroppedAttachments))
	}
	if err := out.Err(); err != nil {
		b.log.Warn("relay finished with failures", append(fields, logx.Err(err))...)
		return
	}
	b.log.Debug("relay finished", fields...)
}

// truncateGraphemes cuts s to at most n runes without splitting a grapheme
// cluster (emoji sequences, combining marks).
func truncateGraphemes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	end, used, state := 0, 0, -1
	for rest := s; rest != ""; {
		var cluster string
		cluster, rest, _, state = uniseg.FirstGraphemeClusterInString(rest, state)
		c := utf8.RuneCountInString(cluster)
		if used+c > n {
			break
		}
		used += c
		end += len(cluster)
	}
	return s[:end]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
