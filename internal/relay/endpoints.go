package relay

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"globalchat/internal/eventbus"
	"globalchat/internal/transport"
	logx "globalchat/pkg/logx"
)

const resolveTimeout = 15 * time.Second

type endpointEntry struct {
	ep       transport.Endpoint
	lastUsed time.Time
}

// EndpointCache maps channels to the proxy endpoint used to post into them.
//
// Only endpoints owned by the bot are adopted; endpoints created by users or
// other integrations are never touched, whatever their name. Concurrent
// resolves for the same channel share one discovery so at most one endpoint
// is created.
type EndpointCache struct {
	platform transport.Platform
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time

	mu      sync.Mutex
	name    string
	entries map[int64]*endpointEntry

	group singleflight.Group
}

func NewEndpointCache(p transport.Platform, name string, log logx.Logger, bus eventbus.Bus) *EndpointCache {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if name == "" {
		name = DefaultEndpointName
	}
	return &EndpointCache{
		platform: p,
		log:      log.With(logx.String("comp", "endpoints")),
		bus:      bus,
		now:      time.Now,
		name:     name,
		entries:  map[int64]*endpointEntry{},
	}
}

// SetName changes the name used for endpoints created from now on.
func (c *EndpointCache) SetName(name string) {
	if name == "" {
		return
	}
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
}

// Resolve returns the channel's endpoint, discovering or creating it on a miss.
func (c *EndpointCache) Resolve(ctx context.Context, channelID int64) (transport.Endpoint, error) {
	if ep, ok := c.cached(channelID); ok {
		return ep, nil
	}

	ch := c.group.DoChan(strconv.FormatInt(channelID, 10), func() (any, error) {
		if ep, ok := c.cached(channelID); ok {
			return ep, nil
		}
		// Detached from the first caller so its cancellation can't fail the
		// other waiters.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()
		ep, err := c.discover(dctx, channelID)
		if err != nil {
			return nil, err
		}
		c.store(channelID, ep)
		return ep, nil
	})

	select {
	case <-ctx.Done():
		return transport.Endpoint{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return transport.Endpoint{}, res.Err
		}
		return res.Val.(transport.Endpoint), nil
	}
}

func (c *EndpointCache) cached(channelID int64) (transport.Endpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[channelID]
	if !ok {
		return transport.Endpoint{}, false
	}
	e.lastUsed = c.now()
	return e.ep, true
}

func (c *EndpointCache) store(channelID int64, ep transport.Endpoint) {
	c.mu.Lock()
	c.entries[channelID] = &endpointEntry{ep: ep, lastUsed: c.now()}
	c.mu.Unlock()
}

func (c *EndpointCache) discover(ctx context.Context, channelID int64) (transport.Endpoint, error) {
	self := c.platform.SelfID()
	if self == 0 {
		return transport.Endpoint{}, transport.ErrNotReady
	}

	eps, err := c.platform.ChannelEndpoints(ctx, channelID)
	if err != nil {
		return transport.Endpoint{}, fmt.Errorf("list endpoints for %d: %w", channelID, err)
	}
	if ep, ok := pickOwned(eps, self); ok {
		c.log.Debug("endpoint adopted", logx.Snowflake("channel_id", channelID), logx.Snowflake("endpoint_id", ep.ID))
		return ep, nil
	}

	c.mu.Lock()
	name := c.name
	c.mu.Unlock()

	ep, err := c.platform.CreateEndpoint(ctx, channelID, name)
	if err != nil {
		return transport.Endpoint{}, fmt.Errorf("create endpoint for %d: %w", channelID, err)
	}
	c.log.Info("endpoint created",
		logx.Snowflake("channel_id", channelID), logx.Snowflake("endpoint_id", ep.ID), logx.String("name", name))
	c.bus.Publish(eventbus.Event{Type: eventbus.EndpointCreated, Data: ep.ID})
	return ep, nil
}

// pickOwned returns the lowest-ID usable endpoint owned by self, so repeated
// discovery always lands on the same one when duplicates exist.
func pickOwned(eps []transport.Endpoint, self int64) (transport.Endpoint, bool) {
	var best transport.Endpoint
	found := false
	for _, ep := range eps {
		if ep.OwnerID != self || ep.Token == "" {
			continue
		}
		if !found || ep.ID < best.ID {
			best, found = ep, true
		}
	}
	return best, found
}

// Invalidate evicts the cached endpoint for channelID if it is still
// endpointID. A newer replacement stored by another goroutine is kept.
func (c *EndpointCache) Invalidate(channelID, endpointID int64) bool {
	c.mu.Lock()
	e, ok := c.entries[channelID]
	if !ok || e.ep.ID != endpointID {
		c.mu.Unlock()
		return false
	}
	delete(c.entries, channelID)
	c.mu.Unlock()

	c.log.Info("endpoint evicted", logx.Snowflake("channel_id", channelID), logx.Snowflake("endpoint_id", endpointID))
	c.bus.Publish(eventbus.Event{Type: eventbus.EndpointEvicted, Data: endpointID})
	return true
}

// Forget drops whatever is cached for channelID.
func (c *EndpointCache) Forget(channelID int64) {
	c.mu.Lock()
	delete(c.entries, channelID)
	c.mu.Unlock()
}

// Sweep drops entries unused for longer than idle and returns how many went.
// Evicted endpoints stay on the platform and are re-adopted on next use.
func (c *EndpointCache) Sweep(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	cutoff := c.now().Add(-idle)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for ch, e := range c.entries {
		if e.lastUsed.Before(cutoff) {
			delete(c.entries, ch)
			n++
		}
	}
	return n
}

func (c *EndpointCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
