package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"globalchat/internal/transport"
)

const testSelfID int64 = 9000

type fakePlatform struct {
	self int64

	mu        sync.Mutex
	endpoints map[int64][]transport.Endpoint
	posts     map[int64][]transport.Post
	nextID    int64

	listCalls   atomic.Int32
	createCalls atomic.Int32
	listDelay   time.Duration

	// exec overrides delivery; nil means success.
	exec func(ep transport.Endpoint, post transport.Post) error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		self:      testSelfID,
		endpoints: map[int64][]transport.Endpoint{},
		posts:     map[int64][]transport.Post{},
		nextID:    1000,
	}
}

func (f *fakePlatform) SelfID() int64 { return f.self }

func (f *fakePlatform) ChannelEndpoints(ctx context.Context, channelID int64) ([]transport.Endpoint, error) {
	f.listCalls.Add(1)
	if f.listDelay > 0 {
		select {
		case <-time.After(f.listDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Endpoint(nil), f.endpoints[channelID]...), nil
}

func (f *fakePlatform) CreateEndpoint(_ context.Context, channelID int64, name string) (transport.Endpoint, error) {
	f.createCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	ep := transport.Endpoint{ID: f.nextID, Token: "tok", ChannelID: channelID, OwnerID: f.self, Name: name}
	f.endpoints[channelID] = append(f.endpoints[channelID], ep)
	return ep, nil
}

// deleteEndpoints simulates someone removing the channel's endpoints.
func (f *fakePlatform) deleteEndpoints(channelID int64) {
	f.mu.Lock()
	delete(f.endpoints, channelID)
	f.mu.Unlock()
}

func (f *fakePlatform) seed(channelID int64, eps ...transport.Endpoint) {
	f.mu.Lock()
	f.endpoints[channelID] = append(f.endpoints[channelID], eps...)
	f.mu.Unlock()
}

func (f *fakePlatform) ExecuteEndpoint(_ context.Context, ep transport.Endpoint, post transport.Post) error {
	if f.exec != nil {
		if err := f.exec(ep, post); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	exists := false
	for _, cur := range f.endpoints[ep.ChannelID] {
		if cur.ID == ep.ID {
			exists = true
		}
	}
	if !exists {
		return transport.Permanent(transport.ErrUnknownEndpoint)
	}
	f.posts[ep.ChannelID] = append(f.posts[ep.ChannelID], post)
	return nil
}

func (f *fakePlatform) postsTo(channelID int64) []transport.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Post(nil), f.posts[channelID]...)
}

type fakeDirectory struct {
	networks map[string][]int64
	err      error
}

func (d fakeDirectory) LookupNetworkByChannel(_ context.Context, channelID int64) (string, bool, error) {
	if d.err != nil {
		return "", false, d.err
	}
	for name, members := range d.networks {
		for _, ch := range members {
			if ch == channelID {
				return name, true, nil
			}
		}
	}
	return "", false, nil
}

func (d fakeDirectory) ListMembers(_ context.Context, name string) ([]int64, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.networks[name], nil
}

var errBoom = errors.New("boom")
