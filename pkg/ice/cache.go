package ice

import (
	"context"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
	"golang.org/x/sync/singleflight"
)

// fetcher is implemented by providers that report a credential lifetime
type fetcher interface {
	Fetch(ctx context.Context) ([]webrtc.ICEServer, time.Duration, error)
}

// CacheOption configures a CachedProvider
type CacheOption func(*CachedProvider)

// WithLoggerFactory sets the logger used to report refresh failures
func WithLoggerFactory(f logging.LoggerFactory) CacheOption {
	return func(c *CachedProvider) {
		c.log = f.NewLogger("ice")
	}
}

// CachedProvider keeps a provider's list for a short time. Concurrent
// callers share one in-flight fetch. When a refresh fails, the last good list
// is served until it is twice as old as its lifetime.
type CachedProvider struct {
	provider Provider
	ttl      time.Duration
	now      func() time.Time
	group    singleflight.Group
	log      logging.LeveledLogger

	mu        sync.Mutex
	servers   []webrtc.ICEServer
	lifetime  time.Duration
	fetchedAt time.Time
}

// Cached wraps provider with a cache of the given lifetime
func Cached(provider Provider, ttl time.Duration, opts ...CacheOption) *CachedProvider {
	c := &CachedProvider{
		provider: provider,
		ttl:      ttl,
		now:      time.Now,
		log:      logging.NewDefaultLoggerFactory().NewLogger("ice"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CachedProvider) cached(maxAge func(time.Duration) time.Duration) ([]webrtc.ICEServer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.servers == nil {
		return nil, false
	}
	if c.now().Sub(c.fetchedAt) >= maxAge(c.lifetime) {
		return nil, false
	}
	return cloneServers(c.servers), true
}

// ICEServers returns the cached list or refreshes it
func (c *CachedProvider) ICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	if servers, ok := c.cached(func(l time.Duration) time.Duration { return l }); ok {
		return servers, nil
	}

	v, err, _ := c.group.Do("ice", func() (interface{}, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		if servers, ok := c.cached(func(l time.Duration) time.Duration { return 2 * l }); ok {
			c.log.Warnf("ICE refresh failed, serving cached list: %v", err)
			return servers, nil
		}
		return nil, err
	}
	return cloneServers(v.([]webrtc.ICEServer)), nil
}

func (c *CachedProvider) refresh(ctx context.Context) ([]webrtc.ICEServer, error) {
	var (
		servers  []webrtc.ICEServer
		lifetime = c.ttl
		err      error
	)
	if f, ok := c.provider.(fetcher); ok {
		var granted time.Duration
		servers, granted, err = f.Fetch(ctx)
		if granted > 0 && granted < lifetime {
			lifetime = granted
		}
	} else {
		servers, err = c.provider.ICEServers(ctx)
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.servers = cloneServers(servers)
	c.lifetime = lifetime
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return servers, nil
}

// Invalidate drops the cached list so the next call refetches
func (c *CachedProvider) Invalidate() {
	c.mu.Lock()
	c.servers = nil
	c.mu.Unlock()
}
