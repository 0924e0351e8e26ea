// Package store opens a signal.Mailbox from a URL:
//
//	memory:                      in-process only
//	sqlite:///var/lib/peepcam.db SQLite file (sqlite://rel.db for a relative path)
//	redis://host:6379/0          Redis
//	https://signal.example.com   mailbox server
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/pion/logging"

	"github.com/tomaslejdung/peepcam/pkg/signal"
	"github.com/tomaslejdung/peepcam/pkg/store/redis"
	"github.com/tomaslejdung/peepcam/pkg/store/sqlite"
)

// Options carries settings that only some backends use
type Options struct {
	// Token authenticates against a mailbox server
	Token string
	// Prefix namespaces Redis keys
	Prefix        string
	LoggerFactory logging.LoggerFactory
}

// Open connects to the mailbox named by rawURL
func Open(ctx context.Context, rawURL string, opts Options) (signal.Mailbox, error) {
	scheme, rest, ok := strings.Cut(rawURL, ":")
	if !ok || rest == "" && scheme != "memory" {
		return nil, fmt.Errorf("store: invalid mailbox url %q", rawURL)
	}

	switch strings.ToLower(scheme) {
	case "memory":
		return signal.NewMemoryMailbox(), nil
	case "sqlite", "file":
		path := strings.TrimPrefix(rest, "//")
		if path == "" {
			return nil, fmt.Errorf("store: %q has no path", rawURL)
		}
		s, err := sqlite.Open(path, sqlite.WithLoggerFactory(opts.LoggerFactory))
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis", "rediss":
		s, err := redis.Open(ctx, redis.Options{
			URL:           rawURL,
			Prefix:        opts.Prefix,
			LoggerFactory: opts.LoggerFactory,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "http", "https":
		r, err := signal.NewRemoteMailbox(signal.RemoteConfig{
			BaseURL:       rawURL,
			Token:         opts.Token,
			LoggerFactory: opts.LoggerFactory,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("store: unsupported mailbox scheme %q", scheme)
}
