package state

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/outboundlab/authrelay/internal/logx"
)

const (
	keyClients   = "authrelay:clients"
	keyUpstreams = "authrelay:upstreams"
	keySteps     = "authrelay:steps"
)

// RedisStore publishes relay state into Redis so a fleet of relay
// instances reports into one place. Write failures are logged and
// dropped; the relay keeps running without shared state.
type RedisStore struct {
	client redis.UniversalClient
	ctx    context.Context
}

// NewRedisStore connects to the given Redis URL and returns a Store.
func NewRedisStore(addr string) (*RedisStore, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	rs := &RedisStore{client: c, ctx: context.Background()}
	if err := c.Ping(rs.ctx).Err(); err != nil {
		return nil, err
	}
	return rs, nil
}

// parseRedisURL parses addr into UniversalOptions supporting single,
// cluster, and sentinel Redis deployments. If no scheme is present, addr
// is treated as a plain host:port string.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	opts := &redis.UniversalOptions{}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	opts.Addrs = strings.Split(u.Host, ",")

	q := u.Query()
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	switch u.Scheme {
	case "redis", "rediss":
		if u.Path != "" && u.Path != "/" {
			if db, err := strconv.Atoi(strings.TrimPrefix(u.Path, "/")); err == nil {
				opts.DB = db
			} else {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
		} else if dbStr := q.Get("db"); dbStr != "" {
			if db, err := strconv.Atoi(dbStr); err == nil {
				opts.DB = db
			} else {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
		}
		if u.Scheme == "rediss" {
			opts.TLSConfig = tlsCfg
		}
	case "redis-sentinel", "rediss-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		if dbStr := q.Get("db"); dbStr != "" {
			if db, err := strconv.Atoi(dbStr); err == nil {
				opts.DB = db
			} else {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
		}
		if v := q.Get("sentinel_username"); v != "" {
			opts.SentinelUsername = v
		}
		if v := q.Get("sentinel_password"); v != "" {
			opts.SentinelPassword = v
		}
		if u.Scheme == "rediss-sentinel" {
			opts.TLSConfig = tlsCfg
		}
	default:
		return nil, fmt.Errorf("redis: unsupported scheme %q", u.Scheme)
	}
	return opts, nil
}

func (s *RedisStore) warn(op string, err error) {
	if err != nil {
		logx.Log.Warn().Err(err).Str("op", op).Msg("relay state write failed")
	}
}

func (s *RedisStore) ClientConnected() {
	s.warn("client_connected", s.client.Incr(s.ctx, keyClients).Err())
}

func (s *RedisStore) ClientDisconnected() {
	s.warn("client_disconnected", s.client.Decr(s.ctx, keyClients).Err())
}

func (s *RedisStore) UpstreamUp(fingerprint string) {
	s.warn("upstream_up", s.client.HSet(s.ctx, keyUpstreams, fingerprint, time.Now().Format(time.RFC3339)).Err())
}

func (s *RedisStore) UpstreamDown(fingerprint string) {
	s.warn("upstream_down", s.client.HDel(s.ctx, keyUpstreams, fingerprint).Err())
}

func (s *RedisStore) RecordStep(integrationID, step string) {
	s.warn("record_step", s.client.HSet(s.ctx, keySteps, integrationID, step).Err())
}

func (s *RedisStore) Snapshot() Snapshot {
	snap := Snapshot{Upstreams: []UpstreamInfo{}, Integrations: map[string]string{}}
	if n, err := s.client.Get(s.ctx, keyClients).Int(); err == nil {
		snap.Clients = n
	}
	ups, err := s.client.HGetAll(s.ctx, keyUpstreams).Result()
	if err != nil {
		s.warn("snapshot", err)
		return snap
	}
	for fp, at := range ups {
		info := UpstreamInfo{Fingerprint: fp}
		if t, err := time.Parse(time.RFC3339, at); err == nil {
			info.ConnectedAt = t
		}
		snap.Upstreams = append(snap.Upstreams, info)
	}
	sortUpstreams(snap.Upstreams)
	steps, err := s.client.HGetAll(s.ctx, keySteps).Result()
	if err != nil {
		s.warn("snapshot", err)
		return snap
	}
	for id, step := range steps {
		snap.Integrations[id] = step
	}
	return snap
}
