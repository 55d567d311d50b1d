// Package client is the public entry point of relaynet: one Client owns the
// REST handler, the event bus and the gateway shards of a bot.
package client

import (
	"context"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/relaynet"
	"github.com/luciancaetano/relaynet/internal/events"
	"github.com/luciancaetano/relaynet/internal/gateway"
	"github.com/luciancaetano/relaynet/internal/metrics"
	"github.com/luciancaetano/relaynet/internal/rest"
)

type (
	IdentifyProperties = gateway.IdentifyProperties
	Presence           = gateway.Presence
	Activity           = gateway.Activity
	SessionStartLimit  = gateway.SessionStartLimit
	Status             = gateway.Status
	Shard              = gateway.Shard
)

// GatewayInfo is the body of GET /gateway/bot.
type GatewayInfo struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// Client connects a bot to the REST API and the gateway.
type Client struct {
	cfg     Config
	log     zerolog.Logger
	events  *events.Emitter
	metrics *metrics.Metrics
	rest    *rest.Handler

	mu      sync.Mutex
	shards  *gateway.Manager
	closing bool
}

var _ relaynet.Requester = (*Client)(nil)

// New validates cfg and creates a client. Nothing is connected until Connect.
//
// Example:
//
//	cfg := client.DefaultConfig()
//	cfg.Token = "Bot " + os.Getenv("BOT_TOKEN")
//	c, err := client.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	evs, cancel := c.Subscribe(64)
//	defer cancel()
//	if err := c.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := cfg.logger()
	emitter := events.New(log)

	var m *metrics.Metrics
	if cfg.Registerer != nil {
		m = metrics.New(cfg.Registerer)
	}

	c := &Client{
		cfg:     cfg,
		log:     log,
		events:  emitter,
		metrics: m,
	}
	c.rest = rest.NewHandler(rest.Options{
		BaseURL:           cfg.BaseURL,
		Token:             cfg.Token,
		UserAgent:         cfg.UserAgent,
		Timeout:           cfg.RequestTimeout,
		LatencyThreshold:  cfg.LatencyThreshold,
		RatelimiterOffset: cfg.RatelimiterOffset,
		Host:              cfg.Host,
		Fingerprint:       cfg.Fingerprint,
		HTTPClient:        cfg.HTTPClient,
		Events:            emitter,
		Metrics:           m,
		TracerProvider:    cfg.TracerProvider,
	})
	return c, nil
}

// Request sends a REST call through the client's rate limiter.
func (c *Client) Request(ctx context.Context, opts *relaynet.RequestOptions) (*relaynet.Response, error) {
	return c.rest.Request(ctx, opts)
}

// Subscribe returns a channel receiving every event and a cancel function.
// Events are dropped for a subscriber whose buffer is full.
func (c *Client) Subscribe(buffer int) (<-chan relaynet.Event, func()) {
	return c.events.Subscribe(buffer)
}

// Dropped returns the number of events lost to full subscriber buffers.
func (c *Client) Dropped() uint64 {
	return c.events.Dropped()
}

// GatewayBot fetches the recommended shard count and identify budget.
func (c *Client) GatewayBot(ctx context.Context) (*GatewayInfo, error) {
	return c.gatewayInfo(ctx, "/gateway/bot", true)
}

// Gateway fetches the gateway address without authentication.
func (c *Client) Gateway(ctx context.Context) (*GatewayInfo, error) {
	return c.gatewayInfo(ctx, "/gateway", false)
}

func (c *Client) gatewayInfo(ctx context.Context, path string, auth bool) (*GatewayInfo, error) {
	resp, err := c.rest.Request(ctx, &relaynet.RequestOptions{Method: http.MethodGet, Path: path, Auth: auth})
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", path)
	}
	if resp == nil {
		return nil, errors.Errorf("get %s: empty response", path)
	}
	var info GatewayInfo
	if err := resp.Decode(&info); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return &info, nil
}

// Connect resolves the gateway and spawns the configured shard range.
// Shards connect in the background; subscribe for ready events.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.shards != nil {
		c.mu.Unlock()
		return errors.New(relaynet.ErrExistingConnection)
	}
	c.closing = false
	c.mu.Unlock()

	url := c.cfg.GatewayURL
	shardCount := c.cfg.ShardCount
	concurrency := c.cfg.Concurrency
	var limit *SessionStartLimit

	switch {
	case shardCount == 0 || concurrency == 0:
		info, err := c.GatewayBot(ctx)
		if err != nil {
			return err
		}
		if url == "" {
			url = info.URL
		}
		if shardCount == 0 {
			shardCount = info.Shards
		}
		if concurrency == 0 {
			concurrency = info.SessionStartLimit.MaxConcurrency
		}
		limit = &info.SessionStartLimit
	case url == "":
		info, err := c.Gateway(ctx)
		if err != nil {
			return err
		}
		url = info.URL
	}
	if shardCount <= 0 {
		shardCount = 1
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	first, last := c.cfg.FirstShardID, c.cfg.LastShardID
	if last < 0 {
		last = shardCount - 1
	}
	if first > last || last >= shardCount {
		return errors.Errorf("shard range %d-%d is out of range for %d shards", first, last, shardCount)
	}

	manager := gateway.NewManager(gateway.Options{
		Token:             c.cfg.Token,
		GatewayURL:        url,
		ShardCount:        shardCount,
		Concurrency:       concurrency,
		Intents:           c.cfg.Intents,
		LargeThreshold:    c.cfg.LargeThreshold,
		Compress:          c.cfg.Compress,
		Properties:        c.cfg.Properties,
		Presence:          c.cfg.Presence,
		ConnectionTimeout: c.cfg.ConnectionTimeout,
		MaxResumeAttempts: c.cfg.MaxResumeAttempts,
		AutoReconnect:     c.cfg.AutoReconnect,
		Dialer:            c.cfg.Dialer,
		Events:            c.events,
		Metrics:           c.metrics,
	})
	if limit != nil {
		manager.SetSessionStartLimit(*limit)
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return errors.New("client disconnected while connecting")
	}
	if c.shards != nil {
		c.mu.Unlock()
		return errors.New(relaynet.ErrExistingConnection)
	}
	c.shards = manager
	c.mu.Unlock()

	c.log.Info().
		Str("gateway", url).
		Int("shards", shardCount).
		Int("first", first).
		Int("last", last).
		Int("concurrency", concurrency).
		Msg("spawning shards")

	for id := first; id <= last; id++ {
		manager.Spawn(id)
	}
	return nil
}

func (c *Client) manager() *gateway.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shards
}

// Ready reports whether every spawned shard is ready.
func (c *Client) Ready() bool {
	m := c.manager()
	return m != nil && m.Ready()
}

// Shard returns shard id.
func (c *Client) Shard(id int) (*Shard, error) {
	m := c.manager()
	if m == nil {
		return nil, errors.Errorf("%s: %d", relaynet.ErrUnknownShard, id)
	}
	return m.Shard(id)
}

// Shards returns every spawned shard ordered by id.
func (c *Client) Shards() []*Shard {
	m := c.manager()
	if m == nil {
		return nil
	}
	return m.Shards()
}

// Disconnect closes every shard. With reconnect the shards resume on their
// own; without it they stay down until the next Connect.
func (c *Client) Disconnect(reconnect bool) {
	c.mu.Lock()
	m := c.shards
	if !reconnect {
		c.shards = nil
		c.closing = true
	}
	c.mu.Unlock()

	if m != nil {
		m.DisconnectAll(reconnect)
	}
}

// Close disconnects every shard without reconnecting.
func (c *Client) Close() error {
	c.Disconnect(false)
	return nil
}
