// Package bootstrap implements outbound federation links: framed
// connections this hub dials to other hubs, reconnected on a fixed
// interval up to a bounded attempt count (spec §4.7).
//
// Unlike the client-facing signaling connection this package is adapted
// from, bootstrap links use a fixed reconnect interval rather than
// exponential backoff — federation peers are expected to be long-running
// infrastructure, not intermittently-connected end users, so there is no
// benefit to backing off and a fixed interval keeps catch-up latency
// predictable.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

// Config configures a Connector.
type Config struct {
	// URIs is the set of bootstrap hub WebSocket URIs to dial.
	URIs []string

	// SelfHostPort identifies this hub's own bound address ("host:port")
	// so self-targeted bootstrap URIs can be skipped.
	SelfHostPort string

	// SelfPeerID is appended to each dial URL as the "peerId" query
	// parameter, identifying this hub to the remote side.
	SelfPeerID string

	// ReconnectInterval is the fixed delay between reconnect attempts.
	// Defaults to 5s.
	ReconnectInterval time.Duration

	// MaxReconnectAttempts bounds how many times a link is re-dialed after
	// a close. Defaults to 10.
	MaxReconnectAttempts int

	// DialTimeout bounds each individual dial. Defaults to 10s.
	DialTimeout time.Duration

	Logger *slog.Logger

	// OnFrame is called for every frame read from any bootstrap link, with
	// the origin URI so the Router can mark src = bootstrap(uri).
	OnFrame func(uri string, frame []byte)

	// OnConnected is called after a link dials successfully.
	OnConnected func(uri string)

	// OnDisconnected is called after a link's connection closes (whether
	// reconnecting or permanently exhausted).
	OnDisconnected func(uri string)
}

// Connector owns the set of outbound bootstrap links for one hub.
type Connector struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	links  map[string]*link
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pauseMu  sync.Mutex
	paused   bool
	resumeCh chan struct{}
}

type link struct {
	uri  string
	mu   sync.Mutex
	conn *websocket.Conn
}

func New(cfg Config) *Connector {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Connector{
		cfg:   cfg,
		log:   log.With("component", "bootstrap"),
		links: make(map[string]*link),
	}
}

// Start dials every configured URI concurrently and begins each one's
// reconnect loop. Self-targeted URIs (same host:port as this hub) are
// skipped.
func (c *Connector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for _, uri := range c.cfg.URIs {
		if c.isSelf(uri) {
			c.log.Debug("skipping self-targeted bootstrap URI", "uri", uri)
			continue
		}
		l := &link{uri: uri}
		c.mu.Lock()
		c.links[uri] = l
		c.mu.Unlock()

		c.wg.Add(1)
		go func(l *link) {
			defer c.wg.Done()
			c.runLink(ctx, l)
		}(l)
	}
}

// Stop cancels all reconnect loops and closes any open links.
func (c *Connector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	links := make([]*link, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.mu.Unlock()

	for _, l := range links {
		l.mu.Lock()
		if l.conn != nil {
			_ = l.conn.Close(websocket.StatusNormalClosure, "server shutting down")
		}
		l.mu.Unlock()
	}
	c.wg.Wait()
}

// Send writes frame to the named bootstrap link, if currently connected.
func (c *Connector) Send(uri string, frame []byte) error {
	c.mu.Lock()
	l, ok := c.links[uri]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no bootstrap link for %s", uri)
	}
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("bootstrap link %s not connected", uri)
	}
	return conn.Write(context.Background(), websocket.MessageText, frame)
}

// BroadcastAll writes frame to every currently-connected bootstrap link
// concurrently, used for federation fan-out when the overlay is not ready.
// The catch-up flood on link open goes to that one link through Send.
func (c *Connector) BroadcastAll(frame []byte) error {
	c.mu.Lock()
	links := make([]*link, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.mu.Unlock()

	g := new(errgroup.Group)
	for _, l := range links {
		l := l
		g.Go(func() error {
			l.mu.Lock()
			conn := l.conn
			l.mu.Unlock()
			if conn == nil {
				return nil
			}
			return conn.Write(context.Background(), websocket.MessageText, frame)
		})
	}
	return g.Wait()
}

// URIs returns the configured bootstrap URIs (excluding self-targeted ones
// skipped at Start).
func (c *Connector) URIs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.links))
	for uri := range c.links {
		out = append(out, uri)
	}
	return out
}

// Connected reports whether a given bootstrap URI currently has an open
// connection.
func (c *Connector) Connected(uri string) bool {
	c.mu.Lock()
	l, ok := c.links[uri]
	c.mu.Unlock()
	if !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Pause closes every currently open link and suspends new dial attempts
// until Resume is called. Used by MigrationController once the overlay
// becomes the sole federation carrier (spec §4.10 step 2): no partial
// migration, so every link is closed together.
func (c *Connector) Pause(reason string) {
	c.pauseMu.Lock()
	if !c.paused {
		c.paused = true
		c.resumeCh = make(chan struct{})
	}
	c.pauseMu.Unlock()

	c.mu.Lock()
	links := make([]*link, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.mu.Unlock()

	for _, l := range links {
		l.mu.Lock()
		if l.conn != nil {
			_ = l.conn.Close(websocket.StatusNormalClosure, reason)
		}
		l.mu.Unlock()
	}
}

// Resume lifts a prior Pause, letting reconnect loops dial again. Used when
// MigrationController observes the overlay has lost quorum.
func (c *Connector) Resume() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	if c.paused {
		c.paused = false
		close(c.resumeCh)
	}
}

// waitIfPaused blocks while the connector is paused, returning false if the
// context is cancelled first.
func (c *Connector) waitIfPaused(ctx context.Context) bool {
	c.pauseMu.Lock()
	paused := c.paused
	ch := c.resumeCh
	c.pauseMu.Unlock()
	if !paused {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-ch:
		return true
	}
}

func (c *Connector) runLink(ctx context.Context, l *link) {
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if !c.waitIfPaused(ctx) {
			return
		}
		conn, err := c.dial(ctx, l.uri)
		if err != nil {
			c.log.Warn("bootstrap dial failed", "uri", l.uri, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.ReconnectInterval):
			}
			continue
		}

		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()

		c.log.Info("bootstrap link connected", "uri", l.uri, "attempt", attempt)
		if c.cfg.OnConnected != nil {
			c.cfg.OnConnected(l.uri)
		}

		c.readLoop(ctx, l, conn)

		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()

		if c.cfg.OnDisconnected != nil {
			c.cfg.OnDisconnected(l.uri)
		}

		if ctx.Err() != nil {
			return
		}

		// Reset attempt count on every successful connection so a link
		// that has been up for a while gets the full retry budget again.
		attempt = 0

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
	c.log.Error("bootstrap reconnect attempts exhausted", "uri", l.uri)
}

func (c *Connector) dial(ctx context.Context, uri string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}
	dialURL := uri + sep + "peerId=" + c.cfg.SelfPeerID

	conn, _, err := websocket.Dial(dialCtx, dialURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Connector) readLoop(ctx context.Context, l *link, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if c.cfg.OnFrame != nil {
			c.cfg.OnFrame(l.uri, data)
		}
	}
}

// isSelf compares uri's host:port against this hub's own bound address.
func (c *Connector) isSelf(uri string) bool {
	if c.cfg.SelfHostPort == "" {
		return false
	}
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return u.Host == c.cfg.SelfHostPort
}
