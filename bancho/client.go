// Package bancho maintains the single logical IRC connection to osu!'s chat
// network (Bancho) and surfaces inbound traffic as typed events on one
// channel.
//
// The client owns reconnection: transport failures are logged and retried
// with exponential backoff (2s doubling, capped at 60s); the only externally
// observable effect of a failure is a DisconnectedEvent and the eventual
// retry. Joins issued before registration completes are remembered and
// replayed once the server confirms the handshake (001).
package bancho

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	irc "gopkg.in/irc.v4"

	"github.com/dixxew/banchostats/backend/telemetry"
)

const (
	reconnectMin = 2 * time.Second
	reconnectMax = 60 * time.Second
	dialTimeout  = 10 * time.Second
	eventBuffer  = 4096
)

// Config holds the connection parameters for one Bancho session.
type Config struct {
	Server   string
	Port     int
	Nick     string
	Password string
}

// Client is the protocol client. Construct with New, start with Run, consume
// Events from a single goroutine.
type Client struct {
	cfg    Config
	events chan Event

	mu           sync.Mutex
	session      *irc.Client
	registered   bool
	pendingJoins map[string]struct{}
	attempt      int
}

// New returns an unconnected client.
func New(cfg Config) *Client {
	return &Client{
		cfg:          cfg,
		events:       make(chan Event, eventBuffer),
		pendingJoins: make(map[string]struct{}),
	}
}

// Events returns the inbound event stream. The channel is buffered; if the
// consumer falls far enough behind, events are dropped with a log line rather
// than blocking the read loop.
func (c *Client) Events() <-chan Event { return c.events }

// Run drives the connect/listen/reconnect loop until ctx is cancelled.
// It fails fast (log only) when required configuration is absent.
func (c *Client) Run(ctx context.Context) {
	if c.cfg.Server == "" || c.cfg.Nick == "" {
		slog.Error("irc: server/nick not configured, chat listener disabled")
		return
	}
	addr := net.JoinHostPort(c.cfg.Server, strconv.Itoa(c.cfg.Port))
	for {
		if ctx.Err() != nil {
			return
		}
		slog.Info("irc connecting", slog.String("addr", addr), slog.String("nick", c.cfg.Nick))
		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			slog.Warn("irc connect failed", slog.Any("err", err))
			c.waitBackoff(ctx)
			continue
		}

		ic := irc.NewClient(conn, irc.ClientConfig{
			Nick:          c.cfg.Nick,
			Pass:          c.cfg.Password,
			User:          c.cfg.Nick,
			Name:          c.cfg.Nick,
			PingFrequency: 60 * time.Second,
			PingTimeout:   20 * time.Second,
			Handler:       irc.HandlerFunc(c.handle),
		})
		c.mu.Lock()
		c.session = ic
		c.registered = false
		c.mu.Unlock()
		telemetry.SetIRCConnected(true)
		c.emit(ConnectedEvent{})

		err = ic.RunContext(ctx)
		_ = conn.Close()

		c.mu.Lock()
		c.session = nil
		c.registered = false
		c.mu.Unlock()
		telemetry.SetIRCConnected(false)
		c.emit(DisconnectedEvent{})

		if ctx.Err() != nil {
			return
		}
		slog.Warn("irc session ended", slog.Any("err", err))
		c.waitBackoff(ctx)
	}
}

// Join requests channel membership. Before registration the join is
// remembered and replayed automatically on 001, so nothing is lost when
// callers join during the handshake.
func (c *Client) Join(channel string) {
	channel = NormalizeChannel(channel)
	if channel == "" {
		return
	}
	c.mu.Lock()
	c.pendingJoins[strings.ToLower(channel)] = struct{}{}
	session, registered := c.session, c.registered
	c.mu.Unlock()
	if session != nil && registered {
		slog.Info("irc joining", slog.String("channel", channel))
		session.Writef("JOIN %s", channel)
	} else {
		slog.Info("irc join deferred until registered", slog.String("channel", channel))
	}
}

// SendChannelMessage sends a fire-and-forget channel message.
func (c *Client) SendChannelMessage(channel, text string) {
	channel = NormalizeChannel(channel)
	if channel == "" || text == "" {
		return
	}
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session != nil {
		session.Writef("PRIVMSG %s :%s", channel, text)
	}
}

// SendPrivateMessage sends a fire-and-forget private message.
func (c *Client) SendPrivateMessage(nick, text string) {
	if nick == "" || text == "" {
		return
	}
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session != nil {
		session.Writef("PRIVMSG %s :%s", nick, text)
	}
}

// RequestWhois dispatches an identity lookup for nick. Returns false when not
// currently connected and registered; callers must not assume a reply either
// way.
func (c *Client) RequestWhois(nick string) bool {
	if nick == "" {
		return false
	}
	c.mu.Lock()
	session, registered := c.session, c.registered
	c.mu.Unlock()
	if session == nil || !registered {
		return false
	}
	session.Writef("WHOIS %s", nick)
	return true
}

// Connected reports whether a registered session is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.registered
}

// handle translates wire messages into events. Runs on the session's read
// loop; keep it non-blocking.
func (c *Client) handle(ic *irc.Client, m *irc.Message) {
	switch m.Command {
	case "001": // registered; enables joins and resets backoff
		c.mu.Lock()
		c.registered = true
		c.attempt = 0
		joins := make([]string, 0, len(c.pendingJoins))
		for ch := range c.pendingJoins {
			joins = append(joins, ch)
		}
		c.mu.Unlock()
		slog.Info("irc registered", slog.String("nick", c.cfg.Nick))
		if ic != nil {
			for _, ch := range joins {
				slog.Info("irc auto-join", slog.String("channel", ch))
				ic.Writef("JOIN %s", ch)
			}
		}
	case "PRIVMSG":
		nick := ""
		if m.Prefix != nil {
			nick = m.Prefix.Name
		}
		target := m.Param(0)
		text := m.Trailing()
		if strings.HasPrefix(target, "#") {
			c.emit(ChannelMessage{Channel: target, Nick: nick, Text: text, At: time.Now().UTC()})
		} else {
			c.emit(PrivateMessage{Nick: nick, Text: text, At: time.Now().UTC()})
		}
	case "311": // RPL_WHOISUSER; Bancho puts the profile URL in the params
		if len(m.Params) >= 2 {
			if url := whoisProfileURL(m); url != "" {
				c.emit(WhoisReply{Nick: m.Params[1], ProfileURL: url})
			}
		}
	case "JOIN":
		if m.Prefix != nil && strings.EqualFold(m.Prefix.Name, c.cfg.Nick) {
			slog.Info("irc joined", slog.String("channel", m.Trailing()))
		}
	}
}

// whoisProfileURL extracts the profile URL from a 311 reply.
// Bancho's shape: ":cho.ppy.sh 311 <me> <nick> https://osu.ppy.sh/u/<id> * :hidden".
func whoisProfileURL(m *irc.Message) string {
	for _, p := range m.Params[2:] {
		if strings.Contains(p, "osu.ppy.sh") {
			return p
		}
	}
	return ""
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		slog.Warn("irc event dropped: consumer too slow", slog.String("component", "bancho"))
	}
}

// waitBackoff sleeps for the current backoff delay (ctx-aware) and advances
// the attempt counter. The counter is reset by a successful registration.
func (c *Client) waitBackoff(ctx context.Context) {
	c.mu.Lock()
	attempt := c.attempt
	c.attempt++
	c.mu.Unlock()
	delay := BackoffDelay(attempt)
	if telemetry.IRCReconnects != nil {
		telemetry.IRCReconnects.Inc()
	}
	slog.Info("irc reconnect scheduled", slog.Duration("delay", delay))
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// BackoffDelay returns the reconnect delay for the given attempt number:
// 2s doubling per attempt, capped at 60s.
func BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return reconnectMax
	}
	d := reconnectMin << uint(attempt)
	if d > reconnectMax {
		return reconnectMax
	}
	return d
}

// NormalizeChannel ensures the leading '#'. Empty input stays empty.
func NormalizeChannel(ch string) string {
	ch = strings.TrimSpace(ch)
	if ch == "" {
		return ""
	}
	if !strings.HasPrefix(ch, "#") {
		return "#" + ch
	}
	return ch
}
