package app

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cord/api/internal/events"
	"cord/api/internal/location"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxFrame   = 64 * 1024
	wsQueue      = 32
)

const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePresence    = "presence"
)

type clientFrame struct {
	Action   string         `json:"action"`
	ID       string         `json:"id"`
	Topic    events.Topic   `json:"topic"`
	Presence *PresenceInput `json:"presence,omitempty"`
}

type serverFrame struct {
	Subscription string        `json:"subscription,omitempty"`
	Event        *events.Event `json:"event,omitempty"`
	Action       string        `json:"action,omitempty"`
	ID           string        `json:"id,omitempty"`
	Code         string        `json:"code,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// handleSubscribe upgrades to a websocket carrying subscribe/unsubscribe
// frames from the client and matching events back. Browsers cannot set
// headers on the upgrade, so the token may also arrive as ?token=.
func (s *HTTPServer) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	viewer, err := s.service.Authenticate(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if viewer.IsServer() {
		s.fail(w, r, forbidden())
		return
	}
	if !s.limits.Allow(viewer.AppID) {
		writeError(w, http.StatusTooManyRequests, CodeRateLimited, "Too many requests", nil)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsConn{
		server:   s,
		conn:     conn,
		viewer:   viewer,
		sub:      s.service.Bus().Attach(viewer.AppID),
		filter:   s.service.NewEventFilter(viewer),
		out:      make(chan serverFrame, wsQueue),
		done:     make(chan struct{}),
		presence: map[string]location.Location{},
		log:      s.log.With(zap.String("app_id", viewer.AppID), zap.String("user_id", viewer.UserID)),
	}
	c.log.Debug("subscriber connected")
	go c.writeLoop()
	c.readLoop()
}

type wsConn struct {
	server *HTTPServer
	conn   *websocket.Conn
	viewer Viewer
	sub    *events.Subscriber
	filter *EventFilter
	out    chan serverFrame
	done   chan struct{}
	once   sync.Once
	log    *zap.Logger

	// presence holds the ephemeral locations set over this connection,
	// cleared when it closes.
	mu       sync.Mutex
	presence map[string]location.Location
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.server.service.Bus().Detach(c.sub)
		_ = c.conn.Close()
		c.clearPresence()
		c.log.Debug("subscriber disconnected", zap.String("reason", c.sub.Reason()))
	})
}

// presenceRefs counts the open connections of this node holding each
// user's ephemeral presence at a location.
type presenceRefs struct {
	mu     sync.Mutex
	counts map[string]int
}

func newPresenceRefs() *presenceRefs {
	return &presenceRefs{counts: map[string]int{}}
}

func presenceRefKey(appID, userID string, loc location.Location) string {
	return appID + "\x00" + userID + "\x00" + loc.Key()
}

func (p *presenceRefs) acquire(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[key]++
}

// release reports whether key has no holders left.
func (p *presenceRefs) release(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[key]--
	if p.counts[key] > 0 {
		return false
	}
	delete(p.counts, key)
	return true
}

func (c *wsConn) clearPresence() {
	c.mu.Lock()
	locs := make([]location.Location, 0, len(c.presence))
	for _, loc := range c.presence {
		if c.server.presence.release(presenceRefKey(c.viewer.AppID, c.viewer.UserID, loc)) {
			locs = append(locs, loc)
		}
	}
	c.presence = map[string]location.Location{}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, loc := range locs {
		err := c.server.service.SetPresence(ctx, c.viewer, PresenceInput{Location: loc, Present: false})
		if err != nil {
			c.log.Warn("clear presence on disconnect", zap.Error(err))
		}
	}
}

func (c *wsConn) readLoop() {
	defer c.close()
	c.conn.SetReadLimit(wsMaxFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		var frame clientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read", zap.Error(err))
			}
			return
		}
		reply := c.handle(frame)
		select {
		case c.out <- reply:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) handle(frame clientFrame) serverFrame {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	switch frame.Action {
	case frameSubscribe:
		if frame.ID == "" {
			return frameError(frame, invalidRequest("subscription id is required"))
		}
		topic, err := c.server.service.AuthorizeTopic(ctx, c.viewer, frame.Topic)
		if err != nil {
			return frameError(frame, err)
		}
		if err := c.sub.Add(frame.ID, topic); err != nil {
			return frameError(frame, invalidRequest("%v", err))
		}
		return serverFrame{Action: "subscribed", ID: frame.ID}
	case frameUnsubscribe:
		c.sub.Remove(frame.ID)
		return serverFrame{Action: "unsubscribed", ID: frame.ID}
	case framePresence:
		if frame.Presence == nil {
			return frameError(frame, invalidRequest("presence is required"))
		}
		input := *frame.Presence
		input.UserID = ""
		if err := c.server.service.SetPresence(ctx, c.viewer, input); err != nil {
			return frameError(frame, err)
		}
		c.trackPresence(input)
		return serverFrame{Action: "presence", ID: frame.ID}
	default:
		return frameError(frame, invalidRequest("unknown action %q", frame.Action))
	}
}

func (c *wsConn) trackPresence(input PresenceInput) {
	loc := location.Normalize(input.Location)
	key := loc.Key()
	ref := presenceRefKey(c.viewer.AppID, c.viewer.UserID, loc)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, held := c.presence[key]
	switch {
	case input.Present && !input.Durable && !held:
		c.presence[key] = loc
		c.server.presence.acquire(ref)
	case !input.Present && held:
		delete(c.presence, key)
		c.server.presence.release(ref)
	}
}

func frameError(frame clientFrame, err error) serverFrame {
	_, code, message, _ := mapError(err)
	return serverFrame{Action: "error", ID: frame.ID, Code: code, Error: message}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case d, ok := <-c.sub.C():
			if !ok {
				c.writeClosed()
				return
			}
			if !c.filter.Allow(context.Background(), d.Event) {
				continue
			}
			event := d.Event
			if err := c.write(serverFrame{Subscription: d.SubscriptionID, Event: &event}); err != nil {
				return
			}
		case frame := <-c.out:
			if err := c.write(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// writeClosed tells every subscription why the stream ended before closing.
func (c *wsConn) writeClosed() {
	reason := c.sub.Reason()
	if reason == "" {
		return
	}
	for _, id := range c.sub.Subscriptions() {
		if err := c.write(serverFrame{Subscription: id, Error: reason}); err != nil {
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
}

func (c *wsConn) write(frame serverFrame) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(frame)
}
