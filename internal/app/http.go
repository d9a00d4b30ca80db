package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"cord/api/internal/location"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cord",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status.",
	}, []string{"method", "route", "status"})
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cord",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *zap.Logger
	limits     *limiterPool
	upgrader   websocket.Upgrader
	presence   *presenceRefs
}

func NewHTTPServer(service *Service, corsOrigin string, log *zap.Logger) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		log:        log,
		limits:     newLimiterPool(service.cfg.RateLimitPerSecond, service.cfg.RateLimitBurst),
		presence:   newPresenceRefs(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return corsOrigin == "*" || origin == "" || origin == corsOrigin
			},
		},
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate(true))
		r.Use(s.rateLimit)

		r.Get("/users/{userID}", s.handleGetUser)
		r.Put("/users/{userID}", s.handleUpsertUser)
		r.Get("/users/{userID}/notifications", s.handleListNotifications)
		r.Get("/users/{userID}/notifications/summary", s.handleNotificationSummary)
		r.Post("/users/{userID}/notifications/read", s.handleMarkAllRead)
		r.Get("/users/{userID}/presence", s.handleUserPresence)
		r.Put("/users/{userID}/presence", s.handleSetPresence)
		r.Delete("/users/{userID}/presence", s.handleClearPresence)

		r.Get("/groups/{groupID}", s.handleGetGroup)
		r.Put("/groups/{groupID}", s.handleUpsertGroup)
		r.Post("/groups/{groupID}/members", s.handleGroupMembers)

		s.threadRoutes(r)

		r.Post("/notifications", s.handleCreateNotification)
		s.notificationRoutes(r)

		r.Get("/presence", s.handleListPresence)
		r.Get("/search", s.handleSearch)
	})

	r.Route("/client", func(r chi.Router) {
		r.Get("/subscribe", s.handleSubscribe)
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate(false))
			r.Use(s.rateLimit)

			r.Get("/me", s.handleGetSelf)
			s.threadRoutes(r)
			r.Put("/threads/{threadID}/typing", s.handleTyping)

			r.Get("/notifications", s.handleListNotifications)
			r.Get("/notifications/summary", s.handleNotificationSummary)
			r.Post("/notifications/read", s.handleMarkAllRead)
			s.notificationRoutes(r)

			r.Get("/presence", s.handleListPresence)
			r.Put("/presence", s.handleSetPresence)
			r.Delete("/presence", s.handleClearPresence)
			r.Get("/search", s.handleSearch)

			r.Post("/files", s.handleCreateFile)
			r.Get("/files/{fileID}", s.handleGetFile)
			r.Post("/files/{fileID}/complete", s.handleCompleteFile)
		})
	})
	return r
}

func (s *HTTPServer) threadRoutes(r chi.Router) {
	r.Get("/threads", s.handleListThreads)
	r.Post("/threads", s.handleCreateThread)
	r.Get("/threads/{threadID}", s.handleGetThread)
	r.Put("/threads/{threadID}", s.handleUpdateThread)
	r.Delete("/threads/{threadID}", s.handleDeleteThread)
	r.Post("/threads/{threadID}/resolve", s.handleResolve)
	r.Post("/threads/{threadID}/reopen", s.handleReopen)
	r.Post("/threads/{threadID}/seen", s.handleSeen)
	r.Post("/threads/{threadID}/unseen", s.handleUnseen)
	r.Post("/threads/{threadID}/subscribe", s.handleSubscribeThread(true))
	r.Post("/threads/{threadID}/unsubscribe", s.handleSubscribeThread(false))

	r.Get("/threads/{threadID}/messages", s.handleListMessages)
	r.Post("/threads/{threadID}/messages", s.handleCreateMessage)
	r.Get("/threads/{threadID}/messages/{messageID}", s.handleGetMessage)
	r.Put("/threads/{threadID}/messages/{messageID}", s.handleUpdateMessage)
	r.Delete("/threads/{threadID}/messages/{messageID}", s.handleDeleteMessage)
	r.Post("/threads/{threadID}/messages/{messageID}/reactions", s.handleReaction(true))
	r.Delete("/threads/{threadID}/messages/{messageID}/reactions", s.handleReaction(false))
}

func (s *HTTPServer) notificationRoutes(r chi.Router) {
	r.Post("/notifications/{notificationID}/read", s.handleNotificationRead(true))
	r.Post("/notifications/{notificationID}/unread", s.handleNotificationRead(false))
	r.Delete("/notifications/{notificationID}", s.handleDeleteNotification)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Ping(ctx) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// authenticate resolves the bearer token into a Viewer. Server routes reject
// client tokens and client routes reject server tokens.
func (s *HTTPServer) authenticate(server bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			viewer, err := s.service.Authenticate(r.Context(), bearerToken(r))
			if err != nil {
				s.fail(w, r, err)
				return
			}
			if viewer.IsServer() != server {
				s.fail(w, r, forbidden())
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), viewerKey{}, viewer)))
		})
	}
}

func (s *HTTPServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limits.Allow(viewerFrom(r).AppID) {
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, "Too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type viewerKey struct{}

func viewerFrom(r *http.Request) Viewer {
	v, _ := r.Context().Value(viewerKey{}).(Viewer)
	return v
}

type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

// newLimiterPool returns nil when rps is not positive, disabling limits.
func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &limiterPool{m: map[string]*rate.Limiter{}, rps: rps, burst: burst}
}

func (p *limiterPool) Allow(key string) bool {
	if p == nil {
		return true
	}
	p.mu.Lock()
	l, ok := p.m[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.rps), p.burst)
		p.m[key] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

// Tenancy

func (s *HTTPServer) handleGetUser(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.GetUser(r.Context(), viewerFrom(r), chi.URLParam(r, "userID"))
	s.respond(w, r, http.StatusOK, view, err)
}

func (s *HTTPServer) handleGetSelf(w http.ResponseWriter, r *http.Request) {
	v := viewerFrom(r)
	view, err := s.service.GetUser(r.Context(), v, v.UserID)
	s.respond(w, r, http.StatusOK, view, err)
}

func (s *HTTPServer) handleUpsertUser(w http.ResponseWriter, r *http.Request) {
	var body UserInput
	if !s.decode(w, r, &body) {
		return
	}
	view, err := s.service.UpsertUser(r.Context(), viewerFrom(r), chi.URLParam(r, "userID"), body)
	s.respond(w, r, http.StatusOK, view, err)
}

func (s *HTTPServer) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.GetGroup(r.Context(), viewerFrom(r), chi.URLParam(r, "groupID"))
	s.respond(w, r, http.StatusOK, view, err)
}

func (s *HTTPServer) handleUpsertGroup(w http.ResponseWriter, r *http.Request) {
	var body GroupInput
	if !s.decode(w, r, &body) {
		return
	}
	view, err := s.service.UpsertGroup(r.Context(), viewerFrom(r), chi.URLParam(r, "groupID"), body)
	s.respond(w, r, http.StatusOK, view, err)
}

func (s *HTTPServer) handleGroupMembers(w http.ResponseWriter, r *http.Request) {
	var body GroupMembersInput
	if !s.decode(w, r, &body) {
		return
	}
	view, err := s.service.UpdateGroupMembers(r.Context(), viewerFrom(r), chi.URLParam(r, "groupID"), body)
	s.respond(w, r, http.StatusOK, view, err)
}

// Threads

func (s *HTTPServer) handleListThreads(w http.ResponseWriter, r *http.Request) {
	var q ThreadQuery
	p := queryParser{values: r.URL.Query()}
	q.Location = p.location("location")
	q.PartialMatch = p.flag("partialMatch")
	q.Metadata = p.object("metadata")
	q.Resolved = p.values.Get("resolved")
	q.GroupID = p.values.Get("groupID")
	q.ViewerIsSubscribed = p.flag("viewerIsSubscribed")
	q.Token = p.values.Get("token")
	q.Limit = p.integer("limit")
	if err := p.err(); err != nil {
		s.fail(w, r, err)
		return
	}
	page, err := s.service.ListThreads(r.Context(), viewerFrom(r), q)
	s.respond(w, r, http.StatusOK, page, err)
}

func (s *HTTPServer) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var body CreateThreadInput
	if !s.decode(w, r, &body) {
		return
	}
	view, err := s.service.CreateThread(r.Context(), viewerFrom(r), body)
	s.respond(w, r, http.StatusCreated, view, err)
}

func (s *HTTPServer) handleGetThread(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.GetThread(r.Context(), viewerFrom(r), chi.URLParam(r, "threadID"))
	s.respond(w, r, http.StatusOK, view, err)
}

func (s *HTTPServer) handleUpdateThread(w http.ResponseWriter, r *http.Request) {
	var body UpdateThreadInput
	if !s.decode(w, r, &body) {
		return
	}
	view, err := s.service.UpdateThread(r.Context(), viewerFrom(r), chi.URLParam(r, "threadID"), body)
	s.respond(w, r, http.StatusOK, view, err)
}

func (s *HTTPServer) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	err := s.service.DeleteThread(r.Context(), viewerFrom(r), chi.URLParam(r, "threadID"))
	s.respond(w, r, http.StatusOK, map[string]any{"success": true}, err)
}

// userBody is the optional body of per-user thread actions. Server tokens
// name the user; client tokens act as themselves.
type userBody struct {
	UserID string `json:"userID"`
}

func (s *HTTPServer) threadAction(w http.ResponseWriter, r *http.Request, action func(context.Context, Viewer, string, string) (ThreadView, error)) {
	var body userBody
	if !s.decode(w, r, &body) {
		return
	}
	view, err := action(r.Context(), viewerFrom(r), chi.URLParam(r, "threadID"), body.UserID)
	s.respond(w, r, http.StatusOK, view, err)
}

func (s *HTTPServer) handleResolve(w http.ResponseWriter, r *http.Request) {
	s.threadAction(w, r, s.service.ResolveThread)
}

func (s *HTTPServer) handleReopen(w http.ResponseWriter, r *http.Request) {
	s.threadAction(w, r, s.service.ReopenThread)
}

func (s *HTTPServer) handleSeen(w http.ResponseWriter, r *http.Request) {
	s.threadAction(w, r, s.service.MarkThreadSeen)
}

func (s *HTTPServer) handleUnseen(w http.ResponseWriter, r *http.Request) {
	s.threadAction(w, r, s.service.MarkThreadUnseen)
}

func (s *HTTPServer) handleSubscribeThread(subscribed bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.threadAction(w, r, func(ctx context.Context, v Viewer, threadID, userID string) (ThreadView, error) {
			return s.service.SetThreadSubscribed(ctx, v, threadID, userID, subscribed)
		})
	}
}

func (s *HTTPServer) handleTyping(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Typing bool `json:"typing"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	err := s.service.SetTyping(r.Context(), viewerFrom(r), chi.URLParam(r, "threadID"), body.Typing)
	s.respond(w, r, http.StatusOK, map[string]any{"success": true}, err)
}

// Messages

func (s *HTTPServer) handleListMessages(w http.ResponseWriter, r *http.Request) {
	p := queryParser{values: r.URL.Query()}
	q := MessageQuery{
		Token:     p.values.Get("token"),
		Limit:     p.integer("limit"),
		Ascending: p.values.Get("sortDirection") == "ascending",
	}
	if err := p.err(); err != nil {
		s.fail(w, r, err)
		return
	}
	page, err := s.service.ListMessages(r.Context(), viewerFrom(r), chi.URLParam(r, "threadID"), q)
	s.respond(w, r, http.StatusOK, page, err)
}

func (s *HTTPServer) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var body CreateMessageInput
	if !s.decode(w, r, &body) {
		return
	}
	view, err := s.service.CreateMessage(r.Context(), viewerFrom(r), chi.URLParam(r, "threadID"), body)
	s.respond(w, r, http.StatusCreated, view, err)
}

func (s *HTTPServer) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.GetMessage(r.Context(), viewerFrom(r), chi.URLParam(r, "threadID"), chi.URLParam(r, "messageID"))
	s.respond(w, r, http.StatusOK, view, err)
}

func (s *HTTPServer) handleUpdateMessage(w http.ResponseWriter, r *http.Request) {
	var body UpdateMessageInput
	if !s.decode(w, r, &body) {
		return
	}
	view, err := s.service.UpdateMessage(r.Context(), viewerFrom(r), chi.URLParam(r, "threadID"), chi.URLParam(r, "messageID"), body)
	s.respond(w, r, http.StatusOK, view, err)
}

func (s *HTTPServer) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.DeleteMessage(r.Context(), viewerFrom(r), chi.URLParam(r, "threadID"), chi.URLParam(r, "messageID"))
	s.respond(w, r, http.StatusOK, view, err)
}

func (s *HTTPServer) handleReaction(add bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID   string `json:"userID"`
			Reaction string `json:"reaction"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		if strings.TrimSpace(body.Reaction) == "" {
			s.fail(w, r, invalidRequest("reaction is required"))
			return
		}
		action := s.service.RemoveReaction
		if add {
			action = s.service.AddReaction
		}
		view, err := action(r.Context(), viewerFrom(r), chi.URLParam(r, "threadID"), chi.URLParam(r, "messageID"), body.UserID, body.Reaction)
		s.respond(w, r, http.StatusOK, view, err)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	p := queryParser{values: r.URL.Query()}
	limit := p.integer("limit")
	if err := p.err(); err != nil {
		s.fail(w, r, err)
		return
	}
	items, err := s.service.SearchMessages(r.Context(), viewerFrom(r), p.values.Get("q"), limit)
	s.respond(w, r, http.StatusOK, map[string]any{"items": items}, err)
}

// Notifications

func notificationQuery(r *http.Request) (NotificationQuery, error) {
	p := queryParser{values: r.URL.Query()}
	q := NotificationQuery{
		Metadata:     p.object("metadata"),
		Location:     p.location("location"),
		PartialMatch: p.flag("partialMatch"),
		GroupID:      p.values.Get("groupID"),
		UnreadOnly:   p.flag("unreadOnly"),
		Token:        p.values.Get("token"),
		Limit:        p.integer("limit"),
	}
	return q, p.err()
}

func (s *HTTPServer) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	q, err := notificationQuery(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page, err := s.service.ListNotifications(r.Context(), viewerFrom(r), chi.URLParam(r, "userID"), q)
	s.respond(w, r, http.StatusOK, page, err)
}

func (s *HTTPServer) handleNotificationSummary(w http.ResponseWriter, r *http.Request) {
	q, err := notificationQuery(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	summary, err := s.service.NotificationSummary(r.Context(), viewerFrom(r), chi.URLParam(r, "userID"), q)
	s.respond(w, r, http.StatusOK, summary, err)
}

func (s *HTTPServer) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Filter NotificationQuery `json:"filter"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	body.Filter.UnreadOnly = false
	changed, err := s.service.MarkAllNotificationsRead(r.Context(), viewerFrom(r), chi.URLParam(r, "userID"), body.Filter)
	s.respond(w, r, http.StatusOK, map[string]any{"success": true, "updated": changed}, err)
}

func (s *HTTPServer) handleCreateNotification(w http.ResponseWriter, r *http.Request) {
	var body CreateNotificationInput
	if !s.decode(w, r, &body) {
		return
	}
	view, err := s.service.CreateNotification(r.Context(), viewerFrom(r), body)
	s.respond(w, r, http.StatusCreated, view, err)
}

func (s *HTTPServer) handleNotificationRead(read bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		action := s.service.MarkNotificationUnread
		if read {
			action = s.service.MarkNotificationRead
		}
		view, err := action(r.Context(), viewerFrom(r), chi.URLParam(r, "notificationID"))
		s.respond(w, r, http.StatusOK, view, err)
	}
}

func (s *HTTPServer) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	err := s.service.DeleteNotification(r.Context(), viewerFrom(r), chi.URLParam(r, "notificationID"))
	s.respond(w, r, http.StatusOK, map[string]any{"success": true}, err)
}

// Presence

func (s *HTTPServer) handleSetPresence(w http.ResponseWriter, r *http.Request) {
	var body PresenceInput
	if !s.decode(w, r, &body) {
		return
	}
	if userID := chi.URLParam(r, "userID"); userID != "" {
		body.UserID = userID
	}
	err := s.service.SetPresence(r.Context(), viewerFrom(r), body)
	s.respond(w, r, http.StatusOK, map[string]any{"success": true}, err)
}

func (s *HTTPServer) handleClearPresence(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Location location.Location `json:"location"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	err := s.service.ClearPresence(r.Context(), viewerFrom(r), chi.URLParam(r, "userID"), body.Location)
	s.respond(w, r, http.StatusOK, map[string]any{"success": true}, err)
}

func (s *HTTPServer) handleListPresence(w http.ResponseWriter, r *http.Request) {
	p := queryParser{values: r.URL.Query()}
	loc := p.location("location")
	partial := p.flag("partialMatch")
	excludeDurable := p.flag("excludeDurable")
	if err := p.err(); err != nil {
		s.fail(w, r, err)
		return
	}
	users, err := s.service.ListPresence(r.Context(), viewerFrom(r), loc, partial, excludeDurable)
	s.respond(w, r, http.StatusOK, map[string]any{"users": users}, err)
}

func (s *HTTPServer) handleUserPresence(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.UserPresence(r.Context(), viewerFrom(r), chi.URLParam(r, "userID"))
	s.respond(w, r, http.StatusOK, view, err)
}

// Files

func (s *HTTPServer) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	var body CreateFileInput
	if !s.decode(w, r, &body) {
		return
	}
	view, err := s.service.CreateFile(r.Context(), viewerFrom(r), body)
	s.respond(w, r, http.StatusCreated, view, err)
}

func (s *HTTPServer) handleGetFile(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.GetFile(r.Context(), viewerFrom(r), chi.URLParam(r, "fileID"))
	s.respond(w, r, http.StatusOK, view, err)
}

func (s *HTTPServer) handleCompleteFile(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.CompleteFileUpload(r.Context(), viewerFrom(r), chi.URLParam(r, "fileID"))
	s.respond(w, r, http.StatusOK, view, err)
}

// Plumbing

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(started)
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(writer.status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		s.log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, status int, payload any, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

// decode reads the JSON body into target and writes the error response when
// it is malformed.
func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// decodeBody accepts an empty body as an empty object.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// queryParser collects the first malformed query parameter.
type queryParser struct {
	values  url.Values
	invalid error
}

func (p *queryParser) fail(key string) {
	if p.invalid == nil {
		p.invalid = invalidRequest("invalid query parameter %q", key)
	}
}

func (p *queryParser) integer(key string) int {
	raw := p.values.Get(key)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key)
	}
	return n
}

func (p *queryParser) flag(key string) bool {
	raw := p.values.Get(key)
	if raw == "" {
		return false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key)
	}
	return b
}

func (p *queryParser) object(key string) map[string]any {
	raw := p.values.Get(key)
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		p.fail(key)
	}
	return out
}

func (p *queryParser) location(key string) location.Location {
	raw := p.values.Get(key)
	if raw == "" {
		return nil
	}
	loc, err := location.Parse(raw)
	if err != nil {
		p.fail(key)
	}
	return loc
}

func (p *queryParser) err() error {
	if p.invalid == nil {
		return nil
	}
	return p.invalid
}
