package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"cord/api/internal/config"
	"cord/api/internal/email"
	"cord/api/internal/events"
	"cord/api/internal/location"
	"cord/api/internal/pagination"
	"cord/api/internal/presence"
	"cord/api/internal/rbac"
	"cord/api/internal/search"
	"cord/api/internal/store"
)

type dataStore interface {
	Ping(context.Context) error

	CreateApplication(context.Context, store.Application) (store.Application, error)
	GetApplication(context.Context, string) (store.Application, error)
	UpsertUser(context.Context, store.User) (store.User, error)
	GetUser(context.Context, string, string) (store.User, error)
	UpsertGroup(context.Context, store.Group) (store.Group, error)
	GetGroup(context.Context, string, string) (store.Group, error)
	UpdateGroupMembers(context.Context, string, string, []string, []string) error
	ListGroupMembers(context.Context, string, string) ([]string, error)
	ListUserGroups(context.Context, string, string) ([]string, error)

	InsertThread(context.Context, store.Thread) (store.Thread, error)
	GetThread(context.Context, string, string) (store.Thread, error)
	GetThreadByID(context.Context, string) (store.Thread, error)
	UpdateThread(context.Context, store.Thread) (store.Thread, error)
	DeleteThread(context.Context, string) error
	ListThreads(context.Context, store.ThreadFilter, pagination.Request) (pagination.Page[store.Thread], error)
	SetThreadResolved(context.Context, string, string, time.Time) (bool, error)
	SetThreadUnresolved(context.Context, string) (bool, error)
	ThreadStats(context.Context, string, string) (store.ThreadStats, error)
	GetParticipant(context.Context, string, string) (store.Participant, error)
	ListParticipants(context.Context, string) ([]store.Participant, error)
	SetLastSeen(context.Context, string, string, *time.Time) error
	SetSubscribed(context.Context, string, string, bool) (bool, error)

	InsertMessage(context.Context, store.Message) (store.Message, error)
	GetMessage(context.Context, string, string) (store.Message, error)
	GetMessageByID(context.Context, string) (store.Message, error)
	UpdateMessage(context.Context, store.Message) (store.Message, error)
	DeleteMessage(context.Context, string, time.Time) (store.Message, bool, error)
	ListMessages(context.Context, store.MessageFilter, pagination.Request) (pagination.Page[store.Message], error)
	LatestMessageFromOthers(context.Context, string, string) (*time.Time, error)
	SearchMessages(context.Context, string, string, []string, int) ([]store.Message, error)
	AddReaction(context.Context, store.Reaction) (bool, error)
	RemoveReaction(context.Context, string, string, string) (bool, error)
	ListReactions(context.Context, []string) (map[string][]store.Reaction, error)

	InsertNotification(context.Context, store.Notification) (store.Notification, error)
	GetNotification(context.Context, string, string) (store.Notification, error)
	SetNotificationRead(context.Context, string, string, string, bool, time.Time) (store.Notification, bool, error)
	MarkAllNotificationsRead(context.Context, store.NotificationFilter, time.Time) ([]store.Notification, error)
	DeleteNotification(context.Context, string, string) (store.Notification, error)
	ListNotifications(context.Context, store.NotificationFilter, pagination.Request) (pagination.Page[store.Notification], error)
	CountNotifications(context.Context, store.NotificationFilter) (int, error)

	InsertFile(context.Context, store.File) (store.File, error)
	GetFile(context.Context, string, string) (store.File, error)
	SetFileStatus(context.Context, string, string, string) error
}

type presenceTracker interface {
	Ping(context.Context) error
	Apply(context.Context, string, presence.Update) ([]presence.Change, error)
	ClearPresence(context.Context, string, string, location.Location) (bool, error)
	List(context.Context, string, location.Location, bool, bool) ([]presence.Record, error)
	UserLocations(context.Context, string, string) ([]presence.Record, error)
	SetTyping(context.Context, string, string, string, bool) (bool, error)
	TypingUsers(context.Context, string, string) ([]string, error)
}

type messageIndex interface {
	Search(context.Context, search.Query) ([]string, error)
	IndexMessage(search.MessageRecord)
	DeleteMessage(string)
}

type fileStorage interface {
	UploadURL(context.Context, string) (string, time.Time, error)
	DownloadURL(context.Context, string, string) (string, error)
	Stat(context.Context, string) (int64, error)
}

type notificationMailer interface {
	IsConfigured() bool
	SendNotification(string, email.Notification) error
}

// Deps are the collaborators a Service is built from. Search, Files and
// Mailer are optional.
type Deps struct {
	Store    dataStore
	Presence presenceTracker
	Bus      *events.Bus
	Search   messageIndex
	Files    fileStorage
	Mailer   notificationMailer
	Log      *zap.Logger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	presence presenceTracker
	bus      *events.Bus
	seq      *events.Sequencer
	search   messageIndex
	files    fileStorage
	mailer   notificationMailer
	log      *zap.Logger
	now      func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	bus := deps.Bus
	if bus == nil {
		bus = events.NewBus(cfg.SubscriberBuffer, log)
	}
	searcher := deps.Search
	if searcher == nil {
		searcher = search.NewService(nil, search.NewStoreSearcher(deps.Store), log)
	}
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		presence: deps.Presence,
		bus:      bus,
		seq:      events.NewSequencer(),
		search:   searcher,
		files:    deps.Files,
		mailer:   deps.Mailer,
		log:      log,
		now:      store.Now,
	}
}

func (s *Service) Bus() *events.Bus { return s.bus }

// Ping checks the store and, when configured, Redis.
func (s *Service) Ping(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if s.presence != nil {
		checks["redis"] = s.presence.Ping(ctx)
	}
	return checks
}

// Viewer is the principal behind a request. Server viewers hold the
// application secret and have no user.
type Viewer struct {
	AppID   string
	UserID  string
	GroupID string
	Role    rbac.Role
}

func (v Viewer) IsServer() bool { return v.Role == rbac.RoleServer }

func (s *Service) require(v Viewer, action rbac.Action) error {
	if !rbac.Can(v.Role, action) {
		return forbidden()
	}
	return nil
}

// visibleGroups is nil for server viewers, meaning every group.
func (s *Service) visibleGroups(ctx context.Context, v Viewer) ([]string, error) {
	if v.IsServer() {
		return nil, nil
	}
	groups, err := s.store.ListUserGroups(ctx, v.AppID, v.UserID)
	if err != nil {
		return nil, err
	}
	if groups == nil {
		groups = []string{}
	}
	return groups, nil
}

func (s *Service) canSeeGroup(ctx context.Context, v Viewer, groupID string) (bool, error) {
	groups, err := s.visibleGroups(ctx, v)
	if err != nil {
		return false, err
	}
	return groups == nil || slices.Contains(groups, groupID), nil
}

// actingUser resolves the user a mutation is attributed to. Client viewers
// always act as themselves; server viewers must name an existing user.
func (s *Service) actingUser(ctx context.Context, v Viewer, requested string) (string, error) {
	if !v.IsServer() {
		if requested != "" && requested != v.UserID {
			return "", forbidden()
		}
		return v.UserID, nil
	}
	if requested == "" {
		return "", nil
	}
	if err := s.requireUser(ctx, v.AppID, requested); err != nil {
		return "", err
	}
	return requested, nil
}

// requireUser rejects a user id that is unknown to, deleted from or owned by
// another application with invalid_user_id.
func (s *Service) requireUser(ctx context.Context, appID, userID string) error {
	user, err := s.store.GetUser(ctx, appID, userID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && user.Status == store.UserStatusDeleted) {
		return invalidUserID(userID)
	}
	if err != nil {
		return fmt.Errorf("get user %s: %w", userID, err)
	}
	return nil
}

func threadKey(threadID string) string { return "thread:" + threadID }

func notificationKey(appID, recipientID string) string {
	return "notifications:" + appID + ":" + recipientID
}

func presenceKey(appID, userID string) string { return "presence:" + appID + ":" + userID }
