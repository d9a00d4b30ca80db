package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"cord/api/internal/content"
	"cord/api/internal/events"
	"cord/api/internal/location"
	"cord/api/internal/pagination"
	"cord/api/internal/rbac"
	"cord/api/internal/store"
	"cord/api/internal/util"
)

type CreateThreadInput struct {
	ID       string            `json:"id" validate:"max=256"`
	GroupID  string            `json:"groupID" validate:"required,max=128"`
	Location location.Location `json:"location" validate:"required,min=1,flat"`
	Name     string            `json:"name" validate:"max=1024"`
	URL      string            `json:"url" validate:"omitempty,url"`
	Metadata map[string]any    `json:"metadata" validate:"omitempty,flat"`
}

type UpdateThreadInput struct {
	Name     *string           `json:"name" validate:"omitempty,max=1024"`
	URL      *string           `json:"url" validate:"omitempty,url"`
	GroupID  *string           `json:"groupID" validate:"omitempty,min=1,max=128"`
	Location location.Location `json:"location" validate:"omitempty,min=1,flat"`
	Metadata map[string]any    `json:"metadata" validate:"omitempty,flat"`
	Resolved *bool             `json:"resolved"`
	// UserID is who resolves or reopens when Resolved is set.
	UserID string `json:"userID"`
}

type ThreadQuery struct {
	Location           location.Location `validate:"omitempty,flat"`
	PartialMatch       bool
	Metadata           map[string]any `validate:"omitempty,flat"`
	Resolved           string         `validate:"omitempty,oneof=any resolved unresolved"`
	GroupID            string
	ViewerIsSubscribed bool
	Token              string
	Limit              int `validate:"min=0,max=1000"`
}

func errPresenceUnavailable() *DomainError {
	return domainError(http.StatusInternalServerError, CodeServerError, "presence is not configured", nil)
}

// loadThread fetches a thread by external id and hides threads in groups the
// viewer does not belong to.
func (s *Service) loadThread(ctx context.Context, v Viewer, threadID string) (store.Thread, error) {
	thread, err := s.store.GetThread(ctx, v.AppID, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Thread{}, notFound("thread")
	}
	if err != nil {
		return store.Thread{}, err
	}
	visible, err := s.canSeeGroup(ctx, v, thread.GroupID)
	if err != nil {
		return store.Thread{}, err
	}
	if !visible {
		return store.Thread{}, notFound("thread")
	}
	return thread, nil
}

func (s *Service) CreateThread(ctx context.Context, v Viewer, input CreateThreadInput) (ThreadView, error) {
	if err := s.require(v, rbac.ActionComment); err != nil {
		return ThreadView{}, err
	}
	thread, err := s.createThread(ctx, v, input)
	if err != nil {
		return ThreadView{}, err
	}
	return s.threadView(ctx, thread, v.UserID)
}

func (s *Service) createThread(ctx context.Context, v Viewer, input CreateThreadInput) (store.Thread, error) {
	if err := validateInput(input); err != nil {
		return store.Thread{}, err
	}
	if _, err := s.store.GetGroup(ctx, v.AppID, input.GroupID); errors.Is(err, store.ErrNotFound) {
		return store.Thread{}, invalidRequest("group %q does not exist", input.GroupID)
	} else if err != nil {
		return store.Thread{}, err
	}
	visible, err := s.canSeeGroup(ctx, v, input.GroupID)
	if err != nil {
		return store.Thread{}, err
	}
	if !visible {
		return store.Thread{}, forbidden()
	}
	externalID := strings.TrimSpace(input.ID)
	if externalID == "" {
		externalID = util.NewID("thread")
	}
	thread, err := s.store.InsertThread(ctx, store.Thread{
		ID:         util.NewID(""),
		AppID:      v.AppID,
		ExternalID: externalID,
		GroupID:    input.GroupID,
		Location:   location.Normalize(input.Location),
		Name:       input.Name,
		URL:        input.URL,
		Metadata:   input.Metadata,
	})
	if errors.Is(err, store.ErrConflict) {
		return store.Thread{}, invalidRequest("thread %q already exists", externalID)
	}
	if err != nil {
		return store.Thread{}, err
	}
	view, err := s.threadView(ctx, thread, "")
	if err != nil {
		return store.Thread{}, err
	}
	s.publishThread(events.ThreadCreated, thread, threadPayload{Thread: view})
	return thread, nil
}

func (s *Service) GetThread(ctx context.Context, v Viewer, threadID string) (ThreadView, error) {
	if err := s.require(v, rbac.ActionRead); err != nil {
		return ThreadView{}, err
	}
	thread, err := s.loadThread(ctx, v, threadID)
	if err != nil {
		return ThreadView{}, err
	}
	return s.threadView(ctx, thread, v.UserID)
}

func (s *Service) UpdateThread(ctx context.Context, v Viewer, threadID string, input UpdateThreadInput) (ThreadView, error) {
	if err := s.require(v, rbac.ActionAdmin); err != nil {
		return ThreadView{}, err
	}
	if err := validateInput(input); err != nil {
		return ThreadView{}, err
	}
	thread, err := s.loadThread(ctx, v, threadID)
	if err != nil {
		return ThreadView{}, err
	}
	actor, err := s.actingUser(ctx, v, input.UserID)
	if err != nil {
		return ThreadView{}, err
	}
	if input.GroupID != nil {
		if _, err := s.store.GetGroup(ctx, v.AppID, *input.GroupID); errors.Is(err, store.ErrNotFound) {
			return ThreadView{}, invalidRequest("group %q does not exist", *input.GroupID)
		} else if err != nil {
			return ThreadView{}, err
		}
	}

	unlock := s.seq.Lock(threadKey(thread.ID))
	defer unlock()

	if input.Name != nil || input.URL != nil || input.GroupID != nil || input.Location != nil || input.Metadata != nil {
		if input.Name != nil {
			thread.Name = *input.Name
		}
		if input.URL != nil {
			thread.URL = *input.URL
		}
		if input.GroupID != nil {
			thread.GroupID = *input.GroupID
		}
		if input.Location != nil {
			thread.Location = location.Normalize(input.Location)
		}
		if input.Metadata != nil {
			thread.Metadata = input.Metadata
		}
		thread, err = s.store.UpdateThread(ctx, thread)
		if err != nil {
			return ThreadView{}, err
		}
		if err := s.publishThreadUpdated(ctx, thread); err != nil {
			return ThreadView{}, err
		}
	}
	if input.Resolved != nil {
		if thread, err = s.setResolvedLocked(ctx, thread, *input.Resolved, actor); err != nil {
			return ThreadView{}, err
		}
	}
	return s.threadView(ctx, thread, v.UserID)
}

func (s *Service) DeleteThread(ctx context.Context, v Viewer, threadID string) error {
	if err := s.require(v, rbac.ActionAdmin); err != nil {
		return err
	}
	thread, err := s.loadThread(ctx, v, threadID)
	if err != nil {
		return err
	}
	unlock := s.seq.Lock(threadKey(thread.ID))
	defer unlock()
	if err := s.store.DeleteThread(ctx, thread.ID); err != nil {
		return err
	}
	s.publishThread(events.ThreadDeleted, thread, threadDeletedPayload{ThreadID: thread.ExternalID})
	return nil
}

// ResolveThread stamps the thread resolved. Resolving a resolved thread
// succeeds without publishing anything.
func (s *Service) ResolveThread(ctx context.Context, v Viewer, threadID, userID string) (ThreadView, error) {
	return s.setResolved(ctx, v, threadID, userID, true)
}

// ReopenThread clears resolution. Reopening an open thread is a no-op.
func (s *Service) ReopenThread(ctx context.Context, v Viewer, threadID, userID string) (ThreadView, error) {
	return s.setResolved(ctx, v, threadID, userID, false)
}

func (s *Service) setResolved(ctx context.Context, v Viewer, threadID, userID string, resolved bool) (ThreadView, error) {
	if err := s.require(v, rbac.ActionResolve); err != nil {
		return ThreadView{}, err
	}
	thread, err := s.loadThread(ctx, v, threadID)
	if err != nil {
		return ThreadView{}, err
	}
	actor, err := s.actingUser(ctx, v, userID)
	if err != nil {
		return ThreadView{}, err
	}
	unlock := s.seq.Lock(threadKey(thread.ID))
	defer unlock()
	thread, err = s.setResolvedLocked(ctx, thread, resolved, actor)
	if err != nil {
		return ThreadView{}, err
	}
	return s.threadView(ctx, thread, v.UserID)
}

// setResolvedLocked must run under the thread's sequencer key. An actor gets
// an action message recording the transition.
func (s *Service) setResolvedLocked(ctx context.Context, thread store.Thread, resolved bool, actor string) (store.Thread, error) {
	var changed bool
	var err error
	if resolved {
		changed, err = s.store.SetThreadResolved(ctx, thread.ID, actor, s.now())
	} else {
		changed, err = s.store.SetThreadUnresolved(ctx, thread.ID)
	}
	if err != nil {
		return store.Thread{}, err
	}
	thread, err = s.store.GetThreadByID(ctx, thread.ID)
	if err != nil {
		return store.Thread{}, err
	}
	if !changed {
		return thread, nil
	}
	if actor != "" {
		text := "reopened this thread"
		if resolved {
			text = "resolved this thread"
		}
		msg := store.Message{
			ID:         util.NewID(""),
			AppID:      thread.AppID,
			ExternalID: util.NewID("message"),
			ThreadID:   thread.ID,
			AuthorID:   actor,
			Content:    content.Text(text),
			Plaintext:  text,
			Type:       store.MessageTypeAction,
		}
		if _, err := s.insertMessageLocked(ctx, thread, msg); err != nil {
			return store.Thread{}, err
		}
	}
	if err := s.publishThreadUpdated(ctx, thread); err != nil {
		return store.Thread{}, err
	}
	return thread, nil
}

func (s *Service) publishThreadUpdated(ctx context.Context, thread store.Thread) error {
	view, err := s.threadView(ctx, thread, "")
	if err != nil {
		return err
	}
	s.publishThread(events.ThreadUpdated, thread, threadPayload{Thread: view})
	return nil
}

// MarkThreadSeen sets the user's last-seen time to now.
func (s *Service) MarkThreadSeen(ctx context.Context, v Viewer, threadID, userID string) (ThreadView, error) {
	return s.setSeen(ctx, v, threadID, userID, true)
}

// MarkThreadUnseen moves the user's last-seen time to just before the newest
// message someone else wrote, or clears it when there is none.
func (s *Service) MarkThreadUnseen(ctx context.Context, v Viewer, threadID, userID string) (ThreadView, error) {
	return s.setSeen(ctx, v, threadID, userID, false)
}

func (s *Service) setSeen(ctx context.Context, v Viewer, threadID, userID string, seen bool) (ThreadView, error) {
	if err := s.require(v, rbac.ActionRead); err != nil {
		return ThreadView{}, err
	}
	thread, err := s.loadThread(ctx, v, threadID)
	if err != nil {
		return ThreadView{}, err
	}
	user, err := s.actingUser(ctx, v, userID)
	if err != nil {
		return ThreadView{}, err
	}
	if user == "" {
		return ThreadView{}, invalidRequest("userID is required")
	}

	unlock := s.seq.Lock(threadKey(thread.ID))
	defer unlock()
	var at *time.Time
	if seen {
		now := s.now()
		at = &now
	} else {
		latest, err := s.store.LatestMessageFromOthers(ctx, thread.ID, user)
		if err != nil {
			return ThreadView{}, err
		}
		if latest != nil {
			before := latest.Add(-time.Microsecond)
			at = &before
		}
	}
	if err := s.store.SetLastSeen(ctx, thread.ID, user, at); err != nil {
		return ThreadView{}, err
	}
	if err := s.publishParticipants(ctx, thread); err != nil {
		return ThreadView{}, err
	}
	return s.threadView(ctx, thread, user)
}

func (s *Service) SetThreadSubscribed(ctx context.Context, v Viewer, threadID, userID string, subscribed bool) (ThreadView, error) {
	if err := s.require(v, rbac.ActionRead); err != nil {
		return ThreadView{}, err
	}
	thread, err := s.loadThread(ctx, v, threadID)
	if err != nil {
		return ThreadView{}, err
	}
	user, err := s.actingUser(ctx, v, userID)
	if err != nil {
		return ThreadView{}, err
	}
	if user == "" {
		return ThreadView{}, invalidRequest("userID is required")
	}
	unlock := s.seq.Lock(threadKey(thread.ID))
	defer unlock()
	changed, err := s.store.SetSubscribed(ctx, thread.ID, user, subscribed)
	if err != nil {
		return ThreadView{}, err
	}
	if changed {
		if err := s.publishParticipants(ctx, thread); err != nil {
			return ThreadView{}, err
		}
	}
	return s.threadView(ctx, thread, user)
}

func (s *Service) publishParticipants(ctx context.Context, thread store.Thread) error {
	participants, err := s.participantViews(ctx, thread.ID)
	if err != nil {
		return err
	}
	s.publishThread(events.ThreadParticipantsUpdated, thread, participantsPayload{ThreadID: thread.ExternalID, Participants: participants})
	return nil
}

// SetTyping marks the viewer as typing in a thread until the typing TTL
// passes or typing is set to false.
func (s *Service) SetTyping(ctx context.Context, v Viewer, threadID string, typing bool) error {
	if err := s.require(v, rbac.ActionComment); err != nil {
		return err
	}
	if v.IsServer() {
		return invalidRequest("typing requires a user token")
	}
	if s.presence == nil {
		return errPresenceUnavailable()
	}
	thread, err := s.loadThread(ctx, v, threadID)
	if err != nil {
		return err
	}
	unlock := s.seq.Lock(threadKey(thread.ID))
	defer unlock()
	changed, err := s.presence.SetTyping(ctx, v.AppID, thread.ID, v.UserID, typing)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	users, err := s.presence.TypingUsers(ctx, v.AppID, thread.ID)
	if err != nil {
		return err
	}
	s.publishThread(events.ThreadTypingUsersUpdated, thread, typingPayload{ThreadID: thread.ExternalID, Users: nonNilStrings(users)})
	return nil
}

func (s *Service) ListThreads(ctx context.Context, v Viewer, q ThreadQuery) (PageView[ThreadView], error) {
	if err := s.require(v, rbac.ActionRead); err != nil {
		return PageView[ThreadView]{}, err
	}
	if err := validateInput(q); err != nil {
		return PageView[ThreadView]{}, err
	}
	groups, err := s.visibleGroups(ctx, v)
	if err != nil {
		return PageView[ThreadView]{}, err
	}
	filter := store.ThreadFilter{
		AppID:        v.AppID,
		GroupIDs:     groups,
		GroupID:      q.GroupID,
		Location:     location.Normalize(q.Location),
		PartialMatch: q.PartialMatch,
		Metadata:     q.Metadata,
		Resolved:     q.Resolved,
	}
	if filter.Resolved == "" {
		filter.Resolved = store.ResolvedAny
	}
	if q.ViewerIsSubscribed {
		if v.IsServer() {
			return PageView[ThreadView]{}, invalidRequest("viewerIsSubscribed requires a user token")
		}
		filter.SubscribedUserID = v.UserID
	}
	page, err := s.store.ListThreads(ctx, filter, pagination.Request{Token: q.Token, Limit: q.Limit})
	if err != nil {
		return PageView[ThreadView]{}, err
	}
	out := PageView[ThreadView]{Items: make([]ThreadView, 0, len(page.Items)), Token: page.Token, HasMore: page.HasMore, Total: page.Total}
	for _, thread := range page.Items {
		view, err := s.threadView(ctx, thread, v.UserID)
		if err != nil {
			return PageView[ThreadView]{}, err
		}
		out.Items = append(out.Items, view)
	}
	return out, nil
}

func (s *Service) participantViews(ctx context.Context, threadID string) ([]ParticipantView, error) {
	participants, err := s.store.ListParticipants(ctx, threadID)
	if err != nil {
		return nil, err
	}
	out := make([]ParticipantView, 0, len(participants))
	for _, p := range participants {
		out = append(out, ParticipantView{UserID: p.UserID, LastSeenTimestamp: formatTimePtr(p.LastSeenAt), Subscribed: p.Subscribed})
	}
	return out, nil
}

// threadView renders a thread; viewerID adds the per-user state.
func (s *Service) threadView(ctx context.Context, thread store.Thread, viewerID string) (ThreadView, error) {
	stats, err := s.store.ThreadStats(ctx, thread.ID, viewerID)
	if err != nil {
		return ThreadView{}, err
	}
	participants, err := s.participantViews(ctx, thread.ID)
	if err != nil {
		return ThreadView{}, err
	}
	typing := []string{}
	if s.presence != nil {
		users, err := s.presence.TypingUsers(ctx, thread.AppID, thread.ID)
		if err != nil {
			s.log.Warn("typing users unavailable", zap.String("thread_id", thread.ID), zap.Error(err))
		} else {
			typing = nonNilStrings(users)
		}
	}
	view := ThreadView{
		ID:                    thread.ExternalID,
		GroupID:               thread.GroupID,
		Location:              thread.Location,
		Name:                  thread.Name,
		URL:                   thread.URL,
		Metadata:              nonNilMap(thread.Metadata),
		Resolved:              thread.Resolved(),
		ResolvedTimestamp:     formatTimePtr(thread.ResolvedAt),
		ResolvedByUserID:      thread.ResolvedBy,
		Total:                 stats.Total,
		UserMessages:          stats.UserMessages,
		ActionMessages:        stats.ActionMessages,
		FirstMessageTimestamp: formatTimePtr(stats.FirstMessageAt),
		LastMessageTimestamp:  formatTimePtr(stats.LastMessageAt),
		Participants:          participants,
		TypingUsers:           typing,
		CreatedTimestamp:      formatTime(thread.CreatedAt),
	}
	if viewerID != "" {
		state := &ThreadViewerState{Unread: stats.Unread}
		for _, p := range participants {
			if p.UserID == viewerID {
				state.Subscribed = p.Subscribed
				state.LastSeenTimestamp = p.LastSeenTimestamp
			}
		}
		view.Viewer = state
	}
	return view, nil
}
