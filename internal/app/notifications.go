package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"cord/api/internal/email"
	"cord/api/internal/events"
	"cord/api/internal/location"
	"cord/api/internal/pagination"
	"cord/api/internal/rbac"
	"cord/api/internal/store"
	"cord/api/internal/util"
)

type CreateNotificationInput struct {
	ActorID     string         `json:"actorID"`
	RecipientID string         `json:"recipientID" validate:"required"`
	Template    string         `json:"template" validate:"required,max=2048"`
	URL         string         `json:"url" validate:"required,url"`
	Type        string         `json:"type" validate:"omitempty,eq=url"`
	Metadata    map[string]any `json:"metadata" validate:"omitempty,flat"`
}

// UnmarshalJSON also accepts actor_id and recipient_id.
func (in *CreateNotificationInput) UnmarshalJSON(data []byte) error {
	type plain CreateNotificationInput
	var body struct {
		plain
		ActorIDSnake     string `json:"actor_id"`
		RecipientIDSnake string `json:"recipient_id"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return err
	}
	*in = CreateNotificationInput(body.plain)
	if in.ActorID == "" {
		in.ActorID = body.ActorIDSnake
	}
	if in.RecipientID == "" {
		in.RecipientID = body.RecipientIDSnake
	}
	return nil
}

type NotificationQuery struct {
	Metadata     map[string]any    `json:"metadata" validate:"omitempty,flat"`
	Location     location.Location `json:"location" validate:"omitempty,flat"`
	PartialMatch bool              `json:"partialMatch"`
	GroupID      string            `json:"groupID"`
	UnreadOnly   bool              `json:"-"`
	Token        string            `json:"-"`
	Limit        int               `json:"-" validate:"min=0,max=1000"`
}

type NotificationSummary struct {
	Unread int `json:"unread"`
}

func (q NotificationQuery) filter(appID, recipientID string) store.NotificationFilter {
	return store.NotificationFilter{
		AppID:        appID,
		RecipientID:  recipientID,
		Metadata:     q.Metadata,
		Location:     location.Normalize(q.Location),
		PartialMatch: q.PartialMatch,
		GroupID:      q.GroupID,
		UnreadOnly:   q.UnreadOnly,
	}
}

// recipient resolves whose notifications a request addresses.
func (s *Service) recipient(ctx context.Context, v Viewer, requested string) (string, error) {
	user, err := s.actingUser(ctx, v, requested)
	if err != nil {
		return "", err
	}
	if user == "" {
		return "", invalidRequest("recipient user id is required")
	}
	return user, nil
}

// CreateNotification sends a url notification on behalf of the application.
func (s *Service) CreateNotification(ctx context.Context, v Viewer, input CreateNotificationInput) (NotificationView, error) {
	if err := s.require(v, rbac.ActionNotify); err != nil {
		return NotificationView{}, err
	}
	if err := validateInput(input); err != nil {
		return NotificationView{}, err
	}
	if err := s.requireUser(ctx, v.AppID, input.RecipientID); err != nil {
		return NotificationView{}, err
	}
	var senders []string
	if input.ActorID != "" {
		if err := s.requireUser(ctx, v.AppID, input.ActorID); err != nil {
			return NotificationView{}, err
		}
		senders = []string{input.ActorID}
	}
	n := store.Notification{
		AppID:       v.AppID,
		RecipientID: input.RecipientID,
		SenderIDs:   senders,
		Template:    input.Template,
		Attachment:  &store.NotificationAttachment{Type: store.NotificationAttachmentURL, URL: input.URL},
		Type:        NotificationTypeURL,
		Metadata:    input.Metadata,
	}
	stored, err := s.insertNotification(ctx, n)
	if err != nil {
		return NotificationView{}, err
	}
	s.emailNotification(stored, "", input.URL)
	return notificationView(stored), nil
}

// notify stores a notification, publishes it to the recipient and emails
// them when mail is configured.
func (s *Service) notify(ctx context.Context, n store.Notification, excerpt, url string) error {
	stored, err := s.insertNotification(ctx, n)
	if err != nil {
		return err
	}
	s.emailNotification(stored, excerpt, url)
	return nil
}

func (s *Service) insertNotification(ctx context.Context, n store.Notification) (store.Notification, error) {
	n.ID = util.NewID("")
	unlock := s.seq.Lock(notificationKey(n.AppID, n.RecipientID))
	defer unlock()
	stored, err := s.store.InsertNotification(ctx, n)
	if err != nil {
		return store.Notification{}, err
	}
	s.publishNotification(events.NotificationAdded, stored, notificationPayload{Notification: notificationView(stored)})
	return stored, nil
}

func (s *Service) emailNotification(n store.Notification, excerpt, url string) {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return
	}
	go func() {
		ctx := context.Background()
		recipient, err := s.store.GetUser(ctx, n.AppID, n.RecipientID)
		if err != nil || recipient.Email == "" {
			return
		}
		header := n.Template
		senderName := ""
		if len(n.SenderIDs) > 0 {
			if sender, err := s.store.GetUser(ctx, n.AppID, n.SenderIDs[0]); err == nil {
				senderName = displayName(sender)
				header = renderTemplate(n.Template, senderName)
			}
		}
		if err := s.mailer.SendNotification(recipient.Email, email.Notification{
			RecipientName: displayName(recipient),
			SenderName:    senderName,
			Header:        header,
			Excerpt:       excerpt,
			URL:           url,
			SentAt:        n.CreatedAt,
		}); err != nil {
			s.log.Warn("notification email failed", zap.String("notification_id", n.ID), zap.Error(err))
		}
	}()
}

// renderTemplate fills the {{actor}} placeholder of a notification header.
func renderTemplate(tmpl, actor string) string {
	return strings.ReplaceAll(tmpl, "{{actor}}", actor)
}

func displayName(u store.User) string {
	if u.ShortName != "" {
		return u.ShortName
	}
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}

func (s *Service) ListNotifications(ctx context.Context, v Viewer, recipientID string, q NotificationQuery) (PageView[NotificationView], error) {
	if err := s.require(v, rbac.ActionRead); err != nil {
		return PageView[NotificationView]{}, err
	}
	if err := validateInput(q); err != nil {
		return PageView[NotificationView]{}, err
	}
	recipient, err := s.recipient(ctx, v, recipientID)
	if err != nil {
		return PageView[NotificationView]{}, err
	}
	page, err := s.store.ListNotifications(ctx, q.filter(v.AppID, recipient), pagination.Request{Token: q.Token, Limit: q.Limit})
	if err != nil {
		return PageView[NotificationView]{}, err
	}
	out := PageView[NotificationView]{Items: make([]NotificationView, 0, len(page.Items)), Token: page.Token, HasMore: page.HasMore, Total: page.Total}
	for _, n := range page.Items {
		out.Items = append(out.Items, notificationView(n))
	}
	return out, nil
}

func (s *Service) NotificationSummary(ctx context.Context, v Viewer, recipientID string, q NotificationQuery) (NotificationSummary, error) {
	if err := s.require(v, rbac.ActionRead); err != nil {
		return NotificationSummary{}, err
	}
	if err := validateInput(q); err != nil {
		return NotificationSummary{}, err
	}
	recipient, err := s.recipient(ctx, v, recipientID)
	if err != nil {
		return NotificationSummary{}, err
	}
	q.UnreadOnly = true
	count, err := s.store.CountNotifications(ctx, q.filter(v.AppID, recipient))
	if err != nil {
		return NotificationSummary{}, err
	}
	return NotificationSummary{Unread: count}, nil
}

// ownNotification loads a notification the viewer may act on. Client viewers
// only see their own; anything else is not_found.
func (s *Service) ownNotification(ctx context.Context, v Viewer, notificationID string) (store.Notification, error) {
	n, err := s.store.GetNotification(ctx, v.AppID, notificationID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !v.IsServer() && n.RecipientID != v.UserID) {
		return store.Notification{}, notFound("notification")
	}
	return n, err
}

func (s *Service) MarkNotificationRead(ctx context.Context, v Viewer, notificationID string) (NotificationView, error) {
	return s.setNotificationRead(ctx, v, notificationID, true)
}

func (s *Service) MarkNotificationUnread(ctx context.Context, v Viewer, notificationID string) (NotificationView, error) {
	return s.setNotificationRead(ctx, v, notificationID, false)
}

// setNotificationRead is idempotent: repeating a transition succeeds and
// publishes nothing.
func (s *Service) setNotificationRead(ctx context.Context, v Viewer, notificationID string, read bool) (NotificationView, error) {
	if err := s.require(v, rbac.ActionRead); err != nil {
		return NotificationView{}, err
	}
	n, err := s.ownNotification(ctx, v, notificationID)
	if err != nil {
		return NotificationView{}, err
	}
	unlock := s.seq.Lock(notificationKey(v.AppID, n.RecipientID))
	defer unlock()
	updated, changed, err := s.store.SetNotificationRead(ctx, v.AppID, n.RecipientID, n.ID, read, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return NotificationView{}, notFound("notification")
	}
	if err != nil {
		return NotificationView{}, err
	}
	view := notificationView(updated)
	if changed {
		s.publishNotification(events.NotificationReadStateUpdated, updated, readStatePayload{NotificationID: updated.ID, ReadStatus: view.ReadStatus})
	}
	return view, nil
}

// MarkAllNotificationsRead marks every unread notification matching q and
// publishes one read-state event per notification it changed.
func (s *Service) MarkAllNotificationsRead(ctx context.Context, v Viewer, recipientID string, q NotificationQuery) (int, error) {
	if err := s.require(v, rbac.ActionRead); err != nil {
		return 0, err
	}
	if err := validateInput(q); err != nil {
		return 0, err
	}
	recipient, err := s.recipient(ctx, v, recipientID)
	if err != nil {
		return 0, err
	}
	unlock := s.seq.Lock(notificationKey(v.AppID, recipient))
	defer unlock()
	changed, err := s.store.MarkAllNotificationsRead(ctx, q.filter(v.AppID, recipient), s.now())
	if err != nil {
		return 0, err
	}
	for _, n := range changed {
		s.publishNotification(events.NotificationReadStateUpdated, n, readStatePayload{NotificationID: n.ID, ReadStatus: "read"})
	}
	return len(changed), nil
}

// DeleteNotification is terminal: later operations on the id are not_found.
func (s *Service) DeleteNotification(ctx context.Context, v Viewer, notificationID string) error {
	if err := s.require(v, rbac.ActionRead); err != nil {
		return err
	}
	n, err := s.ownNotification(ctx, v, notificationID)
	if err != nil {
		return err
	}
	unlock := s.seq.Lock(notificationKey(v.AppID, n.RecipientID))
	defer unlock()
	deleted, err := s.store.DeleteNotification(ctx, v.AppID, n.ID)
	if errors.Is(err, store.ErrNotFound) {
		return notFound("notification")
	}
	if err != nil {
		return err
	}
	s.publishNotification(events.NotificationDeleted, deleted, notificationDeletedPayload{NotificationID: deleted.ID})
	return nil
}
