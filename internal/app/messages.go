package app

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"cord/api/internal/content"
	"cord/api/internal/events"
	"cord/api/internal/pagination"
	"cord/api/internal/rbac"
	"cord/api/internal/search"
	"cord/api/internal/store"
	"cord/api/internal/util"
)

const (
	NotificationTypeMention  = "mention"
	NotificationTypeReply    = "reply"
	NotificationTypeReaction = "reaction"
	NotificationTypeURL      = "url"
)

type CreateMessageInput struct {
	ID           string             `json:"id" validate:"max=256"`
	AuthorID     string             `json:"authorID"`
	Content      json.RawMessage    `json:"content"`
	Attachments  []store.Attachment `json:"attachments" validate:"omitempty,max=50,dive"`
	Metadata     map[string]any     `json:"metadata" validate:"omitempty,flat"`
	Type         string             `json:"type" validate:"omitempty,oneof=user_message action_message"`
	AddReactions []string           `json:"addReactions" validate:"omitempty,dive,required,max=64"`
	// CreateThread creates the thread when it does not exist yet.
	CreateThread *CreateThreadInput `json:"createThread"`
}

type UpdateMessageInput struct {
	Content     json.RawMessage     `json:"content"`
	Attachments *[]store.Attachment `json:"attachments" validate:"omitempty,max=50,dive"`
	Metadata    map[string]any      `json:"metadata" validate:"omitempty,flat"`
	Deleted     *bool               `json:"deleted"`
}

type MessageQuery struct {
	Token     string
	Limit     int `validate:"min=0,max=1000"`
	Ascending bool
}

func (s *Service) loadMessage(ctx context.Context, v Viewer, threadID, messageID string) (store.Thread, store.Message, error) {
	thread, err := s.loadThread(ctx, v, threadID)
	if err != nil {
		return store.Thread{}, store.Message{}, err
	}
	msg, err := s.store.GetMessage(ctx, v.AppID, messageID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && msg.ThreadID != thread.ID) {
		return store.Thread{}, store.Message{}, notFound("message")
	}
	if err != nil {
		return store.Thread{}, store.Message{}, err
	}
	return thread, msg, nil
}

func (s *Service) CreateMessage(ctx context.Context, v Viewer, threadID string, input CreateMessageInput) (MessageView, error) {
	if err := s.require(v, rbac.ActionComment); err != nil {
		return MessageView{}, err
	}
	if err := validateInput(input); err != nil {
		return MessageView{}, err
	}
	author, err := s.actingUser(ctx, v, input.AuthorID)
	if err != nil {
		return MessageView{}, err
	}
	if author == "" {
		return MessageView{}, invalidRequest("authorID is required")
	}
	nodes, err := content.Parse(input.Content)
	if err != nil {
		return MessageView{}, invalidRequest("content: %v", err)
	}
	if err := s.checkAttachments(ctx, v.AppID, input.Attachments); err != nil {
		return MessageView{}, err
	}

	messageID := strings.TrimSpace(input.ID)
	if messageID == "" {
		messageID = util.NewID("message")
	} else if _, err := s.store.GetMessage(ctx, v.AppID, messageID); err == nil {
		return MessageView{}, invalidRequest("message %q already exists", messageID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return MessageView{}, err
	}

	thread, err := s.loadThread(ctx, v, threadID)
	created := false
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.Code == CodeNotFound && input.CreateThread != nil {
		create := *input.CreateThread
		create.ID = threadID
		thread, err = s.createThread(ctx, v, create)
		created = err == nil
	}
	if err != nil {
		return MessageView{}, err
	}

	raw := input.Content
	if len(raw) == 0 {
		raw = json.RawMessage("[]")
	}

	unlock := s.seq.Lock(threadKey(thread.ID))
	defer unlock()

	msg, err := s.insertMessageLocked(ctx, thread, store.Message{
		ID:          util.NewID(""),
		AppID:       v.AppID,
		ExternalID:  messageID,
		ThreadID:    thread.ID,
		AuthorID:    author,
		Content:     raw,
		Plaintext:   content.Plaintext(nodes),
		Attachments: input.Attachments,
		Type:        input.Type,
		Metadata:    input.Metadata,
	})
	if err != nil {
		if created {
			s.discardThreadLocked(thread)
		}
		return MessageView{}, err
	}

	participantsChanged, err := s.store.SetSubscribed(ctx, thread.ID, author, true)
	if err != nil {
		return MessageView{}, err
	}
	seenAt := msg.CreatedAt
	if err := s.store.SetLastSeen(ctx, thread.ID, author, &seenAt); err != nil {
		return MessageView{}, err
	}
	for _, emoji := range input.AddReactions {
		if _, err := s.store.AddReaction(ctx, store.Reaction{MessageID: msg.ID, UserID: author, Emoji: emoji, CreatedAt: s.now()}); err != nil {
			return MessageView{}, err
		}
	}

	if msg.Type != store.MessageTypeAction {
		mentioned, err := s.notifyMentions(ctx, thread, msg, nil, nodes)
		if err != nil {
			return MessageView{}, err
		}
		if len(mentioned) > 0 {
			participantsChanged = true
		}
		if err := s.notifyReply(ctx, thread, msg, mentioned); err != nil {
			return MessageView{}, err
		}
	}
	if participantsChanged {
		if err := s.publishParticipants(ctx, thread); err != nil {
			return MessageView{}, err
		}
	}
	return s.messageView(ctx, thread, msg)
}

// discardThreadLocked removes a thread created for a message that could not
// be stored.
func (s *Service) discardThreadLocked(thread store.Thread) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.DeleteThread(ctx, thread.ID); err != nil {
		s.log.Error("discard thread", zap.String("thread_id", thread.ExternalID), zap.Error(err))
		return
	}
	s.publishThread(events.ThreadDeleted, thread, threadDeletedPayload{ThreadID: thread.ExternalID})
}

// insertMessageLocked stores a message, publishes it and hands it to the
// search index. The caller holds the thread's sequencer key.
func (s *Service) insertMessageLocked(ctx context.Context, thread store.Thread, msg store.Message) (store.Message, error) {
	stored, err := s.store.InsertMessage(ctx, msg)
	if errors.Is(err, store.ErrConflict) {
		return store.Message{}, invalidRequest("message %q already exists", msg.ExternalID)
	}
	if err != nil {
		return store.Message{}, err
	}
	msg = stored
	view, err := s.messageView(ctx, thread, msg)
	if err != nil {
		return store.Message{}, err
	}
	s.publishThread(events.ThreadMessageAdded, thread, messagePayload{ThreadID: thread.ExternalID, Message: view})
	s.search.IndexMessage(searchRecord(thread, msg))
	return msg, nil
}

func searchRecord(thread store.Thread, msg store.Message) search.MessageRecord {
	return search.MessageRecord{
		ID:        msg.ID,
		AppID:     msg.AppID,
		ThreadID:  thread.ExternalID,
		GroupID:   thread.GroupID,
		AuthorID:  msg.AuthorID,
		Plaintext: msg.Plaintext,
		CreatedAt: msg.CreatedAt.Unix(),
	}
}

func (s *Service) checkAttachments(ctx context.Context, appID string, attachments []store.Attachment) error {
	for _, a := range attachments {
		if a.Type != store.AttachmentFile && a.Type != store.AttachmentScreenshot {
			continue
		}
		if _, err := s.store.GetFile(ctx, appID, a.FileID); errors.Is(err, store.ErrNotFound) {
			return invalidRequest("file %q does not exist", a.FileID)
		} else if err != nil {
			return err
		}
	}
	return nil
}

// notifyMentions notifies and subscribes users mentioned in nodes that were
// not already mentioned in previous. It returns the users it notified.
func (s *Service) notifyMentions(ctx context.Context, thread store.Thread, msg store.Message, previous []string, nodes []content.Node) ([]string, error) {
	var notified []string
	for _, userID := range content.Mentions(nodes) {
		if userID == msg.AuthorID || slices.Contains(previous, userID) {
			continue
		}
		if ok, err := s.userCanSee(ctx, thread, userID); err != nil {
			return nil, err
		} else if !ok {
			s.log.Debug("skipping mention of unknown user", zap.String("user_id", userID))
			continue
		}
		if _, err := s.store.SetSubscribed(ctx, thread.ID, userID, true); err != nil {
			return nil, err
		}
		if err := s.notify(ctx, store.Notification{
			AppID:       thread.AppID,
			RecipientID: userID,
			SenderIDs:   []string{msg.AuthorID},
			Template:    "{{actor}} mentioned you in a message",
			Attachment:  messageAttachment(thread, msg),
			ThreadID:    thread.ID,
			GroupID:     thread.GroupID,
			Type:        NotificationTypeMention,
		}, msg.Plaintext, thread.URL); err != nil {
			return nil, err
		}
		notified = append(notified, userID)
	}
	return notified, nil
}

// notifyReply tells subscribers other than the author and anyone already
// mentioned that the thread has a new message.
func (s *Service) notifyReply(ctx context.Context, thread store.Thread, msg store.Message, skip []string) error {
	participants, err := s.store.ListParticipants(ctx, thread.ID)
	if err != nil {
		return err
	}
	for _, p := range participants {
		if !p.Subscribed || p.UserID == msg.AuthorID || slices.Contains(skip, p.UserID) {
			continue
		}
		if err := s.notify(ctx, store.Notification{
			AppID:       thread.AppID,
			RecipientID: p.UserID,
			SenderIDs:   []string{msg.AuthorID},
			Template:    "{{actor}} replied to a thread",
			Attachment:  messageAttachment(thread, msg),
			ThreadID:    thread.ID,
			GroupID:     thread.GroupID,
			Type:        NotificationTypeReply,
		}, msg.Plaintext, thread.URL); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) userCanSee(ctx context.Context, thread store.Thread, userID string) (bool, error) {
	user, err := s.store.GetUser(ctx, thread.AppID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if user.Status == store.UserStatusDeleted {
		return false, nil
	}
	groups, err := s.store.ListUserGroups(ctx, thread.AppID, userID)
	if err != nil {
		return false, err
	}
	return slices.Contains(groups, thread.GroupID), nil
}

func messageAttachment(thread store.Thread, msg store.Message) *store.NotificationAttachment {
	return &store.NotificationAttachment{
		Type:      store.NotificationAttachmentMessage,
		MessageID: msg.ExternalID,
		ThreadID:  thread.ExternalID,
	}
}

func (s *Service) GetMessage(ctx context.Context, v Viewer, threadID, messageID string) (MessageView, error) {
	if err := s.require(v, rbac.ActionRead); err != nil {
		return MessageView{}, err
	}
	thread, msg, err := s.loadMessage(ctx, v, threadID, messageID)
	if err != nil {
		return MessageView{}, err
	}
	return s.messageView(ctx, thread, msg)
}

func (s *Service) UpdateMessage(ctx context.Context, v Viewer, threadID, messageID string, input UpdateMessageInput) (MessageView, error) {
	if err := s.require(v, rbac.ActionComment); err != nil {
		return MessageView{}, err
	}
	if err := validateInput(input); err != nil {
		return MessageView{}, err
	}
	if input.Deleted != nil {
		if !*input.Deleted {
			return MessageView{}, invalidRequest("deleted messages cannot be restored")
		}
		return s.DeleteMessage(ctx, v, threadID, messageID)
	}
	thread, msg, err := s.loadMessage(ctx, v, threadID, messageID)
	if err != nil {
		return MessageView{}, err
	}
	if !v.IsServer() && msg.AuthorID != v.UserID {
		return MessageView{}, forbidden()
	}
	if msg.Deleted() {
		return MessageView{}, notFound("message")
	}

	var previous []string
	var nodes []content.Node
	if input.Content != nil {
		oldNodes, _ := content.Parse(msg.Content)
		previous = content.Mentions(oldNodes)
		nodes, err = content.Parse(input.Content)
		if err != nil {
			return MessageView{}, invalidRequest("content: %v", err)
		}
		msg.Content = input.Content
		msg.Plaintext = content.Plaintext(nodes)
	}
	if input.Attachments != nil {
		if err := s.checkAttachments(ctx, v.AppID, *input.Attachments); err != nil {
			return MessageView{}, err
		}
		msg.Attachments = *input.Attachments
	}
	if input.Metadata != nil {
		msg.Metadata = input.Metadata
	}

	unlock := s.seq.Lock(threadKey(thread.ID))
	defer unlock()
	msg, err = s.store.UpdateMessage(ctx, msg)
	if errors.Is(err, store.ErrNotFound) {
		return MessageView{}, notFound("message")
	}
	if err != nil {
		return MessageView{}, err
	}
	view, err := s.messageView(ctx, thread, msg)
	if err != nil {
		return MessageView{}, err
	}
	s.publishThread(events.ThreadMessageUpdated, thread, messagePayload{ThreadID: thread.ExternalID, Message: view})
	s.search.IndexMessage(searchRecord(thread, msg))

	if input.Content != nil && msg.Type != store.MessageTypeAction {
		mentioned, err := s.notifyMentions(ctx, thread, msg, previous, nodes)
		if err != nil {
			return MessageView{}, err
		}
		if len(mentioned) > 0 {
			if err := s.publishParticipants(ctx, thread); err != nil {
				return MessageView{}, err
			}
		}
	}
	return view, nil
}

// DeleteMessage clears the message body and keeps its id. Deleting an
// already deleted message succeeds without publishing.
func (s *Service) DeleteMessage(ctx context.Context, v Viewer, threadID, messageID string) (MessageView, error) {
	if err := s.require(v, rbac.ActionComment); err != nil {
		return MessageView{}, err
	}
	thread, msg, err := s.loadMessage(ctx, v, threadID, messageID)
	if err != nil {
		return MessageView{}, err
	}
	if !v.IsServer() && msg.AuthorID != v.UserID {
		return MessageView{}, forbidden()
	}
	unlock := s.seq.Lock(threadKey(thread.ID))
	defer unlock()
	msg, changed, err := s.store.DeleteMessage(ctx, msg.ID, s.now())
	if err != nil {
		return MessageView{}, err
	}
	if changed {
		s.publishThread(events.ThreadMessageRemoved, thread, messageRemovedPayload{ThreadID: thread.ExternalID, MessageID: msg.ExternalID})
		s.search.DeleteMessage(msg.ID)
	}
	return s.messageView(ctx, thread, msg)
}

func (s *Service) ListMessages(ctx context.Context, v Viewer, threadID string, q MessageQuery) (PageView[MessageView], error) {
	if err := s.require(v, rbac.ActionRead); err != nil {
		return PageView[MessageView]{}, err
	}
	if err := validateInput(q); err != nil {
		return PageView[MessageView]{}, err
	}
	thread, err := s.loadThread(ctx, v, threadID)
	if err != nil {
		return PageView[MessageView]{}, err
	}
	page, err := s.store.ListMessages(ctx, store.MessageFilter{ThreadID: thread.ID, Ascending: q.Ascending}, pagination.Request{Token: q.Token, Limit: q.Limit})
	if err != nil {
		return PageView[MessageView]{}, err
	}
	ids := make([]string, len(page.Items))
	for i, msg := range page.Items {
		ids[i] = msg.ID
	}
	reactions, err := s.store.ListReactions(ctx, ids)
	if err != nil {
		return PageView[MessageView]{}, err
	}
	out := PageView[MessageView]{Items: make([]MessageView, 0, len(page.Items)), Token: page.Token, HasMore: page.HasMore, Total: page.Total}
	for _, msg := range page.Items {
		out.Items = append(out.Items, messageView(msg, thread.ExternalID, reactions[msg.ID]))
	}
	return out, nil
}

func (s *Service) AddReaction(ctx context.Context, v Viewer, threadID, messageID, userID, emoji string) (MessageView, error) {
	return s.setReaction(ctx, v, threadID, messageID, userID, emoji, true)
}

func (s *Service) RemoveReaction(ctx context.Context, v Viewer, threadID, messageID, userID, emoji string) (MessageView, error) {
	return s.setReaction(ctx, v, threadID, messageID, userID, emoji, false)
}

func (s *Service) setReaction(ctx context.Context, v Viewer, threadID, messageID, userID, emoji string, add bool) (MessageView, error) {
	if err := s.require(v, rbac.ActionComment); err != nil {
		return MessageView{}, err
	}
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > 64 {
		return MessageView{}, invalidRequest("reaction must be between 1 and 64 bytes")
	}
	thread, msg, err := s.loadMessage(ctx, v, threadID, messageID)
	if err != nil {
		return MessageView{}, err
	}
	user, err := s.actingUser(ctx, v, userID)
	if err != nil {
		return MessageView{}, err
	}
	if user == "" {
		return MessageView{}, invalidRequest("userID is required")
	}
	if msg.Deleted() {
		return MessageView{}, notFound("message")
	}

	unlock := s.seq.Lock(threadKey(thread.ID))
	defer unlock()
	var changed bool
	if add {
		changed, err = s.store.AddReaction(ctx, store.Reaction{MessageID: msg.ID, UserID: user, Emoji: emoji, CreatedAt: s.now()})
	} else {
		changed, err = s.store.RemoveReaction(ctx, msg.ID, user, emoji)
	}
	if err != nil {
		return MessageView{}, err
	}
	view, err := s.messageView(ctx, thread, msg)
	if err != nil {
		return MessageView{}, err
	}
	if !changed {
		return view, nil
	}
	s.publishThread(events.ThreadMessageUpdated, thread, messagePayload{ThreadID: thread.ExternalID, Message: view})
	if add && msg.AuthorID != user {
		if ok, err := s.userCanSee(ctx, thread, msg.AuthorID); err != nil {
			return MessageView{}, err
		} else if ok {
			if err := s.notify(ctx, store.Notification{
				AppID:       thread.AppID,
				RecipientID: msg.AuthorID,
				SenderIDs:   []string{user},
				Template:    "{{actor}} reacted " + emoji + " to your message",
				Attachment:  messageAttachment(thread, msg),
				ThreadID:    thread.ID,
				GroupID:     thread.GroupID,
				Type:        NotificationTypeReaction,
			}, msg.Plaintext, thread.URL); err != nil {
				return MessageView{}, err
			}
		}
	}
	return view, nil
}

// SearchMessages runs a full-text query over messages the viewer can see.
func (s *Service) SearchMessages(ctx context.Context, v Viewer, text string, limit int) ([]MessageView, error) {
	if err := s.require(v, rbac.ActionRead); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, invalidRequest("search text is required")
	}
	groups, err := s.visibleGroups(ctx, v)
	if err != nil {
		return nil, err
	}
	ids, err := s.search.Search(ctx, search.Query{AppID: v.AppID, Text: text, GroupIDs: groups, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]MessageView, 0, len(ids))
	threads := map[string]store.Thread{}
	for _, id := range ids {
		msg, err := s.store.GetMessageByID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if msg.AppID != v.AppID || msg.Deleted() {
			continue
		}
		thread, ok := threads[msg.ThreadID]
		if !ok {
			thread, err = s.store.GetThreadByID(ctx, msg.ThreadID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			threads[msg.ThreadID] = thread
		}
		if groups != nil && !slices.Contains(groups, thread.GroupID) {
			continue
		}
		view, err := s.messageView(ctx, thread, msg)
		if err != nil {
			return nil, err
		}
		out = append(out, view)
	}
	return out, nil
}

func (s *Service) messageView(ctx context.Context, thread store.Thread, msg store.Message) (MessageView, error) {
	reactions, err := s.store.ListReactions(ctx, []string{msg.ID})
	if err != nil {
		return MessageView{}, err
	}
	return messageView(msg, thread.ExternalID, reactions[msg.ID]), nil
}
