// Package events fans typed collaboration events out to live subscribers.
package events

import (
	"time"

	"github.com/google/uuid"

	"cord/api/internal/location"
)

type Type string

const (
	ThreadCreated                Type = "thread-created"
	ThreadUpdated                Type = "thread-updated"
	ThreadDeleted                Type = "thread-deleted"
	ThreadMessageAdded           Type = "thread-message-added"
	ThreadMessageUpdated         Type = "thread-message-updated"
	ThreadMessageRemoved         Type = "thread-message-removed"
	ThreadParticipantsUpdated    Type = "thread-participants-updated"
	ThreadTypingUsersUpdated     Type = "thread-typing-users-updated"
	NotificationAdded            Type = "notification-added"
	NotificationReadStateUpdated Type = "notification-read-state-updated"
	NotificationDeleted          Type = "notification-deleted"
	PresenceChanged              Type = "presence-changed"
)

// Event is one published change. AppID, ThreadID, Location and RecipientID
// route it to subscribers; GroupID scopes who may see it. Payload is what
// clients see.
type Event struct {
	ID          string            `json:"id"`
	Type        Type              `json:"type"`
	AppID       string            `json:"-"`
	ThreadID    string            `json:"threadID,omitempty"`
	GroupID     string            `json:"-"`
	Location    location.Location `json:"location,omitempty"`
	RecipientID string            `json:"-"`
	Payload     any               `json:"payload,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// New stamps an id and timestamp on an event.
func New(typ Type, appID string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		AppID:     appID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Thread returns e routed to subscribers of threadID and of loc.
func (e Event) Thread(threadID string, loc location.Location) Event {
	e.ThreadID = threadID
	e.Location = loc
	return e
}

// InGroup returns e restricted to members of groupID.
func (e Event) InGroup(groupID string) Event {
	e.GroupID = groupID
	return e
}

// At returns e routed to location subscribers of loc.
func (e Event) At(loc location.Location) Event {
	e.Location = loc
	return e
}

// To returns e routed to the notification stream of recipientID.
func (e Event) To(recipientID string) Event {
	e.RecipientID = recipientID
	return e
}

type TopicKind string

const (
	TopicThread        TopicKind = "thread"
	TopicLocation      TopicKind = "location"
	TopicNotifications TopicKind = "notifications"
)

// Topic is what a subscription listens to.
type Topic struct {
	Kind         TopicKind         `json:"kind" validate:"required,oneof=thread location notifications"`
	ThreadID     string            `json:"threadID,omitempty" validate:"required_if=Kind thread"`
	Location     location.Location `json:"location,omitempty"`
	PartialMatch bool              `json:"partialMatch,omitempty"`
	UserID       string            `json:"userID,omitempty"`
}

// Matches reports whether e is routed to t.
func (t Topic) Matches(e Event) bool {
	switch t.Kind {
	case TopicThread:
		return e.ThreadID != "" && e.ThreadID == t.ThreadID
	case TopicLocation:
		if e.Location == nil || e.RecipientID != "" {
			return false
		}
		if t.PartialMatch {
			return e.Location.Contains(t.Location)
		}
		return e.Location.Equal(t.Location)
	case TopicNotifications:
		return e.RecipientID != "" && e.RecipientID == t.UserID
	}
	return false
}
