package app

import (
	"cord/api/internal/events"
	"cord/api/internal/location"
	"cord/api/internal/store"
)

type threadPayload struct {
	Thread ThreadView `json:"thread"`
}

type threadDeletedPayload struct {
	ThreadID string `json:"threadID"`
}

type messagePayload struct {
	ThreadID string      `json:"threadID"`
	Message  MessageView `json:"message"`
}

type messageRemovedPayload struct {
	ThreadID  string `json:"threadID"`
	MessageID string `json:"messageID"`
}

type participantsPayload struct {
	ThreadID     string            `json:"threadID"`
	Participants []ParticipantView `json:"participants"`
}

type typingPayload struct {
	ThreadID string   `json:"threadID"`
	Users    []string `json:"users"`
}

type notificationPayload struct {
	Notification NotificationView `json:"notification"`
}

type readStatePayload struct {
	NotificationID string `json:"notificationID"`
	ReadStatus     string `json:"readStatus"`
}

type notificationDeletedPayload struct {
	NotificationID string `json:"notificationID"`
}

type presencePayload struct {
	UserID   string            `json:"userID"`
	Location location.Location `json:"location"`
	Present  bool              `json:"present"`
	Durable  bool              `json:"durable"`
}

func (s *Service) publishThread(typ events.Type, thread store.Thread, payload any) {
	s.bus.Publish(events.New(typ, thread.AppID, payload).Thread(thread.ExternalID, thread.Location).InGroup(thread.GroupID))
}

func (s *Service) publishNotification(typ events.Type, n store.Notification, payload any) {
	s.bus.Publish(events.New(typ, n.AppID, payload).To(n.RecipientID))
}

func (s *Service) publishPresence(appID string, payload presencePayload) {
	s.bus.Publish(events.New(events.PresenceChanged, appID, payload).At(payload.Location))
}
