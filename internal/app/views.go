package app

import (
	"encoding/json"
	"time"

	"cord/api/internal/location"
	"cord/api/internal/store"
)

type ParticipantView struct {
	UserID            string  `json:"userID"`
	LastSeenTimestamp *string `json:"lastSeenTimestamp"`
	Subscribed        bool    `json:"subscribed"`
}

// ThreadViewerState is the part of a thread that depends on who looks at it.
type ThreadViewerState struct {
	Unread            int     `json:"unread"`
	Subscribed        bool    `json:"subscribed"`
	LastSeenTimestamp *string `json:"lastSeenTimestamp"`
}

type ThreadView struct {
	ID                    string             `json:"id"`
	GroupID               string             `json:"groupID"`
	Location              location.Location  `json:"location"`
	Name                  string             `json:"name"`
	URL                   string             `json:"url"`
	Metadata              map[string]any     `json:"metadata"`
	Resolved              bool               `json:"resolved"`
	ResolvedTimestamp     *string            `json:"resolvedTimestamp"`
	ResolvedByUserID      string             `json:"resolvedByUserID,omitempty"`
	Total                 int                `json:"total"`
	UserMessages          int                `json:"userMessages"`
	ActionMessages        int                `json:"actionMessages"`
	FirstMessageTimestamp *string            `json:"firstMessageTimestamp"`
	LastMessageTimestamp  *string            `json:"lastMessageTimestamp"`
	Participants          []ParticipantView  `json:"participants"`
	TypingUsers           []string           `json:"typing"`
	CreatedTimestamp      string             `json:"createdTimestamp"`
	Viewer                *ThreadViewerState `json:"viewer,omitempty"`
}

type ReactionView struct {
	UserID    string `json:"userID"`
	Reaction  string `json:"reaction"`
	Timestamp string `json:"timestamp"`
}

type MessageView struct {
	ID               string             `json:"id"`
	ThreadID         string             `json:"threadID"`
	AuthorID         string             `json:"authorID"`
	Content          json.RawMessage    `json:"content"`
	Plaintext        string             `json:"plaintext"`
	Attachments      []store.Attachment `json:"attachments"`
	Reactions        []ReactionView     `json:"reactions"`
	Type             string             `json:"type"`
	Metadata         map[string]any     `json:"metadata"`
	CreatedTimestamp string             `json:"createdTimestamp"`
	UpdatedTimestamp *string            `json:"updatedTimestamp"`
	DeletedTimestamp *string            `json:"deletedTimestamp"`
}

type NotificationView struct {
	ID            string                        `json:"id"`
	RecipientID   string                        `json:"recipientID"`
	SenderUserIDs []string                      `json:"senderUserIDs"`
	Header        string                        `json:"header"`
	Attachment    *store.NotificationAttachment `json:"attachment"`
	Type          string                        `json:"type"`
	ReadStatus    string                        `json:"readStatus"`
	Timestamp     string                        `json:"timestamp"`
	Metadata      map[string]any                `json:"metadata"`
}

type PageView[T any] struct {
	Items   []T    `json:"items"`
	Token   string `json:"token,omitempty"`
	HasMore bool   `json:"hasMore"`
	Total   int    `json:"total"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func messageView(msg store.Message, threadExternalID string, reactions []store.Reaction) MessageView {
	view := MessageView{
		ID:               msg.ExternalID,
		ThreadID:         threadExternalID,
		AuthorID:         msg.AuthorID,
		Content:          msg.Content,
		Plaintext:        msg.Plaintext,
		Attachments:      msg.Attachments,
		Reactions:        make([]ReactionView, 0, len(reactions)),
		Type:             msg.Type,
		Metadata:         nonNilMap(msg.Metadata),
		CreatedTimestamp: formatTime(msg.CreatedAt),
		UpdatedTimestamp: formatTimePtr(msg.UpdatedAt),
		DeletedTimestamp: formatTimePtr(msg.DeletedAt),
	}
	if len(view.Content) == 0 {
		view.Content = json.RawMessage("[]")
	}
	if view.Attachments == nil {
		view.Attachments = []store.Attachment{}
	}
	for _, r := range reactions {
		view.Reactions = append(view.Reactions, ReactionView{UserID: r.UserID, Reaction: r.Emoji, Timestamp: formatTime(r.CreatedAt)})
	}
	return view
}

func notificationView(n store.Notification) NotificationView {
	status := "unread"
	if n.Read() {
		status = "read"
	}
	return NotificationView{
		ID:            n.ID,
		RecipientID:   n.RecipientID,
		SenderUserIDs: nonNilStrings(n.SenderIDs),
		Header:        n.Template,
		Attachment:    n.Attachment,
		Type:          n.Type,
		ReadStatus:    status,
		Timestamp:     formatTime(n.CreatedAt),
		Metadata:      nonNilMap(n.Metadata),
	}
}
