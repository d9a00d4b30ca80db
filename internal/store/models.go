package store

import (
	"encoding/json"
	"errors"
	"time"

	"cord/api/internal/location"
	"cord/api/internal/pagination"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

const (
	UserStatusActive  = "active"
	UserStatusDeleted = "deleted"

	MessageTypeUser   = "user_message"
	MessageTypeAction = "action_message"

	FileStatusUploading = "uploading"
	FileStatusUploaded  = "uploaded"
	FileStatusFailed    = "failed"
)

type Application struct {
	ID        string
	Name      string
	Secret    string
	CreatedAt time.Time
}

type User struct {
	AppID             string
	ID                string
	Name              string
	ShortName         string
	Email             string
	ProfilePictureURL string
	Status            string
	Metadata          map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Group struct {
	AppID     string
	ID        string
	Name      string
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Thread is addressed externally by ExternalID; ID is internal.
type Thread struct {
	ID         string
	AppID      string
	ExternalID string
	GroupID    string
	Location   location.Location
	Name       string
	URL        string
	Metadata   map[string]any
	ResolvedAt *time.Time
	ResolvedBy string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (t Thread) Resolved() bool { return t.ResolvedAt != nil }

func (t Thread) Cursor() pagination.Cursor {
	return pagination.Cursor{CreatedAt: t.CreatedAt, ID: t.ID}
}

type Participant struct {
	ThreadID   string
	UserID     string
	LastSeenAt *time.Time
	Subscribed bool
}

// ThreadStats are the per-viewer message aggregates of a thread.
type ThreadStats struct {
	Total          int
	Unread         int
	UserMessages   int
	ActionMessages int
	FirstMessageAt *time.Time
	LastMessageAt  *time.Time
}

const (
	AttachmentFile        = "file"
	AttachmentAnnotation  = "annotation"
	AttachmentScreenshot  = "screenshot"
	AttachmentLinkPreview = "link_preview"
)

// Attachment is a tagged union discriminated by Type.
type Attachment struct {
	Type     string            `json:"type" validate:"required,oneof=file annotation screenshot link_preview"`
	FileID   string            `json:"fileID,omitempty" validate:"required_if=Type file,required_if=Type screenshot"`
	Location location.Location `json:"location,omitempty"`
	Text     string            `json:"text,omitempty"`
	URL      string            `json:"url,omitempty" validate:"required_if=Type link_preview,omitempty,url"`
	Title    string            `json:"title,omitempty"`
	ImageURL string            `json:"imageURL,omitempty"`
}

type Message struct {
	ID          string
	AppID       string
	ExternalID  string
	ThreadID    string
	AuthorID    string
	Content     json.RawMessage
	Plaintext   string
	Attachments []Attachment
	Type        string
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   *time.Time
	DeletedAt   *time.Time
}

func (m Message) Deleted() bool { return m.DeletedAt != nil }

func (m Message) Cursor() pagination.Cursor {
	return pagination.Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

type Reaction struct {
	MessageID string
	UserID    string
	Emoji     string
	CreatedAt time.Time
}

const (
	NotificationAttachmentURL     = "url"
	NotificationAttachmentMessage = "message"
	NotificationAttachmentThread  = "thread"
)

// NotificationAttachment is a tagged union discriminated by Type.
type NotificationAttachment struct {
	Type      string `json:"type"`
	URL       string `json:"url,omitempty"`
	MessageID string `json:"messageID,omitempty"`
	ThreadID  string `json:"threadID,omitempty"`
}

type Notification struct {
	ID          string
	AppID       string
	RecipientID string
	SenderIDs   []string
	Template    string
	Attachment  *NotificationAttachment
	// ThreadID is the internal id of the thread the attachment points into.
	ThreadID  string
	GroupID   string
	Type      string
	ReadAt    *time.Time
	Metadata  map[string]any
	CreatedAt time.Time
}

func (n Notification) Read() bool { return n.ReadAt != nil }

func (n Notification) Cursor() pagination.Cursor {
	return pagination.Cursor{CreatedAt: n.CreatedAt, ID: n.ID}
}

type File struct {
	ID         string
	AppID      string
	UploaderID string
	Name       string
	MimeType   string
	Size       int64
	StorageKey string
	Status     string
	CreatedAt  time.Time
}

const (
	ResolvedAny        = "any"
	ResolvedOnly       = "resolved"
	ResolvedUnresolved = "unresolved"
)

type ThreadFilter struct {
	AppID string
	// GroupIDs restricts results to threads in these groups. Nil means no restriction.
	GroupIDs     []string
	GroupID      string
	Location     location.Location
	PartialMatch bool
	Metadata     map[string]any
	Resolved     string
	// SubscribedUserID keeps only threads the user is subscribed to.
	SubscribedUserID string
}

type MessageFilter struct {
	ThreadID  string
	Ascending bool
}

type NotificationFilter struct {
	AppID        string
	RecipientID  string
	Metadata     map[string]any
	Location     location.Location
	PartialMatch bool
	GroupID      string
	UnreadOnly   bool
}

func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
