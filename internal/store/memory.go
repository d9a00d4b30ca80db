package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"cord/api/internal/pagination"
)

type memberKey struct{ appID, groupID, userID string }
type participantKey struct{ threadID, userID string }
type reactionKey struct{ messageID, userID, emoji string }

// MemoryStore keeps everything in process. It backs local development and
// tests and mirrors the Postgres semantics, including not-found and conflict
// errors.
type MemoryStore struct {
	mu sync.RWMutex

	apps          map[string]Application
	users         map[string]User // appID/userID
	groups        map[string]Group
	members       map[memberKey]time.Time
	threads       map[string]Thread // by internal id
	threadByExt   map[string]string // appID/externalID -> id
	participants  map[participantKey]Participant
	messages      map[string]Message
	messageByExt  map[string]string
	reactions     map[reactionKey]Reaction
	notifications map[string]Notification
	files         map[string]File
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		apps:          map[string]Application{},
		users:         map[string]User{},
		groups:        map[string]Group{},
		members:       map[memberKey]time.Time{},
		threads:       map[string]Thread{},
		threadByExt:   map[string]string{},
		participants:  map[participantKey]Participant{},
		messages:      map[string]Message{},
		messageByExt:  map[string]string{},
		reactions:     map[reactionKey]Reaction{},
		notifications: map[string]Notification{},
		files:         map[string]File{},
	}
}

func scoped(appID, id string) string { return appID + "/" + id }

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreateApplication(_ context.Context, app Application) (Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[app.ID]; ok {
		return Application{}, fmt.Errorf("application %s: %w", app.ID, ErrConflict)
	}
	if app.CreatedAt.IsZero() {
		app.CreatedAt = Now()
	}
	s.apps[app.ID] = app
	return app, nil
}

func (s *MemoryStore) GetApplication(_ context.Context, appID string) (Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.apps[appID]
	if !ok {
		return Application{}, ErrNotFound
	}
	return app, nil
}

func (s *MemoryStore) UpsertUser(_ context.Context, user User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[user.AppID]; !ok {
		return User{}, ErrNotFound
	}
	now := Now()
	key := scoped(user.AppID, user.ID)
	if existing, ok := s.users[key]; ok {
		user.CreatedAt = existing.CreatedAt
	} else {
		user.CreatedAt = now
	}
	if user.Status == "" {
		user.Status = UserStatusActive
	}
	user.Metadata = cloneMap(user.Metadata)
	user.UpdatedAt = now
	s.users[key] = user
	return user, nil
}

func (s *MemoryStore) GetUser(_ context.Context, appID, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[scoped(appID, userID)]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) UpsertGroup(_ context.Context, group Group) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[group.AppID]; !ok {
		return Group{}, ErrNotFound
	}
	now := Now()
	key := scoped(group.AppID, group.ID)
	if existing, ok := s.groups[key]; ok {
		group.CreatedAt = existing.CreatedAt
	} else {
		group.CreatedAt = now
	}
	group.Metadata = cloneMap(group.Metadata)
	group.UpdatedAt = now
	s.groups[key] = group
	return group, nil
}

func (s *MemoryStore) GetGroup(_ context.Context, appID, groupID string) (Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[scoped(appID, groupID)]
	if !ok {
		return Group{}, ErrNotFound
	}
	return group, nil
}

func (s *MemoryStore) UpdateGroupMembers(_ context.Context, appID, groupID string, add, remove []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[scoped(appID, groupID)]; !ok {
		return ErrNotFound
	}
	for _, userID := range add {
		if _, ok := s.users[scoped(appID, userID)]; !ok {
			return fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
	}
	now := Now()
	for _, userID := range add {
		key := memberKey{appID, groupID, userID}
		if _, ok := s.members[key]; !ok {
			s.members[key] = now
		}
	}
	for _, userID := range remove {
		delete(s.members, memberKey{appID, groupID, userID})
	}
	return nil
}

func (s *MemoryStore) ListGroupMembers(_ context.Context, appID, groupID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.groups[scoped(appID, groupID)]; !ok {
		return nil, ErrNotFound
	}
	out := []string{}
	for key := range s.members {
		if key.appID == appID && key.groupID == groupID {
			out = append(out, key.userID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) ListUserGroups(_ context.Context, appID, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []string{}
	for key := range s.members {
		if key.appID == appID && key.userID == userID {
			out = append(out, key.groupID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) InsertThread(_ context.Context, thread Thread) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[thread.AppID]; !ok {
		return Thread{}, ErrNotFound
	}
	extKey := scoped(thread.AppID, thread.ExternalID)
	if _, ok := s.threadByExt[extKey]; ok {
		return Thread{}, fmt.Errorf("thread %s: %w", thread.ExternalID, ErrConflict)
	}
	now := Now()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	thread.UpdatedAt = now
	thread.Metadata = cloneMap(thread.Metadata)
	s.threads[thread.ID] = thread
	s.threadByExt[extKey] = thread.ID
	return thread, nil
}

func (s *MemoryStore) GetThread(_ context.Context, appID, externalID string) (Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.threadByExt[scoped(appID, externalID)]
	if !ok {
		return Thread{}, ErrNotFound
	}
	return s.threads[id], nil
}

func (s *MemoryStore) GetThreadByID(_ context.Context, threadID string) (Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread, ok := s.threads[threadID]
	if !ok {
		return Thread{}, ErrNotFound
	}
	return thread, nil
}

// UpdateThread replaces the mutable descriptive fields. Resolution is only
// changed through SetThreadResolved/SetThreadUnresolved.
func (s *MemoryStore) UpdateThread(_ context.Context, thread Thread) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.threads[thread.ID]
	if !ok {
		return Thread{}, ErrNotFound
	}
	current.Name = thread.Name
	current.URL = thread.URL
	current.Location = thread.Location
	current.GroupID = thread.GroupID
	current.Metadata = cloneMap(thread.Metadata)
	current.UpdatedAt = Now()
	s.threads[thread.ID] = current
	return current, nil
}

func (s *MemoryStore) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[threadID]
	if !ok {
		return ErrNotFound
	}
	delete(s.threads, threadID)
	delete(s.threadByExt, scoped(thread.AppID, thread.ExternalID))
	for key := range s.participants {
		if key.threadID == threadID {
			delete(s.participants, key)
		}
	}
	for id, msg := range s.messages {
		if msg.ThreadID != threadID {
			continue
		}
		delete(s.messages, id)
		delete(s.messageByExt, scoped(msg.AppID, msg.ExternalID))
		for key := range s.reactions {
			if key.messageID == id {
				delete(s.reactions, key)
			}
		}
	}
	for id, n := range s.notifications {
		if n.ThreadID == threadID {
			delete(s.notifications, id)
		}
	}
	return nil
}

func (s *MemoryStore) ListThreads(_ context.Context, filter ThreadFilter, req pagination.Request) (pagination.Page[Thread], error) {
	s.mu.RLock()
	items := make([]Thread, 0)
	for _, thread := range s.threads {
		if !filter.matchThread(thread) {
			continue
		}
		if filter.SubscribedUserID != "" {
			p, ok := s.participants[participantKey{thread.ID, filter.SubscribedUserID}]
			if !ok || !p.Subscribed {
				continue
			}
		}
		items = append(items, thread)
	}
	s.mu.RUnlock()
	req.Direction = pagination.Descending
	return pagination.Apply(items, Thread.Cursor, req)
}

func (s *MemoryStore) SetThreadResolved(_ context.Context, threadID, resolvedBy string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[threadID]
	if !ok {
		return false, ErrNotFound
	}
	if thread.Resolved() {
		return false, nil
	}
	at = at.UTC().Truncate(time.Microsecond)
	thread.ResolvedAt = &at
	thread.ResolvedBy = resolvedBy
	thread.UpdatedAt = Now()
	s.threads[threadID] = thread
	return true, nil
}

func (s *MemoryStore) SetThreadUnresolved(_ context.Context, threadID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[threadID]
	if !ok {
		return false, ErrNotFound
	}
	if !thread.Resolved() {
		return false, nil
	}
	thread.ResolvedAt = nil
	thread.ResolvedBy = ""
	thread.UpdatedAt = Now()
	s.threads[threadID] = thread
	return true, nil
}

func (s *MemoryStore) ThreadStats(_ context.Context, threadID, viewerID string) (ThreadStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.threads[threadID]; !ok {
		return ThreadStats{}, ErrNotFound
	}
	var lastSeen *time.Time
	if p, ok := s.participants[participantKey{threadID, viewerID}]; ok {
		lastSeen = p.LastSeenAt
	}
	var stats ThreadStats
	for _, msg := range s.messages {
		if msg.ThreadID != threadID || msg.Deleted() {
			continue
		}
		stats.Total++
		if msg.Type == MessageTypeAction {
			stats.ActionMessages++
		} else {
			stats.UserMessages++
		}
		if msg.AuthorID != viewerID && (lastSeen == nil || msg.CreatedAt.After(*lastSeen)) {
			stats.Unread++
		}
		created := msg.CreatedAt
		if stats.FirstMessageAt == nil || created.Before(*stats.FirstMessageAt) {
			stats.FirstMessageAt = &created
		}
		if stats.LastMessageAt == nil || created.After(*stats.LastMessageAt) {
			stats.LastMessageAt = &created
		}
	}
	return stats, nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, threadID, userID string) (Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[participantKey{threadID, userID}]
	if !ok {
		return Participant{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) ListParticipants(_ context.Context, threadID string) ([]Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Participant{}
	for key, p := range s.participants {
		if key.threadID == threadID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) SetLastSeen(_ context.Context, threadID, userID string, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return ErrNotFound
	}
	key := participantKey{threadID, userID}
	p := s.participants[key]
	p.ThreadID, p.UserID = threadID, userID
	if at != nil {
		t := at.UTC().Truncate(time.Microsecond)
		p.LastSeenAt = &t
	} else {
		p.LastSeenAt = nil
	}
	s.participants[key] = p
	return nil
}

func (s *MemoryStore) SetSubscribed(_ context.Context, threadID, userID string, subscribed bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return false, ErrNotFound
	}
	key := participantKey{threadID, userID}
	p, exists := s.participants[key]
	if exists && p.Subscribed == subscribed {
		return false, nil
	}
	p.ThreadID, p.UserID, p.Subscribed = threadID, userID, subscribed
	s.participants[key] = p
	return true, nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[msg.ThreadID]; !ok {
		return Message{}, ErrNotFound
	}
	extKey := scoped(msg.AppID, msg.ExternalID)
	if _, ok := s.messageByExt[extKey]; ok {
		return Message{}, fmt.Errorf("message %s: %w", msg.ExternalID, ErrConflict)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = Now()
	}
	if msg.Type == "" {
		msg.Type = MessageTypeUser
	}
	msg = cloneMessage(msg)
	s.messages[msg.ID] = msg
	s.messageByExt[extKey] = msg.ID
	return msg, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, appID, externalID string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.messageByExt[scoped(appID, externalID)]
	if !ok {
		return Message{}, ErrNotFound
	}
	return cloneMessage(s.messages[id]), nil
}

func (s *MemoryStore) GetMessageByID(_ context.Context, messageID string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return Message{}, ErrNotFound
	}
	return cloneMessage(msg), nil
}

// UpdateMessage replaces content, attachments and metadata of a live message.
func (s *MemoryStore) UpdateMessage(_ context.Context, msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.messages[msg.ID]
	if !ok || current.Deleted() {
		return Message{}, ErrNotFound
	}
	now := Now()
	current.Content = msg.Content
	current.Plaintext = msg.Plaintext
	current.Attachments = msg.Attachments
	current.Metadata = msg.Metadata
	current.UpdatedAt = &now
	current = cloneMessage(current)
	s.messages[msg.ID] = current
	return current, nil
}

// DeleteMessage clears the message body and stamps DeletedAt. Deleting twice
// returns the already-deleted message and changed=false.
func (s *MemoryStore) DeleteMessage(_ context.Context, messageID string, at time.Time) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return Message{}, false, ErrNotFound
	}
	if msg.Deleted() {
		return cloneMessage(msg), false, nil
	}
	at = at.UTC().Truncate(time.Microsecond)
	msg.DeletedAt = &at
	msg.Content = json.RawMessage("[]")
	msg.Plaintext = ""
	msg.Attachments = nil
	s.messages[messageID] = msg
	for key := range s.reactions {
		if key.messageID == messageID {
			delete(s.reactions, key)
		}
	}
	return cloneMessage(msg), true, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, filter MessageFilter, req pagination.Request) (pagination.Page[Message], error) {
	s.mu.RLock()
	items := make([]Message, 0)
	for _, msg := range s.messages {
		if msg.ThreadID == filter.ThreadID {
			items = append(items, cloneMessage(msg))
		}
	}
	s.mu.RUnlock()
	req.Direction = pagination.Descending
	if filter.Ascending {
		req.Direction = pagination.Ascending
	}
	return pagination.Apply(items, Message.Cursor, req)
}

// LatestMessageFromOthers returns the creation time of the newest live
// message in the thread not authored by userID.
func (s *MemoryStore) LatestMessageFromOthers(_ context.Context, threadID, userID string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *time.Time
	for _, msg := range s.messages {
		if msg.ThreadID != threadID || msg.AuthorID == userID || msg.Deleted() {
			continue
		}
		if latest == nil || msg.CreatedAt.After(*latest) {
			created := msg.CreatedAt
			latest = &created
		}
	}
	return latest, nil
}

func (s *MemoryStore) SearchMessages(_ context.Context, appID, text string, groupIDs []string, limit int) ([]Message, error) {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return []Message{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Message{}
	for _, msg := range s.messages {
		if msg.AppID != appID || msg.Deleted() || !strings.Contains(strings.ToLower(msg.Plaintext), needle) {
			continue
		}
		if groupIDs != nil && !slices.Contains(groupIDs, s.threads[msg.ThreadID].GroupID) {
			continue
		}
		out = append(out, cloneMessage(msg))
	}
	sort.Slice(out, func(i, j int) bool {
		return pagination.Less(out[i].Cursor(), out[j].Cursor(), pagination.Descending)
	})
	limit = pagination.NormalizeLimit(limit)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AddReaction(_ context.Context, r Reaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[r.MessageID]
	if !ok || msg.Deleted() {
		return false, ErrNotFound
	}
	key := reactionKey{r.MessageID, r.UserID, r.Emoji}
	if _, ok := s.reactions[key]; ok {
		return false, nil
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = Now()
	}
	s.reactions[key] = r
	return true, nil
}

func (s *MemoryStore) RemoveReaction(_ context.Context, messageID, userID, emoji string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[messageID]; !ok {
		return false, ErrNotFound
	}
	key := reactionKey{messageID, userID, emoji}
	if _, ok := s.reactions[key]; !ok {
		return false, nil
	}
	delete(s.reactions, key)
	return true, nil
}

func (s *MemoryStore) ListReactions(_ context.Context, messageIDs []string) (map[string][]Reaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string][]Reaction{}
	for key, r := range s.reactions {
		if slices.Contains(messageIDs, key.messageID) {
			out[key.messageID] = append(out[key.messageID], r)
		}
	}
	for id := range out {
		sort.Slice(out[id], func(i, j int) bool {
			a, b := out[id][i], out[id][j]
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.UserID+a.Emoji < b.UserID+b.Emoji
		})
	}
	return out, nil
}

func (s *MemoryStore) InsertNotification(_ context.Context, n Notification) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifications[n.ID]; ok {
		return Notification{}, fmt.Errorf("notification %s: %w", n.ID, ErrConflict)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = Now()
	}
	n = cloneNotification(n)
	s.notifications[n.ID] = n
	return n, nil
}

func (s *MemoryStore) GetNotification(_ context.Context, appID, notificationID string) (Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifications[notificationID]
	if !ok || n.AppID != appID {
		return Notification{}, ErrNotFound
	}
	return cloneNotification(n), nil
}

// SetNotificationRead moves one notification to read or unread. changed is
// false when it was already in that state.
func (s *MemoryStore) SetNotificationRead(_ context.Context, appID, recipientID, notificationID string, read bool, at time.Time) (Notification, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[notificationID]
	if !ok || n.AppID != appID || n.RecipientID != recipientID {
		return Notification{}, false, ErrNotFound
	}
	if n.Read() == read {
		return cloneNotification(n), false, nil
	}
	if read {
		at = at.UTC().Truncate(time.Microsecond)
		n.ReadAt = &at
	} else {
		n.ReadAt = nil
	}
	s.notifications[notificationID] = n
	return cloneNotification(n), true, nil
}

// MarkAllNotificationsRead marks the unread notifications matching filter and
// returns the ones it changed.
func (s *MemoryStore) MarkAllNotificationsRead(_ context.Context, filter NotificationFilter, at time.Time) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	filter.UnreadOnly = true
	at = at.UTC().Truncate(time.Microsecond)
	changed := []Notification{}
	for id, n := range s.notifications {
		if !filter.matchNotification(n, s.notificationThread(n)) {
			continue
		}
		readAt := at
		n.ReadAt = &readAt
		s.notifications[id] = n
		changed = append(changed, cloneNotification(n))
	}
	sort.Slice(changed, func(i, j int) bool {
		return pagination.Less(changed[i].Cursor(), changed[j].Cursor(), pagination.Descending)
	})
	return changed, nil
}

func (s *MemoryStore) notificationThread(n Notification) *Thread {
	if n.ThreadID == "" {
		return nil
	}
	t, ok := s.threads[n.ThreadID]
	if !ok {
		return nil
	}
	return &t
}

func (s *MemoryStore) DeleteNotification(_ context.Context, appID, notificationID string) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[notificationID]
	if !ok || n.AppID != appID {
		return Notification{}, ErrNotFound
	}
	delete(s.notifications, notificationID)
	return n, nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, filter NotificationFilter, req pagination.Request) (pagination.Page[Notification], error) {
	s.mu.RLock()
	items := make([]Notification, 0)
	for _, n := range s.notifications {
		if filter.matchNotification(n, s.notificationThread(n)) {
			items = append(items, cloneNotification(n))
		}
	}
	s.mu.RUnlock()
	req.Direction = pagination.Descending
	return pagination.Apply(items, Notification.Cursor, req)
}

func (s *MemoryStore) CountNotifications(_ context.Context, filter NotificationFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, n := range s.notifications {
		if filter.matchNotification(n, s.notificationThread(n)) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) PurgeReadNotifications(_ context.Context, readBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for id, n := range s.notifications {
		if n.ReadAt != nil && n.ReadAt.Before(readBefore) {
			delete(s.notifications, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) InsertFile(_ context.Context, f File) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[f.ID]; ok {
		return File{}, ErrConflict
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = Now()
	}
	if f.Status == "" {
		f.Status = FileStatusUploading
	}
	s.files[f.ID] = f
	return f, nil
}

func (s *MemoryStore) GetFile(_ context.Context, appID, fileID string) (File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[fileID]
	if !ok || f.AppID != appID {
		return File{}, ErrNotFound
	}
	return f, nil
}

func (s *MemoryStore) SetFileStatus(_ context.Context, appID, fileID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	if !ok || f.AppID != appID {
		return ErrNotFound
	}
	f.Status = status
	s.files[fileID] = f
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneMessage(m Message) Message {
	m.Content = append(json.RawMessage(nil), m.Content...)
	m.Attachments = append([]Attachment(nil), m.Attachments...)
	m.Metadata = cloneMap(m.Metadata)
	return m
}

func cloneNotification(n Notification) Notification {
	n.SenderIDs = append([]string(nil), n.SenderIDs...)
	n.Metadata = cloneMap(n.Metadata)
	if n.Attachment != nil {
		a := *n.Attachment
		n.Attachment = &a
	}
	return n
}
