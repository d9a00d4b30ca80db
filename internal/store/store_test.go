package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"cord/api/internal/location"
	"cord/api/internal/pagination"
	"github.com/google/uuid"
)

// backend is the method set shared by MemoryStore and PostgresStore.
type backend interface {
	CreateApplication(ctx context.Context, app Application) (Application, error)
	UpsertUser(ctx context.Context, user User) (User, error)
	GetUser(ctx context.Context, appID, userID string) (User, error)
	UpsertGroup(ctx context.Context, group Group) (Group, error)
	UpdateGroupMembers(ctx context.Context, appID, groupID string, add, remove []string) error
	ListGroupMembers(ctx context.Context, appID, groupID string) ([]string, error)
	ListUserGroups(ctx context.Context, appID, userID string) ([]string, error)
	InsertThread(ctx context.Context, thread Thread) (Thread, error)
	GetThread(ctx context.Context, appID, externalID string) (Thread, error)
	UpdateThread(ctx context.Context, thread Thread) (Thread, error)
	DeleteThread(ctx context.Context, threadID string) error
	ListThreads(ctx context.Context, filter ThreadFilter, req pagination.Request) (pagination.Page[Thread], error)
	SetThreadResolved(ctx context.Context, threadID, resolvedBy string, at time.Time) (bool, error)
	SetThreadUnresolved(ctx context.Context, threadID string) (bool, error)
	ThreadStats(ctx context.Context, threadID, viewerID string) (ThreadStats, error)
	SetLastSeen(ctx context.Context, threadID, userID string, at *time.Time) error
	SetSubscribed(ctx context.Context, threadID, userID string, subscribed bool) (bool, error)
	GetParticipant(ctx context.Context, threadID, userID string) (Participant, error)
	InsertMessage(ctx context.Context, msg Message) (Message, error)
	GetMessage(ctx context.Context, appID, externalID string) (Message, error)
	DeleteMessage(ctx context.Context, messageID string, at time.Time) (Message, bool, error)
	ListMessages(ctx context.Context, filter MessageFilter, req pagination.Request) (pagination.Page[Message], error)
	LatestMessageFromOthers(ctx context.Context, threadID, userID string) (*time.Time, error)
	SearchMessages(ctx context.Context, appID, text string, groupIDs []string, limit int) ([]Message, error)
	AddReaction(ctx context.Context, r Reaction) (bool, error)
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) (bool, error)
	ListReactions(ctx context.Context, messageIDs []string) (map[string][]Reaction, error)
	InsertNotification(ctx context.Context, n Notification) (Notification, error)
	SetNotificationRead(ctx context.Context, appID, recipientID, notificationID string, read bool, at time.Time) (Notification, bool, error)
	MarkAllNotificationsRead(ctx context.Context, filter NotificationFilter, at time.Time) ([]Notification, error)
	DeleteNotification(ctx context.Context, appID, notificationID string) (Notification, error)
	ListNotifications(ctx context.Context, filter NotificationFilter, req pagination.Request) (pagination.Page[Notification], error)
	CountNotifications(ctx context.Context, filter NotificationFilter) (int, error)
	PurgeReadNotifications(ctx context.Context, readBefore time.Time) (int64, error)
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) backend { return NewMemoryStore() })
}

func TestPostgresStore(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("CORD_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("CORD_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, testMigrationsDir); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if err := RollbackMigrations(ctx, db, testMigrationsDir); err != nil {
		t.Fatalf("rollback migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db, testMigrationsDir); err != nil {
		t.Fatalf("reapply migrations: %v", err)
	}

	runStoreSuite(t, func(t *testing.T) backend {
		truncateAll(t, db)
		return NewPostgresStore(db)
	})
}

func truncateAll(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(`TRUNCATE applications, users, groups, group_members, threads, thread_participants, messages, message_reactions, notifications, files CASCADE`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
}

func runStoreSuite(t *testing.T, newBackend func(t *testing.T) backend) {
	t.Run("tenancy", func(t *testing.T) { testTenancy(t, newBackend(t)) })
	t.Run("thread resolution", func(t *testing.T) { testThreadResolution(t, newBackend(t)) })
	t.Run("thread listing", func(t *testing.T) { testThreadListing(t, newBackend(t)) })
	t.Run("seen state", func(t *testing.T) { testSeenState(t, newBackend(t)) })
	t.Run("messages", func(t *testing.T) { testMessages(t, newBackend(t)) })
	t.Run("notifications", func(t *testing.T) { testNotifications(t, newBackend(t)) })
}

func seed(t *testing.T, s backend) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.CreateApplication(ctx, Application{ID: "app1", Name: "App", Secret: "secret"}); err != nil {
		t.Fatalf("CreateApplication: %v", err)
	}
	for _, id := range []string{"alice", "bob", "carol"} {
		if _, err := s.UpsertUser(ctx, User{AppID: "app1", ID: id, Name: id}); err != nil {
			t.Fatalf("UpsertUser %s: %v", id, err)
		}
	}
	for _, id := range []string{"g1", "g2"} {
		if _, err := s.UpsertGroup(ctx, Group{AppID: "app1", ID: id, Name: id}); err != nil {
			t.Fatalf("UpsertGroup %s: %v", id, err)
		}
	}
}

func newThread(t *testing.T, s backend, ext, group string, loc location.Location, at time.Time) Thread {
	t.Helper()
	thread, err := s.InsertThread(context.Background(), Thread{
		ID:         uuid.NewString(),
		AppID:      "app1",
		ExternalID: ext,
		GroupID:    group,
		Location:   loc,
		Metadata:   map[string]any{"ext": ext},
		CreatedAt:  at,
	})
	if err != nil {
		t.Fatalf("InsertThread %s: %v", ext, err)
	}
	return thread
}

func newMessage(t *testing.T, s backend, thread Thread, ext, author, text string, at time.Time) Message {
	t.Helper()
	body, _ := json.Marshal([]map[string]any{{"type": "p", "children": []map[string]any{{"text": text}}}})
	msg, err := s.InsertMessage(context.Background(), Message{
		ID:         uuid.NewString(),
		AppID:      thread.AppID,
		ExternalID: ext,
		ThreadID:   thread.ID,
		AuthorID:   author,
		Content:    body,
		Plaintext:  text,
		CreatedAt:  at,
	})
	if err != nil {
		t.Fatalf("InsertMessage %s: %v", ext, err)
	}
	return msg
}

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func testTenancy(t *testing.T, s backend) {
	ctx := context.Background()
	seed(t, s)

	if _, err := s.CreateApplication(ctx, Application{ID: "app1", Name: "dup", Secret: "x"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate application, got %v", err)
	}
	if _, err := s.GetUser(ctx, "other-app", "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound across applications, got %v", err)
	}

	if err := s.UpdateGroupMembers(ctx, "app1", "g1", []string{"alice", "bob"}, nil); err != nil {
		t.Fatalf("UpdateGroupMembers: %v", err)
	}
	if err := s.UpdateGroupMembers(ctx, "app1", "g1", []string{"alice"}, []string{"bob"}); err != nil {
		t.Fatalf("UpdateGroupMembers again: %v", err)
	}
	members, err := s.ListGroupMembers(ctx, "app1", "g1")
	if err != nil {
		t.Fatalf("ListGroupMembers: %v", err)
	}
	if fmt.Sprint(members) != "[alice]" {
		t.Fatalf("unexpected members: %v", members)
	}
	groups, err := s.ListUserGroups(ctx, "app1", "alice")
	if err != nil || fmt.Sprint(groups) != "[g1]" {
		t.Fatalf("ListUserGroups = %v, %v", groups, err)
	}
	if err := s.UpdateGroupMembers(ctx, "app1", "missing", []string{"alice"}, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing group, got %v", err)
	}
}

func testThreadResolution(t *testing.T, s backend) {
	ctx := context.Background()
	seed(t, s)
	thread := newThread(t, s, "t1", "g1", location.Location{"page": "a"}, base)

	changed, err := s.SetThreadResolved(ctx, thread.ID, "alice", base.Add(time.Minute))
	if err != nil || !changed {
		t.Fatalf("resolve: changed=%v err=%v", changed, err)
	}
	changed, err = s.SetThreadResolved(ctx, thread.ID, "bob", base.Add(2*time.Minute))
	if err != nil || changed {
		t.Fatalf("resolving a resolved thread must be a no-op: changed=%v err=%v", changed, err)
	}
	got, err := s.GetThread(ctx, "app1", "t1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if !got.Resolved() || got.ResolvedBy != "alice" || !got.ResolvedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected resolved thread: %+v", got)
	}

	changed, err = s.SetThreadUnresolved(ctx, thread.ID)
	if err != nil || !changed {
		t.Fatalf("reopen: changed=%v err=%v", changed, err)
	}
	changed, err = s.SetThreadUnresolved(ctx, thread.ID)
	if err != nil || changed {
		t.Fatalf("reopening an open thread must be a no-op: changed=%v err=%v", changed, err)
	}
	got, _ = s.GetThread(ctx, "app1", "t1")
	if got.Resolved() || got.ResolvedAt != nil || got.ResolvedBy != "" {
		t.Fatalf("reopen must clear resolution: %+v", got)
	}

	if _, err := s.SetThreadResolved(ctx, uuid.NewString(), "alice", base); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing thread, got %v", err)
	}

	if _, err := s.InsertThread(ctx, Thread{ID: uuid.NewString(), AppID: "app1", ExternalID: "t1", GroupID: "g1", Location: location.Location{"page": "a"}}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate external id, got %v", err)
	}

	got.Name = "renamed"
	got.Metadata = map[string]any{"priority": "high"}
	updated, err := s.UpdateThread(ctx, got)
	if err != nil || updated.Name != "renamed" || updated.Metadata["priority"] != "high" {
		t.Fatalf("UpdateThread = %+v, %v", updated, err)
	}

	if err := s.DeleteThread(ctx, thread.ID); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	if _, err := s.GetThread(ctx, "app1", "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteThread(ctx, thread.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func testThreadListing(t *testing.T, s backend) {
	ctx := context.Background()
	seed(t, s)
	for i := 0; i < 11; i++ {
		group := "g1"
		if i%3 == 0 {
			group = "g2"
		}
		// every pair shares a timestamp to exercise the id tie-break
		newThread(t, s, fmt.Sprintf("t%02d", i), group, location.Location{"page": "docs", "section": float64(i % 2)}, base.Add(time.Duration(i/2)*time.Second))
	}

	filter := ThreadFilter{AppID: "app1"}
	seen := map[string]bool{}
	var order []Thread
	token := ""
	total := -1
	for {
		page, err := s.ListThreads(ctx, filter, pagination.Request{Token: token, Limit: 3})
		if err != nil {
			t.Fatalf("ListThreads: %v", err)
		}
		if total == -1 {
			total = page.Total
		}
		if page.Total != total {
			t.Fatalf("total changed between pages: %d vs %d", page.Total, total)
		}
		for _, thread := range page.Items {
			if seen[thread.ID] {
				t.Fatalf("thread %s returned twice", thread.ExternalID)
			}
			seen[thread.ID] = true
			order = append(order, thread)
		}
		if !page.HasMore {
			break
		}
		token = page.Token
	}
	if total != 11 || len(order) != 11 {
		t.Fatalf("expected 11 threads, total=%d got=%d", total, len(order))
	}
	if !sort.SliceIsSorted(order, func(i, j int) bool {
		return pagination.Less(order[i].Cursor(), order[j].Cursor(), pagination.Descending)
	}) {
		t.Fatal("threads are not in descending (created, id) order")
	}

	partial, err := s.ListThreads(ctx, ThreadFilter{AppID: "app1", Location: location.Location{"section": 1}, PartialMatch: true}, pagination.Request{})
	if err != nil || partial.Total != 5 {
		t.Fatalf("partial location filter: total=%d err=%v", partial.Total, err)
	}
	exact, err := s.ListThreads(ctx, ThreadFilter{AppID: "app1", Location: location.Location{"section": 1}}, pagination.Request{})
	if err != nil || exact.Total != 0 {
		t.Fatalf("exact location filter must not match subsets: total=%d err=%v", exact.Total, err)
	}
	visible, err := s.ListThreads(ctx, ThreadFilter{AppID: "app1", GroupIDs: []string{"g2"}}, pagination.Request{})
	if err != nil || visible.Total != 4 {
		t.Fatalf("group visibility filter: total=%d err=%v", visible.Total, err)
	}
	none, err := s.ListThreads(ctx, ThreadFilter{AppID: "app1", GroupIDs: []string{}}, pagination.Request{})
	if err != nil || none.Total != 0 {
		t.Fatalf("empty group list must hide everything: total=%d err=%v", none.Total, err)
	}

	first := order[0]
	if _, err := s.SetThreadResolved(ctx, first.ID, "alice", base); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	resolved, err := s.ListThreads(ctx, ThreadFilter{AppID: "app1", Resolved: ResolvedOnly}, pagination.Request{})
	if err != nil || resolved.Total != 1 || resolved.Items[0].ID != first.ID {
		t.Fatalf("resolved filter: %+v err=%v", resolved, err)
	}

	if _, err := s.SetSubscribed(ctx, first.ID, "bob", true); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	subscribed, err := s.ListThreads(ctx, ThreadFilter{AppID: "app1", SubscribedUserID: "bob"}, pagination.Request{})
	if err != nil || subscribed.Total != 1 {
		t.Fatalf("subscribed filter: total=%d err=%v", subscribed.Total, err)
	}
	metadata, err := s.ListThreads(ctx, ThreadFilter{AppID: "app1", Metadata: map[string]any{"ext": "t03"}}, pagination.Request{})
	if err != nil || metadata.Total != 1 {
		t.Fatalf("metadata filter: total=%d err=%v", metadata.Total, err)
	}

	if _, err := s.ListThreads(ctx, filter, pagination.Request{Token: "garbage!"}); !errors.Is(err, pagination.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func testSeenState(t *testing.T, s backend) {
	ctx := context.Background()
	seed(t, s)
	thread := newThread(t, s, "t1", "g1", location.Location{"page": "a"}, base)
	newMessage(t, s, thread, "m1", "alice", "first", base.Add(time.Second))
	second := newMessage(t, s, thread, "m2", "bob", "second", base.Add(2*time.Second))
	newMessage(t, s, thread, "m3", "alice", "third", base.Add(3*time.Second))

	stats, err := s.ThreadStats(ctx, thread.ID, "alice")
	if err != nil {
		t.Fatalf("ThreadStats: %v", err)
	}
	if stats.Total != 3 || stats.Unread != 1 {
		t.Fatalf("expected 3 total / 1 unread for alice, got %+v", stats)
	}

	latest, err := s.LatestMessageFromOthers(ctx, thread.ID, "alice")
	if err != nil || latest == nil || !latest.Equal(second.CreatedAt) {
		t.Fatalf("LatestMessageFromOthers = %v, %v", latest, err)
	}

	seenAt := base.Add(10 * time.Second)
	if err := s.SetLastSeen(ctx, thread.ID, "alice", &seenAt); err != nil {
		t.Fatalf("SetLastSeen: %v", err)
	}
	stats, _ = s.ThreadStats(ctx, thread.ID, "alice")
	if stats.Unread != 0 {
		t.Fatalf("expected nothing unread after seen, got %+v", stats)
	}
	p, err := s.GetParticipant(ctx, thread.ID, "alice")
	if err != nil || p.LastSeenAt == nil || !p.LastSeenAt.Equal(seenAt) {
		t.Fatalf("GetParticipant = %+v, %v", p, err)
	}
	if p.Subscribed {
		t.Fatal("marking seen must not subscribe")
	}

	if err := s.SetLastSeen(ctx, thread.ID, "alice", nil); err != nil {
		t.Fatalf("SetLastSeen nil: %v", err)
	}
	stats, _ = s.ThreadStats(ctx, thread.ID, "alice")
	if stats.Unread != 1 {
		t.Fatalf("expected unread after clearing seen, got %+v", stats)
	}

	changed, err := s.SetSubscribed(ctx, thread.ID, "carol", true)
	if err != nil || !changed {
		t.Fatalf("subscribe: changed=%v err=%v", changed, err)
	}
	changed, err = s.SetSubscribed(ctx, thread.ID, "carol", true)
	if err != nil || changed {
		t.Fatalf("second subscribe must be a no-op: changed=%v err=%v", changed, err)
	}
}

func testMessages(t *testing.T, s backend) {
	ctx := context.Background()
	seed(t, s)
	thread := newThread(t, s, "t1", "g1", location.Location{"page": "a"}, base)
	for i := 0; i < 5; i++ {
		newMessage(t, s, thread, fmt.Sprintf("m%d", i), "alice", fmt.Sprintf("hello number %d", i), base.Add(time.Duration(i)*time.Second))
	}

	if _, err := s.InsertMessage(ctx, Message{ID: uuid.NewString(), AppID: "app1", ExternalID: "m0", ThreadID: thread.ID, AuthorID: "bob"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate message id, got %v", err)
	}

	asc, err := s.ListMessages(ctx, MessageFilter{ThreadID: thread.ID, Ascending: true}, pagination.Request{Limit: 2})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if asc.Total != 5 || len(asc.Items) != 2 || asc.Items[0].ExternalID != "m0" || !asc.HasMore {
		t.Fatalf("unexpected first ascending page: %+v", asc)
	}
	next, err := s.ListMessages(ctx, MessageFilter{ThreadID: thread.ID, Ascending: true}, pagination.Request{Token: asc.Token, Limit: 2})
	if err != nil || next.Items[0].ExternalID != "m2" {
		t.Fatalf("unexpected second ascending page: %+v err=%v", next, err)
	}

	msg, err := s.GetMessage(ctx, "app1", "m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	added, err := s.AddReaction(ctx, Reaction{MessageID: msg.ID, UserID: "bob", Emoji: "👍"})
	if err != nil || !added {
		t.Fatalf("AddReaction: added=%v err=%v", added, err)
	}
	added, err = s.AddReaction(ctx, Reaction{MessageID: msg.ID, UserID: "bob", Emoji: "👍"})
	if err != nil || added {
		t.Fatalf("duplicate reaction must be ignored: added=%v err=%v", added, err)
	}
	reactions, err := s.ListReactions(ctx, []string{msg.ID})
	if err != nil || len(reactions[msg.ID]) != 1 {
		t.Fatalf("ListReactions = %v, %v", reactions, err)
	}

	results, err := s.SearchMessages(ctx, "app1", "number 3", nil, 10)
	if err != nil || len(results) != 1 || results[0].ExternalID != "m3" {
		t.Fatalf("SearchMessages = %+v, %v", results, err)
	}

	deleted, changed, err := s.DeleteMessage(ctx, msg.ID, base.Add(time.Hour))
	if err != nil || !changed {
		t.Fatalf("DeleteMessage: changed=%v err=%v", changed, err)
	}
	if deleted.ID != msg.ID || deleted.DeletedAt == nil || deleted.Plaintext != "" || string(deleted.Content) != "[]" {
		t.Fatalf("deleted message must keep its id and lose its body: %+v", deleted)
	}
	_, changed, err = s.DeleteMessage(ctx, msg.ID, base.Add(2*time.Hour))
	if err != nil || changed {
		t.Fatalf("second delete must be a no-op: changed=%v err=%v", changed, err)
	}
	reactions, _ = s.ListReactions(ctx, []string{msg.ID})
	if len(reactions[msg.ID]) != 0 {
		t.Fatalf("reactions must be cleared on delete: %v", reactions)
	}
	if _, err := s.AddReaction(ctx, Reaction{MessageID: msg.ID, UserID: "bob", Emoji: "🎉"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound reacting to a deleted message, got %v", err)
	}
	stats, _ := s.ThreadStats(ctx, thread.ID, "bob")
	if stats.Total != 4 {
		t.Fatalf("deleted messages must not count, got %+v", stats)
	}
	removed, err := s.RemoveReaction(ctx, msg.ID, "bob", "👍")
	if err != nil || removed {
		t.Fatalf("RemoveReaction on cleared reaction: removed=%v err=%v", removed, err)
	}
}

func testNotifications(t *testing.T, s backend) {
	ctx := context.Background()
	seed(t, s)
	docs := newThread(t, s, "t1", "g1", location.Location{"page": "docs", "section": "intro"}, base)
	home := newThread(t, s, "t2", "g2", location.Location{"page": "home"}, base)

	insert := func(id string, thread *Thread, metadata map[string]any, at time.Time) Notification {
		t.Helper()
		n := Notification{
			ID:          id,
			AppID:       "app1",
			RecipientID: "bob",
			SenderIDs:   []string{"alice"},
			Template:    "{{actor}} did something",
			Type:        "url",
			Metadata:    metadata,
			CreatedAt:   at,
			Attachment:  &NotificationAttachment{Type: NotificationAttachmentURL, URL: "https://example.com"},
		}
		if thread != nil {
			n.ThreadID = thread.ID
			n.GroupID = thread.GroupID
			n.Attachment = &NotificationAttachment{Type: NotificationAttachmentThread, ThreadID: thread.ExternalID}
		}
		saved, err := s.InsertNotification(ctx, n)
		if err != nil {
			t.Fatalf("InsertNotification %s: %v", id, err)
		}
		return saved
	}
	insert("n1", &docs, map[string]any{"kind": "mention"}, base)
	insert("n2", &home, map[string]any{"kind": "mention"}, base.Add(time.Second))
	insert("n3", nil, map[string]any{"kind": "digest"}, base.Add(2*time.Second))
	insert("n4", &docs, map[string]any{"kind": "reply"}, base.Add(3*time.Second))

	n, changed, err := s.SetNotificationRead(ctx, "app1", "bob", "n1", true, base.Add(time.Minute))
	if err != nil || !changed || !n.Read() {
		t.Fatalf("mark read: changed=%v err=%v n=%+v", changed, err, n)
	}
	_, changed, err = s.SetNotificationRead(ctx, "app1", "bob", "n1", true, base.Add(2*time.Minute))
	if err != nil || changed {
		t.Fatalf("second mark read must be a no-op: changed=%v err=%v", changed, err)
	}
	if _, _, err := s.SetNotificationRead(ctx, "app1", "carol", "n1", false, base); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other recipients must not see the notification, got %v", err)
	}

	marked, err := s.MarkAllNotificationsRead(ctx, NotificationFilter{
		AppID: "app1", RecipientID: "bob", Location: location.Location{"page": "docs"}, PartialMatch: true,
	}, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("MarkAllNotificationsRead: %v", err)
	}
	if len(marked) != 1 || marked[0].ID != "n4" {
		t.Fatalf("expected only unread n4 to change, got %+v", marked)
	}
	again, err := s.MarkAllNotificationsRead(ctx, NotificationFilter{
		AppID: "app1", RecipientID: "bob", Location: location.Location{"page": "docs"}, PartialMatch: true,
	}, base.Add(time.Hour))
	if err != nil || len(again) != 0 {
		t.Fatalf("markAllAsRead must be idempotent, got %+v err=%v", again, err)
	}

	byMeta, err := s.MarkAllNotificationsRead(ctx, NotificationFilter{AppID: "app1", RecipientID: "bob", Metadata: map[string]any{"kind": "mention"}}, base.Add(time.Hour))
	if err != nil || len(byMeta) != 1 || byMeta[0].ID != "n2" {
		t.Fatalf("metadata filter: %+v err=%v", byMeta, err)
	}

	unread, err := s.CountNotifications(ctx, NotificationFilter{AppID: "app1", RecipientID: "bob", UnreadOnly: true})
	if err != nil || unread != 1 {
		t.Fatalf("expected only n3 unread, got %d err=%v", unread, err)
	}

	page, err := s.ListNotifications(ctx, NotificationFilter{AppID: "app1", RecipientID: "bob"}, pagination.Request{Limit: 3})
	if err != nil || page.Total != 4 || len(page.Items) != 3 || page.Items[0].ID != "n4" {
		t.Fatalf("ListNotifications = %+v, %v", page, err)
	}
	if page.Items[0].Attachment == nil || page.Items[0].Attachment.Type != NotificationAttachmentThread {
		t.Fatalf("attachment lost: %+v", page.Items[0])
	}

	if _, err := s.DeleteNotification(ctx, "app1", "n3"); err != nil {
		t.Fatalf("DeleteNotification: %v", err)
	}
	if _, _, err := s.SetNotificationRead(ctx, "app1", "bob", "n3", true, base); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted notification must be terminal, got %v", err)
	}
	if _, err := s.DeleteNotification(ctx, "app1", "n3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete must fail with ErrNotFound, got %v", err)
	}

	purged, err := s.PurgeReadNotifications(ctx, base.Add(30*time.Minute))
	if err != nil || purged != 1 {
		t.Fatalf("expected n1 purged, got %d err=%v", purged, err)
	}
}
