package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cord/api/internal/config"
	"cord/api/internal/events"
	"cord/api/internal/location"
	"cord/api/internal/presence"
	"cord/api/internal/rbac"
	"cord/api/internal/store"
)

const testAppID = "app-1"

type testEnv struct {
	svc    *Service
	store  *store.MemoryStore
	redis  *miniredis.Miniredis
	server Viewer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	tracker := presence.NewTrackerWithClient(client, 30*time.Second, 5*time.Second, zap.NewNop())

	st := store.NewMemoryStore()
	svc := New(config.Config{TokenTTL: time.Hour, SubscriberBuffer: 64}, Deps{Store: st, Presence: tracker})
	env := &testEnv{svc: svc, store: st, redis: mr, server: Viewer{AppID: testAppID, Role: rbac.RoleServer}}

	ctx := context.Background()
	if _, err := svc.EnsureApplication(ctx, testAppID, "Test app", "secret-1"); err != nil {
		t.Fatalf("ensure application: %v", err)
	}
	for _, u := range []struct{ id, name string }{{"alice", "Alice"}, {"bob", "Bob"}, {"carol", "Carol"}} {
		if _, err := svc.UpsertUser(ctx, env.server, u.id, UserInput{Name: u.name}); err != nil {
			t.Fatalf("upsert user %s: %v", u.id, err)
		}
	}
	if _, err := svc.UpsertGroup(ctx, env.server, "eng", GroupInput{Name: "Engineering", Members: []string{"alice", "bob"}}); err != nil {
		t.Fatalf("upsert group: %v", err)
	}
	if _, err := svc.UpsertGroup(ctx, env.server, "ops", GroupInput{Name: "Ops", Members: []string{"carol"}}); err != nil {
		t.Fatalf("upsert group: %v", err)
	}
	return env
}

func clientViewer(userID string) Viewer {
	return Viewer{AppID: testAppID, UserID: userID, Role: rbac.RoleClient}
}

func (e *testEnv) createThread(t *testing.T, id string) ThreadView {
	t.Helper()
	view, err := e.svc.CreateThread(context.Background(), clientViewer("alice"), CreateThreadInput{
		ID:       id,
		GroupID:  "eng",
		Location: location.Location{"page": "docs"},
		URL:      "https://example.com/docs",
	})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	return view
}

func (e *testEnv) postMessage(t *testing.T, author, threadID string, nodes string) MessageView {
	t.Helper()
	view, err := e.svc.CreateMessage(context.Background(), clientViewer(author), threadID, CreateMessageInput{
		Content: json.RawMessage(nodes),
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	return view
}

func errorCode(err error) string {
	_, code, _, _ := mapError(err)
	return code
}

func drain(sub *events.Subscriber) []events.Event {
	var out []events.Event
	for {
		select {
		case d, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, d.Event)
		default:
			return out
		}
	}
}

func countType(evs []events.Event, typ events.Type) int {
	n := 0
	for _, e := range evs {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestResolveAndReopenAreIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createThread(t, "t1")

	sub := env.svc.Bus().Attach(testAppID)
	defer env.svc.Bus().Detach(sub)
	if err := sub.Add("s1", events.Topic{Kind: events.TopicThread, ThreadID: "t1"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	alice := clientViewer("alice")
	view, err := env.svc.ResolveThread(ctx, alice, "t1", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !view.Resolved || view.ResolvedTimestamp == nil || view.ResolvedByUserID != "alice" {
		t.Fatalf("expected resolved by alice, got %+v", view)
	}
	if view.ActionMessages != 1 {
		t.Fatalf("expected one action message, got %d", view.ActionMessages)
	}

	again, err := env.svc.ResolveThread(ctx, alice, "t1", "")
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if again.ActionMessages != 1 || *again.ResolvedTimestamp != *view.ResolvedTimestamp {
		t.Fatalf("second resolve should be a no-op, got %+v", again)
	}

	reopened, err := env.svc.ReopenThread(ctx, alice, "t1", "")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Resolved || reopened.ResolvedTimestamp != nil {
		t.Fatalf("expected open thread, got %+v", reopened)
	}
	if _, err := env.svc.ReopenThread(ctx, alice, "t1", ""); err != nil {
		t.Fatalf("reopen open thread: %v", err)
	}

	evs := drain(sub)
	if got := countType(evs, events.ThreadUpdated); got != 2 {
		t.Fatalf("expected 2 thread updates, got %d", got)
	}
	if got := countType(evs, events.ThreadMessageAdded); got != 2 {
		t.Fatalf("expected 2 action messages published, got %d", got)
	}
}

func TestServerResolveWithoutUserPostsNoActionMessage(t *testing.T) {
	env := newTestEnv(t)
	env.createThread(t, "t1")

	view, err := env.svc.ResolveThread(context.Background(), env.server, "t1", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !view.Resolved || view.Total != 0 {
		t.Fatalf("expected resolved thread without messages, got %+v", view)
	}
}

func TestMarkSeenAndUnseen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createThread(t, "t1")
	env.postMessage(t, "bob", "t1", `[{"type":"p","children":[{"text":"hello"}]}]`)

	alice := clientViewer("alice")
	view, err := env.svc.GetThread(ctx, alice, "t1")
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if view.Viewer == nil || view.Viewer.Unread != 1 {
		t.Fatalf("expected one unread message, got %+v", view.Viewer)
	}

	seen, err := env.svc.MarkThreadSeen(ctx, alice, "t1", "")
	if err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	if seen.Viewer.Unread != 0 || seen.Viewer.LastSeenTimestamp == nil {
		t.Fatalf("expected nothing unread, got %+v", seen.Viewer)
	}

	unseen, err := env.svc.MarkThreadUnseen(ctx, alice, "t1", "")
	if err != nil {
		t.Fatalf("mark unseen: %v", err)
	}
	if unseen.Viewer.Unread != 1 {
		t.Fatalf("expected the latest message unread again, got %+v", unseen.Viewer)
	}
	if unseen.Resolved {
		t.Fatalf("seen state must not touch resolution")
	}
}

func TestMarkUnseenWithoutForeignMessagesClearsLastSeen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createThread(t, "t1")
	env.postMessage(t, "alice", "t1", `[{"type":"p","children":[{"text":"mine"}]}]`)

	view, err := env.svc.MarkThreadUnseen(ctx, clientViewer("alice"), "t1", "")
	if err != nil {
		t.Fatalf("mark unseen: %v", err)
	}
	if view.Viewer.LastSeenTimestamp != nil || view.Viewer.Unread != 0 {
		t.Fatalf("expected cleared last seen and no unread, got %+v", view.Viewer)
	}
}

func TestMentionNotifiesAndSubscribes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createThread(t, "t1")
	env.postMessage(t, "alice", "t1", `[{"type":"p","children":[{"text":"hey "},{"type":"mention","user":{"id":"bob"}}]}]`)

	bob := clientViewer("bob")
	page, err := env.svc.ListNotifications(ctx, bob, "", NotificationQuery{})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if page.Total != 1 || len(page.Items) != 1 {
		t.Fatalf("expected one notification, got %+v", page)
	}
	n := page.Items[0]
	if n.Type != NotificationTypeMention || n.ReadStatus != "unread" {
		t.Fatalf("unexpected notification %+v", n)
	}
	if n.Attachment == nil || n.Attachment.Type != store.NotificationAttachmentMessage {
		t.Fatalf("expected message attachment, got %+v", n.Attachment)
	}

	thread, err := env.svc.GetThread(ctx, bob, "t1")
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if !thread.Viewer.Subscribed {
		t.Fatalf("mentioned user should be subscribed")
	}

	// A reply from bob notifies alice, who is subscribed as the author.
	env.postMessage(t, "bob", "t1", `[{"type":"p","children":[{"text":"reply"}]}]`)
	summary, err := env.svc.NotificationSummary(ctx, clientViewer("alice"), "", NotificationQuery{})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Unread != 1 {
		t.Fatalf("expected one unread reply notification, got %d", summary.Unread)
	}
}

func TestMentionOfUserOutsideGroupIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	env.createThread(t, "t1")
	env.postMessage(t, "alice", "t1", `[{"type":"mention","user":{"id":"carol"}}]`)

	page, err := env.svc.ListNotifications(context.Background(), clientViewer("carol"), "", NotificationQuery{})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if page.Total != 0 {
		t.Fatalf("carol cannot see the thread and should not be notified, got %d", page.Total)
	}
}

func TestNotificationReadState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub := env.svc.Bus().Attach(testAppID)
	defer env.svc.Bus().Detach(sub)
	if err := sub.Add("n", events.Topic{Kind: events.TopicNotifications, UserID: "bob"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		n, err := env.svc.CreateNotification(ctx, env.server, CreateNotificationInput{
			ActorID:     "alice",
			RecipientID: "bob",
			Template:    "{{actor}} shared a doc",
			URL:         "https://example.com/doc",
			Metadata:    map[string]any{"batch": "a"},
		})
		if err != nil {
			t.Fatalf("create notification: %v", err)
		}
		if n.ReadStatus != "unread" {
			t.Fatalf("notifications start unread, got %s", n.ReadStatus)
		}
		ids = append(ids, n.ID)
	}

	bob := clientViewer("bob")
	for i := 0; i < 2; i++ {
		n, err := env.svc.MarkNotificationRead(ctx, bob, ids[0])
		if err != nil {
			t.Fatalf("mark read: %v", err)
		}
		if n.ReadStatus != "read" {
			t.Fatalf("expected read, got %s", n.ReadStatus)
		}
	}

	changed, err := env.svc.MarkAllNotificationsRead(ctx, bob, "", NotificationQuery{Metadata: map[string]any{"batch": "a"}})
	if err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	if changed != 2 {
		t.Fatalf("expected 2 notifications changed, got %d", changed)
	}
	changed, err = env.svc.MarkAllNotificationsRead(ctx, bob, "", NotificationQuery{})
	if err != nil {
		t.Fatalf("mark all read again: %v", err)
	}
	if changed != 0 {
		t.Fatalf("second mark all should change nothing, got %d", changed)
	}

	evs := drain(sub)
	if got := countType(evs, events.NotificationAdded); got != 3 {
		t.Fatalf("expected 3 added events, got %d", got)
	}
	if got := countType(evs, events.NotificationReadStateUpdated); got != 3 {
		t.Fatalf("expected one read-state event per change, got %d", got)
	}

	if err := env.svc.DeleteNotification(ctx, bob, ids[1]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.svc.MarkNotificationUnread(ctx, bob, ids[1]); errorCode(err) != CodeNotFound {
		t.Fatalf("expected not_found after delete, got %v", err)
	}
	if err := env.svc.DeleteNotification(ctx, bob, ids[1]); errorCode(err) != CodeNotFound {
		t.Fatalf("expected not_found on second delete, got %v", err)
	}
}

func TestClientCannotReadOtherUsersNotification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	n, err := env.svc.CreateNotification(ctx, env.server, CreateNotificationInput{
		RecipientID: "bob",
		Template:    "ping",
		URL:         "https://example.com",
	})
	if err != nil {
		t.Fatalf("create notification: %v", err)
	}
	if _, err := env.svc.MarkNotificationRead(ctx, clientViewer("alice"), n.ID); errorCode(err) != CodeNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestThreadGroupVisibility(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createThread(t, "t1")

	if _, err := env.svc.GetThread(ctx, clientViewer("carol"), "t1"); errorCode(err) != CodeNotFound {
		t.Fatalf("expected not_found for other group, got %v", err)
	}
	_, err := env.svc.CreateThread(ctx, clientViewer("carol"), CreateThreadInput{
		GroupID:  "eng",
		Location: location.Location{"page": "x"},
	})
	if errorCode(err) != CodeForbidden {
		t.Fatalf("expected forbidden creating in foreign group, got %v", err)
	}
}

func TestCreateThreadValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.CreateThread(context.Background(), clientViewer("alice"), CreateThreadInput{GroupID: "eng"})
	if errorCode(err) != CodeInvalidRequest {
		t.Fatalf("expected invalid_request, got %v", err)
	}
	_, err = env.svc.CreateThread(context.Background(), clientViewer("alice"), CreateThreadInput{
		GroupID:  "eng",
		Location: location.Location{"nested": map[string]any{"a": "b"}},
	})
	if errorCode(err) != CodeInvalidRequest {
		t.Fatalf("expected invalid_request for nested location, got %v", err)
	}
}

func TestListThreadsPages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		env.createThread(t, id)
	}

	seen := map[string]bool{}
	token := ""
	for pages := 0; pages < 5; pages++ {
		page, err := env.svc.ListThreads(ctx, clientViewer("alice"), ThreadQuery{Token: token, Limit: 2})
		if err != nil {
			t.Fatalf("list threads: %v", err)
		}
		if page.Total != 5 {
			t.Fatalf("expected total 5, got %d", page.Total)
		}
		for _, item := range page.Items {
			if seen[item.ID] {
				t.Fatalf("thread %s returned twice", item.ID)
			}
			seen[item.ID] = true
		}
		if !page.HasMore {
			break
		}
		token = page.Token
	}
	if len(seen) != 5 {
		t.Fatalf("expected all 5 threads across pages, got %d", len(seen))
	}

	carolPage, err := env.svc.ListThreads(ctx, clientViewer("carol"), ThreadQuery{})
	if err != nil {
		t.Fatalf("list threads: %v", err)
	}
	if carolPage.Total != 0 {
		t.Fatalf("carol should see no threads, got %d", carolPage.Total)
	}

	if _, err := env.svc.ListThreads(ctx, clientViewer("alice"), ThreadQuery{Token: "%%%"}); errorCode(err) != CodeInvalidRequest {
		t.Fatalf("expected invalid_request for a bad token, got %v", err)
	}
}

func TestPresenceExclusivity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := clientViewer("alice")

	sub := env.svc.Bus().Attach(testAppID)
	defer env.svc.Bus().Detach(sub)
	if err := sub.Add("p", events.Topic{Kind: events.TopicLocation, Location: location.Location{"page": "docs"}, PartialMatch: true}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	within := location.Location{"page": "docs"}
	first := PresenceInput{Location: location.Location{"page": "docs", "section": "a"}, Present: true, ExclusiveWithin: within}
	second := PresenceInput{Location: location.Location{"page": "docs", "section": "b"}, Present: true, ExclusiveWithin: within}
	if err := env.svc.SetPresence(ctx, alice, first); err != nil {
		t.Fatalf("set presence: %v", err)
	}
	if err := env.svc.SetPresence(ctx, alice, second); err != nil {
		t.Fatalf("set presence: %v", err)
	}

	users, err := env.svc.ListPresence(ctx, alice, within, true, false)
	if err != nil {
		t.Fatalf("list presence: %v", err)
	}
	if len(users) != 1 || len(users[0].Ephemeral) != 1 {
		t.Fatalf("expected a single location for alice, got %+v", users)
	}
	if users[0].Ephemeral[0]["section"] != "b" {
		t.Fatalf("expected section b to remain, got %+v", users[0].Ephemeral[0])
	}

	if got := countType(drain(sub), events.PresenceChanged); got != 3 {
		t.Fatalf("expected present, absent, present events, got %d", got)
	}

	err = env.svc.SetPresence(ctx, alice, PresenceInput{Location: within, Present: false, Durable: true})
	if errorCode(err) != CodeInvalidRequest {
		t.Fatalf("expected invalid_request for durable absent, got %v", err)
	}
}

func TestEphemeralPresenceExpires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := clientViewer("alice")
	loc := location.Location{"page": "docs"}

	if err := env.svc.SetPresence(ctx, alice, PresenceInput{Location: loc, Present: true}); err != nil {
		t.Fatalf("set presence: %v", err)
	}
	if err := env.svc.SetPresence(ctx, alice, PresenceInput{Location: loc, Present: true, Durable: true}); err != nil {
		t.Fatalf("set durable presence: %v", err)
	}
	env.redis.FastForward(31 * time.Second)

	users, err := env.svc.ListPresence(ctx, alice, loc, false, false)
	if err != nil {
		t.Fatalf("list presence: %v", err)
	}
	if len(users) != 1 || len(users[0].Ephemeral) != 0 || len(users[0].Durable) != 1 {
		t.Fatalf("expected only durable presence after expiry, got %+v", users)
	}

	users, err = env.svc.ListPresence(ctx, alice, loc, false, true)
	if err != nil {
		t.Fatalf("list presence: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("expected no users when durable is excluded, got %+v", users)
	}
}

func TestDeleteMessageClearsContent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createThread(t, "t1")
	msg := env.postMessage(t, "alice", "t1", `[{"type":"p","children":[{"text":"oops"}]}]`)

	if _, err := env.svc.DeleteMessage(ctx, clientViewer("bob"), "t1", msg.ID); errorCode(err) != CodeForbidden {
		t.Fatalf("only the author may delete, got %v", err)
	}
	deleted, err := env.svc.DeleteMessage(ctx, clientViewer("alice"), "t1", msg.ID)
	if err != nil {
		t.Fatalf("delete message: %v", err)
	}
	if deleted.ID != msg.ID || deleted.DeletedTimestamp == nil || deleted.Plaintext != "" {
		t.Fatalf("expected soft-deleted message with cleared content, got %+v", deleted)
	}
}

func TestReactionsAreUniquePerUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createThread(t, "t1")
	msg := env.postMessage(t, "alice", "t1", `[{"type":"p","children":[{"text":"ship it"}]}]`)

	bob := clientViewer("bob")
	for i := 0; i < 2; i++ {
		view, err := env.svc.AddReaction(ctx, bob, "t1", msg.ID, "", "👍")
		if err != nil {
			t.Fatalf("add reaction: %v", err)
		}
		if len(view.Reactions) != 1 {
			t.Fatalf("expected one reaction, got %+v", view.Reactions)
		}
	}
	view, err := env.svc.RemoveReaction(ctx, bob, "t1", msg.ID, "", "👍")
	if err != nil {
		t.Fatalf("remove reaction: %v", err)
	}
	if len(view.Reactions) != 0 {
		t.Fatalf("expected no reactions, got %+v", view.Reactions)
	}

	page, err := env.svc.ListNotifications(ctx, clientViewer("alice"), "", NotificationQuery{})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if page.Total != 1 || page.Items[0].Type != NotificationTypeReaction {
		t.Fatalf("expected one reaction notification for the author, got %+v", page.Items)
	}
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	token, err := env.svc.IssueToken(ctx, testAppID, "alice", "")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	viewer, err := env.svc.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if viewer.UserID != "alice" || viewer.IsServer() {
		t.Fatalf("unexpected viewer %+v", viewer)
	}

	unknown, err := env.svc.IssueToken(ctx, testAppID, "mallory", "")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, err := env.svc.Authenticate(ctx, unknown); errorCode(err) != CodeInvalidUserID {
		t.Fatalf("expected invalid_user_id, got %v", err)
	}

	if _, err := env.svc.Authenticate(ctx, "not-a-token"); errorCode(err) != CodeInvalidProjectToken {
		t.Fatalf("expected invalid_project_token, got %v", err)
	}

	other, err := env.svc.CreateApplication(ctx, "app-2", "Other")
	if err != nil {
		t.Fatalf("create application: %v", err)
	}
	crossTenant, err := env.svc.IssueToken(ctx, other.ID, "alice", "")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, err := env.svc.Authenticate(ctx, crossTenant); errorCode(err) != CodeInvalidUserID {
		t.Fatalf("users do not cross applications, got %v", err)
	}
}

func TestEventFilterFollowsGroupMembership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := env.svc.Bus().Attach(testAppID)
	defer env.svc.Bus().Detach(sub)
	if err := sub.Add("sub-1", events.Topic{Kind: events.TopicThread, ThreadID: "t1"}); err != nil {
		t.Fatalf("add subscription: %v", err)
	}
	filter := env.svc.NewEventFilter(clientViewer("bob"))

	env.createThread(t, "t1")
	created := drain(sub)
	if len(created) == 0 || !filter.Allow(ctx, created[0]) {
		t.Fatalf("expected group member to see thread event, got %v", created)
	}

	if _, err := env.svc.UpdateGroupMembers(ctx, env.server, "eng", GroupMembersInput{Remove: []string{"bob"}}); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	if err := env.svc.DeleteThread(ctx, env.server, "t1"); err != nil {
		t.Fatalf("delete thread: %v", err)
	}
	evs := drain(sub)
	if len(evs) != 1 || evs[0].Type != events.ThreadDeleted {
		t.Fatalf("expected one thread deleted event, got %v", evs)
	}
	deleted := evs[0]
	if filter.Allow(ctx, deleted) {
		t.Fatalf("expected removed member not to see thread event")
	}
	if !env.svc.NewEventFilter(clientViewer("alice")).Allow(ctx, deleted) {
		t.Fatalf("expected remaining member to see thread deleted")
	}
}

func TestDuplicateMessageDoesNotCreateThread(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createThread(t, "t1")
	if _, err := env.svc.CreateMessage(ctx, clientViewer("alice"), "t1", CreateMessageInput{
		ID:      "m1",
		Content: json.RawMessage(`[{"type":"p","children":[{"text":"first"}]}]`),
	}); err != nil {
		t.Fatalf("create message: %v", err)
	}

	_, err := env.svc.CreateMessage(ctx, clientViewer("alice"), "t2", CreateMessageInput{
		ID:      "m1",
		Content: json.RawMessage(`[{"type":"p","children":[{"text":"again"}]}]`),
		CreateThread: &CreateThreadInput{
			GroupID:  "eng",
			Location: location.Location{"page": "docs"},
		},
	})
	if errorCode(err) != CodeInvalidRequest {
		t.Fatalf("expected invalid_request for a duplicate message id, got %v", err)
	}
	if _, err := env.svc.GetThread(ctx, clientViewer("alice"), "t2"); errorCode(err) != CodeNotFound {
		t.Fatalf("expected no thread to be left behind, got %v", err)
	}
}
