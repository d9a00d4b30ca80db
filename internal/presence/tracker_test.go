package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"cord/api/internal/location"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	tracker, err := NewTracker("redis://"+s.Addr(), 30*time.Second, 5*time.Second, nil)
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}
	t.Cleanup(func() { _ = tracker.Close() })
	return tracker, s
}

func users(records []Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.UserID)
	}
	return out
}

func TestNewTrackerRejectsBadURL(t *testing.T) {
	if _, err := NewTracker("not a url", time.Second, time.Second, nil); err == nil {
		t.Fatal("expected error for invalid redis url")
	}
}

func TestSetPresentAndList(t *testing.T) {
	tracker, _ := setupTracker(t)
	ctx := context.Background()
	loc := location.Location{"page": "docs"}

	changes, err := tracker.SetPresent(ctx, "app1", "alice", loc, false, nil)
	if err != nil {
		t.Fatalf("SetPresent failed: %v", err)
	}
	if len(changes) != 1 || !changes[0].Present {
		t.Fatalf("expected one present change, got %+v", changes)
	}

	// refreshing reports nothing new
	changes, err = tracker.SetPresent(ctx, "app1", "alice", loc, false, nil)
	if err != nil {
		t.Fatalf("SetPresent refresh failed: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no changes on refresh, got %+v", changes)
	}

	records, err := tracker.List(ctx, "app1", loc, false, false)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 || records[0].UserID != "alice" || !records[0].Ephemeral || records[0].Durable {
		t.Fatalf("unexpected records: %+v", records)
	}

	other, err := tracker.List(ctx, "app2", loc, false, false)
	if err != nil {
		t.Fatalf("List other app failed: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("presence leaked across applications: %+v", other)
	}
}

func TestExclusivityLeavesOnlyLatestLocation(t *testing.T) {
	tracker, _ := setupTracker(t)
	ctx := context.Background()
	region := location.Location{"doc": "d1"}
	a := location.Location{"doc": "d1", "section": "a"}
	b := location.Location{"doc": "d1", "section": "b"}
	elsewhere := location.Location{"doc": "d2"}

	if _, err := tracker.SetPresent(ctx, "app1", "alice", elsewhere, true, nil); err != nil {
		t.Fatalf("SetPresent elsewhere failed: %v", err)
	}
	if _, err := tracker.SetPresent(ctx, "app1", "alice", a, true, region); err != nil {
		t.Fatalf("SetPresent A failed: %v", err)
	}
	changes, err := tracker.SetPresent(ctx, "app1", "alice", b, false, region)
	if err != nil {
		t.Fatalf("SetPresent B failed: %v", err)
	}

	var sawRemoval, sawAdd bool
	for _, c := range changes {
		if !c.Present && c.Location.Equal(a) && c.Durable {
			sawRemoval = true
		}
		if c.Present && c.Location.Equal(b) {
			sawAdd = true
		}
	}
	if !sawRemoval || !sawAdd {
		t.Fatalf("expected removal of A and add of B, got %+v", changes)
	}

	inRegion, err := tracker.List(ctx, "app1", region, true, false)
	if err != nil {
		t.Fatalf("List region failed: %v", err)
	}
	if len(inRegion) != 1 || !inRegion[0].Location.Equal(b) {
		t.Fatalf("expected presence at B only, got %+v", inRegion)
	}

	outside, err := tracker.List(ctx, "app1", elsewhere, false, false)
	if err != nil {
		t.Fatalf("List elsewhere failed: %v", err)
	}
	if len(outside) != 1 {
		t.Fatalf("presence outside the region must survive, got %+v", outside)
	}
}

func TestExclusiveWithinMustBeInsideLocation(t *testing.T) {
	tracker, _ := setupTracker(t)
	_, err := tracker.SetPresent(context.Background(), "app1", "alice",
		location.Location{"doc": "d1"}, false, location.Location{"doc": "d2"})
	if !errors.Is(err, ErrInvalidUpdate) {
		t.Fatalf("expected ErrInvalidUpdate, got %v", err)
	}
}

func TestEphemeralPresenceExpires(t *testing.T) {
	tracker, s := setupTracker(t)
	ctx := context.Background()
	loc := location.Location{"page": "docs"}

	if _, err := tracker.SetPresent(ctx, "app1", "alice", loc, false, nil); err != nil {
		t.Fatalf("SetPresent failed: %v", err)
	}
	if _, err := tracker.SetPresent(ctx, "app1", "bob", loc, true, nil); err != nil {
		t.Fatalf("SetPresent durable failed: %v", err)
	}

	s.FastForward(31 * time.Second)

	records, err := tracker.List(ctx, "app1", loc, false, false)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	got := users(records)
	if len(got) != 1 || got[0] != "bob" {
		t.Fatalf("expected only durable bob, got %v", got)
	}
	if s.Exists(userKey("app1", "alice")) {
		members, _ := s.Members(userKey("app1", "alice"))
		if len(members) != 0 {
			t.Fatalf("expected stale index to be pruned, got %v", members)
		}
	}

	ephemeralOnly, err := tracker.List(ctx, "app1", loc, false, true)
	if err != nil {
		t.Fatalf("List excludeDurable failed: %v", err)
	}
	if len(ephemeralOnly) != 0 {
		t.Fatalf("expected no ephemeral presence, got %+v", ephemeralOnly)
	}
}

func TestSetAbsentRemovesOnlyEphemeral(t *testing.T) {
	tracker, _ := setupTracker(t)
	ctx := context.Background()
	loc := location.Location{"page": "docs"}

	removed, err := tracker.SetAbsent(ctx, "app1", "alice", loc)
	if err != nil || removed {
		t.Fatalf("SetAbsent on missing record: removed=%v err=%v", removed, err)
	}

	if _, err := tracker.SetPresent(ctx, "app1", "alice", loc, false, nil); err != nil {
		t.Fatalf("SetPresent failed: %v", err)
	}
	if _, err := tracker.SetPresent(ctx, "app1", "alice", loc, true, nil); err != nil {
		t.Fatalf("SetPresent durable failed: %v", err)
	}
	removed, err = tracker.SetAbsent(ctx, "app1", "alice", loc)
	if err != nil || !removed {
		t.Fatalf("SetAbsent: removed=%v err=%v", removed, err)
	}

	records, err := tracker.List(ctx, "app1", loc, false, false)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 || records[0].Ephemeral || !records[0].Durable {
		t.Fatalf("expected durable record to remain, got %+v", records)
	}

	cleared, err := tracker.ClearPresence(ctx, "app1", "alice", loc)
	if err != nil || !cleared {
		t.Fatalf("ClearPresence: cleared=%v err=%v", cleared, err)
	}
	records, _ = tracker.List(ctx, "app1", loc, false, false)
	if len(records) != 0 {
		t.Fatalf("expected nothing after clear, got %+v", records)
	}
}

func TestApplyRejectsDurableAbsent(t *testing.T) {
	tracker, _ := setupTracker(t)
	_, err := tracker.Apply(context.Background(), "app1", Update{
		UserID:   "alice",
		Location: location.Location{"page": "docs"},
		Present:  false,
		Durable:  true,
	})
	if !errors.Is(err, ErrInvalidUpdate) {
		t.Fatalf("expected ErrInvalidUpdate, got %v", err)
	}
}

func TestUserLocations(t *testing.T) {
	tracker, _ := setupTracker(t)
	ctx := context.Background()
	for _, page := range []string{"a", "b"} {
		if _, err := tracker.SetPresent(ctx, "app1", "alice", location.Location{"page": page}, false, nil); err != nil {
			t.Fatalf("SetPresent failed: %v", err)
		}
	}
	records, err := tracker.UserLocations(ctx, "app1", "alice")
	if err != nil {
		t.Fatalf("UserLocations failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected two locations, got %+v", records)
	}
}

func TestTypingExpires(t *testing.T) {
	tracker, s := setupTracker(t)
	ctx := context.Background()

	changed, err := tracker.SetTyping(ctx, "app1", "thread1", "alice", true)
	if err != nil || !changed {
		t.Fatalf("SetTyping: changed=%v err=%v", changed, err)
	}
	changed, err = tracker.SetTyping(ctx, "app1", "thread1", "alice", true)
	if err != nil || changed {
		t.Fatalf("SetTyping refresh: changed=%v err=%v", changed, err)
	}

	typing, err := tracker.TypingUsers(ctx, "app1", "thread1")
	if err != nil {
		t.Fatalf("TypingUsers failed: %v", err)
	}
	if len(typing) != 1 || typing[0] != "alice" {
		t.Fatalf("expected alice typing, got %v", typing)
	}

	s.FastForward(6 * time.Second)
	typing, err = tracker.TypingUsers(ctx, "app1", "thread1")
	if err != nil {
		t.Fatalf("TypingUsers failed: %v", err)
	}
	if len(typing) != 0 {
		t.Fatalf("expected typing to expire, got %v", typing)
	}
}

func TestNewTrackerWithClient(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	tracker := NewTrackerWithClient(client, time.Second, time.Second, nil)
	defer tracker.Close()

	if err := tracker.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestEmptyLocationsLeaveTheIndex(t *testing.T) {
	tracker, s := setupTracker(t)
	ctx := context.Background()
	docs := location.Location{"page": "docs", "section": "intro"}
	home := location.Location{"page": "home"}
	intro := location.Location{"section": "intro"}

	if _, err := tracker.SetPresent(ctx, "app1", "alice", docs, false, nil); err != nil {
		t.Fatalf("SetPresent failed: %v", err)
	}
	if _, err := tracker.SetPresent(ctx, "app1", "bob", home, false, nil); err != nil {
		t.Fatalf("SetPresent failed: %v", err)
	}
	if _, err := tracker.SetPresent(ctx, "app1", "carol", docs, true, nil); err != nil {
		t.Fatalf("SetPresent durable failed: %v", err)
	}

	// alice leaving keeps docs indexed for carol
	if _, err := tracker.SetAbsent(ctx, "app1", "alice", docs); err != nil {
		t.Fatalf("SetAbsent failed: %v", err)
	}
	if ok, _ := s.IsMember(locsKey("app1"), location.Normalize(docs).Hash()); !ok {
		t.Fatal("expected docs to stay indexed while carol is there")
	}

	if _, err := tracker.ClearPresence(ctx, "app1", "carol", docs); err != nil {
		t.Fatalf("ClearPresence failed: %v", err)
	}
	if s.Exists(locDataKey("app1", location.Normalize(docs).Hash())) {
		t.Fatal("expected location data of an empty location to be dropped")
	}

	s.FastForward(31 * time.Second)
	records, err := tracker.List(ctx, "app1", location.Location{"page": "home"}, true, false)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected expired presence to be gone, got %+v", records)
	}
	if s.Exists(locsKey("app1")) {
		members, _ := s.Members(locsKey("app1"))
		t.Fatalf("expected no indexed locations, got %v", members)
	}

	records, err = tracker.List(ctx, "app1", intro, true, false)
	if err != nil || len(records) != 0 {
		t.Fatalf("expected nothing to match, got %+v %v", records, err)
	}
}

func TestExclusivityDropsVacatedLocation(t *testing.T) {
	tracker, s := setupTracker(t)
	ctx := context.Background()
	first := location.Location{"page": "docs", "tab": "a"}
	second := location.Location{"page": "docs", "tab": "b"}

	if _, err := tracker.SetPresent(ctx, "app1", "alice", first, false, nil); err != nil {
		t.Fatalf("SetPresent failed: %v", err)
	}
	if _, err := tracker.SetPresent(ctx, "app1", "alice", second, false, location.Location{"page": "docs"}); err != nil {
		t.Fatalf("SetPresent exclusive failed: %v", err)
	}
	if ok, _ := s.IsMember(locsKey("app1"), location.Normalize(first).Hash()); ok {
		t.Fatal("expected vacated location to leave the index")
	}
	if ok, _ := s.IsMember(locsKey("app1"), location.Normalize(second).Hash()); !ok {
		t.Fatal("expected new location to be indexed")
	}
}
