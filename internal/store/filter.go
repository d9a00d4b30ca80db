package store

import (
	"encoding/json"
	"fmt"
	"slices"

	"cord/api/internal/location"
)

func metadataContains(have, want map[string]any) bool {
	return location.Location(have).Contains(want)
}

func locationMatches(have location.Location, want location.Location, partial bool) bool {
	if len(want) == 0 {
		return true
	}
	if partial {
		return have.Contains(want)
	}
	return have.Equal(want)
}

// matchThread applies every filter except SubscribedUserID.
func (f ThreadFilter) matchThread(t Thread) bool {
	if t.AppID != f.AppID {
		return false
	}
	if f.GroupIDs != nil && !slices.Contains(f.GroupIDs, t.GroupID) {
		return false
	}
	if f.GroupID != "" && t.GroupID != f.GroupID {
		return false
	}
	if !locationMatches(t.Location, f.Location, f.PartialMatch) {
		return false
	}
	if !metadataContains(t.Metadata, f.Metadata) {
		return false
	}
	switch f.Resolved {
	case ResolvedOnly:
		return t.Resolved()
	case ResolvedUnresolved:
		return !t.Resolved()
	}
	return true
}

// matchNotification needs the attached thread for location filters; thread
// may be nil when the notification has none.
func (f NotificationFilter) matchNotification(n Notification, thread *Thread) bool {
	if n.AppID != f.AppID || n.RecipientID != f.RecipientID {
		return false
	}
	if f.UnreadOnly && n.Read() {
		return false
	}
	if !metadataContains(n.Metadata, f.Metadata) {
		return false
	}
	if f.GroupID != "" && n.GroupID != f.GroupID {
		return false
	}
	if len(f.Location) > 0 {
		if thread == nil || !locationMatches(thread.Location, f.Location, f.PartialMatch) {
			return false
		}
	}
	return true
}

func marshalJSON(v any, fallback string) (string, error) {
	if v == nil {
		return fallback, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	if string(raw) == "null" {
		return fallback, nil
	}
	return string(raw), nil
}
