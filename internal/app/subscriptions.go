package app

import (
	"context"

	"go.uber.org/zap"

	"cord/api/internal/events"
	"cord/api/internal/location"
	"cord/api/internal/rbac"
)

// AuthorizeTopic validates a subscription topic for the viewer and returns
// it in the form the bus matches on.
func (s *Service) AuthorizeTopic(ctx context.Context, v Viewer, topic events.Topic) (events.Topic, error) {
	if err := s.require(v, rbac.ActionRead); err != nil {
		return events.Topic{}, err
	}
	if err := validateInput(topic); err != nil {
		return events.Topic{}, err
	}
	switch topic.Kind {
	case events.TopicThread:
		thread, err := s.loadThread(ctx, v, topic.ThreadID)
		if err != nil {
			return events.Topic{}, err
		}
		return events.Topic{Kind: events.TopicThread, ThreadID: thread.ExternalID}, nil
	case events.TopicLocation:
		if len(topic.Location) == 0 {
			return events.Topic{}, invalidRequest("location is required")
		}
		if err := location.Validate(topic.Location); err != nil {
			return events.Topic{}, invalidRequest("location: %v", err)
		}
		return events.Topic{Kind: events.TopicLocation, Location: location.Normalize(topic.Location), PartialMatch: topic.PartialMatch}, nil
	default:
		user, err := s.recipient(ctx, v, topic.UserID)
		if err != nil {
			return events.Topic{}, err
		}
		return events.Topic{Kind: events.TopicNotifications, UserID: user}, nil
	}
}

// EventFilter decides per connection whether an event may be shown to a
// client viewer. Thread events carry their group, so membership is checked
// against the current groups even after the thread is gone.
type EventFilter struct {
	service *Service
	viewer  Viewer
}

func (s *Service) NewEventFilter(v Viewer) *EventFilter {
	return &EventFilter{service: s, viewer: v}
}

func (f *EventFilter) Allow(ctx context.Context, e events.Event) bool {
	if f.viewer.IsServer() || e.RecipientID != "" {
		return true
	}
	if e.GroupID == "" {
		return e.ThreadID == ""
	}
	ok, err := f.service.canSeeGroup(ctx, f.viewer, e.GroupID)
	if err != nil {
		f.service.log.Warn("event visibility", zap.String("group_id", e.GroupID), zap.Error(err))
		return false
	}
	return ok
}
