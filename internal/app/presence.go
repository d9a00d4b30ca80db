package app

import (
	"context"
	"sort"

	"cord/api/internal/location"
	"cord/api/internal/presence"
	"cord/api/internal/rbac"
)

type PresenceInput struct {
	UserID          string            `json:"userID"`
	Location        location.Location `json:"location" validate:"required,min=1,flat"`
	Present         bool              `json:"present"`
	Durable         bool              `json:"durable"`
	ExclusiveWithin location.Location `json:"exclusiveWithin" validate:"omitempty,flat"`
}

type UserPresenceView struct {
	UserID    string              `json:"userID"`
	Ephemeral []location.Location `json:"ephemeral"`
	Durable   []location.Location `json:"durable"`
}

// SetPresence applies a setPresent or setAbsent request and publishes one
// PresenceChanged event per record that appeared or disappeared.
func (s *Service) SetPresence(ctx context.Context, v Viewer, input PresenceInput) error {
	if err := s.require(v, rbac.ActionPresence); err != nil {
		return err
	}
	if err := validateInput(input); err != nil {
		return err
	}
	if !input.Present && input.Durable {
		return invalidRequest("durable cannot be combined with absent")
	}
	if s.presence == nil {
		return errPresenceUnavailable()
	}
	user, err := s.actingUser(ctx, v, input.UserID)
	if err != nil {
		return err
	}
	if user == "" {
		return invalidRequest("userID is required")
	}
	unlock := s.seq.Lock(presenceKey(v.AppID, user))
	defer unlock()
	changes, err := s.presence.Apply(ctx, v.AppID, presence.Update{
		UserID:          user,
		Location:        input.Location,
		Present:         input.Present,
		Durable:         input.Durable,
		ExclusiveWithin: input.ExclusiveWithin,
	})
	if err != nil {
		return err
	}
	for _, c := range changes {
		s.publishPresence(v.AppID, presencePayload{UserID: c.UserID, Location: c.Location, Present: c.Present, Durable: c.Durable})
	}
	return nil
}

// ClearPresence removes both the ephemeral and the durable record at loc.
func (s *Service) ClearPresence(ctx context.Context, v Viewer, userID string, loc location.Location) error {
	if err := s.require(v, rbac.ActionPresence); err != nil {
		return err
	}
	if len(loc) == 0 {
		return invalidRequest("location is required")
	}
	if err := location.Validate(loc); err != nil {
		return invalidRequest("location: %v", err)
	}
	if s.presence == nil {
		return errPresenceUnavailable()
	}
	user, err := s.actingUser(ctx, v, userID)
	if err != nil {
		return err
	}
	if user == "" {
		return invalidRequest("userID is required")
	}
	unlock := s.seq.Lock(presenceKey(v.AppID, user))
	defer unlock()
	removed, err := s.presence.ClearPresence(ctx, v.AppID, user, loc)
	if err != nil {
		return err
	}
	if removed {
		s.publishPresence(v.AppID, presencePayload{UserID: user, Location: location.Normalize(loc), Present: false})
	}
	return nil
}

func (s *Service) ListPresence(ctx context.Context, v Viewer, loc location.Location, partialMatch, excludeDurable bool) ([]UserPresenceView, error) {
	if err := s.require(v, rbac.ActionRead); err != nil {
		return nil, err
	}
	if len(loc) == 0 {
		return nil, invalidRequest("location is required")
	}
	if err := location.Validate(loc); err != nil {
		return nil, invalidRequest("location: %v", err)
	}
	if s.presence == nil {
		return nil, errPresenceUnavailable()
	}
	records, err := s.presence.List(ctx, v.AppID, loc, partialMatch, excludeDurable)
	if err != nil {
		return nil, err
	}
	return groupPresence(records), nil
}

// UserPresence lists every location a user is present at.
func (s *Service) UserPresence(ctx context.Context, v Viewer, userID string) (UserPresenceView, error) {
	if err := s.require(v, rbac.ActionRead); err != nil {
		return UserPresenceView{}, err
	}
	if s.presence == nil {
		return UserPresenceView{}, errPresenceUnavailable()
	}
	if err := s.requireUser(ctx, v.AppID, userID); err != nil {
		return UserPresenceView{}, err
	}
	records, err := s.presence.UserLocations(ctx, v.AppID, userID)
	if err != nil {
		return UserPresenceView{}, err
	}
	grouped := groupPresence(records)
	if len(grouped) == 0 {
		return UserPresenceView{UserID: userID, Ephemeral: []location.Location{}, Durable: []location.Location{}}, nil
	}
	return grouped[0], nil
}

func groupPresence(records []presence.Record) []UserPresenceView {
	byUser := map[string]*UserPresenceView{}
	for _, r := range records {
		view, ok := byUser[r.UserID]
		if !ok {
			view = &UserPresenceView{UserID: r.UserID, Ephemeral: []location.Location{}, Durable: []location.Location{}}
			byUser[r.UserID] = view
		}
		if r.Ephemeral {
			view.Ephemeral = append(view.Ephemeral, r.Location)
		}
		if r.Durable {
			view.Durable = append(view.Durable, r.Location)
		}
	}
	out := make([]UserPresenceView, 0, len(byUser))
	for _, view := range byUser {
		out = append(out, *view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
