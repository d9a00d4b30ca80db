package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"cord/api/internal/auth"
	"cord/api/internal/rbac"
	"cord/api/internal/store"
	"cord/api/internal/util"
)

// CreateApplication registers a tenant and generates its signing secret.
func (s *Service) CreateApplication(ctx context.Context, id, name string) (store.Application, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Application{}, invalidRequest("name is required")
	}
	if id == "" {
		id = util.NewID("")
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return store.Application{}, fmt.Errorf("generate secret: %w", err)
	}
	app, err := s.store.CreateApplication(ctx, store.Application{ID: id, Name: name, Secret: hex.EncodeToString(secret)})
	if err != nil {
		return store.Application{}, err
	}
	s.log.Info("application created",
		zap.String("app_id", app.ID),
		zap.String("secret_fingerprint", auth.HashToken(app.Secret)[:12]))
	return app, nil
}

// EnsureApplication creates the application with a fixed secret unless it
// already exists.
func (s *Service) EnsureApplication(ctx context.Context, id, name, secret string) (store.Application, error) {
	app, err := s.store.GetApplication(ctx, id)
	if err == nil {
		return app, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Application{}, err
	}
	return s.store.CreateApplication(ctx, store.Application{ID: id, Name: name, Secret: secret})
}

// Authenticate verifies a bearer token against its application's secret.
// A client token whose user is unknown is rejected with invalid_user_id
// unless the token carries user details to create the user from.
func (s *Service) Authenticate(ctx context.Context, token string) (Viewer, error) {
	if strings.TrimSpace(token) == "" {
		return Viewer{}, invalidProjectToken()
	}
	appID, err := auth.PeekAppID(token)
	if err != nil {
		return Viewer{}, invalidProjectToken()
	}
	app, err := s.store.GetApplication(ctx, appID)
	if errors.Is(err, store.ErrNotFound) {
		return Viewer{}, invalidProjectToken()
	}
	if err != nil {
		return Viewer{}, err
	}
	claims, err := auth.ParseToken([]byte(app.Secret), token)
	if err != nil {
		return Viewer{}, invalidProjectToken()
	}
	if claims.IsServer() {
		return Viewer{AppID: app.ID, Role: rbac.RoleServer}, nil
	}

	viewer := Viewer{AppID: app.ID, UserID: claims.UserID, GroupID: claims.GroupID, Role: rbac.RoleClient}
	user, err := s.store.GetUser(ctx, app.ID, claims.UserID)
	switch {
	case errors.Is(err, store.ErrNotFound) && claims.UserDetails != nil:
		if _, err := s.upsertUserFromToken(ctx, app.ID, claims); err != nil {
			return Viewer{}, err
		}
	case errors.Is(err, store.ErrNotFound):
		return Viewer{}, invalidUserID(claims.UserID)
	case err != nil:
		return Viewer{}, err
	case user.Status == store.UserStatusDeleted:
		return Viewer{}, invalidUserID(claims.UserID)
	}

	if claims.GroupID != "" && claims.UserDetails != nil {
		if _, err := s.store.GetGroup(ctx, app.ID, claims.GroupID); errors.Is(err, store.ErrNotFound) {
			if _, err := s.store.UpsertGroup(ctx, store.Group{AppID: app.ID, ID: claims.GroupID, Name: claims.GroupID}); err != nil {
				return Viewer{}, err
			}
		} else if err != nil {
			return Viewer{}, err
		}
		if err := s.store.UpdateGroupMembers(ctx, app.ID, claims.GroupID, []string{claims.UserID}, nil); err != nil {
			return Viewer{}, err
		}
	}
	return viewer, nil
}

func (s *Service) upsertUserFromToken(ctx context.Context, appID string, claims auth.Claims) (store.User, error) {
	d := claims.UserDetails
	return s.store.UpsertUser(ctx, store.User{
		AppID:             appID,
		ID:                claims.UserID,
		Name:              d.Name,
		ShortName:         d.ShortName,
		Email:             d.Email,
		ProfilePictureURL: d.ProfilePictureURL,
	})
}

// IssueToken mints a token for local testing and the CLI.
func (s *Service) IssueToken(ctx context.Context, appID, userID, groupID string) (string, error) {
	app, err := s.store.GetApplication(ctx, appID)
	if err != nil {
		return "", err
	}
	return auth.IssueToken([]byte(app.Secret), auth.Claims{AppID: app.ID, UserID: userID, GroupID: groupID}, s.cfg.TokenTTL)
}

type UserInput struct {
	Name              string         `json:"name" validate:"max=256"`
	ShortName         string         `json:"shortName" validate:"max=128"`
	Email             string         `json:"email" validate:"omitempty,email"`
	ProfilePictureURL string         `json:"profilePictureURL" validate:"omitempty,url"`
	Status            string         `json:"status" validate:"omitempty,oneof=active deleted"`
	Metadata          map[string]any `json:"metadata" validate:"omitempty,flat"`
	// Groups adds the user to these groups, creating them if needed.
	Groups []string `json:"addGroups" validate:"omitempty,dive,required,max=128"`
}

type UserView struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	ShortName         string         `json:"shortName"`
	Email             string         `json:"email,omitempty"`
	ProfilePictureURL string         `json:"profilePictureURL,omitempty"`
	Status            string         `json:"status"`
	Metadata          map[string]any `json:"metadata"`
	Groups            []string       `json:"groups"`
	CreatedTimestamp  string         `json:"createdTimestamp"`
}

func (s *Service) UpsertUser(ctx context.Context, v Viewer, userID string, input UserInput) (UserView, error) {
	if err := s.require(v, rbac.ActionManageUsers); err != nil {
		return UserView{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return UserView{}, invalidRequest("user id is required")
	}
	if err := validateInput(input); err != nil {
		return UserView{}, err
	}
	user, err := s.store.UpsertUser(ctx, store.User{
		AppID:             v.AppID,
		ID:                userID,
		Name:              input.Name,
		ShortName:         input.ShortName,
		Email:             input.Email,
		ProfilePictureURL: input.ProfilePictureURL,
		Status:            input.Status,
		Metadata:          input.Metadata,
	})
	if err != nil {
		return UserView{}, err
	}
	for _, groupID := range input.Groups {
		if _, err := s.store.GetGroup(ctx, v.AppID, groupID); errors.Is(err, store.ErrNotFound) {
			if _, err := s.store.UpsertGroup(ctx, store.Group{AppID: v.AppID, ID: groupID, Name: groupID}); err != nil {
				return UserView{}, err
			}
		} else if err != nil {
			return UserView{}, err
		}
		if err := s.store.UpdateGroupMembers(ctx, v.AppID, groupID, []string{userID}, nil); err != nil {
			return UserView{}, err
		}
	}
	return s.userView(ctx, user)
}

func (s *Service) GetUser(ctx context.Context, v Viewer, userID string) (UserView, error) {
	if err := s.require(v, rbac.ActionRead); err != nil {
		return UserView{}, err
	}
	user, err := s.store.GetUser(ctx, v.AppID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return UserView{}, notFound("user")
	}
	if err != nil {
		return UserView{}, err
	}
	return s.userView(ctx, user)
}

func (s *Service) userView(ctx context.Context, user store.User) (UserView, error) {
	groups, err := s.store.ListUserGroups(ctx, user.AppID, user.ID)
	if err != nil {
		return UserView{}, err
	}
	return UserView{
		ID:                user.ID,
		Name:              user.Name,
		ShortName:         user.ShortName,
		Email:             user.Email,
		ProfilePictureURL: user.ProfilePictureURL,
		Status:            user.Status,
		Metadata:          nonNilMap(user.Metadata),
		Groups:            groups,
		CreatedTimestamp:  formatTime(user.CreatedAt),
	}, nil
}

type GroupInput struct {
	Name     string         `json:"name" validate:"required,max=256"`
	Metadata map[string]any `json:"metadata" validate:"omitempty,flat"`
	// Members are added to the group; existing members are kept.
	Members []string `json:"members" validate:"omitempty,dive,required"`
}

type GroupMembersInput struct {
	Add    []string `json:"add" validate:"omitempty,dive,required"`
	Remove []string `json:"remove" validate:"omitempty,dive,required"`
}

type GroupView struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata"`
	Members  []string       `json:"members"`
}

func (s *Service) UpsertGroup(ctx context.Context, v Viewer, groupID string, input GroupInput) (GroupView, error) {
	if err := s.require(v, rbac.ActionManageUsers); err != nil {
		return GroupView{}, err
	}
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return GroupView{}, invalidRequest("group id is required")
	}
	if err := validateInput(input); err != nil {
		return GroupView{}, err
	}
	group, err := s.store.UpsertGroup(ctx, store.Group{AppID: v.AppID, ID: groupID, Name: input.Name, Metadata: input.Metadata})
	if err != nil {
		return GroupView{}, err
	}
	if len(input.Members) > 0 {
		if err := s.updateMembers(ctx, v.AppID, groupID, input.Members, nil); err != nil {
			return GroupView{}, err
		}
	}
	return s.groupView(ctx, group)
}

func (s *Service) GetGroup(ctx context.Context, v Viewer, groupID string) (GroupView, error) {
	if err := s.require(v, rbac.ActionRead); err != nil {
		return GroupView{}, err
	}
	visible, err := s.canSeeGroup(ctx, v, groupID)
	if err != nil {
		return GroupView{}, err
	}
	if !visible {
		return GroupView{}, notFound("group")
	}
	group, err := s.store.GetGroup(ctx, v.AppID, groupID)
	if errors.Is(err, store.ErrNotFound) {
		return GroupView{}, notFound("group")
	}
	if err != nil {
		return GroupView{}, err
	}
	return s.groupView(ctx, group)
}

func (s *Service) UpdateGroupMembers(ctx context.Context, v Viewer, groupID string, input GroupMembersInput) (GroupView, error) {
	if err := s.require(v, rbac.ActionManageUsers); err != nil {
		return GroupView{}, err
	}
	if err := validateInput(input); err != nil {
		return GroupView{}, err
	}
	group, err := s.store.GetGroup(ctx, v.AppID, groupID)
	if errors.Is(err, store.ErrNotFound) {
		return GroupView{}, notFound("group")
	}
	if err != nil {
		return GroupView{}, err
	}
	if err := s.updateMembers(ctx, v.AppID, groupID, input.Add, input.Remove); err != nil {
		return GroupView{}, err
	}
	return s.groupView(ctx, group)
}

func (s *Service) updateMembers(ctx context.Context, appID, groupID string, add, remove []string) error {
	for _, userID := range add {
		if err := s.requireUser(ctx, appID, userID); err != nil {
			return err
		}
	}
	return s.store.UpdateGroupMembers(ctx, appID, groupID, add, remove)
}

func (s *Service) groupView(ctx context.Context, group store.Group) (GroupView, error) {
	members, err := s.store.ListGroupMembers(ctx, group.AppID, group.ID)
	if err != nil {
		return GroupView{}, err
	}
	return GroupView{ID: group.ID, Name: group.Name, Metadata: nonNilMap(group.Metadata), Members: members}, nil
}
