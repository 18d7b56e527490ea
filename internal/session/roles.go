package session

import (
	"github.com/fyrsmithlabs/scratchsync/internal/appstate"
	"github.com/fyrsmithlabs/scratchsync/internal/backend"
)

// DefaultThumbnail is used when the backend has no profile image.
const DefaultThumbnail = "/resource/profiles/default.webp"

// Roles are the classroom flags derived from a raw role string.
// Neither flag may be set; unknown roles are accepted as-is.
type Roles struct {
	Educator bool
	Student  bool
}

// DeriveRoles maps a raw role to classroom flags.
func DeriveRoles(role string) Roles {
	return Roles{
		Educator: role == "teacher" || role == "admin" || role == "manager",
		Student:  role == "student",
	}
}

// NormalizeUser converts a raw session user into the published shape.
func NormalizeUser(u *backend.SessionUser, defaultThumbnail string) *appstate.User {
	if u == nil {
		return nil
	}
	if defaultThumbnail == "" {
		defaultThumbnail = DefaultThumbnail
	}
	thumb := u.ProfileImage
	if thumb == "" {
		thumb = defaultThumbnail
	}
	roles := DeriveRoles(u.Role)
	return &appstate.User{
		ID:           int64(u.ID),
		Username:     u.UserID,
		ThumbnailURL: thumb,
		ProfileURL:   "/users/" + u.UserID,
		ClassroomID:  u.CenterID,
		Role:         u.Role,
		Educator:     roles.Educator,
		Student:      roles.Student,
	}
}
