package session

import (
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/scratchsync/internal/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCredential(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		token   string
		want    *backend.SessionUser
		wantErr error
	}{
		{"empty", "", nil, ErrNoCredential},
		{"garbage", "abc.def", nil, ErrMalformedToken},
		{
			"top level claims",
			signToken(t, map[string]any{"userID": "alice", "id": "7", "profileImage": "/a.png"}),
			&backend.SessionUser{UserID: "alice", ID: 7, ProfileImage: "/a.png"},
			nil,
		},
		{
			"nested user",
			signToken(t, map[string]any{"user": map[string]any{"userID": "bob", "id": 9, "role": "admin"}}),
			&backend.SessionUser{UserID: "bob", ID: 9, Role: "admin"},
			nil,
		},
		{
			"username alias",
			signToken(t, map[string]any{"username": "dave"}),
			&backend.SessionUser{UserID: "dave"},
			nil,
		},
		{
			"not yet expired",
			signToken(t, map[string]any{"userID": "erin", "exp": now.Add(time.Hour).Unix()}),
			&backend.SessionUser{UserID: "erin"},
			nil,
		},
		{"expired", signToken(t, map[string]any{"userID": "x", "exp": now.Add(-time.Minute).Unix()}), nil, ErrCredentialExpired},
		{"no identity", signToken(t, map[string]any{"role": "teacher"}), nil, ErrNoIdentityInClaims},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeCredential(tt.token, now)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeriveRoles(t *testing.T) {
	tests := []struct {
		role string
		want Roles
	}{
		{"teacher", Roles{Educator: true}},
		{"admin", Roles{Educator: true}},
		{"manager", Roles{Educator: true}},
		{"student", Roles{Student: true}},
		{"parent", Roles{}},
		{"", Roles{}},
		{"Teacher", Roles{}},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveRoles(tt.role))
		})
	}
}

func TestNormalizeUser(t *testing.T) {
	assert.Nil(t, NormalizeUser(nil, ""))

	u := NormalizeUser(&backend.SessionUser{UserID: "kim", ID: 4, CenterID: "77", Role: "student"}, "/custom.webp")
	assert.Equal(t, "/custom.webp", u.ThumbnailURL)
	assert.Equal(t, "77", u.ClassroomID)
	assert.True(t, u.Student)
}
