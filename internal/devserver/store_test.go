package devserver

import (
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/scratchsync/internal/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_QuotaExcludesReplacedProject(t *testing.T) {
	s := NewStore(10, nil)

	p, err := s.Save("alice", 0, SaveInput{Title: "a", Data: make([]byte, 8)})
	require.NoError(t, err)

	// Replacing 8 bytes with 10 fits; adding 10 more does not.
	_, err = s.Save("alice", p.FileID, SaveInput{Title: "a", Data: make([]byte, 10)})
	require.NoError(t, err)

	_, err = s.Save("alice", 0, SaveInput{Title: "b", Data: make([]byte, 1)})
	var qe *QuotaError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, uint64(11), qe.Used)
	assert.Equal(t, "Storage quota exceeded: 11 B of 10 B used", qe.Error())
	assert.Equal(t, uint64(10), s.Usage("alice"))
}

func TestStore_ListNewestFirst(t *testing.T) {
	s := NewStore(0, nil)
	for range 3 {
		_, err := s.Save("alice", 0, SaveInput{Data: []byte("{}")})
		require.NoError(t, err)
	}
	_, err := s.Save("bob", 0, SaveInput{Data: []byte("{}")})
	require.NoError(t, err)

	var ids []int64
	for _, p := range s.List("alice") {
		ids = append(ids, p.FileID)
	}
	assert.Equal(t, []int64{3, 2, 1}, ids)
}

func TestStore_ThumbnailKeptWhenOmitted(t *testing.T) {
	s := NewStore(0, nil)
	p, err := s.Save("alice", 0, SaveInput{Data: []byte("{}"), Thumbnail: []byte("png")})
	require.NoError(t, err)

	_, err = s.Save("alice", p.FileID, SaveInput{Data: []byte("{}")})
	require.NoError(t, err)

	thumb, ok := s.Thumbnail(p.FileID)
	require.True(t, ok)
	assert.Equal(t, []byte("png"), thumb)
}

func TestAuthenticator(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a, err := NewAuthenticator(testKey, func() time.Time { return now })
	require.NoError(t, err)

	tok, err := a.Issue(backend.SessionUser{UserID: "alice", ID: 3, CenterID: "c1"}, time.Minute)
	require.NoError(t, err)

	u, err := a.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.UserID)
	assert.Equal(t, "c1", u.CenterID)

	now = now.Add(2 * time.Minute)
	_, err = a.Verify(tok)
	assert.True(t, errors.Is(err, ErrUnauthenticated))

	_, err = a.Verify("not-a-jwt")
	assert.True(t, errors.Is(err, ErrUnauthenticated))

	_, err = a.Verify("")
	assert.True(t, errors.Is(err, ErrUnauthenticated))
}

func TestNewAuthenticator_RandomKey(t *testing.T) {
	a, err := NewAuthenticator(nil, nil)
	require.NoError(t, err)
	assert.Len(t, a.key, 32)
}
