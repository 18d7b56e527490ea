package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FileID is a server file identifier. The backend sends it either as a
// JSON number or as a numeric string.
type FileID int64

func (f *FileID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		b = []byte(s)
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid file id %s: %w", b, err)
	}
	*f = FileID(n)
	return nil
}

// ProjectID is a client project identifier. The backend may echo it as a
// number.
type ProjectID string

func (p *ProjectID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*p = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = ProjectID(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("invalid project id %s: %w", b, err)
		}
		*p = ProjectID(n.String())
	}
	return nil
}

// SessionUser is the raw user object returned by the session endpoint.
// The same shape is carried in the local credential's claims.
type SessionUser struct {
	UserID       string `json:"userID"`
	ID           FileID `json:"id"`
	ProfileImage string `json:"profileImage,omitempty"`
	CenterID     string `json:"centerID,omitempty"`
	Role         string `json:"role,omitempty"`
}

// SessionResponse is the body of GET /api/scratch/auth/session.
type SessionResponse struct {
	LoggedIn bool         `json:"loggedIn"`
	User     *SessionUser `json:"user"`
}

// SaveBody is the body of a create or update call.
type SaveBody struct {
	ProjectID   string          `json:"projectId,omitempty"`
	ProjectData json.RawMessage `json:"projectData"`
	Title       string          `json:"title"`
	Thumbnail   *string         `json:"thumbnail,omitempty"`
	IsNew       bool            `json:"isNew"`
	IsCopy      bool            `json:"isCopy"`
	IsRemix     bool            `json:"isRemix"`
	OriginalID  *string         `json:"originalId"`
	IsAutoSave  bool            `json:"isAutoSave"`
}

// SaveResponse is the body returned by create and update.
type SaveResponse struct {
	Success      bool      `json:"success"`
	Message      string    `json:"message,omitempty"`
	ProjectID    ProjectID `json:"projectId"`
	FileID       FileID    `json:"fileId"`
	ThumbnailURL *string   `json:"thumbnailUrl"`
}

// StatusResponse is the minimal {success, message} body.
type StatusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ThumbnailBody is the body of a thumbnail update.
type ThumbnailBody struct {
	ThumbnailBase64 string `json:"thumbnailBase64"`
}

// ProjectSummary is one element of the project list.
type ProjectSummary struct {
	FileID       FileID    `json:"fileId"`
	Title        string    `json:"title"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"createdAt"`
	ThumbnailURL *string   `json:"thumbnailUrl"`
}

// UnmarshalJSON reads createdAt leniently: one row in an unexpected
// format must not fail the whole list.
func (p *ProjectSummary) UnmarshalJSON(b []byte) error {
	type plain ProjectSummary
	aux := struct {
		*plain
		CreatedAt json.RawMessage `json:"createdAt"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	p.CreatedAt = parseTimestamp(aux.CreatedAt)
	return nil
}

// timestampLayouts are tried in order for string timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// parseTimestamp accepts RFC3339, SQL datetime strings and epoch
// milliseconds (as a number or a numeric string). Anything else is the
// zero time.
func parseTimestamp(raw json.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}
	}

	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}
		}
		s = strings.TrimSpace(s)
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
	}
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		return time.UnixMilli(int64(ms)).UTC()
	}
	return time.Time{}
}

// ListResponse is the body of GET /api/scratch/projects.
type ListResponse struct {
	Success  bool             `json:"success"`
	Message  string           `json:"message,omitempty"`
	Projects []ProjectSummary `json:"projects"`
}

// ProjectURLResponse is the body of GET /api/scratch/project/{fileId}.
type ProjectURLResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
}

// Project event types.
const (
	EventReady     = "ready" // sent once when the stream is subscribed
	EventSaved     = "saved"
	EventDeleted   = "deleted"
	EventThumbnail = "thumbnail"
)

// ProjectEvent is one change notification on the event stream.
type ProjectEvent struct {
	Type      string    `json:"type" yaml:"type" toml:"type"`
	FileID    FileID    `json:"fileId,omitempty" yaml:"fileId,omitempty" toml:"fileId,omitempty"`
	ProjectID ProjectID `json:"projectId,omitempty" yaml:"projectId,omitempty" toml:"projectId,omitempty"`
	Title     string    `json:"title,omitempty" yaml:"title,omitempty" toml:"title,omitempty"`
	Size      int64     `json:"size,omitempty" yaml:"size,omitempty" toml:"size,omitempty"`
	Created   bool      `json:"created,omitempty" yaml:"created,omitempty" toml:"created,omitempty"`
	At        time.Time `json:"at" yaml:"at" toml:"at"`
}
