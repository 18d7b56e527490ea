package devserver

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/scratchsync/internal/backend"
	"github.com/fyrsmithlabs/scratchsync/internal/engine"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const userKey = "scratchsync.user"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Projects int    `json:"projects"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Projects: s.store.Count()})
}

func failure(c echo.Context, status int, msg string) error {
	return c.JSON(status, backend.StatusResponse{Success: false, Message: msg})
}

func (s *Server) userFromCookie(c echo.Context) (*backend.SessionUser, error) {
	cookie, err := c.Cookie(s.config.CookieName)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	return s.auth.Verify(cookie.Value)
}

// requireUser rejects requests without a valid session cookie.
func (s *Server) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		user, err := s.userFromCookie(c)
		if err != nil {
			s.logger.Debug(c.Request().Context(), "unauthenticated request", zap.Error(err))
			return failure(c, http.StatusUnauthorized, "login required")
		}
		c.Set(userKey, user)
		return next(c)
	}
}

func currentUser(c echo.Context) *backend.SessionUser {
	u, _ := c.Get(userKey).(*backend.SessionUser)
	return u
}

func (s *Server) handleSession(c echo.Context) error {
	user, err := s.userFromCookie(c)
	if err != nil {
		return c.JSON(http.StatusOK, backend.SessionResponse{LoggedIn: false})
	}
	return c.JSON(http.StatusOK, backend.SessionResponse{LoggedIn: true, User: user})
}

func (s *Server) handleLogout(c echo.Context) error {
	c.SetCookie(&http.Cookie{
		Name:     s.config.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
	})
	return c.JSON(http.StatusOK, backend.StatusResponse{Success: true})
}

func fileIDParam(c echo.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("fileId"), 10, 64)
	return id, err == nil && id > 0
}

// decodeProjectData accepts a JSON project inline or a base64 string
// carrying an sb3 archive.
func decodeProjectData(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("projectData is required")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, errors.New("projectData string must be base64")
		}
		return data, nil
	}
	return []byte(raw), nil
}

func (s *Server) handleCreate(c echo.Context) error {
	return s.save(c, 0)
}

func (s *Server) handleUpdate(c echo.Context) error {
	id, ok := fileIDParam(c)
	if !ok {
		return failure(c, http.StatusBadRequest, "invalid file id")
	}
	return s.save(c, id)
}

func (s *Server) save(c echo.Context, fileID int64) error {
	ctx := c.Request().Context()
	user := currentUser(c)

	var body backend.SaveBody
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return failure(c, http.StatusBadRequest, "invalid request body")
	}
	data, err := decodeProjectData(body.ProjectData)
	if err != nil {
		return failure(c, http.StatusBadRequest, err.Error())
	}
	if _, err := engine.DetectFormat(data); err != nil {
		return failure(c, http.StatusBadRequest, err.Error())
	}

	in := SaveInput{ProjectID: body.ProjectID, Title: strings.TrimSpace(body.Title), Data: data}
	if in.Title == "" {
		in.Title = "Untitled"
	}
	if fileID == 0 && in.ProjectID == "" {
		in.ProjectID = strconv.FormatInt(s.store.now().UnixMilli(), 10)
	}
	if body.Thumbnail != nil && *body.Thumbnail != "" {
		thumb, err := base64.StdEncoding.DecodeString(*body.Thumbnail)
		if err != nil {
			return failure(c, http.StatusBadRequest, "thumbnail must be base64")
		}
		in.Thumbnail = thumb
	}

	p, err := s.store.Save(user.UserID, fileID, in)
	if err != nil {
		var qe *QuotaError
		switch {
		case errors.As(err, &qe):
			QuotaRejections.Inc()
			s.logger.Warn(ctx, "save rejected by quota", zap.String("user", user.UserID), zap.Error(err))
			return failure(c, http.StatusRequestEntityTooLarge, qe.Error())
		case errors.Is(err, ErrProjectNotFound):
			return failure(c, http.StatusNotFound, err.Error())
		case errors.Is(err, ErrForbidden):
			return failure(c, http.StatusForbidden, err.Error())
		default:
			return failure(c, http.StatusInternalServerError, err.Error())
		}
	}
	StoredBytes.Observe(float64(len(data)))

	s.logger.Info(ctx, "project saved",
		zap.String("user", user.UserID),
		zap.Int64("file_id", p.FileID),
		zap.Bool("is_new", fileID == 0),
		zap.Bool("is_auto_save", body.IsAutoSave),
		zap.Int("bytes", len(data)))

	s.publish(ctx, user.UserID, backend.ProjectEvent{
		Type:      backend.EventSaved,
		FileID:    backend.FileID(p.FileID),
		ProjectID: backend.ProjectID(p.ProjectID),
		Title:     p.Title,
		Size:      int64(len(p.Data)),
		Created:   fileID == 0,
	})

	resp := backend.SaveResponse{
		Success:   true,
		ProjectID: backend.ProjectID(p.ProjectID),
		FileID:    backend.FileID(p.FileID),
	}
	if len(p.Thumbnail) > 0 {
		u := thumbnailURL(p.FileID)
		resp.ThumbnailURL = &u
	}
	return c.JSON(http.StatusOK, resp)
}

func thumbnailURL(fileID int64) string {
	return "/thumbnails/" + strconv.FormatInt(fileID, 10)
}

func (s *Server) storeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrProjectNotFound):
		return failure(c, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		return failure(c, http.StatusForbidden, err.Error())
	default:
		return failure(c, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleProjectURL(c echo.Context) error {
	id, ok := fileIDParam(c)
	if !ok {
		return failure(c, http.StatusBadRequest, "invalid file id")
	}
	p, err := s.store.Get(currentUser(c).UserID, id)
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, backend.ProjectURLResponse{
		Success: true,
		URL:     "/files/" + strconv.FormatInt(p.FileID, 10),
		Title:   p.Title,
	})
}

func (s *Server) handleDelete(c echo.Context) error {
	id, ok := fileIDParam(c)
	if !ok {
		return failure(c, http.StatusBadRequest, "invalid file id")
	}
	owner := currentUser(c).UserID
	if err := s.store.Delete(owner, id); err != nil {
		return s.storeError(c, err)
	}
	s.publish(c.Request().Context(), owner, backend.ProjectEvent{Type: backend.EventDeleted, FileID: backend.FileID(id)})
	return c.JSON(http.StatusOK, backend.StatusResponse{Success: true})
}

func (s *Server) handleThumbnailUpdate(c echo.Context) error {
	id, ok := fileIDParam(c)
	if !ok {
		return failure(c, http.StatusBadRequest, "invalid file id")
	}
	var body backend.ThumbnailBody
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return failure(c, http.StatusBadRequest, "invalid request body")
	}
	png, err := base64.StdEncoding.DecodeString(body.ThumbnailBase64)
	if err != nil || len(png) == 0 {
		return failure(c, http.StatusBadRequest, "thumbnailBase64 must be non-empty base64")
	}
	owner := currentUser(c).UserID
	if err := s.store.SetThumbnail(owner, id, png); err != nil {
		return s.storeError(c, err)
	}
	s.publish(c.Request().Context(), owner, backend.ProjectEvent{Type: backend.EventThumbnail, FileID: backend.FileID(id)})
	return c.JSON(http.StatusOK, backend.StatusResponse{Success: true})
}

func (s *Server) handleList(c echo.Context) error {
	projects := s.store.List(currentUser(c).UserID)
	resp := backend.ListResponse{Success: true, Projects: make([]backend.ProjectSummary, 0, len(projects))}
	for _, p := range projects {
		sum := backend.ProjectSummary{
			FileID:    backend.FileID(p.FileID),
			Title:     p.Title,
			Size:      int64(len(p.Data)),
			CreatedAt: p.CreatedAt,
		}
		if len(p.Thumbnail) > 0 {
			u := thumbnailURL(p.FileID)
			sum.ThumbnailURL = &u
		}
		resp.Projects = append(resp.Projects, sum)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleFile(c echo.Context) error {
	id, ok := fileIDParam(c)
	if !ok {
		return failure(c, http.StatusBadRequest, "invalid file id")
	}
	p, err := s.store.Get(currentUser(c).UserID, id)
	if err != nil {
		return s.storeError(c, err)
	}
	contentType := "application/x.scratch.sb3"
	if f, _ := engine.DetectFormat(p.Data); f == engine.FormatJSON {
		contentType = echo.MIMEApplicationJSON
	}
	return c.Blob(http.StatusOK, contentType, p.Data)
}

func (s *Server) handleThumbnail(c echo.Context) error {
	id, ok := fileIDParam(c)
	if !ok {
		return failure(c, http.StatusBadRequest, "invalid file id")
	}
	png, ok := s.store.Thumbnail(id)
	if !ok {
		return failure(c, http.StatusNotFound, "no thumbnail")
	}
	return c.Blob(http.StatusOK, "image/png", png)
}
