package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/codeshare/internal/db"
	"github.com/manpreetbhatti/codeshare/internal/ratelimit"
	"github.com/manpreetbhatti/codeshare/internal/room"
	"github.com/manpreetbhatti/codeshare/internal/ws"
)

const defaultMaxBodyBytes = 1 << 20

// Options wires the API to the rest of the server. Hub, CreateLimiter and
// Gatherer are optional.
type Options struct {
	Manager       *room.Manager
	Database      *db.Database
	Hub           *ws.Hub
	CreateLimiter *ratelimit.ClientLimiters
	Gatherer      prometheus.Gatherer
	// MaxBodyBytes caps JSON request bodies. Defaults to 1 MiB.
	MaxBodyBytes  int64
	Logger        *zap.Logger
}

type API struct {
	manager  *room.Manager
	database *db.Database
	hub      *ws.Hub
	limiter  *ratelimit.ClientLimiters
	gatherer prometheus.Gatherer
	maxBody  int64
	logger   *zap.Logger
	now      func() time.Time
}

func New(opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &API{
		manager:  opts.Manager,
		database: opts.Database,
		hub:      opts.Hub,
		limiter:  opts.CreateLimiter,
		gatherer: opts.Gatherer,
		maxBody:  maxBody,
		logger:   logger.With(zap.String("component", "api")),
		now:      time.Now,
	}
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warn("encoding JSON response", zap.Error(err))
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// internalError logs err and answers 500 with message.
func (a *API) internalError(w http.ResponseWriter, r *http.Request, message string, err error) {
	a.logger.Error(message, zap.String("path", r.URL.Path), zap.Error(err))
	errorResponse(w, http.StatusInternalServerError, message)
}

// decodeJSON reads a JSON body of at most maxBody bytes into v and answers
// the error itself. An empty body is accepted when allowEmpty is set.
func (a *API) decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxBody)
	err := json.NewDecoder(r.Body).Decode(v)

	var tooLarge *http.MaxBytesError
	switch {
	case err == nil, allowEmpty && errors.Is(err, io.EOF):
		return true
	case errors.As(err, &tooLarge):
		errorResponse(w, http.StatusRequestEntityTooLarge, "Request body too large")
	default:
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
	}
	return false
}

func pageParams(r *http.Request, defaultLimit int) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = defaultLimit
	}
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := a.database.Ping(r.Context()); err != nil {
		a.logger.Warn("health check: database unreachable", zap.Error(err))
		status, code = "degraded", http.StatusServiceUnavailable
	}
	a.jsonResponse(w, code, map[string]any{
		"status":    status,
		"timestamp": a.now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"active_rooms":   a.manager.RoomCount(),
		"active_clients": a.manager.ClientCount(),
		"timestamp":      a.now().UTC().Format(time.RFC3339),
	}
	if a.hub != nil {
		stats["connections"] = a.hub.ClientCount()
	}

	dbStats, err := a.database.GetStats(r.Context())
	if err == nil {
		stats["total_rooms"] = dbStats.RoomCount
		stats["total_versions"] = dbStats.VersionCount
	} else {
		a.logger.Warn("reading database stats", zap.Error(err))
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID           string    `json:"id"`
	Language     string    `json:"language"`
	Content      string    `json:"content,omitempty"` // omitted in list view
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
	Live         bool      `json:"live"`
	ActiveUsers  int       `json:"active_users"`
	Participants []string  `json:"participants,omitempty"`
	Version      uint64    `json:"version,omitempty"`
	VersionCount int       `json:"version_count,omitempty"`

	// newest saved version, without content
	LatestVersion *VersionResponse `json:"latest_version,omitempty"`
}

type CreateRoomRequest struct {
	Content  string `json:"content"`
	Language string `json:"language"`
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 20)

	rooms, err := a.database.ListRooms(r.Context(), limit, offset)
	if err != nil {
		a.internalError(w, r, "Failed to list rooms", err)
		return
	}

	active := a.manager.ActiveRooms()
	response := make([]RoomResponse, len(rooms))
	for i, rec := range rooms {
		users, live := active[rec.ID]
		response[i] = RoomResponse{
			ID:          rec.ID,
			Language:    rec.Language,
			CreatedAt:   rec.CreatedAt,
			UpdatedAt:   rec.UpdatedAt,
			Live:        live,
			ActiveUsers: users,
		}
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	if a.limiter != nil && !a.limiter.Allow(clientKey(r)) {
		errorResponse(w, http.StatusTooManyRequests, "Too many rooms created, slow down")
		return
	}

	var req CreateRoomRequest
	if !a.decodeJSON(w, r, &req, true) {
		return
	}

	id := a.manager.Create(r.Context(), req.Content, req.Language)

	resp := RoomResponse{ID: id, Live: true}
	if rm, ok := a.manager.Get(id); ok {
		if snap, err := rm.Snapshot(); err == nil {
			resp.Language = snap.Language
			resp.Content = snap.Content
			resp.Version = snap.Version
		}
	}
	a.jsonResponse(w, http.StatusCreated, resp)
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	resp := RoomResponse{ID: roomID}
	rec, err := a.database.FindRoomRecord(r.Context(), roomID)
	switch {
	case err == nil:
		resp.Language = rec.Language
		resp.Content = rec.Content
		resp.CreatedAt = rec.CreatedAt
		resp.UpdatedAt = rec.UpdatedAt
	case errors.Is(err, room.ErrRoomNotFound):
	default:
		a.internalError(w, r, "Failed to get room", err)
		return
	}

	if rm, ok := a.manager.Get(roomID); ok {
		if snap, err := rm.Snapshot(); err == nil {
			resp.Live = true
			resp.Language = snap.Language
			resp.Content = snap.Content
			resp.Version = snap.Version
			resp.Participants = snap.Participants
			resp.ActiveUsers = len(snap.Participants)
		}
	}

	if !resp.Live && errors.Is(err, room.ErrRoomNotFound) {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	count, err := a.database.GetVersionCount(r.Context(), roomID)
	if err != nil {
		a.logger.Warn("counting versions", zap.String("room_id", roomID), zap.Error(err))
	}
	resp.VersionCount = count

	latest, err := a.database.GetLatestVersion(r.Context(), roomID)
	switch {
	case err == nil:
		summary := versionResponse(latest, false)
		resp.LatestVersion = &summary
	case !errors.Is(err, db.ErrVersionNotFound):
		a.logger.Warn("reading latest version", zap.String("room_id", roomID), zap.Error(err))
	}

	a.jsonResponse(w, http.StatusOK, resp)
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	err := a.manager.Delete(r.Context(), roomID)
	switch {
	case errors.Is(err, room.ErrRoomActive):
		errorResponse(w, http.StatusConflict, "Room is active")
		return
	case errors.Is(err, room.ErrRoomNotFound):
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	case err != nil:
		a.internalError(w, r, "Failed to delete room", err)
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Room deleted"})
}

// Version handlers

type CreateVersionRequest struct {
	RoomID      string `json:"room_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Content     string `json:"content"`
	Language    string `json:"language"`
	CreatedBy   string `json:"created_by"`
}

type VersionResponse struct {
	ID          int       `json:"id"`
	RoomID      string    `json:"room_id,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Content     string    `json:"content,omitempty"` // omitted in list view
	Language    string    `json:"language,omitempty"`
	ContentHash string    `json:"content_hash"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	IsAuto      bool      `json:"is_auto"`
}

func versionResponse(v *db.Version, withContent bool) VersionResponse {
	resp := VersionResponse{
		ID:          v.ID,
		RoomID:      v.RoomID,
		Name:        v.Name,
		Description: v.Description,
		Language:    v.Language,
		ContentHash: v.ContentHash,
		CreatedBy:   v.CreatedBy,
		CreatedAt:   v.CreatedAt,
		IsAuto:      v.IsAuto,
	}
	if withContent {
		resp.Content = v.Content
	}
	return resp
}

func (a *API) ListVersionsHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room_id")
	if roomID == "" {
		errorResponse(w, http.StatusBadRequest, "room_id is required")
		return
	}

	limit, offset := pageParams(r, 50)
	versions, err := a.database.ListVersions(r.Context(), roomID, limit, offset)
	if err != nil {
		a.internalError(w, r, "Failed to list versions", err)
		return
	}

	response := make([]VersionResponse, len(versions))
	for i := range versions {
		response[i] = versionResponse(&versions[i], false)
	}

	total, err := a.database.GetVersionCount(r.Context(), roomID)
	if err != nil {
		a.logger.Warn("counting versions", zap.String("room_id", roomID), zap.Error(err))
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"versions": response,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// CreateVersionHandler stores a named checkpoint. Without content it captures
// the room's current content.
func (a *API) CreateVersionHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateVersionRequest
	if !a.decodeJSON(w, r, &req, false) {
		return
	}
	if req.RoomID == "" {
		errorResponse(w, http.StatusBadRequest, "room_id is required")
		return
	}

	content, language, err := a.currentContent(r.Context(), req.RoomID)
	if errors.Is(err, room.ErrRoomNotFound) {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}
	if err != nil {
		a.internalError(w, r, "Failed to get room", err)
		return
	}
	if req.Content != "" {
		content = req.Content
	}
	if req.Language != "" {
		language = req.Language
	}
	if req.Name == "" {
		req.Name = fmt.Sprintf("Version %s", a.now().Format("Jan 2, 3:04 PM"))
	}

	version, err := a.database.CreateVersion(r.Context(), db.Version{
		RoomID:      req.RoomID,
		Name:        req.Name,
		Description: req.Description,
		Content:     content,
		Language:    language,
		CreatedBy:   req.CreatedBy,
	})
	if err != nil {
		a.internalError(w, r, "Failed to create version", err)
		return
	}

	a.jsonResponse(w, http.StatusCreated, versionResponse(version, false))
}

// currentContent reads the live room if there is one, else the stored record.
func (a *API) currentContent(ctx context.Context, roomID string) (content, language string, err error) {
	if rm, ok := a.manager.Get(roomID); ok {
		if snap, err := rm.Snapshot(); err == nil {
			return snap.Content, snap.Language, nil
		}
	}
	rec, err := a.database.FindRoomRecord(ctx, roomID)
	if err != nil {
		return "", "", err
	}
	return rec.Content, rec.Language, nil
}

func versionID(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "versionID"))
}

// getVersion answers the error itself and returns nil when the version
// cannot be served.
func (a *API) getVersion(w http.ResponseWriter, r *http.Request, id int, notFound string) *db.Version {
	version, err := a.database.GetVersion(r.Context(), id)
	if errors.Is(err, db.ErrVersionNotFound) {
		errorResponse(w, http.StatusNotFound, notFound)
		return nil
	}
	if err != nil {
		a.internalError(w, r, "Failed to get version", err)
		return nil
	}
	return version
}

func (a *API) GetVersionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := versionID(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid version ID")
		return
	}

	version := a.getVersion(w, r, id, "Version not found")
	if version == nil {
		return
	}
	a.jsonResponse(w, http.StatusOK, versionResponse(version, true))
}

func (a *API) DeleteVersionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := versionID(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid version ID")
		return
	}

	err = a.database.DeleteVersion(r.Context(), id)
	if errors.Is(err, db.ErrVersionNotFound) {
		errorResponse(w, http.StatusNotFound, "Version not found")
		return
	}
	if err != nil {
		a.internalError(w, r, "Failed to delete version", err)
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Version deleted"})
}

// DiffVersionsHandler computes a line diff between two versions.
func (a *API) DiffVersionsHandler(w http.ResponseWriter, r *http.Request) {
	fromID, err := strconv.Atoi(r.URL.Query().Get("from"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid 'from' version ID")
		return
	}

	toID, err := strconv.Atoi(r.URL.Query().Get("to"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid 'to' version ID")
		return
	}

	from := a.getVersion(w, r, fromID, "From version not found")
	if from == nil {
		return
	}
	to := a.getVersion(w, r, toID, "To version not found")
	if to == nil {
		return
	}

	diff, err := computeDiff(from.Content, to.Content)
	if errors.Is(err, errDiffTooLarge) {
		errorResponse(w, http.StatusRequestEntityTooLarge, "Versions too large to diff")
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"from": versionResponse(from, false),
		"to":   versionResponse(to, false),
		"diff": diff,
	})
}

// RestoreVersionHandler puts a version's content back into its room. A live
// room applies it as an edit every participant receives; otherwise the
// stored snapshot is overwritten.
func (a *API) RestoreVersionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := versionID(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid version ID")
		return
	}

	version := a.getVersion(w, r, id, "Version not found")
	if version == nil {
		return
	}

	restored, err := a.database.CreateVersion(r.Context(), db.Version{
		RoomID:      version.RoomID,
		Name:        fmt.Sprintf("Restored from: %s", version.Name),
		Description: fmt.Sprintf("Restored to version %d (%s)", version.ID, version.Name),
		Content:     version.Content,
		Language:    version.Language,
		ContentHash: version.ContentHash,
	})
	if err != nil {
		a.internalError(w, r, "Failed to create restore version", err)
		return
	}

	resp := map[string]any{
		"message":       "Version restored",
		"restored_from": version.ID,
		"new_version":   restored.ID,
		"room_id":       version.RoomID,
		"content":       version.Content,
		"live":          false,
	}

	if rm, ok := a.manager.Get(version.RoomID); ok {
		_, roomVersion, err := rm.Restore(version.Content)
		if err == nil {
			resp["live"] = true
			resp["room_version"] = roomVersion
			a.logger.Info("version restored into live room",
				zap.String("room_id", version.RoomID),
				zap.Int("version_id", version.ID),
				zap.Uint64("room_version", roomVersion),
			)
			a.jsonResponse(w, http.StatusOK, resp)
			return
		}
		if !errors.Is(err, room.ErrRoomClosed) {
			a.internalError(w, r, "Failed to restore version", err)
			return
		}
	}

	language := version.Language
	if rec, err := a.database.FindRoomRecord(r.Context(), version.RoomID); err == nil && language == "" {
		language = rec.Language
	}
	if err := a.database.UpsertSnapshot(r.Context(), version.RoomID, version.Content, language, a.now()); err != nil {
		a.internalError(w, r, "Failed to restore version", err)
		return
	}
	a.jsonResponse(w, http.StatusOK, resp)
}
