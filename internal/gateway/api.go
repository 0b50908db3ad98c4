// ABOUTME: HTTP API handlers: event stream, launch/terminate controls, status and presence
// ABOUTME: Handlers write the registry and enqueue lifecycle jobs; the workers do the provider calls

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/minecloud/internal/auth"
	"github.com/2389/minecloud/internal/lifecycle"
	"github.com/2389/minecloud/internal/store"
	"github.com/2389/minecloud/internal/stream"
)

// errMultipleLive is reported by the status view when the single-live
// invariant has been broken out of band.
const errMultipleLive = "multiple instances are running at once"

// InstanceResponse is the JSON form of an instance.
type InstanceResponse struct {
	ID                 string     `json:"id"`
	ProviderInstanceID string     `json:"provider_instance_id,omitempty"`
	ImageID            string     `json:"image_id,omitempty"`
	IPAddress          string     `json:"ip_address,omitempty"`
	State              string     `json:"state"`
	LaunchedBy         string     `json:"launched_by"`
	StartedAt          time.Time  `json:"started_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
}

// SessionResponse is the JSON form of a presence session.
type SessionResponse struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	InstanceID string     `json:"instance_id"`
	Login      time.Time  `json:"login"`
	Logout     *time.Time `json:"logout,omitempty"`
}

// LaunchResponse is the JSON response for POST /api/launch.
type LaunchResponse struct {
	Launched bool              `json:"launched"`
	Instance *InstanceResponse `json:"instance,omitempty"`
}

// TerminateRequest is the JSON request body for POST /api/terminate.
type TerminateRequest struct {
	InstanceID string `json:"instance_id"`
}

// StatusResponse is the JSON response for GET /api/instance.
type StatusResponse struct {
	Instance *InstanceResponse `json:"instance"`
	Sessions []SessionResponse `json:"sessions"`
	Error    string            `json:"error,omitempty"`
}

func toInstanceResponse(inst *store.Instance) *InstanceResponse {
	return &InstanceResponse{
		ID:                 inst.ID,
		ProviderInstanceID: inst.ProviderInstanceID,
		ImageID:            inst.ImageID,
		IPAddress:          inst.IPAddress,
		State:              string(inst.State),
		LaunchedBy:         inst.LaunchedBy,
		StartedAt:          inst.StartedAt,
		EndedAt:            inst.EndedAt,
	}
}

func toSessionResponse(s *store.Session) SessionResponse {
	return SessionResponse{
		ID:         s.ID,
		UserID:     s.UserID,
		InstanceID: s.InstanceID,
		Login:      s.Login,
		Logout:     s.Logout,
	}
}

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux, authMiddleware func(http.Handler) http.Handler) {
	mux.Handle("GET /api/events", authMiddleware(http.HandlerFunc(g.handleEvents)))
	mux.Handle("POST /api/launch", authMiddleware(http.HandlerFunc(g.handleLaunch)))
	mux.Handle("POST /api/terminate", authMiddleware(http.HandlerFunc(g.handleTerminate)))
	mux.Handle("GET /api/instance", authMiddleware(http.HandlerFunc(g.handleInstance)))
	mux.Handle("POST /api/sessions/login", authMiddleware(http.HandlerFunc(g.handleLogin)))
	mux.Handle("POST /api/sessions/logout", authMiddleware(http.HandlerFunc(g.handleLogout)))
}

// handleEvents streams bus events to the client as SSE until the session
// timeout, after which the client reconnects.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	sw, err := stream.NewSSEWriter(w)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	session := stream.Session{
		Bus:               g.events,
		Timeout:           g.config.Stream.Timeout,
		KeepaliveInterval: g.config.Stream.KeepaliveInterval,
		Logger:            g.logger,
	}
	if err := session.Run(r.Context(), sw); err != nil {
		g.logger.Warn("event stream failed", "user", auth.UserID(r.Context()), "error", err)
	}
}

// handleLaunch creates an initiating instance and enqueues its launch. It is
// a no-op when an instance is already live.
func (g *Gateway) handleLaunch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := auth.UserID(ctx)

	inst := &store.Instance{
		ID:         uuid.New().String(),
		ImageID:    g.config.Provider.ImageID,
		StartedAt:  g.now().UTC(),
		State:      store.StateInitiating,
		LaunchedBy: user,
	}

	err := g.registry.CreateInstance(ctx, inst)
	if errors.Is(err, store.ErrInstanceLive) {
		g.logger.Info("launch ignored, instance already live", "user", user)
		g.sendJSON(w, http.StatusOK, LaunchResponse{Launched: false})
		return
	}
	if err != nil {
		g.logger.Error("creating instance", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to create instance")
		return
	}

	if _, err := g.scheduler.Enqueue(ctx, lifecycle.KindLaunch, lifecycle.InstancePayload{InstanceID: inst.ID}, 0); err != nil {
		g.logger.Error("enqueueing launch", "instance_id", inst.ID, "error", err)
		g.abandonInstance(r, inst.ID)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to schedule launch")
		return
	}
	g.publishReload(ctx)

	g.logger.Info("launch requested", "instance_id", inst.ID, "user", user)
	g.sendJSON(w, http.StatusAccepted, LaunchResponse{Launched: true, Instance: toInstanceResponse(inst)})
}

// abandonInstance closes a record whose launch could not be scheduled so it
// does not block the next launch.
func (g *Gateway) abandonInstance(r *http.Request, id string) {
	ctx := r.Context()
	if err := g.registry.SetEndedAt(ctx, id, g.now().UTC()); err != nil {
		g.logger.Error("closing abandoned instance", "instance_id", id, "error", err)
	}
	if err := g.registry.UpdateState(ctx, id, store.StateTerminated); err != nil {
		g.logger.Error("closing abandoned instance", "instance_id", id, "error", err)
	}
}

// terminateInstanceID reads instance_id from a JSON body or form values.
func terminateInstanceID(r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req TerminateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", errors.New("invalid JSON body")
		}
		return req.InstanceID, nil
	}
	if err := r.ParseForm(); err != nil {
		return "", errors.New("invalid form body")
	}
	return r.FormValue("instance_id"), nil
}

// handleTerminate marks the instance shutting_down and enqueues its teardown.
func (g *Gateway) handleTerminate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := terminateInstanceID(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if id == "" {
		g.sendJSONError(w, http.StatusBadRequest, "instance_id is required")
		return
	}

	err = g.registry.UpdateState(ctx, id, store.StateShuttingDown)
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "instance not found")
		return
	case errors.Is(err, store.ErrTerminated):
		g.sendJSONError(w, http.StatusConflict, "instance already terminated")
		return
	case err != nil:
		g.logger.Error("marking instance shutting down", "instance_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to update instance")
		return
	}

	g.publishReload(ctx)

	if _, err := g.scheduler.Enqueue(ctx, lifecycle.KindTerminate, lifecycle.InstancePayload{InstanceID: id}, 0); err != nil {
		g.logger.Error("enqueueing terminate", "instance_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to schedule terminate")
		return
	}

	g.logger.Info("terminate requested", "instance_id", id, "user", auth.UserID(ctx))
	g.sendJSON(w, http.StatusAccepted, map[string]any{"terminating": true, "instance_id": id})
}

// handleInstance returns the live instance and who is on it.
func (g *Gateway) handleInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	live, err := g.registry.ListLiveInstances(ctx)
	if err != nil {
		g.logger.Error("listing live instances", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load instance")
		return
	}

	resp := StatusResponse{Sessions: []SessionResponse{}}
	switch len(live) {
	case 0:
	case 1:
		resp.Instance = toInstanceResponse(live[0])
		sessions, err := g.registry.ListOpenSessions(ctx, live[0].ID)
		if err != nil {
			g.logger.Error("listing sessions", "instance_id", live[0].ID, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "failed to load sessions")
			return
		}
		for _, s := range sessions {
			resp.Sessions = append(resp.Sessions, toSessionResponse(s))
		}
	default:
		g.logger.Error("single live instance invariant broken", "count", len(live))
		resp.Error = errMultipleLive
	}

	g.sendJSON(w, http.StatusOK, resp)
}

// liveInstance returns the one live instance, writing the error response
// itself when there is none.
func (g *Gateway) liveInstance(w http.ResponseWriter, r *http.Request) (*store.Instance, bool) {
	live, err := g.registry.ListLiveInstances(r.Context())
	if err != nil {
		g.logger.Error("listing live instances", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load instance")
		return nil, false
	}
	switch len(live) {
	case 0:
		g.sendJSONError(w, http.StatusConflict, "no instance is running")
		return nil, false
	case 1:
		return live[0], true
	default:
		g.sendJSONError(w, http.StatusConflict, errMultipleLive)
		return nil, false
	}
}

// handleLogin records that the user joined the live instance.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	inst, ok := g.liveInstance(w, r)
	if !ok {
		return
	}

	sess := &store.Session{
		ID:         uuid.New().String(),
		UserID:     auth.UserID(r.Context()),
		InstanceID: inst.ID,
		Login:      g.now().UTC(),
	}
	err := g.registry.CreateSession(r.Context(), sess)
	switch {
	case errors.Is(err, store.ErrDuplicateSession):
		g.sendJSONError(w, http.StatusConflict, "session already recorded")
		return
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "instance not found")
		return
	case err != nil:
		g.logger.Error("creating session", "instance_id", inst.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to record session")
		return
	}

	g.sendJSON(w, http.StatusCreated, toSessionResponse(sess))
}

// handleLogout closes the user's open sessions on the live instance.
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	inst, ok := g.liveInstance(w, r)
	if !ok {
		return
	}

	n, err := g.registry.EndSessions(r.Context(), auth.UserID(r.Context()), inst.ID, g.now().UTC())
	if err != nil {
		g.logger.Error("ending sessions", "instance_id", inst.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to end sessions")
		return
	}

	g.sendJSON(w, http.StatusOK, map[string]int{"ended": n})
}

// nextReloadMarker returns a marker greater than every earlier one. The
// polling bus only yields changed values, so two reloads must never share one.
func (g *Gateway) nextReloadMarker() string {
	for {
		last := g.lastReload.Load()
		next := max(g.now().UnixNano(), last+1)
		if g.lastReload.CompareAndSwap(last, next) {
			return strconv.FormatInt(next, 10)
		}
	}
}

func (g *Gateway) publishReload(ctx context.Context) {
	g.events.Publish(ctx, lifecycle.EventReload, g.nextReloadMarker())
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
