package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/broadcast/turn"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/models"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/room"
	"github.com/rs/zerolog/log"
)

// UserHeader carries the acting user. There is no authentication.
const UserHeader = "X-User-ID"

// RoomApp is the room backend the HTTP API drives. *room.App satisfies it.
type RoomApp interface {
	CreateRoom(ctx context.Context, req room.CreateRoomRequest) (*models.Room, error)
	GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error)
	ListRooms(ctx context.Context, p room.ListRoomsParams) ([]models.Room, error)
	UpdateRoomConfig(ctx context.Context, actorID, roomID uuid.UUID, req room.UpdateRoomConfigRequest) (*models.Room, error)
	DeleteRoom(ctx context.Context, actorID, roomID uuid.UUID) error
	JoinRoom(ctx context.Context, userID uuid.UUID, characterName, code, password string) (*models.Room, error)
	LeaveRoom(ctx context.Context, roomID, userID uuid.UUID) error
	KickMember(ctx context.Context, actorID, roomID, targetID uuid.UUID) error
	GetRoundSnapshot(ctx context.Context, roomID uuid.UUID) (*room.RoundSnapshot, error)
	StartRound(ctx context.Context, actorID, roomID uuid.UUID) (turn.Anchor, error)
	ResetRound(ctx context.Context, actorID, roomID uuid.UUID) error
	AdvanceTurn(ctx context.Context, actorID, roomID uuid.UUID, observed turn.Anchor) (turn.Anchor, error)
	Heartbeat(ctx context.Context, roomID, userID uuid.UUID) error
}

// RoundResponse is the round snapshot plus the turn state the server
// computes for the requesting user at ServerTime.
type RoundResponse struct {
	Room       models.Room         `json:"room"`
	Anchor     turn.Anchor         `json:"anchor"`
	Members    []models.RoomMember `json:"members"`
	Turn       *turn.TurnState     `json:"turn,omitempty"`
	ServerTime time.Time           `json:"server_time"`
}

type JoinRoomRequest struct {
	Code          string `json:"code"`
	Password      string `json:"password"`
	CharacterName string `json:"character_name"`
}

type KickRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

// AdvanceRequest names the anchor the client saw when it pressed next.
type AdvanceRequest struct {
	Anchor turn.Anchor `json:"anchor"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// RoomHandler serves the JSON room API
type RoomHandler struct {
	app   RoomApp
	clock clockwork.Clock
}

func NewRoomHandler(app RoomApp, clock clockwork.Clock) *RoomHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RoomHandler{app: app, clock: clock}
}

func (h *RoomHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/rooms", h.handleCreateRoom)
	mux.HandleFunc("GET /api/rooms", h.handleListRooms)
	mux.HandleFunc("POST /api/rooms/join", h.handleJoinRoom)
	mux.HandleFunc("GET /api/rooms/{id}", h.handleGetRoom)
	mux.HandleFunc("PATCH /api/rooms/{id}", h.handleUpdateRoom)
	mux.HandleFunc("DELETE /api/rooms/{id}", h.handleDeleteRoom)
	mux.HandleFunc("POST /api/rooms/{id}/leave", h.handleLeaveRoom)
	mux.HandleFunc("POST /api/rooms/{id}/kick", h.handleKick)
	mux.HandleFunc("POST /api/rooms/{id}/heartbeat", h.handleHeartbeat)
	mux.HandleFunc("GET /api/rooms/{id}/round", h.handleGetRound)
	mux.HandleFunc("POST /api/rooms/{id}/round/start", h.handleStartRound)
	mux.HandleFunc("POST /api/rooms/{id}/round/reset", h.handleResetRound)
	mux.HandleFunc("POST /api/rooms/{id}/round/advance", h.handleAdvance)
}

func (h *RoomHandler) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req room.CreateRoomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.OwnerID = userID

	created, err := h.app.CreateRoom(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *RoomHandler) handleListRooms(w http.ResponseWriter, r *http.Request) {
	var params room.ListRoomsParams
	query := r.URL.Query()
	if s := query.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		params.Limit = n
	}
	if s := query.Get("baiye_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid baiye_id"})
			return
		}
		params.BaiyeID = &id
	}
	rooms, err := h.app.ListRooms(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	if rooms == nil {
		rooms = []models.Room{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (h *RoomHandler) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req JoinRoomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	joined, err := h.app.JoinRoom(r.Context(), userID, req.CharacterName, req.Code, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, joined)
}

func (h *RoomHandler) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	roomID, ok := roomIDFromPath(w, r)
	if !ok {
		return
	}
	found, err := h.app.GetRoom(r.Context(), roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (h *RoomHandler) handleUpdateRoom(w http.ResponseWriter, r *http.Request) {
	roomID, userID, ok := roomAndUser(w, r)
	if !ok {
		return
	}
	var req room.UpdateRoomConfigRequest
	if !decodeBody(w, r, &req) {
		return
	}
	updated, err := h.app.UpdateRoomConfig(r.Context(), userID, roomID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *RoomHandler) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	roomID, userID, ok := roomAndUser(w, r)
	if !ok {
		return
	}
	if err := h.app.DeleteRoom(r.Context(), userID, roomID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RoomHandler) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	roomID, userID, ok := roomAndUser(w, r)
	if !ok {
		return
	}
	if err := h.app.LeaveRoom(r.Context(), roomID, userID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RoomHandler) handleKick(w http.ResponseWriter, r *http.Request) {
	roomID, userID, ok := roomAndUser(w, r)
	if !ok {
		return
	}
	var req KickRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.app.KickMember(r.Context(), userID, roomID, req.UserID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RoomHandler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	roomID, userID, ok := roomAndUser(w, r)
	if !ok {
		return
	}
	if err := h.app.Heartbeat(r.Context(), roomID, userID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RoomHandler) handleGetRound(w http.ResponseWriter, r *http.Request) {
	roomID, ok := roomIDFromPath(w, r)
	if !ok {
		return
	}
	h.writeRound(w, r, roomID)
}

func (h *RoomHandler) handleStartRound(w http.ResponseWriter, r *http.Request) {
	roomID, userID, ok := roomAndUser(w, r)
	if !ok {
		return
	}
	if _, err := h.app.StartRound(r.Context(), userID, roomID); err != nil {
		writeError(w, err)
		return
	}
	h.writeRound(w, r, roomID)
}

func (h *RoomHandler) handleResetRound(w http.ResponseWriter, r *http.Request) {
	roomID, userID, ok := roomAndUser(w, r)
	if !ok {
		return
	}
	if err := h.app.ResetRound(r.Context(), userID, roomID); err != nil {
		writeError(w, err)
		return
	}
	h.writeRound(w, r, roomID)
}

func (h *RoomHandler) handleAdvance(w http.ResponseWriter, r *http.Request) {
	roomID, userID, ok := roomAndUser(w, r)
	if !ok {
		return
	}
	var req AdvanceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, err := h.app.AdvanceTurn(r.Context(), userID, roomID, req.Anchor); err != nil {
		writeError(w, err)
		return
	}
	h.writeRound(w, r, roomID)
}

func (h *RoomHandler) writeRound(w http.ResponseWriter, r *http.Request, roomID uuid.UUID) {
	snap, err := h.app.GetRoundSnapshot(r.Context(), roomID)
	if err != nil {
		writeError(w, err)
		return
	}

	now := h.clock.Now()
	resp := RoundResponse{
		Room:       snap.Room,
		Anchor:     snap.Anchor(),
		Members:    snap.Members,
		ServerTime: now,
	}
	if resp.Members == nil {
		resp.Members = []models.RoomMember{}
	}

	cfg := snap.Config()
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Str("room_id", roomID.String()).Msg("stored room config is invalid")
	} else {
		me := turn.NullIndex{}
		if viewer, err := uuid.Parse(r.Header.Get(UserHeader)); err == nil {
			me = snap.RotationIndexOf(viewer)
		}
		st := turn.Calculate(now, resp.Anchor, cfg, me)
		resp.Turn = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func roomIDFromPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid room id"})
		return uuid.Nil, false
	}
	return id, true
}

func requireUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.Header.Get(UserHeader))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: UserHeader + " header must be a user id"})
		return uuid.Nil, false
	}
	return id, true
}

func roomAndUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	roomID, ok := roomIDFromPath(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	return roomID, userID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, room.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, room.ErrNotMember),
		errors.Is(err, room.ErrPermissionDenied),
		errors.Is(err, room.ErrInvalidPassword):
		return http.StatusForbidden
	case errors.Is(err, room.ErrStaleAnchor):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("room request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
