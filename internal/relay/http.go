package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"groupcrypt/internal/domain"
)

// HandlerConfig tunes the HTTP surface of a Hub.
type HandlerConfig struct {
	// RateLimit is the number of requests one IP may make per RateWindow.
	// Zero disables limiting.
	RateLimit  int
	RateWindow time.Duration
	// CORSOrigins lists allowed origins; empty allows any.
	CORSOrigins []string
	// Metrics is served at /metrics when set.
	Metrics http.Handler
}

type uploadRequest struct {
	Device      domain.DeviceInfo         `json:"device_keys"`
	OneTimeKeys []domain.SignedOneTimeKey `json:"one_time_keys"`
}

type queryRequest struct {
	Users []domain.UserID `json:"users"`
}

type claimRequest struct {
	Devices   []domain.DeviceKey `json:"devices"`
	TimeoutMS int64              `json:"timeout_ms"`
}

type claimResponse struct {
	OneTimeKeys map[domain.DeviceKey]domain.SignedOneTimeKey `json:"one_time_keys"`
	Failures    map[string]string                            `json:"failures,omitempty"`
}

type sendRequest struct {
	Messages map[domain.DeviceKey]json.RawMessage `json:"messages"`
}

type createRoomRequest struct {
	RoomID     domain.RoomID            `json:"room_id"`
	Creator    domain.UserID            `json:"creator"`
	Visibility domain.HistoryVisibility `json:"history_visibility"`
}

type membershipRequest struct {
	User    domain.UserID `json:"user_id"`
	Inviter domain.UserID `json:"inviter,omitempty"`
}

type visibilityRequest struct {
	Visibility domain.HistoryVisibility `json:"history_visibility"`
}

type postEventRequest struct {
	Sender  domain.UserID                 `json:"sender"`
	Content domain.MegolmEncryptedContent `json:"content"`
}

// roomState is one user's view of a room.
type roomState struct {
	Visibility domain.HistoryVisibility `json:"history_visibility"`
	Known      bool                     `json:"known"`
	Inviter    domain.UserID            `json:"inviter,omitempty"`
	Targets    []domain.UserID          `json:"targets"`
}

// Handler exposes the hub over HTTP. All bodies are JSON.
//
//	POST /v1/keys/upload                          publish device and one-time keys
//	POST /v1/keys/query                           list devices of users
//	POST /v1/keys/claim                           claim one one-time key per device
//	PUT  /v1/devices/{user}/{device}/send/{type}  queue to-device messages
//	GET  /v1/devices/{user}/{device}/inbox        drain the device's queue
//	POST /v1/rooms                                create a room
//	POST /v1/rooms/{room}/invite|join|leave       change membership
//	PUT  /v1/rooms/{room}/history_visibility      change visibility
//	GET  /v1/rooms/{room}/state?user=             one user's view of the room
//	POST /v1/rooms/{room}/events                  append an encrypted event
//	GET  /v1/rooms/{room}/events?since=N          timeline from position N
func (h *Hub) Handler(cfg HandlerConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	if cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		r.Use(httprate.LimitByIP(cfg.RateLimit, window))
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(h.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/keys", func(r chi.Router) {
			r.Post("/upload", h.handleUpload)
			r.Post("/query", h.handleQuery)
			r.Post("/claim", h.handleClaim)
		})
		r.Route("/devices/{user}/{device}", func(r chi.Router) {
			r.Put("/send/{type}", h.handleSend)
			r.Get("/inbox", h.handleInbox)
		})
		r.Post("/rooms", h.handleCreateRoom)
		r.Route("/rooms/{room}", func(r chi.Router) {
			r.Post("/invite", h.handleMembership(func(id domain.RoomID, req membershipRequest) error {
				return h.Invite(id, req.Inviter, req.User)
			}))
			r.Post("/join", h.handleMembership(func(id domain.RoomID, req membershipRequest) error {
				return h.Join(id, req.User)
			}))
			r.Post("/leave", h.handleMembership(func(id domain.RoomID, req membershipRequest) error {
				return h.Leave(id, req.User)
			}))
			r.Put("/history_visibility", h.handleVisibility)
			r.Get("/state", h.handleState)
			r.Post("/events", h.handlePostEvent)
			r.Get("/events", h.handleTimeline)
		})
	})
	return r
}

// accessLog records method, path, remote, status, bytes and duration.
func (h *Hub) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.Infof("%s %s from %s: %d, %dB in %s",
			r.Method, r.URL.Path, r.RemoteAddr, ww.Status(), ww.BytesWritten(), time.Since(start))
	})
}

func param(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownRoom), errors.Is(err, ErrUnknownDevice):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Hub) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Device.UserID == "" || req.Device.DeviceID == "" {
		http.Error(w, "device_keys needs user_id and device_id", http.StatusBadRequest)
		return
	}
	h.uploadKeys(req.Device, req.OneTimeKeys)
	w.WriteHeader(http.StatusOK)
}

func (h *Hub) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, h.queryKeys(req.Users))
}

func (h *Hub) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.claimOneTimeKeys(r.Context(), req.Devices, time.Duration(req.TimeoutMS)*time.Millisecond)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := claimResponse{OneTimeKeys: res.Keys}
	if len(res.Failures) > 0 {
		out.Failures = make(map[string]string, len(res.Failures))
		for server, err := range res.Failures {
			out.Failures[server] = err.Error()
		}
	}
	writeJSON(w, out)
}

func (h *Hub) handleSend(w http.ResponseWriter, r *http.Request) {
	from := domain.DeviceKey{UserID: domain.UserID(param(r, "user")), DeviceID: domain.DeviceID(param(r, "device"))}
	var req sendRequest
	if !decode(w, r, &req) {
		return
	}
	messages := make(map[domain.DeviceKey]any, len(req.Messages))
	for to, raw := range req.Messages {
		messages[to] = raw
	}
	if err := h.sendToDevice(from, param(r, "type"), messages); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Hub) handleInbox(w http.ResponseWriter, r *http.Request) {
	k := domain.DeviceKey{UserID: domain.UserID(param(r, "user")), DeviceID: domain.DeviceID(param(r, "device"))}
	events := h.drain(k)
	if events == nil {
		events = []domain.ToDeviceEvent{}
	}
	writeJSON(w, events)
}

func (h *Hub) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RoomID == "" || req.Creator == "" {
		http.Error(w, "room_id and creator are required", http.StatusBadRequest)
		return
	}
	h.CreateRoom(req.RoomID, req.Creator, req.Visibility)
	w.WriteHeader(http.StatusOK)
}

func (h *Hub) handleMembership(apply func(domain.RoomID, membershipRequest) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req membershipRequest
		if !decode(w, r, &req) {
			return
		}
		if err := apply(domain.RoomID(param(r, "room")), req); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (h *Hub) handleVisibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.SetHistoryVisibility(domain.RoomID(param(r, "room")), req.Visibility); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Hub) handleState(w http.ResponseWriter, r *http.Request) {
	id := domain.RoomID(param(r, "room"))
	v := h.View(domain.UserID(r.URL.Query().Get("user")))
	targets, err := v.EncryptionTargetMembers(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	inviter, _ := v.InviterOf(id)
	writeJSON(w, roomState{
		Visibility: v.HistoryVisibility(id),
		Known:      v.IsKnownRoom(id),
		Inviter:    inviter,
		Targets:    targets,
	})
}

func (h *Hub) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	var req postEventRequest
	if !decode(w, r, &req) {
		return
	}
	ev, err := h.postRoomEvent(domain.RoomID(param(r, "room")), req.Sender, req.Content)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, ev)
}

func (h *Hub) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id := domain.RoomID(param(r, "room"))
	since := 0
	if s := r.URL.Query().Get("since"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "since must be a non-negative integer", http.StatusBadRequest)
			return
		}
		since = n
	}
	var (
		events []domain.EncryptedEvent
		known  bool
	)
	_ = h.withRoom(id, func(rm *room) {
		known = true
		if since < len(rm.timeline) {
			events = append(events, rm.timeline[since:]...)
		}
	})
	if !known {
		writeErr(w, ErrUnknownRoom)
		return
	}
	if events == nil {
		events = []domain.EncryptedEvent{}
	}
	writeJSON(w, events)
}
