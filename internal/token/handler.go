package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/MrWong99/voxrelay/internal/observe"
)

// maxBodyBytes bounds token request bodies.
const maxBodyBytes = 16 << 10

// maxClients bounds the number of tracked rate limiters before idle ones are
// dropped.
const maxClients = 4096

// limiterIdle is how long a client's limiter is kept without requests.
const limiterIdle = 10 * time.Minute

// Request is the body of POST /token. GET /token takes the same fields as
// query parameters.
type Request struct {
	RoomName            string `json:"room_name"`
	ParticipantName     string `json:"participant_name"`
	ParticipantIdentity string `json:"participant_identity,omitempty"`

	// Permissions default to true when omitted.
	CanPublish     *bool `json:"can_publish,omitempty"`
	CanSubscribe   *bool `json:"can_subscribe,omitempty"`
	CanPublishData *bool `json:"can_publish_data,omitempty"`
}

// Response is returned for a successful token request.
type Response struct {
	Token               string `json:"token"`
	RoomName            string `json:"room_name"`
	ParticipantIdentity string `json:"participant_identity"`
	LiveKitURL          string `json:"livekit_url"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Validate reports the first missing or oversized field.
func (r Request) Validate() error {
	switch {
	case r.RoomName == "":
		return errors.New("room_name is required")
	case utf8.RuneCountInString(r.RoomName) > MaxNameLength:
		return fmt.Errorf("room_name must be at most %d characters", MaxNameLength)
	case r.ParticipantName == "":
		return errors.New("participant_name is required")
	case utf8.RuneCountInString(r.ParticipantName) > MaxNameLength:
		return fmt.Errorf("participant_name must be at most %d characters", MaxNameLength)
	case utf8.RuneCountInString(r.ParticipantIdentity) > MaxNameLength:
		return fmt.Errorf("participant_identity must be at most %d characters", MaxNameLength)
	}
	return nil
}

// Grant converts the request into a [Grant].
func (r Request) Grant() Grant {
	identity := r.ParticipantIdentity
	if identity == "" {
		identity = r.ParticipantName
	}
	return Grant{
		Room:            r.RoomName,
		ParticipantName: r.ParticipantName,
		Identity:        identity,
		CanPublish:      orTrue(r.CanPublish),
		CanSubscribe:    orTrue(r.CanSubscribe),
		CanPublishData:  orTrue(r.CanPublishData),
	}
}

func orTrue(b *bool) bool { return b == nil || *b }

// HandlerConfig tunes the token endpoints.
type HandlerConfig struct {
	// RateLimit is the sustained number of requests per second allowed per
	// client address. Zero disables rate limiting.
	RateLimit rate.Limit

	// Burst is the number of requests a client may make at once. Zero means 1.
	Burst int

	// AllowedOrigins lists the origins allowed for cross-origin requests. "*"
	// allows every origin.
	AllowedOrigins []string

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

type clientLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// Handler serves POST /token and GET /token.
type Handler struct {
	issuer *Issuer
	cfg    HandlerConfig
	log    *slog.Logger

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

// NewHandler creates token endpoints backed by issuer.
func NewHandler(issuer *Issuer, cfg HandlerConfig) *Handler {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		issuer:  issuer,
		cfg:     cfg,
		log:     cfg.Logger,
		clients: make(map[string]*clientLimiter),
	}
}

// Register adds the token routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /token", h.cors(http.HandlerFunc(h.Post)))
	mux.Handle("GET /token", h.cors(http.HandlerFunc(h.Get)))
	mux.Handle("OPTIONS /token", h.cors(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
}

// Post issues a token for a JSON [Request] body.
func (h *Handler) Post(w http.ResponseWriter, r *http.Request) {
	if !h.allow(r) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	var req Request
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	h.issue(w, r, req)
}

// Get issues a token for query parameters.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if !h.allow(r) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	q := r.URL.Query()
	req := Request{
		RoomName:            q.Get("room_name"),
		ParticipantName:     q.Get("participant_name"),
		ParticipantIdentity: q.Get("participant_identity"),
	}
	for key, dst := range map[string]**bool{
		"can_publish":      &req.CanPublish,
		"can_subscribe":    &req.CanSubscribe,
		"can_publish_data": &req.CanPublishData,
	} {
		if !q.Has(key) {
			continue
		}
		v, err := strconv.ParseBool(q.Get(key))
		if err != nil {
			writeError(w, http.StatusBadRequest, key+" must be a boolean")
			return
		}
		*dst = &v
	}
	h.issue(w, r, req)
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request, req Request) {
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	g := req.Grant()
	tok, err := h.issuer.Issue(g)
	if err != nil {
		h.log.Error("failed to generate token", "room", g.Room, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	h.cfg.Metrics.TokensIssued.Add(r.Context(), 1)
	h.log.Info("token issued", "room", g.Room, "identity", g.Identity)
	writeJSON(w, http.StatusOK, Response{
		Token:               tok,
		RoomName:            g.Room,
		ParticipantIdentity: g.Identity,
		LiveKitURL:          h.issuer.URL(),
	})
}

// allow applies the per-client rate limit.
func (h *Handler) allow(r *http.Request) bool {
	if h.cfg.RateLimit == 0 {
		return true
	}
	key := clientKey(r)
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[key]
	if !ok {
		if len(h.clients) >= maxClients {
			for k, old := range h.clients {
				if now.Sub(old.seen) > limiterIdle {
					delete(h.clients, k)
				}
			}
		}
		c = &clientLimiter{lim: rate.NewLimiter(h.cfg.RateLimit, h.cfg.Burst)}
		h.clients[key] = c
	}
	c.seen = now
	return c.lim.AllowN(now, 1)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// cors answers cross-origin requests from the configured origins.
func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && h.originAllowed(origin) {
			hdr := w.Header()
			if slices.Contains(h.cfg.AllowedOrigins, "*") {
				hdr.Set("Access-Control-Allow-Origin", "*")
			} else {
				hdr.Set("Access-Control-Allow-Origin", origin)
				hdr.Add("Vary", "Origin")
			}
			hdr.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			hdr.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			hdr.Set("Access-Control-Max-Age", "600")
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) originAllowed(origin string) bool {
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("token: failed to encode response", "err", err)
	}
}
