// Package httpapi is the gateway's external HTTP/WebSocket surface (spec
// §6), grounded on the teacher's chi-router handler shape
// (_examples/ashureev-shsh-labs/internal/api) generalized from its
// container-provisioning endpoints to sessions/broadcasts/contacts/groups,
// and on spec §6's explicit `{success, data?, error?}` envelope and
// error-kind-to-status mapping (spec §7).
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/kernel/errs"
)

var validate = validator.New()

// envelope is the response shape every handler writes (spec §6).
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// JSON writes a successful envelope with the given status and payload.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

// Error writes a failed envelope, mapping err's errs.Kind to an HTTP status
// (spec §7's error-kind table); a 429 also gets a Retry-After header from
// the error's delay hint when it has one.
func Error(w http.ResponseWriter, err error) {
	status := statusForKind(errs.KindOf(err))
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusTooManyRequests {
		if retryAfter := errs.RetryAfterOf(err); retryAfter > 0 {
			secs := int(retryAfter.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: err.Error()})
}

// statusForKind maps spec §7's closed error-kind taxonomy onto HTTP status
// codes.
func statusForKind(k errs.Kind) int {
	switch k {
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Forbidden:
		return http.StatusForbidden
	case errs.InvalidArgument:
		return http.StatusBadRequest
	case errs.RateLimited:
		return http.StatusTooManyRequests
	case errs.PreconditionFailed:
		return http.StatusConflict
	case errs.TransientTransport, errs.DependencyFailed:
		return http.StatusServiceUnavailable
	case errs.FatalTransport:
		return http.StatusBadGateway
	case errs.Integrity:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeAndValidate JSON-decodes r.Body into dst and runs struct-tag
// validation (go-playground/validator, spec §6 DTO validation).
func decodeAndValidate(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errs.InvalidArgumentf("invalid request body: %v", err)
	}
	if err := validate.Struct(dst); err != nil {
		return errs.InvalidArgumentf("validation failed: %v", err)
	}
	return nil
}

// Server bundles every resource handler and wires them onto a chi.Mux.
type Server struct {
	Sessions   *SessionHandler
	Broadcasts *BroadcastHandler
	Contacts   *ContactsHandler
	Groups     *GroupsHandler
	Messages   *MessageHandler
	Sockets    *SocketHandler
	logger     *zap.Logger
}

func NewServer(sessions *SessionHandler, broadcasts *BroadcastHandler, contacts *ContactsHandler, groups *GroupsHandler, messages *MessageHandler, sockets *SocketHandler, logger *zap.Logger) *Server {
	return &Server{Sessions: sessions, Broadcasts: broadcasts, Contacts: contacts, Groups: groups, Messages: messages, Sockets: sockets, logger: logger}
}

// Router builds the full chi.Mux: recovery + request logging middleware,
// the user-identity middleware (spec §6's pre-JWT `userId` convention), and
// every resource's routes mounted under /api plus the bare /ws endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(zapRequestLogger(s.logger))
	r.Use(userIdentity)

	r.Route("/api", func(r chi.Router) {
		s.Sessions.Mount(r)
		s.Broadcasts.Mount(r)
		s.Contacts.Mount(r)
		s.Groups.Mount(r)
		s.Messages.Mount(r)
	})
	r.Get("/ws", s.Sockets.Serve)

	return r
}
