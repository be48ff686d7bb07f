// Package realtime delivers monitor lists to connected dashboards. Every
// authenticated socket joins the room of its user and receives each list
// emitted for that user.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"monitorhub/internal/auth"
	"monitorhub/internal/clientip"
	"monitorhub/internal/directory"
	"monitorhub/internal/models"
	"monitorhub/internal/observability/logging"
	"monitorhub/internal/observability/metrics"
)

var errNoSession = errors.New("session required")

// Directory produces the monitor list of a user.
type Directory interface {
	MonitorJSONList(ctx context.Context, userID string) (directory.MonitorList, error)
}

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (models.User, error)
}

type AddressResolver interface {
	FromRequest(r *http.Request) string
}

// ErrorRecorder receives failures worth keeping beyond the process log.
type ErrorRecorder interface {
	Record(err error, alsoEcho bool)
}

type Metrics interface {
	SessionOpened()
	SessionClosed()
	SetRooms(n int)
	ObserveEmission(event string)
}

// HubConfig configures a Hub.
type HubConfig struct {
	Directory     Directory
	Authenticator Authenticator
	Resolver      AddressResolver
	// Relay shares emissions with other hubs. Nil keeps emissions local.
	Relay    Relay
	Journal  ErrorRecorder
	Metrics  Metrics
	Logger   *slog.Logger
	Registry *Registry
	// HeartbeatInterval controls how often sockets are pinged. Zero
	// disables heartbeats and read deadlines.
	HeartbeatInterval time.Duration
	CheckOrigin       func(r *http.Request) bool
	InstanceID        string
}

type Hub struct {
	directory     Directory
	authenticator Authenticator
	resolver      AddressResolver
	relay         Relay
	journal       ErrorRecorder
	metrics       Metrics
	logger        *slog.Logger
	registry      *Registry
	upgrader      websocket.Upgrader
	instanceID    string

	heartbeatInterval time.Duration

	mu       sync.Mutex
	sessions map[*Session]struct{}

	relayReady chan struct{}
	readyOnce  sync.Once
}

func NewHub(cfg HubConfig) *Hub {
	h := &Hub{
		directory:         cfg.Directory,
		authenticator:     cfg.Authenticator,
		resolver:          cfg.Resolver,
		relay:             cfg.Relay,
		journal:           cfg.Journal,
		metrics:           cfg.Metrics,
		logger:            cfg.Logger,
		registry:          cfg.Registry,
		instanceID:        cfg.InstanceID,
		heartbeatInterval: cfg.HeartbeatInterval,
		sessions:          make(map[*Session]struct{}),
		relayReady:        make(chan struct{}),
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = logging.WithComponent(h.logger, "realtime")
	if h.metrics == nil {
		h.metrics = metrics.Default()
	}
	if h.registry == nil {
		h.registry = NewRegistry()
	}
	if h.instanceID == "" {
		h.instanceID = uuid.NewString()
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      cfg.CheckOrigin,
	}
	return h
}

func (h *Hub) Registry() *Registry { return h.registry }

func (h *Hub) InstanceID() string { return h.instanceID }

// MonitorJSONList returns the serialized monitors of userID. Query errors
// are returned unchanged.
func (h *Hub) MonitorJSONList(ctx context.Context, userID string) (directory.MonitorList, error) {
	return h.directory.MonitorJSONList(ctx, userID)
}

// SendMonitorList queries the session user's monitors and, once the query
// has completed, emits them to every socket in that user's room.
func (h *Hub) SendMonitorList(ctx context.Context, s *Session) (directory.MonitorList, error) {
	if s == nil {
		return directory.MonitorList{}, errNoSession
	}
	return h.NotifyUser(ctx, s.user.ID)
}

// NotifyUser refreshes the room of userID without a triggering session.
func (h *Hub) NotifyUser(ctx context.Context, userID string) (directory.MonitorList, error) {
	list, err := h.MonitorJSONList(ctx, userID)
	if err != nil {
		return directory.MonitorList{}, err
	}
	if err := h.Emit(ctx, userID, EventMonitorList, list); err != nil {
		return directory.MonitorList{}, err
	}
	return list, nil
}

// RefreshAll re-sends the monitor list to every occupied room.
func (h *Hub) RefreshAll(ctx context.Context) error {
	var errs []error
	for _, room := range h.registry.Rooms() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := h.NotifyUser(ctx, room); err != nil {
			errs = append(errs, fmt.Errorf("refresh room %s: %w", room, err))
		}
	}
	return errors.Join(errs...)
}

// Emit delivers event to the local members of room and publishes it on the
// relay. Relay failures are logged; local delivery still happens.
func (h *Hub) Emit(ctx context.Context, room, event string, data any) error {
	payload, err := encodeEnvelope(event, data)
	if err != nil {
		return err
	}
	h.registry.Publish(room, payload)
	h.metrics.ObserveEmission(event)
	if h.relay != nil {
		msg := Message{Origin: h.instanceID, Room: room, Payload: payload}
		if err := h.relay.Publish(ctx, msg); err != nil {
			h.logger.Warn("relay publish failed", "room", room, "event", event, "error", err)
		}
	}
	return nil
}

// Run consumes relay messages published by other hubs until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	if h.relay == nil {
		h.readyOnce.Do(func() { close(h.relayReady) })
		<-ctx.Done()
		return nil
	}
	sub := h.relay.Subscribe()
	defer sub.Close()
	h.readyOnce.Do(func() { close(h.relayReady) })
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("relay subscription closed")
			}
			if msg.Origin == h.instanceID {
				continue
			}
			h.registry.Publish(msg.Room, msg.Payload)
		}
	}
}

// HandleConnection authenticates the request, upgrades it and joins the
// socket to its user's room. The current monitor list is sent right away.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		user, ok = h.authenticate(w, r)
		if !ok {
			return
		}
	}

	headers := clientip.HeadersFrom(r.Header)
	address := clientip.Normalize(r.RemoteAddr)
	if h.resolver != nil {
		address = h.resolver.FromRequest(r)
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		h.logger.Debug("socket upgrade failed", "client_address", address, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	s := &Session{
		id:            uuid.NewString(),
		hub:           h,
		conn:          conn,
		user:          user,
		remoteAddr:    r.RemoteAddr,
		headers:       headers,
		clientAddress: address,
		send:          make(chan []byte, sendBuffer),
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	s.logger = h.logger.With("session_id", s.id, "user_id", user.ID, "client_address", address)
	ctx = logging.ContextWithSessionID(ctx, s.id)
	h.attach(s)

	var pongWait time.Duration
	if h.heartbeatInterval > 0 {
		pongWait = 2*h.heartbeatInterval + writeWait
		go s.heartbeatLoop(ctx, h.heartbeatInterval)
	}
	go s.writeLoop()
	go s.readLoop(ctx, pongWait)
}

// authenticate verifies the request credential when no upstream middleware
// has placed a user on the request context.
func (h *Hub) authenticate(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	if h.authenticator == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return models.User{}, false
	}
	user, err := h.authenticator.Authenticate(r.Context(), auth.ExtractToken(r))
	if err == nil {
		return user, true
	}
	if errors.Is(err, auth.ErrUnauthorized) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return models.User{}, false
	}
	h.logger.Error("socket authentication failed", "error", err)
	http.Error(w, "authentication unavailable", http.StatusInternalServerError)
	return models.User{}, false
}

// Close disconnects every session.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

// Sessions reports the number of connected sockets.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) attach(s *Session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	h.registry.Join(s.user.ID, s)
	h.metrics.SessionOpened()
	h.metrics.SetRooms(h.registry.Len())
	headers := s.Headers()
	s.logger.Info("session connected",
		"remote_addr", s.RemoteAddr(),
		"forwarded_for", headers.ForwardedFor,
		"real_ip", headers.RealIP)
}

func (h *Hub) detach(s *Session) {
	h.mu.Lock()
	_, tracked := h.sessions[s]
	delete(h.sessions, s)
	h.mu.Unlock()
	h.registry.Leave(s.user.ID, s)
	if !tracked {
		return
	}
	h.metrics.SessionClosed()
	h.metrics.SetRooms(h.registry.Len())
	s.logger.Info("session disconnected")
}

func (h *Hub) sendInitialList(ctx context.Context, s *Session) {
	if _, err := h.SendMonitorList(ctx, s); err != nil {
		h.reportQueryFailure(s, err)
		s.sendError("monitor list unavailable")
	}
}

func (h *Hub) reportQueryFailure(s *Session, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Error("monitor list query failed", "error", err)
	if h.journal != nil {
		h.journal.Record(fmt.Errorf("monitor list for user %s: %w", s.user.ID, err), false)
	}
}
