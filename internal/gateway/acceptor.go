package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/campus/internal/config"
)

// UserResolver maps an incoming upgrade request to an authenticated user id.
// Authentication itself is an external collaborator; the gateway only
// consumes an already-resolved identity.
type UserResolver interface {
	Resolve(r *http.Request) (string, error)
}

// QueryUserResolver reads the user id from the "user_id" query parameter.
// Suitable behind a trusted auth proxy that rewrites the parameter.
type QueryUserResolver struct{}

// Resolve implements UserResolver.
func (QueryUserResolver) Resolve(r *http.Request) (string, error) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		return "", fmt.Errorf("missing user_id parameter")
	}
	return userID, nil
}

// Acceptor upgrades HTTP requests to WebSocket sessions and runs the
// per-connection read and write pumps.
type Acceptor struct {
	gateway  *Gateway
	resolver UserResolver
	upgrader websocket.Upgrader
	cfg      config.ServerConfig
	logger   *zap.Logger

	server *http.Server
}

// NewAcceptor creates an Acceptor.
//
// Precondition: gw, resolver, and logger must be non-nil.
func NewAcceptor(gw *Gateway, resolver UserResolver, cfg config.ServerConfig, logger *zap.Logger) *Acceptor {
	a := &Acceptor{
		gateway:  gw,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.AllowedOrigin == "*" {
				return true
			}
			return r.Header.Get("Origin") == cfg.AllowedOrigin
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	a.server = &http.Server{Addr: cfg.Addr(), Handler: mux}
	return a
}

// Start runs the HTTP listener. It blocks until Stop is called, matching the
// server.Service contract.
func (a *Acceptor) Start() error {
	a.logger.Info("websocket listener starting", zap.String("addr", a.cfg.Addr()))
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("websocket listener: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (a *Acceptor) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("shutting down listener", zap.Error(err))
	}
}

func (a *Acceptor) serveWS(w http.ResponseWriter, r *http.Request) {
	userID, err := a.resolver.Resolve(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn, err := a.gateway.Register(userID)
	if err != nil {
		a.logger.Error("registering connection", zap.String("user_id", userID), zap.Error(err))
		_ = ws.Close()
		return
	}

	go a.writePump(conn, ws)
	a.readPump(r.Context(), conn, ws)
}

// readPump dispatches inbound frames until the socket dies, then triggers
// the full teardown. It runs on the HTTP handler goroutine.
func (a *Acceptor) readPump(ctx context.Context, conn *Connection, ws *websocket.Conn) {
	defer func() {
		a.gateway.Disconnect(conn.ID)
		_ = ws.Close()
	}()

	ws.SetReadLimit(1 << 20)
	_ = ws.SetReadDeadline(time.Now().Add(a.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(a.cfg.PongTimeout))
	})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.logger.Warn("websocket read failed",
					zap.String("connection_id", conn.ID),
					zap.Error(err),
				)
			}
			return
		}
		a.gateway.Dispatch(ctx, conn.ID, frame)
	}
}

// writePump drains the entity until it closes, interleaving pings at just
// under the pong timeout.
func (a *Acceptor) writePump(conn *Connection, ws *websocket.Conn) {
	pingInterval := a.cfg.PongTimeout * 9 / 10
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case frame, ok := <-conn.entity.Events():
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(a.cfg.WriteTimeout))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
