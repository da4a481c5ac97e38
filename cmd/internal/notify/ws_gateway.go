package notify

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"parley/cmd/internal/metrics"
)

const (
	wsSubprotocolV1 = "parley.chat.v1"

	wsMaxFrameBytes = 16 << 10 // 16 KiB; subscribers only send pings

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
)

// ActorResolver maps a bearer credential to a user id.
type ActorResolver interface {
	Resolve(ctx context.Context, bearer string) (string, error)
}

// Membership is the authorization boundary for subscribing to a conversation.
type Membership interface {
	IsParticipant(ctx context.Context, userID, conversationID string) (bool, error)
}

/// WSGateway is the subscriber-side websocket entrypoint: authenticated
// participants attach to a conversation feed and receive fan-out events.
// Mutations never travel this path; they go through the HTTP API.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	resolver ActorResolver
	members  Membership

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int
}

// NewWSGateway constructs a gateway with safe defaults.
func NewWSGateway(log *slog.Logger, hub *Hub, resolver ActorResolver, members Membership) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}

	return &WSGateway{
		log:             log,
		hub:             hub,
		resolver:        resolver,
		members:         members,
		writeTimeout:    wsDefaultWriteTimeout,
		readIdleTimeout: wsDefaultReadIdle,
		sendQueueSize:   wsDefaultSendQueueSize,
	}
}

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a websocket subscription on one
// conversation feed.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
	if conversationID == "" {
		http.Error(w, "missing conversation_id", http.StatusBadRequest)
		return
	}

	userID, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if g.members != nil {
		ok, err := g.members.IsParticipant(r.Context(), userID, conversationID)
		if err != nil {
			g.log.Error("ws.membership.fail", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !ok {
			g.log.Info("ws.reject.membership", "user_id", userID, "conversation_id", conversationID)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(wsMaxFrameBytes)

	sessionID := NewRandomHex(10)
	client := NewClient(userID, sessionID, g.sendQueueSize)

	feed := g.hub.GetOrCreateFeed(conversationID)
	feed.Join(client)
	defer feed.Leave(sessionID)

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case ev := <-client.Send:
				wctx, wcancel := context.WithTimeout(ctx, g.writeTimeout)
				err := wsjson.Write(wctx, conn, ev)
				wcancel()
				if err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					cancel()
					return
				}
			}
		}
	}()

	// Reader loop exists only to observe pings and the client-initiated close.
	for {
		rctx, rcancel := context.WithTimeout(ctx, g.readIdleTimeout)
		_, _, err := conn.Read(rctx)
		rcancel()
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				errors.Is(err, context.Canceled) {
				break
			}
			g.log.Info("ws.read.end", "session_id", sessionID, "err", err)
			break
		}
	}

	cancel()
	client.Close()
	<-writerDone
}

func (g *WSGateway) authenticate(r *http.Request) (string, error) {
	if g.resolver == nil {
		return "", errors.New("notify: no resolver configured")
	}

	bearer := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		bearer = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if bearer == "" {
		// Browsers cannot set headers on websocket dials; allow a query param.
		bearer = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if bearer == "" {
		return "", errors.New("missing bearer credential")
	}

	return g.resolver.Resolve(r.Context(), bearer)
}
