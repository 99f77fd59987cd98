package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"auction-engine/internal/infrastructure/websocket"
	"auction-engine/internal/services"
	"auction-engine/pkg/logger"

	"github.com/gorilla/mux"
	gorillaws "github.com/gorilla/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Origin policy is enforced by the gateway.
	},
}

type EventSource interface {
	Subscribe(auctionID string) (*services.Subscription, error)
	Unsubscribe(sub *services.Subscription)
}

// WebSocketHandler streams an auction's hub events to a websocket client.
// The stream ends when the client goes away, when the hub evicts a slow
// client, or when the auction reaches a terminal phase.
type WebSocketHandler struct {
	source       EventSource
	connManager  *websocket.ConnectionManager
	pingInterval time.Duration
	log          logger.Logger
}

func NewWebSocketHandler(source EventSource, connManager *websocket.ConnectionManager, pingInterval time.Duration, log logger.Logger) *WebSocketHandler {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &WebSocketHandler{
		source:       source,
		connManager:  connManager,
		pingInterval: pingInterval,
		log:          log,
	}
}

func (h *WebSocketHandler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/auctions/{auctionID}", h.HandleConnection).Methods(http.MethodGet)
	return r
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["auctionID"]
	userID := r.URL.Query().Get("user_id")

	// Subscribe before upgrading so no event published after the handshake
	// is missed, and so refusals are plain HTTP errors.
	sub, err := h.source.Subscribe(auctionID)
	if err != nil {
		status, resp := errorResponse(err)
		h.log.Info("Rejected subscription", "auction_id", auctionID, "user_id", userID, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.source.Unsubscribe(sub)
		h.log.Error("Failed to upgrade connection", "auction_id", auctionID, "error", err)
		return
	}

	wsConn := websocket.NewConnection(conn, userID, auctionID)
	h.connManager.RegisterConnection(wsConn)

	go h.serve(wsConn, sub)
}

func (h *WebSocketHandler) serve(conn *websocket.Connection, sub *services.Subscription) {
	defer func() {
		h.source.Unsubscribe(sub)
		h.connManager.UnregisterConnection(conn)
		_ = conn.Close()
	}()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		if err := conn.ReadLoop(2 * h.pingInterval); err != nil && !gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
			h.log.Debug("Subscriber read ended", "conn_id", conn.ID(), "error", err)
		}
	}()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				if sub.Evicted() {
					h.log.Warn("Subscriber evicted for overflow", "conn_id", conn.ID(), "auction_id", conn.AuctionID())
					_ = conn.CloseWithReason(gorillaws.ClosePolicyViolation, "subscriber too slow")
				} else {
					_ = conn.CloseWithReason(gorillaws.CloseNormalClosure, "auction closed")
				}
				return
			}
			if err := conn.Send(event); err != nil {
				h.log.Info("Failed to send event", "conn_id", conn.ID(), "auction_id", conn.AuctionID(), "error", err)
				return
			}
		}
	}
}
