package websocket

import (
	"sync"

	"auction-engine/pkg/logger"

	"github.com/gorilla/websocket"
)

// ConnectionManager tracks open subscriber sockets so they can be closed
// together on shutdown.
type ConnectionManager struct {
	connections map[string]map[string]*Connection // auctionID -> connID -> connection
	mutex       sync.RWMutex
	log         logger.Logger
}

func NewConnectionManager(log logger.Logger) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]map[string]*Connection),
		log:         log,
	}
}

func (cm *ConnectionManager) RegisterConnection(conn *Connection) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if cm.connections[conn.AuctionID()] == nil {
		cm.connections[conn.AuctionID()] = make(map[string]*Connection)
	}
	cm.connections[conn.AuctionID()][conn.ID()] = conn

	cm.log.Info("Connection registered", "conn_id", conn.ID(), "user_id", conn.UserID(), "auction_id", conn.AuctionID())
}

func (cm *ConnectionManager) UnregisterConnection(conn *Connection) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if auctionConns, exists := cm.connections[conn.AuctionID()]; exists {
		delete(auctionConns, conn.ID())
		if len(auctionConns) == 0 {
			delete(cm.connections, conn.AuctionID())
		}
	}

	cm.log.Info("Connection unregistered", "conn_id", conn.ID(), "user_id", conn.UserID(), "auction_id", conn.AuctionID())
}

func (cm *ConnectionManager) ConnectionCount(auctionID string) int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.connections[auctionID])
}

// CloseAll sends a going-away frame to every tracked socket and closes it.
// The handlers' pumps notice and unregister on their own.
func (cm *ConnectionManager) CloseAll() {
	cm.mutex.RLock()
	var all []*Connection
	for _, auctionConns := range cm.connections {
		for _, conn := range auctionConns {
			all = append(all, conn)
		}
	}
	cm.mutex.RUnlock()

	for _, conn := range all {
		if err := conn.CloseWithReason(websocket.CloseGoingAway, "server shutting down"); err != nil {
			cm.log.Warn("Failed to close connection", "conn_id", conn.ID(), "auction_id", conn.AuctionID(), "error", err)
		}
	}
	cm.log.Info("Closed all subscriber connections", "count", len(all))
}
