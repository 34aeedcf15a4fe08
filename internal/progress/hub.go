package progress

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trackd/internal/track"
)

// JobProgress is the message streamed to subscribers of a running job
type JobProgress struct {
	Type            string              `json:"type"` // "progress" or "done"
	JobID           string              `json:"job_id"`
	Mode            track.ExecutionMode `json:"execution_mode,omitempty"`
	TotalFrames     int                 `json:"total_frames"`
	CompletedFrames int                 `json:"completed_frames"`
	TotalChunks     int                 `json:"total_chunks"`
	CompletedChunks int                 `json:"completed_chunks"`
	FailedChunks    int                 `json:"failed_chunks"`
	Status          track.JobStatus     `json:"status,omitempty"`
	Timestamp       time.Time           `json:"timestamp"`
}

// Hub manages WebSocket connections for live job progress streaming
type Hub struct {
	// clients maps job_id -> set of connections
	clients map[string]map[*websocket.Conn]bool
	mu      sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*websocket.Conn]bool),
	}
}

// Register adds a connection for a specific job
func (h *Hub) Register(jobID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[jobID] == nil {
		h.clients[jobID] = make(map[*websocket.Conn]bool)
	}
	h.clients[jobID][conn] = true
	fmt.Printf("[WS] Client registered for job %s (total: %d)\n", jobID, len(h.clients[jobID]))
}

// Unregister removes a connection for a specific job
func (h *Hub) Unregister(jobID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[jobID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, jobID)
		}
		fmt.Printf("[WS] Client unregistered for job %s\n", jobID)
	}
}

// Broadcast sends a progress message to all clients subscribed to its job
func (h *Hub) Broadcast(msg *JobProgress) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients[msg.JobID]))
	for conn := range h.clients[msg.JobID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()
	if len(conns) == 0 {
		return
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		fmt.Printf("[WS] Error marshaling progress message: %v\n", err)
		return
	}

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			fmt.Printf("[WS] Error sending to client: %v\n", err)
			h.Unregister(msg.JobID, conn)
			conn.Close()
		}
	}
}
