package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nevindra/agos/graph"
)

const (
	defaultFeedInterval = 5 * time.Second
	wsWriteTimeout      = 10 * time.Second
)

// riskSnapshot is one frame of the live risk feed.
type riskSnapshot struct {
	Time       time.Time `json:"time"`
	AvgRisk    float64   `json:"avg_risk"`
	MaxRisk    float64   `json:"max_risk"`
	RiskyEdges int       `json:"risky_edges"`
	Updating   bool      `json:"updating"`
}

// riskHub fans risk-field snapshots out to WebSocket subscribers at a
// fixed cadence.
type riskHub struct {
	graph    *graph.RoadGraph
	logger   *slog.Logger
	interval time.Duration
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func newRiskHub(g *graph.RoadGraph, logger *slog.Logger) *riskHub {
	return &riskHub{
		graph:    g,
		logger:   logger,
		interval: defaultFeedInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The gateway sits behind the deployment's own origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

func (h *riskHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("gateway: websocket upgrade failed", "err", err)
		return
	}
	// Push an immediate frame so subscribers do not wait a full tick.
	// The conn joins the broadcast set only afterwards: once registered,
	// the run loop is the sole writer.
	if err := h.send(conn, h.snapshot()); err != nil {
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("gateway: risk feed subscriber joined", "subscribers", count)

	// Read loop only to detect close; subscribers never send.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *riskHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

func (h *riskHub) snapshot() riskSnapshot {
	snap := riskSnapshot{Time: time.Now().UTC()}
	if h.graph != nil {
		snap.AvgRisk, snap.MaxRisk, snap.RiskyEdges = h.graph.RiskStats()
		snap.Updating = h.graph.IsUpdating()
	}
	return snap
}

func (h *riskHub) send(conn *websocket.Conn, snap riskSnapshot) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(snap); err != nil {
		h.drop(conn)
		return err
	}
	return nil
}

// run broadcasts snapshots until ctx is done.
func (h *riskHub) run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.clients = make(map[*websocket.Conn]struct{})
			h.mu.Unlock()
			return
		case <-ticker.C:
			snap := h.snapshot()
			h.mu.Lock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				conns = append(conns, conn)
			}
			h.mu.Unlock()
			for _, conn := range conns {
				h.send(conn, snap)
			}
		}
	}
}
