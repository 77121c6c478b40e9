// Package dashboard serves a small operator status surface: a JSON snapshot
// of open positions and a websocket feed of lifecycle events, plus a bare
// status page.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"binance-lifecycle-engine/internal/posstore"
	"binance-lifecycle-engine/internal/sink"
)

// Server is the dashboard's HTTP+WS boundary. Safe for concurrent use.
type Server struct {
	store *posstore.Store

	router   *mux.Router
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]bool

	broadcast chan sink.LifecycleEvent

	httpServer *http.Server
}

// NewServer builds a Server listening on port, subscribing to sk for the
// live event feed. The engine owns one Server instance; Run blocks until
// ctx is cancelled.
func NewServer(store *posstore.Store, sk *sink.Sink, port int) *Server {
	s := &Server{
		store:     store,
		router:    mux.NewRouter(),
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan sink.LifecycleEvent, 64),
	}
	s.router.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	s.router.HandleFunc("/api/positions", s.handlePositions).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.httpServer = &http.Server{Addr: httpAddr(port), Handler: s.router}

	sk.Subscribe(func(ev sink.LifecycleEvent) {
		select {
		case s.broadcast <- ev:
		default:
			log.Warn().Str("symbol", ev.Symbol).Msg("dashboard: broadcast channel full, dropping event")
		}
	})
	return s
}

func httpAddr(port int) string {
	return ":" + itoa(port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Run starts the broadcaster and HTTP server and blocks until ctx is
// cancelled, then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.broadcastLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.broadcast:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			s.clientsMu.RLock()
			for conn := range s.clients {
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					conn.Close()
					go s.removeClient(conn)
				}
			}
			s.clientsMu.RUnlock()
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	delete(s.clients, conn)
	s.clientsMu.Unlock()
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.store.All()); err != nil {
		log.Warn().Err(err).Msg("dashboard: positions encode failed")
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("dashboard: websocket upgrade failed")
		return
	}
	s.clientsMu.Lock()
	s.clients[conn] = true
	s.clientsMu.Unlock()

	// Drain and discard client reads; this feed is one-directional. The
	// read loop's only job is to notice the connection close.
	go func() {
		defer func() {
			conn.Close()
			s.removeClient(conn)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexPage))
}

const indexPage = `<!DOCTYPE html>
<html>
<head><title>engine status</title></head>
<body>
<h1>open positions</h1>
<pre id="positions">loading...</pre>
<h1>events</h1>
<pre id="events"></pre>
<script>
fetch('/api/positions').then(r => r.json()).then(p => {
  document.getElementById('positions').textContent = JSON.stringify(p, null, 2);
});
const ws = new WebSocket('ws://' + location.host + '/ws');
const log = document.getElementById('events');
ws.onmessage = (msg) => { log.textContent = msg.data + "\n" + log.textContent; };
</script>
</body>
</html>`
