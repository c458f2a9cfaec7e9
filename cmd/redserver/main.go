// Command redserver exposes a live RED queue over a websocket so a
// browser dashboard can drive it interactively: start/pause/reset, push
// config updates, and watch qAvg/vProb/drops update in real time.
package main

import (
	"fmt"
	"html/template"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/talau/gored/clock"
	"github.com/talau/gored/internal/trafficgen"
	"github.com/talau/gored/packet"
	"github.com/talau/gored/red"
	"github.com/talau/gored/rng"
)

var indexTemplate *template.Template

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ClientMessage is a command sent from the dashboard to the server.
type ClientMessage struct {
	Type   string      `json:"type"`
	Config *red.Config `json:"config,omitempty"`
}

// ServerMessage is a status or metrics push sent from the server to the
// dashboard.
type ServerMessage struct {
	Type    string     `json:"type"`
	Running *bool      `json:"running,omitempty"`
	Config  *red.Config `json:"config,omitempty"`
	Stats   *red.Stats `json:"stats,omitempty"`
	QAvg    float64    `json:"qAvg,omitempty"`
	VProb   float64    `json:"vProb,omitempty"`
}

// queueState manages a live REDQueue and the synthetic traffic driving it.
type queueState struct {
	queue   *red.REDQueue
	clock   *clock.Virtual
	gen     *trafficgen.Poisson
	running bool
	mu      sync.Mutex
	stopCh  chan struct{}
	nextID  uint64
}

func newQueueState(cfg red.Config) (*queueState, error) {
	vclock := clock.NewVirtual(time.Unix(0, 0))
	q, err := red.NewQueue(cfg, vclock, rng.NewMathRand(0))
	if err != nil {
		return nil, err
	}
	return &queueState{
		queue:  q,
		clock:  vclock,
		gen:    trafficgen.NewPoisson(1.0, cfg.MeanPktSize, cfg.MeanPktSize*2, 0),
		stopCh: make(chan struct{}),
	}, nil
}

func (s *queueState) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
}

func (s *queueState) pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

func (s *queueState) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.Reset()
	s.running = false
}

func (s *queueState) updateConfig(cfg red.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := red.NewQueue(cfg, s.clock, rng.NewMathRand(0))
	if err != nil {
		return err
	}
	s.queue = q
	return nil
}

func (s *queueState) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *queueState) getConfig() red.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Config()
}

// step advances virtual time by one interval and attempts to
// enqueue/dequeue a packet, mirroring one tick of a link's packet path.
func (s *queueState) step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.clock.Advance(s.gen.NextInterval())
	s.nextID++
	s.queue.Enqueue(packet.Simple{ID: s.nextID, Bytes: s.gen.NextSizeBytes()})
	s.queue.Dequeue()
}

func (s *queueState) snapshot() (red.Stats, float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Stats(), s.queue.QAvg(), s.queue.VProb()
}

func (s *queueState) stop() {
	close(s.stopCh)
}

// uiUpdateLoop paces simulation steps and metrics pushes independently of
// client message handling.
func uiUpdateLoop(conn *safeConn, state *queueState) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-state.stopCh:
			log.Println("UI update loop stopping")
			return
		case <-ticker.C:
			if !state.isRunning() {
				continue
			}
			state.step()
			stats, qAvg, vProb := state.snapshot()
			updatePrometheusMetrics(stats, qAvg, vProb)
			msg := ServerMessage{Type: "metrics", Stats: &stats, QAvg: qAvg, VProb: vProb}
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("Error sending metrics: %v", err)
				return
			}
		}
	}
}

// safeConn wraps a websocket connection with a mutex so the update loop
// and the client-message handler can both write without interleaving
// frames.
type safeConn struct {
	*websocket.Conn
	writeMu sync.Mutex
}

func (sc *safeConn) WriteJSON(v interface{}) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return sc.Conn.WriteJSON(v)
}

func handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Error upgrading connection: %v", err)
		return
	}
	defer conn.Close()

	safeConn := &safeConn{Conn: conn}
	log.Println("Client connected")

	cfg := red.DefaultConfig()
	state, err := newQueueState(cfg)
	if err != nil {
		log.Printf("Error creating queue: %v", err)
		return
	}

	running := false
	if err := safeConn.WriteJSON(ServerMessage{Type: "status", Running: &running, Config: &cfg}); err != nil {
		log.Printf("Error sending status: %v", err)
		return
	}

	go uiUpdateLoop(safeConn, state)

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Error reading message: %v", err)
			}
			break
		}

		log.Printf("Received command: %s", msg.Type)

		switch msg.Type {
		case "start":
			state.start()
			running := true
			cfg := state.getConfig()
			safeConn.WriteJSON(ServerMessage{Type: "status", Running: &running, Config: &cfg})

		case "pause":
			state.pause()
			running := false
			cfg := state.getConfig()
			safeConn.WriteJSON(ServerMessage{Type: "status", Running: &running, Config: &cfg})

		case "reset":
			state.reset()
			running := false
			cfg := state.getConfig()
			safeConn.WriteJSON(ServerMessage{Type: "status", Running: &running, Config: &cfg})

		case "config_update":
			if msg.Config != nil {
				if err := state.updateConfig(*msg.Config); err != nil {
					log.Printf("Error updating config: %v", err)
				} else {
					running := state.isRunning()
					safeConn.WriteJSON(ServerMessage{Type: "status", Running: &running, Config: msg.Config})
				}
			}
		}
	}

	state.stop()
	log.Println("Client disconnected")
}

func serveHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, nil); err != nil {
		log.Printf("Error executing template: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func quitHandler(w http.ResponseWriter, r *http.Request) {
	log.Println("shutdown requested via /quitquitquit")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "Server shutting down...")

	go func() {
		time.Sleep(100 * time.Millisecond)
		os.Exit(0)
	}()
}

func main() {
	initPrometheusMetrics()

	templatePath := filepath.Join("templates", "index.html")
	var err error
	indexTemplate, err = template.ParseFiles(templatePath)
	if err != nil {
		log.Fatalf("Error loading template: %v", err)
	}
	log.Printf("Loaded template: %s", templatePath)

	http.HandleFunc("/", serveHome)
	http.HandleFunc("/ws", handleWebSocket)
	http.HandleFunc("/quitquitquit", quitHandler)
	http.Handle("/metrics", promHandler())

	addr := ":8080"
	log.Printf("Server starting on http://localhost%s", addr)
	log.Printf("WebSocket endpoint: ws://localhost%s/ws", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}
