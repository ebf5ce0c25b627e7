package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"sync"

	"github.com/cjeanneret/ZenArm/internal/logic/design"
)

// maxDesignBytes bounds the body of POST /api/data.
const maxDesignBytes = 1 << 20

// RunDesignFunc draws d. It is called from the POST /api/data handler in a goroutine.
type RunDesignFunc func(ctx context.Context, d *design.Drawing) error

// MotionSettings is what GET /config reports.
type MotionSettings struct {
	Mode         string `json:"mode"`
	PulseDelayMs int    `json:"pulse_delay_ms"`
	InitDelayMs  int    `json:"init_delay_ms"`
	Driver       string `json:"driver"`
}

// Status is the body of GET /status.
type Status struct {
	Running bool          `json:"running"`
	Design  string        `json:"design,omitempty"`
	Events  []StatusEvent `json:"events"`
	Dropped int           `json:"dropped"` // events kept out of the live stream
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	RunDesign   RunDesignFunc
	Settings    MotionSettings
	staticFS    fs.FS

	runCtx    context.Context // parent of every drawing run
	runningMu sync.Mutex
	running   bool
	current   string
	runs      sync.WaitGroup
}

// NewHandlers creates handlers with the given dependencies.
// If runDesign is nil, POST /api/data will return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, runDesign RunDesignFunc, settings MotionSettings, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		RunDesign:   runDesign,
		Settings:    settings,
		staticFS:    staticFS,
		runCtx:      context.Background(),
	}
}

// HandleConfig returns the motion settings as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Settings)
}

// HandleStatus reports whether a drawing is in progress and recent events.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.runningMu.Lock()
	st := Status{Running: h.running, Design: h.current}
	h.runningMu.Unlock()
	st.Events = h.Broadcaster.Recent()
	st.Dropped = h.Broadcaster.Dropped()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleDesign handles POST /api/data, the upload endpoint of the phone app.
func (h *Handlers) HandleDesign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	d, err := design.Decode(http.MaxBytesReader(w, r.Body, maxDesignBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, fmt.Sprintf("drawing exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid drawing: "+err.Error(), http.StatusBadRequest)
		return
	}
	path, err := d.Path()
	if err != nil {
		http.Error(w, "invalid drawing: "+err.Error(), http.StatusBadRequest)
		return
	}

	if h.RunDesign == nil {
		http.Error(w, "plotter not configured", http.StatusServiceUnavailable)
		return
	}

	h.runningMu.Lock()
	if h.running {
		h.runningMu.Unlock()
		http.Error(w, "drawing already in progress", http.StatusConflict)
		return
	}
	h.running = true
	h.current = d.Name
	h.runs.Add(1)
	h.runningMu.Unlock()

	go func() {
		defer h.runs.Done()
		defer func() {
			h.runningMu.Lock()
			h.running = false
			h.current = ""
			h.runningMu.Unlock()
		}()

		h.Broadcaster.Broadcast("info", "Drawing "+d.Name+" started")
		if err := h.RunDesign(h.runCtx, d); err != nil {
			level := "error"
			if errors.Is(err, context.Canceled) {
				level = "warn"
			}
			h.Broadcaster.Broadcast(level, "Drawing failed: "+err.Error())
			log.Printf("drawing %q failed: %v", d.Name, err)
		} else {
			h.Broadcaster.Broadcast("info", "Drawing complete")
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "started",
		"name":   d.Name,
		"points": len(path),
	})
}

// wait blocks until every started drawing has returned.
func (h *Handlers) wait() {
	h.runs.Wait()
}
