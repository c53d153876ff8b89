package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"image-compressor-go/internal/config"
	"image-compressor-go/internal/ingest"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/pipeline"
	"image-compressor-go/internal/settings"
	"image-compressor-go/internal/transport"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	pipeline   *pipeline.Pipeline
	registry   *prometheus.Registry
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]bool
	wsMutex    sync.Mutex

	// Batches outlive the request that started them; Stop cancels them.
	baseCtx context.Context
	cancel  context.CancelFunc
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type SubmitRequest struct {
	Images []ingest.ImageData `json:"images"`
}

type ExportRequest struct {
	Destination string `json:"destination"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// NewServer wires the HTTP API to p. Batch events and warnings logged through log
// are pushed to WebSocket clients. registry may be nil, in which case /metrics is not served.
func NewServer(cfg *config.Config, p *pipeline.Pipeline, log *logrus.Logger, registry *prometheus.Registry) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		log:       log,
		pipeline:  p,
		registry:  registry,
		router:    mux.NewRouter(),
		wsClients: make(map[*websocket.Conn]bool),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins in development
			},
		},
		baseCtx: ctx,
		cancel:  cancel,
	}

	p.SetEventHook(s.broadcastWSMessage)
	log.AddHook(logger.NewForwardHook(logrus.WarnLevel, s.forwardLog))

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/images", s.handleSubmit).Methods("POST")
	api.HandleFunc("/images/original", s.handleOriginalImages).Methods("GET")
	api.HandleFunc("/images/compressed", s.handleCompressedImages).Methods("GET")
	api.HandleFunc("/settings", s.handleGetSettings).Methods("GET")
	api.HandleFunc("/settings", s.handleSaveSettings).Methods("PUT")
	api.HandleFunc("/metadata", s.handleMetadata).Methods("GET")
	api.HandleFunc("/diagnostics", s.handleDiagnostics).Methods("GET")
	api.HandleFunc("/export", s.handleExport).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)

	if s.registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
}

// Handler returns the router, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting web server on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var statsData interface{}
	if stats := s.pipeline.LastStatistics(); stats != nil {
		statsData = map[string]interface{}{
			"batch_id": stats.BatchID,
			"method":   stats.Method,
			"summary":  stats.GetSummary(),
			"files": map[string]interface{}{
				"submitted":  atomic.LoadInt64(&stats.FilesSubmitted),
				"rejected":   atomic.LoadInt64(&stats.FilesRejected),
				"staged":     atomic.LoadInt64(&stats.FilesStaged),
				"compressed": atomic.LoadInt64(&stats.FilesCompressed),
				"failed":     atomic.LoadInt64(&stats.FilesFailed),
				"grew":       atomic.LoadInt64(&stats.FilesGrew),
			},
			"bytes_saved":   stats.BytesSaved(),
			"saved_percent": stats.SavedPercent(),
		}
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"running":    s.pipeline.Running(),
			"mode":       s.cfg.Execution.Mode,
			"statistics": statsData,
			"ws_clients": s.clientCount(),
		},
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Images) == 0 {
		s.writeError(w, "At least one image is required", http.StatusBadRequest)
		return
	}

	result, err := s.pipeline.Submit(s.baseCtx, req.Images)
	switch {
	case err == nil:
		s.writeJSON(w, APIResponse{
			Success: true,
			Message: result.Diagnostics.Message,
			Data:    result,
		})
	case errors.Is(err, pipeline.ErrBatchInProgress):
		s.writeError(w, "A batch is already in progress", http.StatusConflict)
	case errors.Is(err, transport.ErrMalformedPayload), errors.Is(err, ingest.ErrNoValidImages):
		s.writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, pipeline.ErrNoneSucceeded):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(APIResponse{
			Success: false,
			Error:   result.Diagnostics.Message,
			Data:    result,
		})
	default:
		s.writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleOriginalImages(w http.ResponseWriter, r *http.Request) {
	images, err := s.pipeline.OriginalImages()
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to read original images: %v", err), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: images})
}

func (s *Server) handleCompressedImages(w http.ResponseWriter, r *http.Request) {
	images, err := s.pipeline.CompressedImages()
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to read compressed images: %v", err), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: images})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	current, err := s.pipeline.Settings()
	if err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: current})
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var req settings.AppSettings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.pipeline.SaveSettings(req); err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Message: "Settings saved", Data: req})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	entries, err := s.pipeline.Metadata()
	if err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: entries})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	report, err := s.pipeline.Diagnostics()
	if err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Message: report.Message, Data: report})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Destination == "" {
		s.writeError(w, "Destination is required", http.StatusBadRequest)
		return
	}

	n, err := s.pipeline.Export(r.Context(), req.Destination)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Message: fmt.Sprintf("Exported %d files", n),
		Data:    map[string]interface{}{"exported": n, "destination": req.Destination},
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = true
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	// Keep connection alive
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
	}
}

func (s *Server) clientCount() int {
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	return len(s.wsClients)
}

func (s *Server) forwardLog(level, message string, fields logrus.Fields) {
	s.broadcastWSMessage("log", map[string]interface{}{
		"level":   level,
		"message": message,
		"fields":  fields,
	})
}

// broadcastWSMessage writes to every client under the lock; gorilla connections allow
// one concurrent writer. Failures are logged only after the lock is released since
// warnings are themselves forwarded here.
func (s *Server) broadcastWSMessage(messageType string, data map[string]interface{}) {
	msgBytes, err := json.Marshal(WSMessage{Type: messageType, Data: data})
	if err != nil {
		return
	}

	var failed []error
	s.wsMutex.Lock()
	for conn := range s.wsClients {
		if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
			failed = append(failed, err)
			delete(s.wsClients, conn)
			conn.Close()
		}
	}
	s.wsMutex.Unlock()

	for _, err := range failed {
		s.log.Debugf("Dropped WebSocket client: %v", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}
