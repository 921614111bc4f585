// Package server exposes the cloud side of the pull pipeline: the agent
// connection endpoints (WebSocket and QUIC) and the HTTP control plane used
// by operators to trigger and observe transfers.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pullstream/pullstream/internal/config"
	"github.com/pullstream/pullstream/internal/journal"
	"github.com/pullstream/pullstream/internal/orchestrator"
	"github.com/pullstream/pullstream/internal/registry"
)

// Server wires the registry, orchestrator and journal behind the HTTP
// surface. One instance serves every connected agent.
type Server struct {
	cfg     config.ServerConfig
	reg     *registry.Registry
	orch    *orchestrator.Orchestrator
	journal *journal.Journal
	logger  *slog.Logger
}

// New creates a server. The journal may be nil when persistence is disabled.
func New(cfg config.ServerConfig, reg *registry.Registry, orch *orchestrator.Orchestrator, j *journal.Journal, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		reg:     reg,
		orch:    orch,
		journal: j,
		logger:  logger,
	}
}

// Handler returns the HTTP routing table for the control plane and the
// WebSocket agent endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/clients", s.handleClients)
	mux.HandleFunc("/api/download", s.handleDownload)
	mux.HandleFunc("/api/downloads", s.handleDownloadList)
	mux.HandleFunc("/api/downloads/", s.handleDownloadStatus)
	return mux
}

// clientInfo is one entry of the GET /api/clients response.
type clientInfo struct {
	ClientID  string    `json:"client_id"`
	Connected bool      `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

// downloadRequest is the JSON request body for POST /api/download.
type downloadRequest struct {
	ClientID string `json:"client_id"`
	FilePath string `json:"file_path"`
}

// downloadInfo is the JSON shape of a transfer in every API response.
type downloadInfo struct {
	DownloadID     string     `json:"download_id"`
	ClientID       string     `json:"client_id"`
	FilePath       string     `json:"file_path"`
	LocalPath      string     `json:"local_path"`
	Status         string     `json:"status"`
	ChunksReceived uint64     `json:"chunks_received"`
	BytesReceived  int64      `json:"bytes_received"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Error          string     `json:"error,omitempty"`
}

func toDownloadInfo(snap orchestrator.Snapshot) downloadInfo {
	return downloadInfo{
		DownloadID:     snap.ID,
		ClientID:       snap.AgentID,
		FilePath:       snap.RemotePath,
		LocalPath:      snap.LocalPath,
		Status:         string(snap.Status),
		ChunksReceived: snap.ChunksReceived,
		BytesReceived:  snap.BytesReceived,
		CreatedAt:      snap.CreatedAt,
		CompletedAt:    snap.CompletedAt,
		Error:          snap.Error,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"connected_clients": s.reg.Count(),
		"active_downloads":  s.orch.ActiveCount(),
	})
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	clients := make([]clientInfo, 0)
	for _, st := range s.reg.List() {
		clients = append(clients, clientInfo{
			ClientID:  st.AgentID,
			Connected: st.Connected,
			LastSeen:  st.LastSeen,
		})
	}
	sendJSON(w, http.StatusOK, map[string]any{"clients": clients})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ClientID == "" || req.FilePath == "" {
		sendError(w, http.StatusBadRequest, "client_id and file_path are required")
		return
	}

	snap, err := s.orch.Create(req.ClientID, req.FilePath)
	switch {
	case errors.Is(err, orchestrator.ErrAgentNotConnected):
		sendError(w, http.StatusNotFound, "client not connected: "+req.ClientID)
		return
	case errors.Is(err, orchestrator.ErrAgentBusy):
		sendError(w, http.StatusConflict, "client busy with another transfer: "+req.ClientID)
		return
	case err != nil:
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sendJSON(w, http.StatusAccepted, toDownloadInfo(snap))
}

func (s *Server) handleDownloadStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/downloads/")
	if id == "" || strings.Contains(id, "/") {
		sendError(w, http.StatusBadRequest, "invalid download id")
		return
	}

	snap, err := s.orch.Status(id)
	if errors.Is(err, orchestrator.ErrTransferNotFound) && s.journal != nil {
		// Transfers from before the last restart live only in the journal.
		var ok bool
		snap, ok, err = s.journal.Get(id)
		if err == nil && !ok {
			err = orchestrator.ErrTransferNotFound
		}
	}
	if errors.Is(err, orchestrator.ErrTransferNotFound) {
		sendError(w, http.StatusNotFound, "unknown download id: "+id)
		return
	}
	if err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sendJSON(w, http.StatusOK, toDownloadInfo(snap))
}

func (s *Server) handleDownloadList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	live := s.orch.List()
	seen := make(map[string]bool, len(live))
	downloads := make([]downloadInfo, 0, len(live))
	for _, snap := range live {
		seen[snap.ID] = true
		downloads = append(downloads, toDownloadInfo(snap))
	}

	if s.journal != nil {
		journaled, err := s.journal.List(0)
		if err != nil {
			s.logger.Error("listing journaled transfers", "error", err)
		} else {
			for _, snap := range journaled {
				if !seen[snap.ID] {
					downloads = append(downloads, toDownloadInfo(snap))
				}
			}
		}
	}

	sendJSON(w, http.StatusOK, map[string]any{"downloads": downloads})
}

func sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
