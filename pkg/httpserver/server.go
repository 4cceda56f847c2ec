package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jaywantadh/chunkcast/internal/metadata"
	"github.com/jaywantadh/chunkcast/internal/p2p"
	"github.com/jaywantadh/chunkcast/internal/transfer"
	"github.com/sirupsen/logrus"
)

// Engine is the part of the transfer engine exposed over HTTP.
type Engine interface {
	LocalID() string
	AddPeer(ch transfer.PeerChannel) error
	Peers() []string
	Snapshot() []transfer.Progress
	Subscribe(fileID, peerID string) (<-chan transfer.Progress, func())
	Handle(fileID string) (*transfer.TransferHandle, bool)
	Pending() []*transfer.TransferHandle
	PauseReceive(fileID string) error
	ResumeReceive(fileID string) error
	CancelReceive(fileID string) error
}

// History lists finished transfers.
type History interface {
	ListTransferRecords(direction string) ([]metadata.TransferRecord, error)
}

type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ControlRequest pauses, resumes or cancels a transfer, optionally for one
// destination only.
type ControlRequest struct {
	FileID      string `json:"file_id"`
	Action      string `json:"action"`
	Direction   string `json:"direction"`
	Destination string `json:"destination,omitempty"`
}

type queuedTransfer struct {
	FileID       string   `json:"file_id"`
	Name         string   `json:"name"`
	Destinations []string `json:"destinations"`
}

type Server struct {
	engine  Engine
	history History
	log     *logrus.Entry
	srv     *http.Server
}

func New(addr string, engine Engine, history History, log *logrus.Entry) *Server {
	s := &Server{engine: engine, history: history, log: log.WithField("component", "http")}
	s.srv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/peers", s.handlePeers)
	mux.HandleFunc("/api/transfers", s.handleTransfers)
	mux.HandleFunc("/api/transfers/stream", s.handleTransferStream)
	mux.HandleFunc("/api/transfers/control", s.handleControl)
	mux.HandleFunc("/api/history", s.handleHistory)
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	s.log.Infof("🌐 HTTP server listening on %s", ln.Addr())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("❌ HTTP server stopped: %v", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ch, err := p2p.AcceptWS(w, r, s.engine.LocalID(), s.log)
	if err != nil {
		s.log.Warnf("⚠️ %v", err)
		return
	}
	if err := s.engine.AddPeer(ch); err != nil {
		s.log.Warnf("⚠️ Rejected websocket peer %s: %v", ch.ID(), err)
		ch.Close()
	}
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	sendJSONResponse(w, http.StatusOK, true, "Peers retrieved", map[string]interface{}{
		"local_id": s.engine.LocalID(),
		"peers":    s.engine.Peers(),
	})
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendJSONResponse(w, http.StatusMethodNotAllowed, false, "Method not allowed", nil)
		return
	}
	pending := s.engine.Pending()
	queued := make([]queuedTransfer, 0, len(pending))
	for _, h := range pending {
		queued = append(queued, queuedTransfer{FileID: h.FileID(), Name: h.Name(), Destinations: h.Destinations()})
	}
	sendJSONResponse(w, http.StatusOK, true, "Transfers retrieved", map[string]interface{}{
		"progress": s.engine.Snapshot(),
		"queued":   queued,
	})
}

// handleTransferStream pushes progress samples for one file as server-sent
// events until the client goes away.
func (s *Server) handleTransferStream(w http.ResponseWriter, r *http.Request) {
	fileID := r.URL.Query().Get("file")
	if fileID == "" {
		sendJSONResponse(w, http.StatusBadRequest, false, "file is required", nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendJSONResponse(w, http.StatusInternalServerError, false, "Streaming unsupported", nil)
		return
	}

	updates, cancel := s.engine.Subscribe(fileID, r.URL.Query().Get("peer"))
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case p := <-updates:
			data, err := json.Marshal(p)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONResponse(w, http.StatusMethodNotAllowed, false, "Method not allowed", nil)
		return
	}
	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONResponse(w, http.StatusBadRequest, false, "Invalid body", nil)
		return
	}
	if req.FileID == "" {
		sendJSONResponse(w, http.StatusBadRequest, false, "file_id is required", nil)
		return
	}

	var err error
	switch req.Direction {
	case "", string(transfer.DirectionSend):
		err = s.controlOutbound(req)
	case string(transfer.DirectionReceive):
		err = s.controlInbound(req)
	default:
		sendJSONResponse(w, http.StatusBadRequest, false, "Unknown direction", nil)
		return
	}

	switch {
	case err == nil:
		s.log.Infof("🎛️ %s %s %s", req.Action, req.Direction, req.FileID)
		sendJSONResponse(w, http.StatusOK, true, "Transfer updated", nil)
	case errors.Is(err, transfer.ErrUnknownTransfer):
		sendJSONResponse(w, http.StatusNotFound, false, err.Error(), nil)
	case errors.Is(err, errUnknownAction):
		sendJSONResponse(w, http.StatusBadRequest, false, err.Error(), nil)
	default:
		sendJSONResponse(w, http.StatusConflict, false, err.Error(), nil)
	}
}

var errUnknownAction = errors.New("unknown action")

func (s *Server) controlOutbound(req ControlRequest) error {
	h, ok := s.engine.Handle(req.FileID)
	if !ok {
		return fmt.Errorf("%w: %s", transfer.ErrUnknownTransfer, req.FileID)
	}
	if req.Destination == "" {
		switch req.Action {
		case "pause":
			return h.Pause()
		case "resume":
			return h.Resume()
		case "cancel":
			return h.Cancel()
		}
		return errUnknownAction
	}
	switch req.Action {
	case "pause":
		return h.PauseDestination(req.Destination)
	case "resume":
		return h.ResumeDestination(req.Destination)
	case "cancel":
		return h.CancelDestination(req.Destination)
	}
	return errUnknownAction
}

func (s *Server) controlInbound(req ControlRequest) error {
	switch req.Action {
	case "pause":
		return s.engine.PauseReceive(req.FileID)
	case "resume":
		return s.engine.ResumeReceive(req.FileID)
	case "cancel":
		return s.engine.CancelReceive(req.FileID)
	}
	return errUnknownAction
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		sendJSONResponse(w, http.StatusServiceUnavailable, false, "History is disabled", nil)
		return
	}
	records, err := s.history.ListTransferRecords(r.URL.Query().Get("direction"))
	if err != nil {
		s.log.Errorf("❌ Failed to list history: %v", err)
		sendJSONResponse(w, http.StatusInternalServerError, false, "Failed to list history", nil)
		return
	}
	sendJSONResponse(w, http.StatusOK, true, "History retrieved", map[string]interface{}{
		"records": records,
	})
}

func sendJSONResponse(w http.ResponseWriter, status int, success bool, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{Success: success, Message: message, Data: data})
}
