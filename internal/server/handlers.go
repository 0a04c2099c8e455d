package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/bamsammich/backupq/internal/authz"
	"github.com/bamsammich/backupq/internal/worker"
)

const (
	defaultLogLimit = 200
	maxBodyBytes    = 1 << 20
)

// addItem is one requested task. dest is accepted as an alias of dst.
type addItem struct {
	Src          string `json:"src"`
	Dst          string `json:"dst"`
	Dest         string `json:"dest"`
	FilterImages *bool  `json:"filter_images"`
	FilterNfo    *bool  `json:"filter_nfo"`
	Mirror       *bool  `json:"mirror"`
	Mode         string `json:"mode"`
}

type addRequest struct {
	addItem
	Tasks []addItem `json:"tasks"`
}

type rejection struct {
	Src    string `json:"src"`
	Dst    string `json:"dst"`
	Reason string `json:"reason"`
}

type addResponse struct {
	OK       bool          `json:"ok"`
	Queued   []worker.Task `json:"queued"`
	Rejected []rejection   `json:"rejected"`
	Error    string        `json:"error,omitempty"`
}

func (it addItem) request() worker.Request {
	dst := it.Dst
	if dst == "" {
		dst = it.Dest
	}
	return worker.Request{
		Src:          strings.TrimSpace(it.Src),
		Dst:          strings.TrimSpace(dst),
		FilterImages: boolOr(it.FilterImages, true),
		FilterNfo:    boolOr(it.FilterNfo, true),
		Mirror:       boolOr(it.Mirror, true),
		Mode:         strings.TrimSpace(it.Mode),
	}
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, addResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	items := req.Tasks
	if len(items) == 0 {
		items = []addItem{req.addItem}
	}

	resp := addResponse{Queued: []worker.Task{}, Rejected: []rejection{}}
	for _, it := range items {
		wr := it.request()
		task, err := s.cfg.Backend.Submit(wr)
		if err != nil {
			var rerr *worker.RejectError
			reason := err.Error()
			if errors.As(err, &rerr) {
				reason = rerr.Reason
			}
			resp.Rejected = append(resp.Rejected, rejection{Src: wr.Src, Dst: wr.Dst, Reason: reason})
			continue
		}
		resp.Queued = append(resp.Queued, task)
	}

	resp.OK = len(resp.Queued) > 0
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"queue": s.cfg.Backend.Queued()})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Backend.State())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path required")
		return
	}
	entries, err := s.cfg.Authorizer.ListDir(path)
	switch {
	case errors.Is(err, authz.ErrNotAllowed):
		writeError(w, http.StatusForbidden, "path not allowed")
		return
	case errors.Is(err, os.ErrNotExist):
		writeError(w, http.StatusNotFound, "not found")
		return
	case err != nil:
		slog.Warn("list directory failed", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "entries": entries})
}

func (s *Server) handleRoots(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"roots": s.cfg.Authorizer.Roots()})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	lines := s.cfg.Stream.Recent(limit)
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}
