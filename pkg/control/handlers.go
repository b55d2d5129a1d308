package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/nodepool/gpusched/pkg/config"
	"github.com/nodepool/gpusched/pkg/registry"
	"github.com/nodepool/gpusched/pkg/scheduler"
	"github.com/nodepool/gpusched/pkg/task"
)

const defaultLogTailLines = 200

type startRequest struct {
	Mode        task.Mode              `json:"mode"`
	ConfigIndex int                    `json:"config_index"`
	Config      config.SchedulerConfig `json:"config"`
}

type startResponse struct {
	Mode        task.Mode `json:"mode"`
	ConfigIndex int       `json:"config_index"`
	PID         int       `json:"pid"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseMode(raw string) (task.Mode, error) {
	switch task.Mode(raw) {
	case task.ModeSingle:
		return task.ModeSingle, nil
	case task.ModeMulti:
		return task.ModeMulti, nil
	default:
		return "", fmt.Errorf("unknown mode %q", raw)
	}
}

func identityFromVars(r *http.Request) (registry.Identity, error) {
	vars := mux.Vars(r)
	mode, err := parseMode(vars["mode"])
	if err != nil {
		return registry.Identity{}, err
	}
	configIndex, err := strconv.Atoi(vars["config_index"])
	if err != nil {
		return registry.Identity{}, fmt.Errorf("invalid config_index: %w", err)
	}
	return registry.Identity{Mode: mode, ConfigIndex: configIndex}, nil
}

// handleStart implements POST /v1/schedulers (SPEC_FULL.md §6): starts
// a Scheduler Instance for {mode, config_index, config}.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if _, err := parseMode(string(req.Mode)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Config.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	res, err := s.reg.Start(req.Mode, req.ConfigIndex, req.Config)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, startResponse{Mode: res.Identity.Mode, ConfigIndex: res.Identity.ConfigIndex, PID: res.PID})
	case errors.Is(err, registry.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrNoDevicesProbed), errors.Is(err, scheduler.ErrMalformedCommandFile):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleStop implements DELETE /v1/schedulers/{mode}/{config_index}.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromVars(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.reg.Stop(id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleList implements GET /v1/schedulers.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.List())
}

// handleGet implements GET /v1/schedulers/{mode}/{config_index}.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromVars(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := s.reg.Get(id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleWS implements GET /v1/schedulers/{mode}/{config_index}/ws.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromVars(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.hub == nil {
		writeError(w, http.StatusNotImplemented, "websocket streaming is not configured")
		return
	}
	s.hub.ServeWS(id.String(), w, r)
}

// handleLogTail implements GET
// /v1/logs/{mode}/{config_index}/{queue_id}/{process_index}?tail=N: a
// thin passthrough to the injected LogBinding lookup (SPEC_FULL.md §6's
// "external log-binding registry").
func (s *Server) handleLogTail(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	mode, err := parseMode(vars["mode"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	configIndex, err := strconv.Atoi(vars["config_index"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid config_index")
		return
	}
	queueID, err := strconv.Atoi(vars["queue_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid queue_id")
		return
	}
	processIndex, err := strconv.Atoi(vars["process_index"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid process_index")
		return
	}

	if s.logs == nil {
		writeError(w, http.StatusNotFound, "no log binding configured")
		return
	}
	path, ok := s.logs.Path(mode, configIndex, queueID, processIndex)
	if !ok {
		writeError(w, http.StatusNotFound, "no log bound for this process")
		return
	}

	tail := defaultLogTailLines
	if raw := r.URL.Query().Get("tail"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			tail = n
		}
	}

	lines, err := tailLines(path, tail)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for _, line := range lines {
		_, _ = w.Write([]byte(line + "\n"))
	}
}

// tailLines returns at most the last n lines of the file at path.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		ring = append(ring, scanner.Text())
		if len(ring) > n {
			ring = ring[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log file: %w", err)
	}
	return ring, nil
}
