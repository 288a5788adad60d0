package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"github.com/EffortlessMetrics/switchyard/internal/runtime"
)

// validRunID matches ULIDs and other safe identifiers: alphanumeric, dashes,
// underscores.
var validRunID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	runs, err := s.rt.ListRuns()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"runs":   len(runs),
	})
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.FlowID == "" {
		writeError(w, http.StatusBadRequest, "flow_id is required")
		return
	}

	runID, etag, err := s.rt.CreateRun(r.Context(), req.FlowID, req.Params)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusAccepted, CreateRunResponse{
		RunID:  runID,
		FlowID: req.FlowID,
		ETag:   etag,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ids, err := s.rt.ListRuns()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	filter := r.URL.Query().Get("status")
	out := []RunSummary{}
	for _, id := range ids {
		st, _, err := s.rt.GetState(id)
		if err != nil {
			continue
		}
		if filter != "" && string(st.Status) != filter {
			continue
		}
		out = append(out, RunSummary{
			RunID:     st.RunID,
			FlowID:    st.FlowID,
			Status:    st.Status,
			StepCount: st.StepCount,
			CreatedAt: st.CreatedAt,
			UpdatedAt: st.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runID(w, r)
	if !ok {
		return
	}
	st, etag, err := s.rt.GetState(runID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runID(w, r)
	if !ok {
		return
	}
	fromSeq := uint64(0)
	if raw := r.URL.Query().Get("from_seq"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from_seq must be a non-negative integer")
			return
		}
		fromSeq = v
	}

	events, err := s.rt.SubscribeEvents(r.Context(), runID, fromSeq)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeSSE(w, r, events)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.rt.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.rt.Resume)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.rt.Cancel)
}

// control runs one etag-guarded verb and writes the fresh etag back.
func (s *Server) control(w http.ResponseWriter, r *http.Request, verb func(runID, etag string) (string, error)) {
	runID, ok := s.runID(w, r)
	if !ok {
		return
	}
	etag, err := verb(runID, r.Header.Get("If-Match"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, ControlResponse{RunID: runID, ETag: etag})
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runID(w, r)
	if !ok {
		return
	}
	var req InjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	position := req.Position
	if position == "" {
		position = runtime.BeforeNext
	}

	etag, err := s.rt.InjectNode(runID, r.Header.Get("If-Match"), req.Node, position)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, ControlResponse{RunID: runID, ETag: etag})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runID(w, r)
	if !ok {
		return
	}
	var req InterruptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if req.DetourFlowID == "" {
		writeError(w, http.StatusBadRequest, "detour_flow_id is required")
		return
	}

	etag, err := s.rt.Interrupt(runID, r.Header.Get("If-Match"), req.DetourFlowID, req.ResumeAfter)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, ControlResponse{RunID: runID, ETag: etag})
}

func (s *Server) runID(w http.ResponseWriter, r *http.Request) (string, bool) {
	runID := r.PathValue("id")
	if runID == "" || !validRunID.MatchString(runID) {
		writeError(w, http.StatusBadRequest, "run id must be alphanumeric with dashes/underscores, 1-128 chars")
		return "", false
	}
	return runID, true
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeAPIError maps kernel sentinels onto status codes: missing resources
// are 404, stale etags and busy resources 409, refused transitions 422.
func writeAPIError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runtime.ErrUnknownRun), errors.Is(err, runtime.ErrUnknownFlow):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, runtime.ErrConflict), errors.Is(err, runtime.ErrLeaseHeld), errors.Is(err, runtime.ErrStackOverflow):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, runtime.ErrIllegalTransition), errors.Is(err, runtime.ErrInvalidSpec):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, runtime.ErrInvalidParams):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
