package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/smartops/remediator/internal/action"
	"github.com/smartops/remediator/internal/cluster"
	"github.com/smartops/remediator/internal/signal"
)

// maxBodyBytes bounds ingest payloads.
const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleAnomaly(w http.ResponseWriter, r *http.Request) {
	var a signal.Anomaly
	if !decodeBody(w, r, &a) {
		return
	}
	a.Normalize(time.Now().UTC())
	if err := a.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_signal", err.Error())
		return
	}
	writeIngestResult(w, s.manager.SubmitAnomaly(a), a.WindowID)
}

// writeIngestResult always answers 202: the accepted boolean is the
// wire-level signal for a drop, not the status code.
func writeIngestResult(w http.ResponseWriter, accepted bool, windowID string) {
	body := map[string]any{
		"accepted": accepted,
		"windowId": windowID,
	}
	if !accepted {
		body["reason"] = "queue_full"
	}
	writeJSON(w, http.StatusAccepted, body)
}

func (s *Server) handleRCA(w http.ResponseWriter, r *http.Request) {
	var rc signal.RCA
	if !decodeBody(w, r, &rc) {
		return
	}
	rc.Normalize(time.Now().UTC())
	if err := rc.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_signal", err.Error())
		return
	}
	writeIngestResult(w, s.manager.SubmitRCA(rc), rc.WindowID)
}

func (s *Server) handleRecentSignals(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	anomalies, rcas := s.store.Recent(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"anomalies": anomalies,
		"rcas":      rcas,
	})
}

func (s *Server) handleRecentActions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	writeJSON(w, http.StatusOK, map[string]any{
		"outcomes": s.audit.Recent(limit),
	})
}

type scaleRequest struct {
	Replicas int  `json:"replicas"`
	DryRun   bool `json:"dryRun"`
	Verify   bool `json:"verify"`
}

func (s *Server) handleScale(w http.ResponseWriter, r *http.Request) {
	var body scaleRequest
	body.Verify = true
	if !decodeBody(w, r, &body) {
		return
	}
	req := action.NewRequest(action.TypeScale, s.target(r), "manual scale")
	req.Source = "api"
	req.Scale = &action.ScaleParams{Replicas: body.Replicas}
	req.DryRun = body.DryRun
	req.Verify = body.Verify
	s.runDirect(w, r, req)
}

type restartRequest struct {
	DryRun bool `json:"dryRun"`
	Verify bool `json:"verify"`
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	var body restartRequest
	body.Verify = true
	if !decodeBody(w, r, &body) {
		return
	}
	req := action.NewRequest(action.TypeRestart, s.target(r), "manual restart")
	req.Source = "api"
	req.DryRun = body.DryRun
	req.Verify = body.Verify
	s.runDirect(w, r, req)
}

type patchRequest struct {
	Patch  json.RawMessage `json:"patch"`
	DryRun bool            `json:"dryRun"`
	Verify bool            `json:"verify"`
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	var body patchRequest
	body.Verify = true
	if !decodeBody(w, r, &body) {
		return
	}
	if err := validatePatchDocument(body.Patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patch", err.Error())
		return
	}
	req := action.NewRequest(action.TypePatch, s.target(r), "manual patch")
	req.Source = "api"
	req.Patch = body.Patch
	req.DryRun = body.DryRun
	req.Verify = body.Verify
	s.runDirect(w, r, req)
}

// target builds the deployment target from the URL, resolving the
// friendly service name.
func (s *Server) target(r *http.Request) action.Target {
	return s.mapper.Target(chi.URLParam(r, "name"))
}

// runDirect pushes a manual action through the same guardrail and
// dispatch pipeline the closed loop uses.
func (s *Server) runDirect(w http.ResponseWriter, r *http.Request, req action.Request) {
	out, err := s.manager.ExecuteDirect(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_action", err.Error())
		return
	}
	switch out.Status {
	case action.StatusSkippedGuardrail, action.StatusSkippedCooldown:
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   out.ReasonCode,
			"message": out.LastError,
			"outcome": out,
		})
	case action.StatusFailed:
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "dispatch_failed",
			"message": out.LastError,
			"outcome": out,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"outcome": out})
	}
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	deps, err := s.ctrl.ListDeployments(r.Context(), s.namespace)
	if err != nil {
		s.clusterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": deps})
}

func (s *Server) handleListPods(w http.ResponseWriter, r *http.Request) {
	pods, err := s.ctrl.ListPods(r.Context(), s.namespace, r.URL.Query().Get("selector"))
	if err != nil {
		s.clusterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pods": pods})
}

type verifyRequest struct {
	Name                string `json:"name"`
	MinDesired          int    `json:"minDesired"`
	TimeoutSeconds      int    `json:"timeoutSeconds"`
	PollIntervalSeconds int    `json:"pollIntervalSeconds"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body verifyRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "name required")
		return
	}
	t := s.mapper.Target(body.Name)
	res := s.verifier.Verify(r.Context(), t.Namespace, t.Name, body.MinDesired,
		time.Duration(body.PollIntervalSeconds)*time.Second,
		time.Duration(body.TimeoutSeconds)*time.Second)
	writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

func (s *Server) handleLoopStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"loop":           s.manager.Status(),
		"recentOutcomes": s.audit.Recent(10),
	})
}

func (s *Server) handleDeletePod(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.ctrl.DeletePod(r.Context(), s.namespace, name); err != nil {
		s.clusterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": name})
}

func (s *Server) clusterError(w http.ResponseWriter, err error) {
	s.log.Warn("cluster call failed", zap.Error(err))
	if cluster.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeError(w, http.StatusBadGateway, "cluster_error", err.Error())
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
