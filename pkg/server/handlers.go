package server

import (
	"fmt"
	"log"
	"net/http"
	"path"

	nderrors "github.com/davidroman0O/netdoc/errors"
	"github.com/davidroman0O/netdoc/pkg/device"
	"github.com/davidroman0O/netdoc/pkg/planner"
	"github.com/davidroman0O/netdoc/pkg/session"
	"github.com/davidroman0O/netdoc/pkg/terminal"
)

// ExecuteRequest submits commands to a device
type ExecuteRequest struct {
	Commands []string `json:"commands" jsonschema:"minItems=1"`
}

// PlanRequest asks for an AI plan on a device
type PlanRequest struct {
	Goal       string `json:"goal"`
	AssumeSudo bool   `json:"assume_sudo,omitempty"`
}

// PlanExecuteRequest submits a selection of plan steps
type PlanExecuteRequest struct {
	StepIDs []string `json:"step_ids" jsonschema:"minItems=1"`
	// ConfirmDestructive must be set when a selected step is flagged destructive
	ConfirmDestructive bool `json:"confirm_destructive,omitempty"`
}

// ConnectionTestResponse is the answer of a connection test
type ConnectionTestResponse struct {
	Status  string      `json:"status" jsonschema:"enum=success,enum=failed"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// SessionsResponse lists live device sessions and open terminals
type SessionsResponse struct {
	Sessions  []session.Info  `json:"sessions"`
	Terminals []terminal.Info `json:"terminals"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": apiMessage, "version": apiVersion})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.deps.Inventory.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]device.Info, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Info())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.deps.Inventory.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev.Info())
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Engine.TestConnection(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ConnectionTestResponse{
			Status:  "success",
			Message: "Connection successful",
			Details: report,
		})
	case nderrors.IsNotFound(err), nderrors.IsBusy(err), nderrors.GetCode(err) == nderrors.ErrSessionInUse:
		writeError(w, err)
	default:
		writeJSON(w, http.StatusOK, ConnectionTestResponse{Status: "failed", Message: err.Error()})
	}
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	exec, err := s.deps.Engine.Submit(r.Context(), r.PathValue("id"), req.Commands)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	dev, err := s.deps.Inventory.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	execs, err := s.deps.Engine.List(dev.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Engine.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// countingWriter tells whether the response body has started, after which
// errors can no longer change the status
type countingWriter struct {
	w http.ResponseWriter
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.n == 0 && len(p) > 0 {
		c.w.WriteHeader(http.StatusOK)
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (s *Server) handleFetchFile(w http.ResponseWriter, r *http.Request) {
	remote := r.URL.Query().Get("path")
	if remote == "" {
		writeError(w, nderrors.New(nderrors.ErrInvalidInput, "path query parameter is required"))
		return
	}
	dev, err := s.deps.Inventory.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(remote)))
	cw := &countingWriter{w: w}
	n, err := s.deps.Sessions.FetchFile(r.Context(), dev, remote, cw)
	if err != nil {
		if cw.n == 0 {
			w.Header().Del("Content-Disposition")
			writeError(w, err)
			return
		}
		log.Printf("[SERVER] fetch %s from %s aborted after %d bytes: %v", remote, dev.ID, n, err)
	}
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	dev, err := s.deps.Inventory.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	plan, err := s.deps.Planner.Plan(r.Context(), planner.Request{
		DeviceID:   dev.ID,
		Family:     dev.Family,
		Vendor:     dev.Vendor,
		Role:       dev.Role,
		Goal:       req.Goal,
		AssumeSudo: req.AssumeSudo,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, ok := s.deps.Planner.Lookup(r.PathValue("id"))
	if !ok {
		writeError(w, nderrors.Newf(nderrors.ErrNotFound, "plan %s not found", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// handleExecutePlan submits the selected steps as a regular execution. The
// plan itself never runs anything.
func (s *Server) handleExecutePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanExecuteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	plan, ok := s.deps.Planner.Lookup(r.PathValue("id"))
	if !ok {
		writeError(w, nderrors.Newf(nderrors.ErrNotFound, "plan %s not found", r.PathValue("id")))
		return
	}

	commands, err := plan.Select(req.StepIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	if plan.HasDestructive(req.StepIDs) && !req.ConfirmDestructive {
		writeError(w, nderrors.New(nderrors.ErrInvalidInput, "selection contains destructive steps, set confirm_destructive to run them"))
		return
	}

	exec, err := s.deps.Engine.Submit(r.Context(), plan.DeviceID, commands)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	var req planner.SuggestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	suggestions, err := planner.Suggest(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestions)
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	family := device.ParseFamily(r.PathValue("device_type"))
	writeJSON(w, http.StatusOK, planner.Templates(family))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SessionsResponse{
		Sessions:  s.deps.Sessions.Sessions(),
		Terminals: s.deps.Bridge.Active(),
	})
}
