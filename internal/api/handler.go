// Package api exposes the governance core over HTTP. Every error
// response carries exactly one error kind from the closed taxonomy
// plus a human-readable message; there are no ambiguous statuses.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/skillgate/skillgate/internal/audit"
	"github.com/skillgate/skillgate/internal/capability"
	"github.com/skillgate/skillgate/internal/connector"
	"github.com/skillgate/skillgate/internal/fault"
	"github.com/skillgate/skillgate/internal/governance"
	"github.com/skillgate/skillgate/internal/sandbox"
	"github.com/skillgate/skillgate/internal/skill"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	pipeline   *governance.Pipeline
	registry   *skill.Registry
	connectors *connector.Set
	trail      *audit.Trail
	logger     *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(pipeline *governance.Pipeline, registry *skill.Registry, connectors *connector.Set, trail *audit.Trail, logger *zap.Logger) *Handler {
	return &Handler{
		pipeline:   pipeline,
		registry:   registry,
		connectors: connectors,
		trail:      trail,
		logger:     logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/proposals", h.submitProposal)
		r.Get("/proposals", h.listProposals)
		r.Get("/proposals/{id}", h.getProposal)
		r.Post("/proposals/{id}/validate", h.validateProposal)
		r.Post("/proposals/{id}/approve", h.approveProposal)
		r.Post("/proposals/{id}/reject", h.rejectProposal)

		r.Get("/skills", h.listSkills)
		r.Post("/skills/{name}/invoke", h.invokeSkill)
		r.Post("/skills/{name}/retire", h.retireSkill)

		r.Get("/connectors", h.listConnectors)
		r.Post("/connectors/{id}/call", h.callConnector)
		r.Get("/costs", h.costs)

		r.Get("/audit", h.recentAudit)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) submitProposal(w http.ResponseWriter, r *http.Request) {
	var req governance.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.New(fault.InvalidState, "decode request: %v", err))
		return
	}
	prop, err := h.pipeline.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"ok":     true,
		"id":     prop.ID,
		"status": prop.Status,
	})
}

func (h *Handler) listProposals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pipeline.List())
}

func (h *Handler) getProposal(w http.ResponseWriter, r *http.Request) {
	prop, err := h.pipeline.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prop)
}

func (h *Handler) validateProposal(w http.ResponseWriter, r *http.Request) {
	prop, err := h.pipeline.Validate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{
		"ok":     prop.Status != skill.StatusValidationFailed,
		"status": prop.Status,
	}
	if prop.Diagnostic != nil {
		resp["error_kind"] = fault.ValidationFailed
		resp["diagnostic"] = prop.Diagnostic
	}
	writeJSON(w, http.StatusOK, resp)
}

type approveRequest struct {
	PIN   string `json:"pin"`
	Actor string `json:"actor,omitempty"`
}

func (h *Handler) approveProposal(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.New(fault.InvalidState, "decode request: %v", err))
		return
	}
	if req.Actor == "" {
		req.Actor = "api"
	}
	version, err := h.pipeline.Approve(r.Context(), chi.URLParam(r, "id"), req.PIN, req.Actor)
	if err != nil {
		if fault.IsKind(err, fault.ApprovalDenied) {
			writeJSON(w, http.StatusForbidden, map[string]interface{}{
				"ok":         false,
				"approved":   false,
				"error_kind": fault.ApprovalDenied,
				"message":    err.Error(),
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"approved": true,
		"version":  version,
	})
}

type rejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) rejectProposal(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	json.NewDecoder(r.Body).Decode(&req)
	prop, err := h.pipeline.Reject(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "status": prop.Status})
}

func (h *Handler) listSkills(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.List())
}

type invokeRequest struct {
	Version      int           `json:"version,omitempty"`
	Input        string        `json:"input"`
	Capabilities []string      `json:"caller_capabilities,omitempty"`
	Budget       *invokeBudget `json:"budget,omitempty"`
}

type invokeBudget struct {
	TimeoutSeconds int   `json:"timeout_seconds,omitempty"`
	MemoryBytes    int64 `json:"memory_bytes,omitempty"`
	CPUSeconds     int   `json:"cpu_seconds,omitempty"`
}

func (h *Handler) invokeSkill(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.New(fault.InvalidState, "decode request: %v", err))
		return
	}

	granted := make([]capability.Capability, 0, len(req.Capabilities))
	for _, s := range req.Capabilities {
		c, err := capability.Parse(s)
		if err != nil {
			writeError(w, err)
			return
		}
		granted = append(granted, c)
	}

	var budget sandbox.Budget
	if req.Budget != nil {
		budget = sandbox.Budget{
			Timeout:     time.Duration(req.Budget.TimeoutSeconds) * time.Second,
			MemoryBytes: req.Budget.MemoryBytes,
			CPUSeconds:  req.Budget.CPUSeconds,
		}
	}

	res, rec, err := h.registry.Invoke(r.Context(), name, req.Version, []byte(req.Input), granted, budget)
	if err != nil {
		writeError(w, err)
		return
	}

	h.trail.Record(r.Context(), audit.Event{
		Action: "skill.invoked", Skill: rec.Name, Version: rec.Version,
		Detail: string(res.Kind),
	})

	if !res.OK {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":         false,
			"error_kind": res.Kind,
			"stderr":     res.Stderr,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"output":  res.Output,
		"version": rec.Version,
	})
}

type retireRequest struct {
	Version int `json:"version"`
}

func (h *Handler) retireSkill(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req retireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.New(fault.InvalidState, "decode request: %v", err))
		return
	}
	if err := h.registry.Retire(r.Context(), name, req.Version); err != nil {
		writeError(w, err)
		return
	}
	h.trail.Record(r.Context(), audit.Event{Action: "skill.retired", Skill: name, Version: req.Version})
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (h *Handler) listConnectors(w http.ResponseWriter, r *http.Request) {
	type connectorInfo struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	var out []connectorInfo
	for _, c := range h.connectors.List() {
		out = append(out, connectorInfo{ID: c.ID(), Name: c.Name()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) callConnector(w http.ResponseWriter, r *http.Request) {
	c, err := h.connectors.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req connector.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.New(fault.InvalidState, "decode request: %v", err))
		return
	}
	res, err := c.Call(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "result": res})
}

func (h *Handler) costs(w http.ResponseWriter, r *http.Request) {
	m := h.connectors.Meter()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_micros":     m.Total(),
		"limit_micros":     m.Limit(),
		"remaining_micros": m.Remaining(),
	})
}

func (h *Handler) recentAudit(w http.ResponseWriter, r *http.Request) {
	n := int64(50)
	if s := r.URL.Query().Get("n"); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil && v > 0 {
			n = v
		}
	}
	events, err := h.trail.Recent(r.Context(), n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// statusFor maps error kinds to HTTP statuses.
func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.NotFound:
		return http.StatusNotFound
	case fault.UnknownCapability:
		return http.StatusBadRequest
	case fault.CapabilityViolation, fault.ApprovalDenied:
		return http.StatusForbidden
	case fault.InvalidState, fault.DuplicateVersion:
		return http.StatusConflict
	case fault.CostLimitExceeded:
		return http.StatusTooManyRequests
	case fault.ConnectorTimeout:
		return http.StatusGatewayTimeout
	case fault.Timeout, fault.ResourceExceeded, fault.ExecutionFailed, fault.ValidationFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	body := map[string]interface{}{
		"ok":         false,
		"error_kind": kind,
		"message":    err.Error(),
	}
	if detail := fault.DetailOf(err); detail != nil {
		body["detail"] = detail
	}
	writeJSON(w, statusFor(kind), body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
