package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/switchboard/internal/buffer"
	"github.com/tjfontaine/switchboard/internal/core/domain"
	"github.com/tjfontaine/switchboard/internal/ingress"
	"github.com/tjfontaine/switchboard/internal/registry"
)

// Acceptor admits inbound events and operator replays.
type Acceptor interface {
	Accept(ctx context.Context, ev *domain.InboundEvent) (*ingress.AcceptResult, error)
	Replay(ctx context.Context, requestID string) (*ingress.AcceptResult, error)
}

// Requests reads the durable request lifecycle.
type Requests interface {
	GetRequest(ctx context.Context, requestID string) (*domain.IngressRecord, error)
	ListLifecycleEvents(ctx context.Context, requestID string) ([]*domain.LifecycleEvent, error)
	CountByState(ctx context.Context) (map[domain.LifecycleState]int64, error)
}

// Targets is the operator surface of the target registry.
type Targets interface {
	List() []*domain.TargetEligibility
	Register(ctx context.Context, in registry.RegisterInput, reason string) (*domain.TargetEligibility, error)
	Quarantine(ctx context.Context, name, note string) (*domain.TargetEligibility, error)
	Restore(ctx context.Context, name string) (*domain.TargetEligibility, error)
	Deregister(ctx context.Context, name string) error
}

// Heartbeats queues heartbeats for asynchronous ingestion.
type Heartbeats interface {
	Submit(hb registry.HeartbeatInput) bool
}

// BufferStats reports queue depths.
type BufferStats interface {
	Stats() buffer.Stats
}

// Breakers reports per-target circuit state.
type Breakers interface {
	BreakerStates() map[string]domain.CircuitState
}

// API holds the HTTP handlers for ingress, heartbeats and the admin surface.
type API struct {
	Acceptor     Acceptor
	Requests     Requests
	Targets      Targets
	Heartbeats   Heartbeats
	Buffer       BufferStats
	Breakers     Breakers
	IngressRate  float64
	IngressBurst int
}

// Routes mounts the API on r.
func (a *API) Routes(r chi.Router) {
	r.With(AdmissionMiddleware(a.IngressRate, a.IngressBurst)).Post("/v1/ingress", a.handleIngress)
	r.Get("/v1/requests/{request_id}", a.handleGetRequest)
	r.Post("/v1/heartbeat", a.handleHeartbeat)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/targets", a.handleListTargets)
		r.Post("/targets", a.handleRegisterTarget)
		r.Post("/targets/{name}/quarantine", a.handleQuarantine)
		r.Post("/targets/{name}/restore", a.handleRestore)
		r.Delete("/targets/{name}", a.handleDeregister)
		r.Post("/requests/{request_id}/replay", a.handleReplay)
		r.Get("/stats", a.handleStats)
	})
}

func (a *API) handleIngress(w http.ResponseWriter, r *http.Request) {
	var ev domain.InboundEvent
	if err := decode(w, r, &ev); err != nil {
		writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "channel", string(ev.Channel))

	res, err := a.Acceptor.Accept(r.Context(), &ev)
	if err != nil {
		writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "request_id", res.Context.RequestID)
	AddLogField(r.Context(), "outcome", string(res.Outcome))

	status := http.StatusAccepted
	if res.Outcome == ingress.OutcomeDeduped {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

type requestView struct {
	Request *domain.IngressRecord    `json:"request"`
	Events  []*domain.LifecycleEvent `json:"events"`
}

func (a *API) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "request_id")
	rec, err := a.Requests.GetRequest(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	events, err := a.Requests.ListLifecycleEvents(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requestView{Request: rec, Events: events})
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb registry.HeartbeatInput
	if err := decode(w, r, &hb); err != nil {
		writeError(w, r, err)
		return
	}
	if hb.Target == "" {
		writeError(w, r, domain.ErrValidation("target is required"))
		return
	}
	AddLogField(r.Context(), "target", hb.Target)
	if !a.Heartbeats.Submit(hb) {
		writeError(w, r, domain.ErrOverloaded("heartbeat queue is full"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ack": true})
}

func (a *API) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets := a.Targets.List()
	if targets == nil {
		targets = []*domain.TargetEligibility{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": targets})
}

func (a *API) handleRegisterTarget(w http.ResponseWriter, r *http.Request) {
	var in registry.RegisterInput
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := a.Targets.Register(r.Context(), in, domain.ReasonReregistered)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type quarantineRequest struct {
	Note string `json:"note,omitempty"`
}

func (a *API) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	var body quarantineRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &body); err != nil {
			writeError(w, r, err)
			return
		}
	}
	t, err := a.Targets.Quarantine(r.Context(), chi.URLParam(r, "name"), body.Note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) handleRestore(w http.ResponseWriter, r *http.Request) {
	t, err := a.Targets.Restore(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if err := a.Targets.Deregister(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleReplay(w http.ResponseWriter, r *http.Request) {
	res, err := a.Acceptor.Replay(r.Context(), chi.URLParam(r, "request_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "request_id", res.Context.RequestID)
	writeJSON(w, http.StatusAccepted, res)
}

type statsResponse struct {
	Buffer   buffer.Stats                    `json:"buffer"`
	Breakers map[string]domain.CircuitState  `json:"breakers"`
	Requests map[domain.LifecycleState]int64 `json:"requests"`
	Targets  map[domain.TargetState]int      `json:"targets"`
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := a.Requests.CountByState(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	targets := make(map[domain.TargetState]int)
	for _, t := range a.Targets.List() {
		targets[t.State]++
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Buffer:   a.Buffer.Stats(),
		Breakers: a.Breakers.BreakerStates(),
		Requests: counts,
		Targets:  targets,
	})
}
