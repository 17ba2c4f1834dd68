package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/zirconsol/drshaq-backend/pkg/audit"
	"github.com/zirconsol/drshaq-backend/pkg/auth"
	"github.com/zirconsol/drshaq-backend/pkg/httpx"
	"github.com/zirconsol/drshaq-backend/pkg/lifecycle"
	"github.com/zirconsol/drshaq-backend/pkg/models"
	"github.com/zirconsol/drshaq-backend/pkg/store"
	"github.com/zirconsol/drshaq-backend/pkg/stream"

	"github.com/go-chi/chi/v5"
)

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RequestFilter{
		Status:    q.Get("status"),
		SessionID: q.Get("session_id"),
		ProductID: q.Get("product_id"),
	}
	if filter.Status != "" && !lifecycle.IsValid(filter.Status) {
		httpx.Error(w, 400, "unknown status")
		return
	}
	if raw := q.Get("created_after"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Error(w, 400, "created_after must be RFC3339")
			return
		}
		filter.CreatedAfter = t
	}
	if raw := q.Get("created_before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Error(w, 400, "created_before must be RFC3339")
			return
		}
		filter.CreatedBefore = t
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Limit = n
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			filter.Offset = n
		}
	}

	out, err := s.Requests.List(r.Context(), filter)
	if err != nil {
		httpx.Error(w, 500, "list failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"requests": out, "count": len(out)})
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Requests.GetByID(r.Context(), chi.URLParam(r, "request_id"))
	if errors.Is(err, store.ErrNotFound) {
		httpx.Error(w, 404, "request not found")
		return
	}
	if err != nil {
		httpx.Error(w, 500, "lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, req)
}

type statusPatch struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// patchRequestStatus runs a lifecycle transition end to end: validate the
// edge, apply the timestamp side effects, persist with the previous status
// pinned, then fan out audit, metrics, and stream notifications.
func (s *Server) patchRequestStatus(w http.ResponseWriter, r *http.Request) {
	var in statusPatch
	if !s.decodeBody(w, r, &in) {
		return
	}

	req, err := s.Requests.GetByID(r.Context(), chi.URLParam(r, "request_id"))
	if errors.Is(err, store.ErrNotFound) {
		httpx.Error(w, 404, "request not found")
		return
	}
	if err != nil {
		httpx.Error(w, 500, "lookup failed")
		return
	}

	principal, _ := auth.PrincipalFromContext(r.Context())
	actor := principal.Subject
	if actor == "" {
		actor = "operator"
	}

	change, err := s.Machine.Transition(req.Status, in.Status, in.Reason, actor, s.clock())
	if err != nil {
		var te *lifecycle.TransitionError
		switch {
		case errors.As(err, &te):
			httpx.Error(w, 409, te.Error())
		case errors.Is(err, lifecycle.ErrReasonRequired):
			httpx.Error(w, 400, "reason required")
		default:
			httpx.Error(w, 400, err.Error())
		}
		return
	}
	before := audit.RequestSnapshot(req)
	previous := req.Status
	lifecycle.Apply(req, change)
	// A same-status retry still flushes the refreshed reason and actor
	// stamps; only a real edge records a history row.
	var hist *models.StatusHistoryEntry
	if !change.NoOp {
		hist = &req.History[len(req.History)-1]
	}

	if err := s.Requests.UpdateStatus(r.Context(), req, previous, hist); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			httpx.Error(w, 404, "request not found")
		case errors.Is(err, store.ErrConflict):
			httpx.Error(w, 409, "request status changed concurrently")
		default:
			httpx.Error(w, 500, "update failed")
		}
		return
	}

	if !change.NoOp {
		s.Metrics.IncTransition(change.To)
	}
	// Persisted already; audit and fan-out failures must not unwind it.
	_ = s.Audit.Append(r.Context(), audit.Entry{
		ActorID:    actor,
		ActorName:  principal.Name,
		EntityType: "product_request",
		EntityID:   req.ID,
		Action:     "status_changed",
		Before:     before,
		After:      audit.RequestSnapshot(req),
		CreatedAt:  change.At,
	})
	if s.Announce != nil && !change.NoOp {
		s.Announce.Publish(r.Context(), stream.KindStatusChanged, req)
	}
	httpx.WriteJSON(w, 200, req)
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	entries, err := s.Audit.List(r.Context(), q.Get("entity_type"), q.Get("entity_id"), limit)
	if err != nil {
		httpx.Error(w, 500, "audit lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"entries": entries, "count": len(entries)})
}
