package main

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/zirconsol/drshaq-backend/pkg/auth"
	"github.com/zirconsol/drshaq-backend/pkg/httpx"
	"github.com/zirconsol/drshaq-backend/pkg/ingest"
)

// writeKeyHeader is how the storefront snippet authenticates.
const writeKeyHeader = "X-Events-Key"

func (s *Server) handleTrackEvent(w http.ResponseWriter, r *http.Request) {
	var in ingest.EventInput
	if !s.decodeBody(w, r, &in) {
		return
	}
	ev, created, err := s.Ingest.SubmitEvent(r.Context(), in, s.publicCaller(r, ingest.ScopeEvents))
	if err != nil {
		writeIngestError(w, err)
		return
	}
	httpx.WriteJSON(w, createdStatus(created), ev)
}

func (s *Server) handleTrackRequest(w http.ResponseWriter, r *http.Request) {
	var in ingest.RequestInput
	if !s.decodeBody(w, r, &in) {
		return
	}
	req, created, err := s.Ingest.SubmitRequest(r.Context(), in, s.publicCaller(r, ingest.ScopeRequests))
	if err != nil {
		writeIngestError(w, err)
		return
	}
	httpx.WriteJSON(w, createdStatus(created), req)
}

// handleAdminEvent lets operators backfill events. The write key and origin
// checks are skipped; the caller already authenticated with a bearer token.
func (s *Server) handleAdminEvent(w http.ResponseWriter, r *http.Request) {
	var in ingest.EventInput
	if !s.decodeBody(w, r, &in) {
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	call := ingest.Caller{
		PeerAddr:  r.RemoteAddr,
		Header:    r.Header,
		Scope:     ingest.ScopeAdminEvents,
		ActorID:   principal.Subject,
		ActorName: principal.Name,
	}
	ev, created, err := s.Ingest.SubmitEvent(r.Context(), in, call)
	if err != nil {
		writeIngestError(w, err)
		return
	}
	httpx.WriteJSON(w, createdStatus(created), ev)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := httpx.DecodeJSON(w, r, s.MaxBodyBytes, v); err != nil {
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			httpx.Error(w, http.StatusBadRequest, "invalid json")
		}
		return false
	}
	return true
}

func (s *Server) publicCaller(r *http.Request, scope string) ingest.Caller {
	return ingest.Caller{
		Public:   true,
		WriteKey: r.Header.Get(writeKeyHeader),
		Origin:   r.Header.Get("Origin"),
		PeerAddr: r.RemoteAddr,
		Header:   r.Header,
		Scope:    scope,
	}
}

func createdStatus(created bool) int {
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}

func writeIngestError(w http.ResponseWriter, err error) {
	var rateLimited *ingest.RateLimitedError
	var notFound *ingest.NotFoundError
	switch {
	case errors.As(err, &rateLimited):
		secs := int(rateLimited.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		httpx.Error(w, http.StatusTooManyRequests, "rate limited")
	case errors.As(err, &notFound):
		httpx.Error(w, http.StatusNotFound, notFound.Error())
	case errors.Is(err, ingest.ErrUnauthorized):
		httpx.Error(w, http.StatusUnauthorized, "invalid write key")
	case errors.Is(err, ingest.ErrForbidden):
		httpx.Error(w, http.StatusForbidden, "origin not allowed")
	case errors.Is(err, ingest.ErrInvalid):
		httpx.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, httpx.ErrBodyTooLarge):
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
	default:
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}
