package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zirconsol/drshaq-backend/pkg/lifecycle"
	"github.com/zirconsol/drshaq-backend/pkg/models"
	"github.com/zirconsol/drshaq-backend/pkg/store"
	"github.com/zirconsol/drshaq-backend/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func seedRequest(env *testEnv, id, status string) {
	env.requests.byID[id] = &models.ProductRequest{
		ID:        id,
		SessionID: "sess-12345678",
		Status:    status,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
}

func patchStatus(t *testing.T, env *testEnv, id string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	token := editorToken(t)
	return doJSON(t, env.handler, http.MethodPatch, "/requests/"+id+"/status", body, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	})
}

func TestPatchStatusSubmittedToPaid(t *testing.T) {
	env := newTestEnv(t)
	seedRequest(env, "req-a", lifecycle.Submitted)

	rr := patchStatus(t, env, "req-a", map[string]any{"status": "paid"})
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var out models.ProductRequest
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != lifecycle.Paid {
		t.Fatalf("response must use the canonical status, got %q", out.Status)
	}
	if out.PaidAt == nil || out.ContactedAt == nil {
		t.Fatal("paid transition must stamp paid_at and contacted_at")
	}
	if len(out.History) != 1 || out.History[0].NewStatus != lifecycle.Paid {
		t.Fatalf("expected one history row for the transition, got %+v", out.History)
	}
	if out.StatusUpdatedBy != "op-1" {
		t.Fatalf("expected actor from the bearer token, got %q", out.StatusUpdatedBy)
	}

	stored := env.requests.byID["req-a"]
	if stored.Status != lifecycle.Paid {
		t.Fatalf("store must hold the updated request, got %q", stored.Status)
	}

	if got := env.server.Metrics.Snapshot().RequestTransitions[lifecycle.Paid]; got != 1 {
		t.Fatalf("expected transition counter 1, got %d", got)
	}
	entries, _ := env.audits.List(context.Background(), "product_request", "req-a", 0)
	if len(entries) != 1 || entries[0].Action != "status_changed" {
		t.Fatalf("expected one status_changed audit entry, got %+v", entries)
	}
	if entries[0].Before["status"] != lifecycle.Submitted || entries[0].After["status"] != lifecycle.Paid {
		t.Fatalf("audit snapshots must carry before/after statuses: %+v", entries[0])
	}
	if entries[0].After["session_id"] != "sess-12345678" || entries[0].After["paid_at"] == nil {
		t.Fatalf("audit snapshots must carry the full row, got %+v", entries[0].After)
	}
}

func TestPatchStatusIllegalEdge(t *testing.T) {
	env := newTestEnv(t)
	seedRequest(env, "req-a", lifecycle.Submitted)

	rr := patchStatus(t, env, "req-a", map[string]any{"status": "fulfilled"})
	if rr.Code != 409 {
		t.Fatalf("submitted -> fulfilled must 409, got %d", rr.Code)
	}
}

func TestPatchStatusDeclineRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	seedRequest(env, "req-a", lifecycle.Paid)

	rr := patchStatus(t, env, "req-a", map[string]any{"status": "declined_customer"})
	if rr.Code != 400 {
		t.Fatalf("decline without reason must 400, got %d", rr.Code)
	}

	rr = patchStatus(t, env, "req-a", map[string]any{"status": "declined_customer", "reason": "no response"})
	if rr.Code != 200 {
		t.Fatalf("decline with reason must land, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestPatchStatusUnknownTarget(t *testing.T) {
	env := newTestEnv(t)
	seedRequest(env, "req-a", lifecycle.Submitted)

	rr := patchStatus(t, env, "req-a", map[string]any{"status": "shipped"})
	if rr.Code != 400 {
		t.Fatalf("unknown status must 400, got %d", rr.Code)
	}
}

func TestPatchStatusNoOp(t *testing.T) {
	env := newTestEnv(t)
	seedRequest(env, "req-a", lifecycle.Submitted)

	rr := patchStatus(t, env, "req-a", map[string]any{"status": "submitted"})
	if rr.Code != 200 {
		t.Fatalf("same-status retry must 200, got %d", rr.Code)
	}
	var out models.ProductRequest
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.History) != 0 {
		t.Fatalf("no-op must not append history, got %+v", out.History)
	}
	if got := env.server.Metrics.Snapshot().RequestTransitions[lifecycle.Submitted]; got != 0 {
		t.Fatalf("no-op must not count a transition, got %d", got)
	}
	stored := env.requests.byID["req-a"]
	if stored.StatusUpdatedBy != "op-1" || stored.StatusUpdatedAt == nil {
		t.Fatalf("same-status retry must flush the actor stamps, got %q at %v",
			stored.StatusUpdatedBy, stored.StatusUpdatedAt)
	}
}

func TestPatchStatusNoOpPersistsReason(t *testing.T) {
	env := newTestEnv(t)
	seedRequest(env, "req-a", lifecycle.Paid)

	rr := patchStatus(t, env, "req-a", map[string]any{"status": "paid", "reason": "customer re-confirmed"})
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	stored := env.requests.byID["req-a"]
	if stored.StatusReason != "customer re-confirmed" {
		t.Fatalf("same-status update must persist the reason, got %q", stored.StatusReason)
	}
	if stored.StatusUpdatedAt == nil {
		t.Fatal("same-status update must stamp status_updated_at")
	}
	if len(stored.History) != 0 {
		t.Fatalf("same-status update must not append history, got %+v", stored.History)
	}
	entries, _ := env.audits.List(context.Background(), "product_request", "req-a", 0)
	if len(entries) != 1 || entries[0].After["status_reason"] != "customer re-confirmed" {
		t.Fatalf("same-status update must be audited with the new reason, got %+v", entries)
	}
}

func TestPatchStatusReopen(t *testing.T) {
	env := newTestEnv(t)
	seedRequest(env, "req-a", lifecycle.Paid)

	rr := patchStatus(t, env, "req-a", map[string]any{"status": "submitted"})
	if rr.Code != 400 {
		t.Fatalf("reopen without reason must 400, got %d", rr.Code)
	}

	rr = patchStatus(t, env, "req-a", map[string]any{"status": "submitted", "reason": "payment reversed"})
	if rr.Code != 200 {
		t.Fatalf("reopen with reason must land, got %d: %s", rr.Code, rr.Body.String())
	}
	var out models.ProductRequest
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.PaidAt != nil || out.ContactedAt != nil {
		t.Fatal("reopen must clear the progress timestamps")
	}
}

func TestPatchStatusTerminalReopenGated(t *testing.T) {
	env := newTestEnv(t)
	seedRequest(env, "req-a", lifecycle.Fulfilled)

	rr := patchStatus(t, env, "req-a", map[string]any{"status": "submitted", "reason": "shipment lost"})
	if rr.Code != 409 {
		t.Fatalf("terminal reopen must 409 while gated, got %d", rr.Code)
	}

	env.server.Machine.ReopenTerminal = true
	rr = patchStatus(t, env, "req-a", map[string]any{"status": "submitted", "reason": "shipment lost"})
	if rr.Code != 200 {
		t.Fatalf("terminal reopen must land once allowed, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestPatchStatusConflict(t *testing.T) {
	env := newTestEnv(t)
	seedRequest(env, "req-a", lifecycle.Submitted)
	env.requests.updateErr = store.ErrConflict

	rr := patchStatus(t, env, "req-a", map[string]any{"status": "paid"})
	if rr.Code != 409 {
		t.Fatalf("concurrent update must 409, got %d", rr.Code)
	}
}

func TestPatchStatusNotFound(t *testing.T) {
	env := newTestEnv(t)
	rr := patchStatus(t, env, "req-missing", map[string]any{"status": "paid"})
	if rr.Code != 404 {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestStreamEventsLive(t *testing.T) {
	t.Run("unavailable", func(t *testing.T) {
		s := &Server{}
		rr := httptest.NewRecorder()
		s.streamEvents(rr, httptest.NewRequest(http.MethodGet, "/v1/stream", nil))
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503 when stream hub missing, got %d", rr.Code)
		}
	})

	t.Run("ready_and_status_change_delivery", func(t *testing.T) {
		env := newTestEnv(t)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			env.server.streamEvents(w, r)
		}))
		defer srv.Close()

		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		conn, _, err := websocket.Dial(ctx, wsURL, nil)
		if err != nil {
			t.Fatalf("dial websocket: %v", err)
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		var ready stream.Event
		if err := wsjson.Read(ctx, conn, &ready); err != nil {
			t.Fatalf("read ready event: %v", err)
		}
		if ready.Kind != "ready" {
			t.Fatalf("expected ready event, got %#v", ready)
		}

		env.server.Announce.Publish(ctx, stream.KindStatusChanged, map[string]string{"id": "req-a"})
		var evt stream.Event
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			t.Fatalf("read status change event: %v", err)
		}
		if evt.Kind != stream.KindStatusChanged {
			t.Fatalf("expected status change event, got %#v", evt)
		}
	})
}
