// Package ingest admits analytics events and purchase requests: write-key
// auth, origin allowlist, per-identity rate limiting, catalog reference
// validation, and idempotent persistence. Duplicate deliveries come back
// as the canonical first-writer row, never as an error.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zirconsol/drshaq-backend/pkg/audit"
	"github.com/zirconsol/drshaq-backend/pkg/clientip"
	"github.com/zirconsol/drshaq-backend/pkg/httpx"
	"github.com/zirconsol/drshaq-backend/pkg/lifecycle"
	"github.com/zirconsol/drshaq-backend/pkg/metrics"
	"github.com/zirconsol/drshaq-backend/pkg/models"
	"github.com/zirconsol/drshaq-backend/pkg/ratelimit"
	"github.com/zirconsol/drshaq-backend/pkg/store"
	"github.com/zirconsol/drshaq-backend/pkg/writekey"
)

// Rate-limit scopes, one per logical endpoint so ceilings don't
// cross-contaminate.
const (
	ScopeEvents      = "events"
	ScopeRequests    = "requests"
	ScopeAdminEvents = "admin-events"
)

type EventStore interface {
	Insert(ctx context.Context, ev *models.AnalyticsEvent) (*models.AnalyticsEvent, bool, error)
}

type RequestStore interface {
	Create(ctx context.Context, req *models.ProductRequest, ev *models.AnalyticsEvent) (*models.ProductRequest, bool, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.ProductRequest, error)
	Exists(ctx context.Context, id string) (bool, error)
}

type CatalogStore interface {
	ProductsByID(ctx context.Context, ids []string) (map[string]models.ProductRef, error)
	CatalogExists(ctx context.Context, id string) (bool, error)
}

// Broadcaster receives accepted writes for the live feed and the firehose.
// Implementations must not block; failures are the implementation's problem.
type Broadcaster interface {
	Publish(ctx context.Context, kind string, payload any)
}

type Gateway struct {
	Keys     *writekey.Registry
	Origins  httpx.OriginSet
	Resolver *clientip.Resolver
	Limiter  ratelimit.Limiter

	EventsLimit      int
	RequestsLimit    int
	AdminEventsLimit int

	Events   EventStore
	Requests RequestStore
	Catalog  CatalogStore

	Metrics  *metrics.Registry
	Audit    *audit.Recorder
	Announce Broadcaster

	now func() time.Time
}

func (g *Gateway) clock() time.Time {
	if g.now != nil {
		return g.now()
	}
	return time.Now().UTC()
}

// Caller carries the per-request transport context the checks consume.
type Caller struct {
	Public    bool
	WriteKey  string
	Origin    string
	PeerAddr  string
	Header    http.Header
	Scope     string
	ActorID   string
	ActorName string
}

type EventInput struct {
	EventType      string `json:"event_type"`
	ProductID      string `json:"product_id,omitempty"`
	CatalogID      string `json:"catalog_id,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
	Page           string `json:"page,omitempty"`
	Source         string `json:"source,omitempty"`
	SessionID      string `json:"session_id"`
	VisitorID      string `json:"visitor_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	models.Attribution
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}

type RequestItemInput struct {
	ProductID      string `json:"product_id"`
	ProductName    string `json:"product_name,omitempty"`
	Quantity       int    `json:"quantity"`
	VariantSize    string `json:"variant_size,omitempty"`
	VariantColor   string `json:"variant_color,omitempty"`
	UnitPriceCents *int64 `json:"unit_price_cents,omitempty"`
}

type RequestInput struct {
	IdempotencyKey string `json:"idempotency_key"`
	SessionID      string `json:"session_id"`
	VisitorID      string `json:"visitor_id,omitempty"`
	Page           string `json:"page,omitempty"`
	Source         string `json:"source,omitempty"`
	CustomerName   string `json:"customer_name,omitempty"`
	CustomerEmail  string `json:"customer_email,omitempty"`
	CustomerPhone  string `json:"customer_phone,omitempty"`
	Notes          string `json:"notes,omitempty"`
	models.Attribution
	Items []RequestItemInput `json:"items"`
}

// SubmitEvent runs the admission checks in order: write key, origin,
// identity + rate limit, reference validation, then idempotent insert.
// Returns the canonical event and whether this call created it.
func (g *Gateway) SubmitEvent(ctx context.Context, in EventInput, call Caller) (*models.AnalyticsEvent, bool, error) {
	keyID, err := g.admit(ctx, call, in.SessionID, in.VisitorID, g.eventLimit(call.Scope))
	if err != nil {
		return nil, false, err
	}
	if err := validateEventInput(in); err != nil {
		return nil, false, err
	}
	if err := g.checkEventReferences(ctx, in); err != nil {
		return nil, false, err
	}

	now := g.clock()
	ev := &models.AnalyticsEvent{
		EventType:      in.EventType,
		ProductID:      in.ProductID,
		CatalogID:      in.CatalogID,
		RequestID:      in.RequestID,
		Page:           in.Page,
		Source:         in.Source,
		SessionID:      in.SessionID,
		VisitorID:      in.VisitorID,
		IdempotencyKey: in.IdempotencyKey,
		WriteKeyID:     keyID,
		Attribution:    in.Attribution,
		ReceivedAt:     now,
	}
	if in.OccurredAt != nil {
		ev.OccurredAt = in.OccurredAt.UTC()
	} else {
		ev.OccurredAt = now
	}

	stored, created, err := g.Events.Insert(ctx, ev)
	if err != nil {
		return nil, false, err
	}
	if !created {
		g.count(call.Scope, metrics.OutcomeDuplicated)
		return stored, false, nil
	}
	g.count(call.Scope, metrics.OutcomeIngested)
	g.record(ctx, call, keyID, audit.Entry{
		EntityType: "analytics_event",
		EntityID:   stored.ID,
		Action:     "event_ingested",
		After:      audit.EventSnapshot(stored),
	})
	g.publish(ctx, "event_ingested", stored)
	return stored, true, nil
}

// SubmitRequest shares the admission prelude, then merges line items,
// resolves prices against the catalog, and persists the request with its
// correlated request_submitted event in one transaction.
func (g *Gateway) SubmitRequest(ctx context.Context, in RequestInput, call Caller) (*models.ProductRequest, bool, error) {
	keyID, err := g.admit(ctx, call, in.SessionID, in.VisitorID, g.RequestsLimit)
	if err != nil {
		return nil, false, err
	}
	if err := validateRequestInput(in); err != nil {
		return nil, false, err
	}

	if in.IdempotencyKey != "" {
		existing, err := g.Requests.GetByIdempotencyKey(ctx, in.IdempotencyKey)
		if err == nil {
			g.count(call.Scope, metrics.OutcomeDuplicated)
			return existing, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}

	items := mergeItems(in.Items)

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	refs, err := g.Catalog.ProductsByID(ctx, ids)
	if err != nil {
		return nil, false, err
	}
	missing := []string{}
	for _, id := range ids {
		if _, ok := refs[id]; !ok {
			missing = append(missing, "product:"+id)
		}
	}
	if len(missing) > 0 {
		return nil, false, &NotFoundError{Missing: missing}
	}

	total := computeTotal(items, refs)
	for i := range items {
		if items[i].ProductName == "" {
			items[i].ProductName = refs[items[i].ProductID].Name
		}
	}

	now := g.clock()
	req := &models.ProductRequest{
		IdempotencyKey:   in.IdempotencyKey,
		SessionID:        in.SessionID,
		VisitorID:        in.VisitorID,
		Status:           lifecycle.Submitted,
		Page:             in.Page,
		Source:           in.Source,
		CustomerName:     in.CustomerName,
		CustomerEmail:    in.CustomerEmail,
		CustomerPhone:    in.CustomerPhone,
		Notes:            in.Notes,
		Attribution:      in.Attribution,
		TotalAmountCents: total,
		CreatedAt:        now,
		Items:            items,
	}
	ev := &models.AnalyticsEvent{
		EventType:   models.EventRequestSubmitted,
		Page:        in.Page,
		Source:      in.Source,
		SessionID:   in.SessionID,
		VisitorID:   in.VisitorID,
		WriteKeyID:  keyID,
		Attribution: in.Attribution,
		OccurredAt:  now,
		ReceivedAt:  now,
	}
	if in.IdempotencyKey != "" {
		ev.IdempotencyKey = in.IdempotencyKey + ":submitted"
	}

	stored, created, err := g.Requests.Create(ctx, req, ev)
	if err != nil {
		return nil, false, err
	}
	if !created {
		g.count(call.Scope, metrics.OutcomeDuplicated)
		return stored, false, nil
	}
	g.count(call.Scope, metrics.OutcomeIngested)
	g.record(ctx, call, keyID, audit.Entry{
		EntityType: "product_request",
		EntityID:   stored.ID,
		Action:     "request_submitted",
		After:      audit.RequestSnapshot(stored),
	})
	g.publish(ctx, "request_submitted", stored)
	return stored, true, nil
}

// admit runs the shared prelude and returns the authenticating key id, if
// any. Counter buckets are incremented here for the rejection outcomes.
func (g *Gateway) admit(ctx context.Context, call Caller, sessionID, visitorID string, limit int) (string, error) {
	_ = ctx
	keyID := ""
	if call.Public {
		id, err := g.Keys.Resolve(call.WriteKey)
		if err != nil {
			g.count(call.Scope, metrics.OutcomeUnauthorized)
			return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		keyID = id
		if call.Origin != "" && !g.Origins.Allows(call.Origin) {
			g.count(call.Scope, metrics.OutcomeUnauthorized)
			return "", ErrForbidden
		}
	}

	ip := clientip.Unknown
	if g.Resolver != nil {
		ip = g.Resolver.Resolve(call.PeerAddr, call.Header)
	}
	identity := models.TrackingIdentity{ClientIP: ip, VisitorID: visitorID, SessionID: sessionID}
	decision := g.Limiter.Allow(call.Scope+":"+identity.Key(), limit)
	if !decision.Allowed {
		g.count(call.Scope, metrics.OutcomeRateLimited)
		return "", &RateLimitedError{RetryAfter: decision.RetryAfter(g.clock())}
	}
	return keyID, nil
}

func (g *Gateway) eventLimit(scope string) int {
	if scope != ScopeAdminEvents {
		return g.EventsLimit
	}
	if g.AdminEventsLimit > 0 {
		return g.AdminEventsLimit
	}
	// Operators batch-replay events; an unconfigured deployment still keeps
	// the public ceiling out of their way while bounding runaway scripts.
	return g.EventsLimit * 10
}

func (g *Gateway) checkEventReferences(ctx context.Context, in EventInput) error {
	missing := []string{}
	if in.ProductID != "" {
		refs, err := g.Catalog.ProductsByID(ctx, []string{in.ProductID})
		if err != nil {
			return err
		}
		if _, ok := refs[in.ProductID]; !ok {
			missing = append(missing, "product:"+in.ProductID)
		}
	}
	if in.CatalogID != "" {
		ok, err := g.Catalog.CatalogExists(ctx, in.CatalogID)
		if err != nil {
			return err
		}
		if !ok {
			missing = append(missing, "catalog:"+in.CatalogID)
		}
	}
	if in.RequestID != "" {
		ok, err := g.Requests.Exists(ctx, in.RequestID)
		if err != nil {
			return err
		}
		if !ok {
			missing = append(missing, "request:"+in.RequestID)
		}
	}
	if len(missing) > 0 {
		return &NotFoundError{Missing: missing}
	}
	return nil
}

func validateEventInput(in EventInput) error {
	if !models.IsValidEventType(in.EventType) {
		return fmt.Errorf("%w: unknown event_type %q", ErrInvalid, in.EventType)
	}
	return validateTokens(in.SessionID, in.VisitorID, in.IdempotencyKey)
}

func validateRequestInput(in RequestInput) error {
	if len(in.Items) == 0 {
		return fmt.Errorf("%w: items required", ErrInvalid)
	}
	for _, item := range in.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("%w: item product_id required", ErrInvalid)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item quantity must be positive", ErrInvalid)
		}
	}
	return validateTokens(in.SessionID, in.VisitorID, in.IdempotencyKey)
}

func validateTokens(sessionID, visitorID, idempotencyKey string) error {
	if !models.IsValidTrackingToken(sessionID) {
		return fmt.Errorf("%w: invalid session_id", ErrInvalid)
	}
	if visitorID != "" && !models.IsValidTrackingToken(visitorID) {
		return fmt.Errorf("%w: invalid visitor_id", ErrInvalid)
	}
	if idempotencyKey != "" && !models.IsValidTrackingToken(idempotencyKey) {
		return fmt.Errorf("%w: invalid idempotency_key", ErrInvalid)
	}
	return nil
}

// mergeItems collapses duplicate product ids: quantities sum, while variant
// attributes and unit price survive only when every merged row agrees.
func mergeItems(items []RequestItemInput) []models.ProductRequestItem {
	order := []string{}
	merged := map[string]*models.ProductRequestItem{}
	for _, in := range items {
		existing, ok := merged[in.ProductID]
		if !ok {
			item := &models.ProductRequestItem{
				ProductID:      in.ProductID,
				ProductName:    in.ProductName,
				Quantity:       in.Quantity,
				VariantSize:    in.VariantSize,
				VariantColor:   in.VariantColor,
				UnitPriceCents: in.UnitPriceCents,
			}
			merged[in.ProductID] = item
			order = append(order, in.ProductID)
			continue
		}
		existing.Quantity += in.Quantity
		if existing.VariantSize != in.VariantSize {
			existing.VariantSize = ""
		}
		if existing.VariantColor != in.VariantColor {
			existing.VariantColor = ""
		}
		if !priceEqual(existing.UnitPriceCents, in.UnitPriceCents) {
			existing.UnitPriceCents = nil
		}
	}
	out := make([]models.ProductRequestItem, 0, len(order))
	for _, id := range order {
		out = append(out, *merged[id])
	}
	return out
}

func priceEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// computeTotal resolves each item's price (caller value first, catalog
// fallback) and sums. Any unresolvable price makes the whole total null
// rather than partially wrong.
func computeTotal(items []models.ProductRequestItem, refs map[string]models.ProductRef) *int64 {
	var total int64
	for _, item := range items {
		price := item.UnitPriceCents
		if price == nil {
			price = refs[item.ProductID].PriceCents
		}
		if price == nil {
			return nil
		}
		total += *price * int64(item.Quantity)
	}
	return &total
}

func (g *Gateway) count(scope, outcome string) {
	if g.Metrics != nil {
		g.Metrics.IncIngestion(scope, outcome)
	}
}

func (g *Gateway) record(ctx context.Context, call Caller, keyID string, entry audit.Entry) {
	if g.Audit == nil {
		return
	}
	entry.ActorID = call.ActorID
	entry.ActorName = call.ActorName
	if entry.ActorID == "" {
		if keyID != "" {
			entry.ActorID = "writekey:" + keyID
		} else {
			entry.ActorID = "public"
		}
	}
	entry.CreatedAt = g.clock()
	// The write already committed; a failed audit append must not unwind it.
	_ = g.Audit.Append(ctx, entry)
}

func (g *Gateway) publish(ctx context.Context, kind string, payload any) {
	if g.Announce != nil {
		g.Announce.Publish(ctx, kind, payload)
	}
}
