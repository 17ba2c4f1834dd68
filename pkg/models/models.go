package models

import (
	"regexp"
	"strings"
	"time"
)

// Event types emitted by the storefront tracking snippet.
const (
	EventImpression       = "impression"
	EventClick            = "click"
	EventCTAClick         = "cta_click"
	EventAddToRequest     = "add_to_request"
	EventRequestSubmitted = "request_submitted"
)

var eventTypes = map[string]struct{}{
	EventImpression:       {},
	EventClick:            {},
	EventCTAClick:         {},
	EventAddToRequest:     {},
	EventRequestSubmitted: {},
}

func IsValidEventType(eventType string) bool {
	_, ok := eventTypes[eventType]
	return ok
}

// Visitor/session identifiers and idempotency keys are caller-supplied
// opaque tokens; the pattern bounds them so they are safe as map keys.
var trackingTokenRe = regexp.MustCompile(`^[A-Za-z0-9._:\-]{8,120}$`)

func IsValidTrackingToken(token string) bool {
	return trackingTokenRe.MatchString(token)
}

// Attribution carries the UTM/referrer fields shared by events and requests.
type Attribution struct {
	UTMSource   string `json:"utm_source,omitempty"`
	UTMMedium   string `json:"utm_medium,omitempty"`
	UTMCampaign string `json:"utm_campaign,omitempty"`
	Referrer    string `json:"referrer,omitempty"`
}

// AnalyticsEvent is immutable once persisted.
type AnalyticsEvent struct {
	ID             string `json:"id"`
	EventType      string `json:"event_type"`
	ProductID      string `json:"product_id,omitempty"`
	CatalogID      string `json:"catalog_id,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
	Page           string `json:"page,omitempty"`
	Source         string `json:"source,omitempty"`
	SessionID      string `json:"session_id"`
	VisitorID      string `json:"visitor_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	WriteKeyID     string `json:"write_key_id,omitempty"`
	Attribution
	OccurredAt time.Time `json:"occurred_at"`
	ReceivedAt time.Time `json:"received_at"`
}

// ProductRequest is the purchase-intent aggregate root. Status values are
// canonical (see pkg/lifecycle); the storage encoding may differ.
type ProductRequest struct {
	ID              string     `json:"id"`
	IdempotencyKey  string     `json:"idempotency_key"`
	SessionID       string     `json:"session_id"`
	VisitorID       string     `json:"visitor_id,omitempty"`
	Status          string     `json:"status"`
	StatusReason    string     `json:"status_reason,omitempty"`
	StatusUpdatedBy string     `json:"status_updated_by,omitempty"`
	StatusUpdatedAt *time.Time `json:"status_updated_at,omitempty"`
	Page            string     `json:"page,omitempty"`
	Source          string     `json:"source,omitempty"`
	CustomerName    string     `json:"customer_name,omitempty"`
	CustomerEmail   string     `json:"customer_email,omitempty"`
	CustomerPhone   string     `json:"customer_phone,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	Attribution
	TotalAmountCents *int64               `json:"total_amount_cents"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
	ContactedAt      *time.Time           `json:"contacted_at,omitempty"`
	PaidAt           *time.Time           `json:"paid_at,omitempty"`
	DeliveredAt      *time.Time           `json:"delivered_at,omitempty"`
	ResolvedAt       *time.Time           `json:"resolved_at,omitempty"`
	Items            []ProductRequestItem `json:"items"`
	History          []StatusHistoryEntry `json:"history,omitempty"`
}

// ProductRequestItem snapshots the product name and unit price at
// submission time. UnitPriceCents is nil when the price was unknown or
// disagreed across merged line items.
type ProductRequestItem struct {
	ProductID      string `json:"product_id"`
	ProductName    string `json:"product_name"`
	Quantity       int    `json:"quantity"`
	VariantSize    string `json:"variant_size,omitempty"`
	VariantColor   string `json:"variant_color,omitempty"`
	UnitPriceCents *int64 `json:"unit_price_cents"`
}

// StatusHistoryEntry is one append-only lifecycle transition record.
type StatusHistoryEntry struct {
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
	Reason         string    `json:"reason,omitempty"`
	ChangedBy      string    `json:"changed_by"`
	ChangedAt      time.Time `json:"changed_at"`
}

// ProductRef is the catalog collaborator's denormalized view of a product,
// fetched at write time for name/price snapshots.
type ProductRef struct {
	ID         string
	Name       string
	PriceCents *int64
}

// TrackingIdentity keys rate-limit buckets. Visitor ID may be empty.
type TrackingIdentity struct {
	ClientIP  string
	VisitorID string
	SessionID string
}

// Key renders the composite rate-limit key component.
func (t TrackingIdentity) Key() string {
	visitor := t.VisitorID
	if strings.TrimSpace(visitor) == "" {
		visitor = "na"
	}
	return t.ClientIP + ":" + visitor + ":" + t.SessionID
}
