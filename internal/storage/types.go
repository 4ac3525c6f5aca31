package storage

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned for lookups of records that do not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrResolved is returned when resolving a payment request twice.
	ErrResolved = errors.New("storage: payment request already resolved")
)

// SystemTenant is the reserved ledger key under which deployment-wide
// approvals are recorded. Real tenants are platform user ids and never 0.
const SystemTenant int64 = 0

// DefaultIntervalMinutes seeds campaigns that were never configured.
const DefaultIntervalMinutes = 60

// Config configures storage.
//
// Driver values:
//   - "sqlite" (also the default for empty): SQLite database file
//   - "file": dependency-free JSON document with atomic rewrites
//   - "memory", "none": volatile in-process state (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// DefaultAllDestinations marks the deployment mode in which an empty
	// configured destination set is legal because it resolves to every
	// reachable destination at cycle time. EnforceConstraints skips the
	// empty-set check when this is on.
	DefaultAllDestinations bool
}

// Stats aggregates delivery outcomes over a campaign's lifetime.
type Stats struct {
	SentTotal int64     `json:"sent_total"`
	LastRunAt time.Time `json:"last_run_at"`
	LastError string    `json:"last_error"`
}

// Campaign is one tenant's recurring broadcast: what to send, how often,
// and where. Campaigns are never hard-deleted; turning one off is always
// expressed as Enabled=false.
type Campaign struct {
	TenantID        int64   `json:"tenant_id"`
	Message         string  `json:"message"`
	IntervalMinutes int     `json:"interval_minutes"`
	Destinations    []int64 `json:"destinations"`
	Enabled         bool    `json:"enabled"`
	Stats           Stats   `json:"stats"`
}

// ConfigValid reports whether the configured fields alone allow delivery.
// Reachability filtering happens later, at cycle time.
func (c Campaign) ConfigValid(allowEmptyDestinations bool) bool {
	if strings.TrimSpace(c.Message) == "" {
		return false
	}
	if !allowEmptyDestinations && len(c.Destinations) == 0 {
		return false
	}
	return c.IntervalMinutes > 0
}

// Destination is a directory entry for an addressable delivery target.
// Reachable tracks whether the currently active transport can deliver
// into it; the directory service refreshes it on a sweep schedule.
type Destination struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Reachable bool      `json:"reachable"`
	UpdatedAt time.Time `json:"updated_at"`
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentApproved PaymentStatus = "approved"
	PaymentDeclined PaymentStatus = "declined"
)

// PaymentRequest is one authorization ledger entry. A tenant is authorized
// while it has an approved entry resolved within the validity window.
type PaymentRequest struct {
	RequestID  string        `json:"request_id"`
	TenantID   int64         `json:"tenant_id"`
	Username   string        `json:"username"`
	FullName   string        `json:"full_name"`
	CardNumber string        `json:"card_number"`
	CardName   string        `json:"card_name"`
	Status     PaymentStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	ResolvedAt time.Time     `json:"resolved_at"`
}
