package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "herald/pkg/logx"
)

// Store is the persistence API consumed by the scheduler, the directory
// service and the operator front-end.
//
// Drivers serialize their own conflicting writes; callers never add locking
// around Store calls.
type Store interface {
	// Campaign returns the tenant's record, or a fresh default (disabled,
	// 60 minute interval) for tenants never seen before.
	Campaign(ctx context.Context, tenantID int64) (Campaign, error)
	SetMessage(ctx context.Context, tenantID int64, text string) error
	SetInterval(ctx context.Context, tenantID int64, minutes int) error
	// ToggleDestination adds the destination to the campaign set if absent,
	// removes it otherwise, and reports whether it is now present.
	ToggleDestination(ctx context.Context, tenantID, destinationID int64) (added bool, err error)
	SetEnabled(ctx context.Context, tenantID int64, enabled bool) error
	// EnforceConstraints disables the campaign when its configured message,
	// destination set or interval is invalid, and returns the resulting
	// record. Calling it on an already disabled campaign changes nothing.
	EnforceConstraints(ctx context.Context, tenantID int64) (Campaign, error)
	// UpdateStats folds one delivery cycle into the campaign: successes are
	// added to the running total, the cycle timestamp is set, and the error
	// summary is replaced (or cleared when errs is empty).
	UpdateStats(ctx context.Context, tenantID int64, successes int, errs []string) error
	EnabledCampaigns(ctx context.Context) ([]int64, error)

	// Destination directory. An empty title on upsert keeps the stored one.
	UpsertDestination(ctx context.Context, id int64, title string) error
	// RemoveDestination drops the directory entry and strips the id from
	// every campaign's destination set.
	RemoveDestination(ctx context.Context, id int64) error
	// SetReachable replaces the reachable set: listed ids become reachable
	// (created if unknown), every other destination becomes unreachable.
	SetReachable(ctx context.Context, ids []int64) error
	Destinations(ctx context.Context) ([]Destination, error)
	ReachableDestinationIDs(ctx context.Context) ([]int64, error)

	// Authorization ledger.
	CreatePaymentRequest(ctx context.Context, r PaymentRequest) (requestID string, err error)
	ResolvePaymentRequest(ctx context.Context, requestID string, approved bool) error
	PaymentRequest(ctx context.Context, requestID string) (PaymentRequest, error)
	PendingPaymentRequests(ctx context.Context) ([]PaymentRequest, error)
	// AuthorizationValid reports whether the tenant has an approved ledger
	// entry resolved within the window.
	AuthorizationValid(ctx context.Context, tenantID int64, window time.Duration) (bool, error)
	SystemAuthorizationValid(ctx context.Context, window time.Duration) (bool, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	case "memory", "none":
		return NewMemory(cfg), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
