package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "herald/pkg/logx"
)

// docStore is a dependency-free persistence backend: the whole state lives
// in one JSON document that is rewritten atomically (tmp + rename) after
// every mutation. With an empty path it degrades to a volatile in-memory
// store, which is what the "memory" driver returns.
type docStore struct {
	mu   sync.Mutex
	path string // empty: volatile
	doc  document

	allowEmptyDestinations bool
}

type document struct {
	Campaigns    map[string]*Campaign       `json:"campaigns"`
	Destinations map[string]*Destination    `json:"destinations"`
	Payments     map[string]*PaymentRequest `json:"payments"`
}

func newDocument() document {
	return document{
		Campaigns:    map[string]*Campaign{},
		Destinations: map[string]*Destination{},
		Payments:     map[string]*PaymentRequest{},
	}
}

// NewMemory returns a volatile store. Tests and dry runs use it; production
// deployments pick sqlite or file.
func NewMemory(cfg Config) Store {
	return &docStore{
		doc:                    newDocument(),
		allowEmptyDestinations: cfg.DefaultAllDestinations,
	}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &docStore{
		path:                   path,
		doc:                    newDocument(),
		allowEmptyDestinations: cfg.DefaultAllDestinations,
	}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if len(strings.TrimSpace(string(raw))) == 0 {
			break
		}
		if err := json.Unmarshal(raw, &s.doc); err != nil {
			return nil, err
		}
		if s.doc.Campaigns == nil {
			s.doc.Campaigns = map[string]*Campaign{}
		}
		if s.doc.Destinations == nil {
			s.doc.Destinations = map[string]*Destination{}
		}
		if s.doc.Payments == nil {
			s.doc.Payments = map[string]*PaymentRequest{}
		}
	}
	log.Debug("storage file opened",
		logx.String("path", path),
		logx.Int("campaigns", len(s.doc.Campaigns)),
		logx.Int("destinations", len(s.doc.Destinations)))
	return s, nil
}

func (s *docStore) Close() error { return nil }

func (s *docStore) persistLocked() error {
	if s.path == "" {
		return nil
	}
	b, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func idKey(id int64) string { return strconv.FormatInt(id, 10) }

func defaultCampaign(tenantID int64) *Campaign {
	return &Campaign{TenantID: tenantID, IntervalMinutes: DefaultIntervalMinutes}
}

func (s *docStore) campaignLocked(tenantID int64) *Campaign {
	c := s.doc.Campaigns[idKey(tenantID)]
	if c == nil {
		c = defaultCampaign(tenantID)
		s.doc.Campaigns[idKey(tenantID)] = c
	}
	return c
}

func cloneCampaign(c *Campaign) Campaign {
	cp := *c
	cp.Destinations = append([]int64(nil), c.Destinations...)
	return cp
}

// ---- campaigns ----

func (s *docStore) Campaign(ctx context.Context, tenantID int64) (Campaign, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.doc.Campaigns[idKey(tenantID)]; c != nil {
		return cloneCampaign(c), nil
	}
	return *defaultCampaign(tenantID), nil
}

func (s *docStore) SetMessage(ctx context.Context, tenantID int64, text string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaignLocked(tenantID).Message = text
	return s.persistLocked()
}

func (s *docStore) SetInterval(ctx context.Context, tenantID int64, minutes int) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaignLocked(tenantID).IntervalMinutes = minutes
	return s.persistLocked()
}

func (s *docStore) ToggleDestination(ctx context.Context, tenantID, destinationID int64) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.campaignLocked(tenantID)
	for i, id := range c.Destinations {
		if id == destinationID {
			c.Destinations = append(c.Destinations[:i], c.Destinations[i+1:]...)
			return false, s.persistLocked()
		}
	}
	c.Destinations = append(c.Destinations, destinationID)
	return true, s.persistLocked()
}

func (s *docStore) SetEnabled(ctx context.Context, tenantID int64, enabled bool) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaignLocked(tenantID).Enabled = enabled
	return s.persistLocked()
}

func (s *docStore) EnforceConstraints(ctx context.Context, tenantID int64) (Campaign, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.doc.Campaigns[idKey(tenantID)]
	if c == nil {
		return *defaultCampaign(tenantID), nil
	}
	if c.Enabled && !c.ConfigValid(s.allowEmptyDestinations) {
		c.Enabled = false
		if err := s.persistLocked(); err != nil {
			return Campaign{}, err
		}
	}
	return cloneCampaign(c), nil
}

func (s *docStore) UpdateStats(ctx context.Context, tenantID int64, successes int, errs []string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.campaignLocked(tenantID)
	c.Stats.SentTotal += int64(successes)
	c.Stats.LastRunAt = time.Now()
	c.Stats.LastError = strings.Join(errs, "\n")
	return s.persistLocked()
}

func (s *docStore) EnabledCampaigns(ctx context.Context) ([]int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for _, c := range s.doc.Campaigns {
		if c.Enabled {
			ids = append(ids, c.TenantID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ---- destinations ----

func (s *docStore) UpsertDestination(ctx context.Context, id int64, title string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.doc.Destinations[idKey(id)]
	if d == nil {
		d = &Destination{ID: id}
		s.doc.Destinations[idKey(id)] = d
	}
	if strings.TrimSpace(title) != "" {
		d.Title = title
	}
	d.UpdatedAt = time.Now()
	return s.persistLocked()
}

func (s *docStore) RemoveDestination(ctx context.Context, id int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.doc.Destinations, idKey(id))
	for _, c := range s.doc.Campaigns {
		for i, did := range c.Destinations {
			if did == id {
				c.Destinations = append(c.Destinations[:i], c.Destinations[i+1:]...)
				break
			}
		}
	}
	return s.persistLocked()
}

func (s *docStore) SetReachable(ctx context.Context, ids []int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, d := range s.doc.Destinations {
		d.Reachable = false
		d.UpdatedAt = now
	}
	for _, id := range ids {
		d := s.doc.Destinations[idKey(id)]
		if d == nil {
			d = &Destination{ID: id}
			s.doc.Destinations[idKey(id)] = d
		}
		d.Reachable = true
		d.UpdatedAt = now
	}
	return s.persistLocked()
}

func (s *docStore) Destinations(ctx context.Context) ([]Destination, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Destination, 0, len(s.doc.Destinations))
	for _, d := range s.doc.Destinations {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *docStore) ReachableDestinationIDs(ctx context.Context) ([]int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for _, d := range s.doc.Destinations {
		if d.Reachable {
			ids = append(ids, d.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ---- authorization ledger ----

func (s *docStore) CreatePaymentRequest(ctx context.Context, r PaymentRequest) (string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(r.RequestID) == "" {
		r.RequestID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = PaymentPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	s.doc.Payments[r.RequestID] = &r
	if err := s.persistLocked(); err != nil {
		return "", err
	}
	return r.RequestID, nil
}

func (s *docStore) ResolvePaymentRequest(ctx context.Context, requestID string, approved bool) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.doc.Payments[requestID]
	if r == nil {
		return ErrNotFound
	}
	if r.Status != PaymentPending {
		return ErrResolved
	}
	if approved {
		r.Status = PaymentApproved
	} else {
		r.Status = PaymentDeclined
	}
	r.ResolvedAt = time.Now()
	return s.persistLocked()
}

func (s *docStore) PaymentRequest(ctx context.Context, requestID string) (PaymentRequest, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.doc.Payments[requestID]; r != nil {
		return *r, nil
	}
	return PaymentRequest{}, ErrNotFound
}

func (s *docStore) PendingPaymentRequests(ctx context.Context) ([]PaymentRequest, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PaymentRequest
	for _, r := range s.doc.Payments {
		if r.Status == PaymentPending {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *docStore) AuthorizationValid(ctx context.Context, tenantID int64, window time.Duration) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-window)
	for _, r := range s.doc.Payments {
		if r.TenantID != tenantID || r.Status != PaymentApproved {
			continue
		}
		if !r.ResolvedAt.IsZero() && !r.ResolvedAt.Before(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

func (s *docStore) SystemAuthorizationValid(ctx context.Context, window time.Duration) (bool, error) {
	return s.AuthorizationValid(ctx, SystemTenant, window)
}
