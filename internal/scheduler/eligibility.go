package scheduler

import (
	"context"
	"sort"
	"strings"

	"herald/internal/storage"
)

// Verdict is the eligibility gate's outcome for one campaign.
type Verdict struct {
	Runnable bool
	Reason   string
}

// Gate failure reasons. They double as the persisted disable cause.
const (
	ReasonEmptyMessage   = "empty message"
	ReasonNoDestinations = "no reachable destinations"
	ReasonBadInterval    = "non-positive interval"
	ReasonTenantAuth     = "tenant authorization expired"
	ReasonSystemAuth     = "system authorization expired"
)

func notRunnable(reason string) Verdict { return Verdict{Reason: reason} }

// evaluateGate applies the eligibility policy to a campaign snapshot. The
// conditions are conjunctive and ordered; the first failing one names the
// verdict's reason.
func evaluateGate(c storage.Campaign, resolvedDestinations int, tenantOK, systemOK bool) Verdict {
	if strings.TrimSpace(c.Message) == "" {
		return notRunnable(ReasonEmptyMessage)
	}
	if resolvedDestinations == 0 {
		return notRunnable(ReasonNoDestinations)
	}
	if c.IntervalMinutes <= 0 {
		return notRunnable(ReasonBadInterval)
	}
	if !tenantOK {
		return notRunnable(ReasonTenantAuth)
	}
	if !systemOK {
		return notRunnable(ReasonSystemAuth)
	}
	return Verdict{Runnable: true}
}

// evaluation pairs the verdict with the destination list the cycle will use,
// so the gate and the fan-out always agree on what "reachable" meant.
type evaluation struct {
	verdict  Verdict
	resolved []int64
}

// evaluate gathers the gate's inputs from the store and applies the policy.
func (s *Scheduler) evaluate(ctx context.Context, c storage.Campaign) (evaluation, error) {
	cfg := s.config()

	reachable, err := s.store.ReachableDestinationIDs(ctx)
	if err != nil {
		return evaluation{}, err
	}
	resolved := resolveDestinations(c.Destinations, reachable, cfg.DefaultAllDestinations)

	tenantOK, err := s.store.AuthorizationValid(ctx, c.TenantID, cfg.AuthorizationWindow)
	if err != nil {
		return evaluation{}, err
	}
	systemOK := true
	if cfg.RequireSystemApproval {
		systemOK, err = s.store.SystemAuthorizationValid(ctx, cfg.AuthorizationWindow)
		if err != nil {
			return evaluation{}, err
		}
	}

	return evaluation{
		verdict:  evaluateGate(c, len(resolved), tenantOK, systemOK),
		resolved: resolved,
	}, nil
}

// resolveDestinations filters the configured destination set against the
// currently reachable ones. An empty configured set selects every reachable
// destination when defaultAll is on and nothing otherwise. The result is
// deduped and sorted so cycles visit destinations in a stable order.
func resolveDestinations(configured, reachable []int64, defaultAll bool) []int64 {
	if len(configured) == 0 {
		if !defaultAll {
			return nil
		}
		return normalizeIDs(append([]int64(nil), reachable...))
	}

	set := make(map[int64]struct{}, len(reachable))
	for _, id := range reachable {
		set[id] = struct{}{}
	}
	var out []int64
	for _, id := range configured {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return normalizeIDs(out)
}

// normalizeIDs sorts ids ascending and drops duplicates in place.
func normalizeIDs(ids []int64) []int64 {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	n := 0
	for i, id := range ids {
		if i == 0 || id != ids[n-1] {
			ids[n] = id
			n++
		}
	}
	return ids[:n]
}
