package scheduler

// Event types the scheduler publishes on the process bus.
const (
	EventCampaignStarted  = "campaign.started"
	EventCampaignStopped  = "campaign.stopped"
	EventCampaignDisabled = "campaign.disabled"
	EventCycleCompleted   = "cycle.completed"
)

// CampaignEvent rides campaign.* events.
type CampaignEvent struct {
	TenantID int64  `json:"tenant_id"`
	Reason   string `json:"reason,omitempty"`
}

// CycleEvent rides cycle.completed. Errors carries the persisted entries,
// truncation marker included.
type CycleEvent struct {
	TenantID  int64    `json:"tenant_id"`
	Successes int      `json:"successes"`
	Errors    []string `json:"errors,omitempty"`
}
