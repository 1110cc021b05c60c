package notification

import (
	"errors"
	"time"
)

// Alert categories
const (
	CategoryConnections    = "connections"
	CategorySchedules      = "schedules"
	CategoryReconciliation = "reconciliation"
)

var validCategories = map[string]struct{}{
	CategoryConnections:    {},
	CategorySchedules:      {},
	CategoryReconciliation: {},
}

// Domain errors
var (
	ErrInvalidCategory      = errors.New("invalid notification category")
	ErrOrganizationRequired = errors.New("organization id is required")
	ErrTokensRequired       = errors.New("at least one device token is required")
	ErrMessagingDisabled    = errors.New("push messaging is not configured")
)

// Preferences stores per-category alert toggles for an organization
type Preferences struct {
	OrganizationID        string    `json:"-"`
	ConnectionsEnabled    bool      `json:"connectionsEnabled"`
	SchedulesEnabled      bool      `json:"schedulesEnabled"`
	ReconciliationEnabled bool      `json:"reconciliationEnabled"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// DefaultPreferences enables every category.
func DefaultPreferences(organizationID string) *Preferences {
	return &Preferences{
		OrganizationID:        organizationID,
		ConnectionsEnabled:    true,
		SchedulesEnabled:      true,
		ReconciliationEnabled: true,
	}
}

// Alert is a stored notification record
type Alert struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"-"`
	Title          string            `json:"title"`
	Message        string            `json:"message"`
	Category       string            `json:"category"`
	Data           map[string]string `json:"data"`
	Delivered      bool              `json:"delivered"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// UpdatePreferenceParams contains fields for updating alert preferences
type UpdatePreferenceParams struct {
	ConnectionsEnabled    *bool `json:"connectionsEnabled"`
	SchedulesEnabled      *bool `json:"schedulesEnabled"`
	ReconciliationEnabled *bool `json:"reconciliationEnabled"`
}

// CreateAlertParams contains parameters for storing an alert
type CreateAlertParams struct {
	OrganizationID string
	Title          string
	Message        string
	Category       string
	Data           map[string]string
	Delivered      bool
}

func (p CreateAlertParams) Validate() error {
	if p.OrganizationID == "" {
		return ErrOrganizationRequired
	}
	if p.Title == "" {
		return errors.New("alert title is required")
	}
	if p.Message == "" {
		return errors.New("alert message is required")
	}
	if !IsValidCategory(p.Category) {
		return ErrInvalidCategory
	}
	return nil
}

func IsValidCategory(c string) bool {
	_, ok := validCategories[c]
	return ok
}

// IsCategoryEnabled checks if a specific category is enabled in preferences
func (p *Preferences) IsCategoryEnabled(category string) bool {
	switch category {
	case CategoryConnections:
		return p.ConnectionsEnabled
	case CategorySchedules:
		return p.SchedulesEnabled
	case CategoryReconciliation:
		return p.ReconciliationEnabled
	default:
		return false
	}
}
