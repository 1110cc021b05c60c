package connection

import (
	"errors"
	"time"
)

// Source identifies an external financial data provider.
type Source string

const (
	SourcePlaid      Source = "plaid"
	SourceQuickBooks Source = "quickbooks"
	SourceXero       Source = "xero"
	SourceStripe     Source = "stripe"
)

// Kind groups sources by the data they supply.
type Kind string

const (
	KindBankFeed   Kind = "bank_feed"
	KindAccounting Kind = "accounting"
	KindBilling    Kind = "billing"
)

var sourceKinds = map[Source]Kind{
	SourcePlaid:      KindBankFeed,
	SourceQuickBooks: KindAccounting,
	SourceXero:       KindAccounting,
	SourceStripe:     KindBilling,
}

// Sources returns every supported source in a stable order.
func Sources() []Source {
	return []Source{SourcePlaid, SourceQuickBooks, SourceXero, SourceStripe}
}

// ParseSource validates a raw source value.
func ParseSource(raw string) (Source, error) {
	s := Source(raw)
	if _, ok := sourceKinds[s]; !ok {
		return "", ErrUnknownSource
	}
	return s, nil
}

func (s Source) Valid() bool {
	_, ok := sourceKinds[s]
	return ok
}

func (s Source) Kind() Kind {
	return sourceKinds[s]
}

// Status of a connection's credentials.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// Domain errors
var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrUnknownSource      = errors.New("unknown source")
)

// Connection is one authorized link between an organization and a data source.
// ExternalID is the provider's identifier for the link: the Plaid item id, the
// QuickBooks realm id, the Xero tenant id or the Stripe account id.
type Connection struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organizationId"`
	Source         Source     `json:"source"`
	ExternalID     string     `json:"externalId"`
	Status         Status     `json:"status"`
	AccessToken    string     `json:"-"`
	RefreshToken   string     `json:"-"`
	TokenExpiresAt *time.Time `json:"tokenExpiresAt,omitempty"`
	ExpiredAt      *time.Time `json:"expiredAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func (c *Connection) IsExpired() bool {
	return c.Status == StatusExpired
}

// Tokens is the credential material returned by a refresh.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// CreateParams registers a connection after the provider authorization flow.
type CreateParams struct {
	OrganizationID string
	Source         Source
	ExternalID     string
	Tokens         Tokens
}

func (p CreateParams) Validate() error {
	if p.OrganizationID == "" {
		return errors.New("organization id is required")
	}
	if !p.Source.Valid() {
		return ErrUnknownSource
	}
	if p.ExternalID == "" {
		return errors.New("external id is required")
	}
	return nil
}
