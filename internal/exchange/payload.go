package exchange

import (
	"strings"

	"leadmarket-platform/internal/leads"

	"github.com/google/uuid"
)

// leadNamespace scopes deterministic lead ids derived from exchange ids.
var leadNamespace = uuid.MustParse("6f1c1f9e-3a51-4d39-9a0e-0d7f6b1f4b11")

// LeadPayload is what a lead exchange posts for one delivered lead. Only the
// fields billing needs are mapped; the rest of the exchange schema is ignored.
type LeadPayload struct {
	FilterSetID string `json:"filter_set_id"`
	CampaignID  string `json:"campaign_id,omitempty"`
	// ExchangeLeadID is the exchange's own id. Redelivery of the same id
	// bills once.
	ExchangeLeadID string       `json:"exchange_lead_id,omitempty"`
	Source         string       `json:"source,omitempty"`
	Lead           ContactInput `json:"lead"`
}

type ContactInput struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Address   string `json:"address"`
	City      string `json:"city"`
	State     string `json:"state"`
	Zip       string `json:"zip"`
}

func (c ContactInput) contact() leads.Contact {
	t := strings.TrimSpace
	return leads.Contact{
		FirstName: t(c.FirstName),
		LastName:  t(c.LastName),
		Email:     strings.ToLower(t(c.Email)),
		Phone:     t(c.Phone),
		Address:   t(c.Address),
		City:      t(c.City),
		State:     strings.ToUpper(t(c.State)),
		Zip:       t(c.Zip),
	}
}

func (p LeadPayload) empty() bool {
	c := p.Lead
	return strings.TrimSpace(c.Email) == "" && strings.TrimSpace(c.Phone) == "" &&
		strings.TrimSpace(c.FirstName) == "" && strings.TrimSpace(c.LastName) == ""
}

// leadID returns a stable id for a redelivered exchange lead, or "" when the
// exchange sent none.
func (p LeadPayload) leadID(campaignID string) string {
	id := strings.TrimSpace(p.ExchangeLeadID)
	if id == "" {
		return ""
	}
	return uuid.NewSHA1(leadNamespace, []byte(campaignID+":"+id)).String()
}
