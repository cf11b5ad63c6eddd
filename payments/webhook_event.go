package payments

import (
	"encoding/json"
	"strings"
	"time"
)

const EventChargeSuccess = "charge.success"

// WebhookEvent is the envelope the gateway posts to the webhook endpoint.
type WebhookEvent struct {
	Event string     `json:"event" validate:"required"`
	Data  ChargeData `json:"data"`
}

type ChargeData struct {
	ID        int64           `json:"id"`
	Status    string          `json:"status"`
	Reference string          `json:"reference" validate:"required"`
	Amount    int64           `json:"amount"`
	Currency  string          `json:"currency"`
	Channel   string          `json:"channel"`
	PaidAt    *time.Time      `json:"paid_at"`
	IPAddress string          `json:"ip_address"`
	Metadata  json.RawMessage `json:"metadata"`
	Customer  Customer        `json:"customer"`
}

type Customer struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

func (c Customer) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// MetadataMap decodes the metadata object. The gateway sends an empty string or null
// when no metadata was attached; both yield an empty map.
func (d ChargeData) MetadataMap() map[string]interface{} {
	out := map[string]interface{}{}
	if len(d.Metadata) == 0 {
		return out
	}
	if err := json.Unmarshal(d.Metadata, &out); err != nil || out == nil {
		return map[string]interface{}{}
	}
	return out
}
