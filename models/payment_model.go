package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	PaymentStatusPending   = "pending"
	PaymentStatusSuccess   = "success"
	PaymentStatusFailed    = "failed"
	PaymentStatusAbandoned = "abandoned"
)

const (
	TransferStatusNone    = "none"
	TransferStatusSuccess = "success"
	TransferStatusFailed  = "failed"
)

var paymentTransitions = map[string]map[string]struct{}{
	PaymentStatusPending:   {PaymentStatusSuccess: {}, PaymentStatusFailed: {}, PaymentStatusAbandoned: {}},
	PaymentStatusAbandoned: {PaymentStatusSuccess: {}, PaymentStatusFailed: {}},
	PaymentStatusFailed:    {PaymentStatusSuccess: {}},
	PaymentStatusSuccess:   {},
}

// CanAdvancePayment reports whether a payment may move from one status to another.
// Payment statuses only move forward; success is terminal.
func CanAdvancePayment(from, to string) bool {
	allowed, ok := paymentTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// Payment is keyed by the gateway reference, which doubles as the idempotency key
// for inbound payment events. Amount is always in minor units.
type Payment struct {
	ID             uuid.UUID  `gorm:"type:uuid;primary_key" json:"id"`
	GatewayRef     string     `gorm:"size:100;not null;uniqueIndex" json:"reference"`
	PayerName      string     `gorm:"size:255" json:"payer_name"`
	PayerEmail     string     `gorm:"size:255;index" json:"payer_email"`
	PayerPhone     string     `gorm:"size:50" json:"payer_phone"`
	GroupID        uuid.UUID  `gorm:"type:uuid;not null;index" json:"group_id"`
	SubscriptionID *uuid.UUID `gorm:"type:uuid;index" json:"subscription_id"`

	Amount    int64          `gorm:"not null" json:"amount"`
	Currency  string         `gorm:"size:3;not null;default:'NGN'" json:"currency"`
	Status    string         `gorm:"size:20;not null;default:'pending';index" json:"status"`
	Channel   string         `gorm:"size:30" json:"channel"`
	Context   string         `gorm:"column:payment_context;size:20;not null" json:"payment_context"`
	PaidAt    *time.Time     `gorm:"index" json:"paid_at"`
	IPAddress string         `gorm:"size:64" json:"-"`
	Metadata  datatypes.JSON `json:"-"`

	TransferStatus string  `gorm:"size:20;not null;default:'none';index" json:"transfer_status"`
	TransferID     *string `gorm:"size:100" json:"transfer_id"`

	Group Group `gorm:"foreignkey:GroupID" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.TransferStatus == "" {
		p.TransferStatus = TransferStatusNone
	}
	return nil
}
