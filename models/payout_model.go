package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	PayoutStatusPending   = "pending"
	PayoutStatusCompleted = "completed"
	PayoutStatusFailed    = "failed"
)

// Payout records the transfer of one settled payment. Retries update the same row and keep
// its reference.
type Payout struct {
	ID             uuid.UUID `gorm:"type:uuid;primary_key"`
	OwnerProfileID uuid.UUID `gorm:"type:uuid;not null;index"`
	PaymentID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	GrossAmount    int64     `gorm:"not null"`
	FeeAmount      int64     `gorm:"not null"`
	NetAmount      int64     `gorm:"not null"`
	Currency       string    `gorm:"size:3;not null"`
	Status         string    `gorm:"size:20;not null;default:'pending'"`
	Reference      string    `gorm:"size:100;not null;unique"`
	TransferCode   *string   `gorm:"size:100"`
	TransferID     *string   `gorm:"size:100"`
	Attempts       int       `gorm:"not null;default:1"`
	Reason         string    `gorm:"size:255"`
	FailureReason  *string   `gorm:"type:text"`
	ProcessedAt    *time.Time

	Owner   OwnerProfile `gorm:"foreignkey:OwnerProfileID"`
	Payment Payment      `gorm:"foreignkey:PaymentID"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p *Payout) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
