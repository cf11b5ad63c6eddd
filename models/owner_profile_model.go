package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type OwnerProfile struct {
	ID                uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	UserID            uuid.UUID `gorm:"type:uuid;not null;unique" json:"user_id"`
	Name              string    `gorm:"size:255;not null" json:"name"`
	Email             string    `gorm:"size:255" json:"email"`
	PhoneNumber       string    `gorm:"size:50" json:"phone_number"`
	AccountHolderName string    `gorm:"size:255" json:"account_holder_name"`
	AccountNumber     string    `gorm:"size:20" json:"-"`
	BankName          string    `gorm:"size:100" json:"bank_name"`
	BankCode          *string   `gorm:"size:20" json:"-"`
	RecipientCode     *string   `gorm:"size:100" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (o *OwnerProfile) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// HasPayoutDestination reports whether enough bank metadata is present to pay the owner.
func (o *OwnerProfile) HasPayoutDestination() bool {
	if o.RecipientCode != nil && *o.RecipientCode != "" {
		return true
	}
	return o.AccountNumber != "" && o.BankName != ""
}
