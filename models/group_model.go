package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	FrequencyWeekly    = "weekly"
	FrequencyMonthly   = "monthly"
	FrequencyQuarterly = "quarterly"
	FrequencyBiannual  = "biannual"
	FrequencyAnnual    = "annual"
)

type Group struct {
	ID               uuid.UUID  `gorm:"type:uuid;primary_key" json:"id"`
	OwnerProfileID   uuid.UUID  `gorm:"type:uuid;not null;index" json:"owner_profile_id"`
	Name             string     `gorm:"size:255;not null" json:"name"`
	ExternalChatID   int64      `gorm:"not null;uniqueIndex" json:"external_chat_id"`
	InviteLink       string     `gorm:"size:255" json:"invite_link"`
	Price            int64      `gorm:"not null" json:"price"`
	Currency         string     `gorm:"size:3;not null;default:'NGN'" json:"currency"`
	BillingFrequency string     `gorm:"size:20;not null;default:'monthly'" json:"billing_frequency"`
	IsActive         bool       `gorm:"default:true" json:"is_active"`
	LastCheckedAt    *time.Time `json:"last_checked_at"`

	Owner OwnerProfile `gorm:"foreignkey:OwnerProfileID" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (g *Group) BeforeCreate(tx *gorm.DB) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	return nil
}
