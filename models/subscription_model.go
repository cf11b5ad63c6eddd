package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	SubscriptionStatusPending   = "pending"
	SubscriptionStatusActive    = "active"
	SubscriptionStatusExpired   = "expired"
	SubscriptionStatusCancelled = "cancelled"
)

const (
	SubscriptionTypeInitial = "initial"
	SubscriptionTypeRenewal = "renewal"
)

var subscriptionTransitions = map[string]map[string]struct{}{
	SubscriptionStatusPending:   {SubscriptionStatusActive: {}, SubscriptionStatusCancelled: {}},
	SubscriptionStatusActive:    {SubscriptionStatusExpired: {}, SubscriptionStatusCancelled: {}},
	SubscriptionStatusExpired:   {SubscriptionStatusActive: {}, SubscriptionStatusCancelled: {}},
	SubscriptionStatusCancelled: {},
}

// CanTransitionSubscription returns whether a subscription can move from the current
// status to the target status. Renewing an active subscription keeps it active.
func CanTransitionSubscription(from, to string) bool {
	if from == to {
		return from == SubscriptionStatusActive
	}
	allowed, ok := subscriptionTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

type Subscription struct {
	ID                uuid.UUID  `gorm:"type:uuid;primary_key" json:"id"`
	GatewayRef        string     `gorm:"size:100;not null;uniqueIndex" json:"reference"`
	SubscriberName    string     `gorm:"size:255" json:"subscriber_name"`
	SubscriberEmail   string     `gorm:"size:255;index" json:"subscriber_email"`
	SubscriberPhone   string     `gorm:"size:50" json:"subscriber_phone"`
	SubscriberHandle  string     `gorm:"size:100;not null;index:idx_subscriptions_subscriber_group,unique,where:status <> 'cancelled'" json:"subscriber_handle"`
	GroupID           uuid.UUID  `gorm:"type:uuid;not null;index;index:idx_subscriptions_subscriber_group,unique,where:status <> 'cancelled'" json:"group_id"`
	Channel           string     `gorm:"size:30;default:'telegram'" json:"channel"`
	CurrentPaymentRef string     `gorm:"size:100;not null" json:"current_payment_ref"`

	Status        string     `gorm:"size:20;not null;default:'active';index" json:"status"`
	PaymentType   string     `gorm:"size:20;not null;default:'initial'" json:"payment_type"`
	RenewalCount  int        `gorm:"not null;default:0" json:"renewal_count"`
	SubscribedAt  time.Time  `gorm:"not null" json:"subscribed_at"`
	ExpiresAt     time.Time  `gorm:"not null;index" json:"expires_at"`
	AutoRenew     bool       `gorm:"default:false" json:"auto_renew"`
	ManuallyAdded bool       `gorm:"default:false" json:"manually_added"`
	ExpiredAt     *time.Time `json:"expired_at"`
	CancelledAt   *time.Time `json:"cancelled_at"`

	Group Group `gorm:"foreignkey:GroupID" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// IsEntitled is the one place that decides whether a subscription currently grants
// access to its group.
func IsEntitled(s *Subscription, now time.Time) bool {
	if s == nil {
		return false
	}
	return s.Status == SubscriptionStatusActive && s.ExpiresAt.After(now)
}
