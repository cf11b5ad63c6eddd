package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/anjiri1684/groupgate/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var errConcurrentUpdate = errors.New("subscription changed concurrently")

// SubscriptionMachine owns subscription creation, renewal, and cancellation. All
// methods take the caller's transaction so the payment and subscription writes
// commit together.
type SubscriptionMachine struct {
	Now func() time.Time
}

func NewSubscriptionMachine(now func() time.Time) *SubscriptionMachine {
	if now == nil {
		now = time.Now
	}
	return &SubscriptionMachine{Now: now}
}

// AddFrequency advances t by one billing period. Month arithmetic clamps to the last
// day of the target month, so Jan 31 + 1 month is the end of February.
func AddFrequency(t time.Time, frequency string) time.Time {
	switch frequency {
	case models.FrequencyWeekly:
		return t.AddDate(0, 0, 7)
	case models.FrequencyQuarterly:
		return addMonths(t, 3)
	case models.FrequencyBiannual:
		return addMonths(t, 6)
	case models.FrequencyAnnual:
		return addMonths(t, 12)
	default:
		return addMonths(t, 1)
	}
}

func addMonths(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	target := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(target.Year(), target.Month(), t.Location()); day > last {
		day = last
	}
	return time.Date(target.Year(), target.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// Apply settles payment against the subscription its context points at.
func (m *SubscriptionMachine) Apply(tx *gorm.DB, group *models.Group, payment *models.Payment, pctx models.PaymentContext) (*models.Subscription, error) {
	switch c := pctx.(type) {
	case models.InitialContext:
		return m.CreateInitial(tx, group, payment, c.SubscriberHandle, c.AutoRenew, false)
	case models.AdminContext:
		return m.CreateInitial(tx, group, payment, c.SubscriberHandle, false, true)
	case models.RenewalContext:
		return m.Renew(tx, c.SubscriptionID, group, payment)
	case models.ManualTopUpContext:
		return m.Renew(tx, c.SubscriptionID, group, payment)
	case models.UpgradeContext:
		return m.Upgrade(tx, c.SubscriptionID, group, payment)
	default:
		return nil, Validation("apply payment", fmt.Errorf("unhandled payment context %T", pctx))
	}
}

// CreateInitial opens a subscription for handle in group. When the subscriber already
// holds a non-cancelled subscription for the group, the payment renews that one instead
// so only a single live subscription exists per subscriber and group.
func (m *SubscriptionMachine) CreateInitial(tx *gorm.DB, group *models.Group, payment *models.Payment, handle string, autoRenew, manual bool) (*models.Subscription, error) {
	const op = "create subscription"
	if payment.PaidAt == nil {
		return nil, Validation(op, errors.New("payment has no paid-at time"))
	}
	handle = models.NormalizeHandle(handle)
	if handle == "" {
		return nil, Validation(op, models.ErrMissingSubscriber)
	}

	var existing models.Subscription
	err := tx.Where("subscriber_handle = ? AND group_id = ? AND status <> ?", handle, group.ID, models.SubscriptionStatusCancelled).
		Take(&existing).Error
	if err == nil {
		log.Printf("ℹ️ Subscriber @%s already has subscription %s in group %s, applying %s as renewal", handle, existing.ID, group.ID, payment.GatewayRef)
		return m.renew(tx, &existing, group, payment, false)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s: lookup existing: %w", op, err)
	}

	paidAt := payment.PaidAt.UTC()
	sub := models.Subscription{
		GatewayRef:        payment.GatewayRef,
		SubscriberName:    payment.PayerName,
		SubscriberEmail:   payment.PayerEmail,
		SubscriberPhone:   payment.PayerPhone,
		SubscriberHandle:  handle,
		GroupID:           group.ID,
		Channel:           "telegram",
		CurrentPaymentRef: payment.GatewayRef,
		Status:            models.SubscriptionStatusActive,
		PaymentType:       models.SubscriptionTypeInitial,
		RenewalCount:      0,
		SubscribedAt:      paidAt,
		ExpiresAt:         AddFrequency(paidAt, group.BillingFrequency),
		AutoRenew:         autoRenew,
		ManuallyAdded:     manual,
	}
	if err := tx.Create(&sub).Error; err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &sub, nil
}

// Renew extends the subscription identified by id with payment.
func (m *SubscriptionMachine) Renew(tx *gorm.DB, id uuid.UUID, group *models.Group, payment *models.Payment) (*models.Subscription, error) {
	sub, err := m.load(tx, "renew subscription", id)
	if err != nil {
		return nil, err
	}
	if sub.GroupID != group.ID {
		return nil, Validation("renew subscription", fmt.Errorf("subscription %s belongs to group %s, payment is for %s", sub.ID, sub.GroupID, group.ID))
	}
	return m.renew(tx, sub, group, payment, false)
}

// Upgrade renews the subscription while moving it onto group.
func (m *SubscriptionMachine) Upgrade(tx *gorm.DB, id uuid.UUID, group *models.Group, payment *models.Payment) (*models.Subscription, error) {
	sub, err := m.load(tx, "upgrade subscription", id)
	if err != nil {
		return nil, err
	}
	return m.renew(tx, sub, group, payment, sub.GroupID != group.ID)
}

func (m *SubscriptionMachine) renew(tx *gorm.DB, sub *models.Subscription, group *models.Group, payment *models.Payment, moveGroup bool) (*models.Subscription, error) {
	const op = "renew subscription"
	if sub.CurrentPaymentRef == payment.GatewayRef {
		return sub, nil
	}
	if payment.PaidAt == nil {
		return nil, Validation(op, errors.New("payment has no paid-at time"))
	}
	if !models.CanTransitionSubscription(sub.Status, models.SubscriptionStatusActive) {
		return nil, Validation(op, fmt.Errorf("subscription %s is %s", sub.ID, sub.Status))
	}

	// Paying early stacks onto the remaining period so expiry never moves backwards.
	anchor := payment.PaidAt.UTC()
	if sub.ExpiresAt.After(anchor) {
		anchor = sub.ExpiresAt.UTC()
	}

	updates := map[string]interface{}{
		"expires_at":          AddFrequency(anchor, group.BillingFrequency),
		"status":              models.SubscriptionStatusActive,
		"renewal_count":       gorm.Expr("renewal_count + 1"),
		"current_payment_ref": payment.GatewayRef,
		"payment_type":        models.SubscriptionTypeRenewal,
		"expired_at":          nil,
	}
	if moveGroup {
		updates["group_id"] = group.ID
	}

	res := tx.Model(&models.Subscription{}).
		Where("id = ? AND status = ? AND current_payment_ref = ?", sub.ID, sub.Status, sub.CurrentPaymentRef).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("%s: %w", op, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%s %s: %w", op, sub.ID, errConcurrentUpdate)
	}

	var renewed models.Subscription
	if err := tx.Take(&renewed, "id = ?", sub.ID).Error; err != nil {
		return nil, fmt.Errorf("%s: reload: %w", op, err)
	}
	return &renewed, nil
}

// Cancel moves a subscription to the terminal cancelled state.
func (m *SubscriptionMachine) Cancel(tx *gorm.DB, id uuid.UUID) (*models.Subscription, error) {
	const op = "cancel subscription"
	sub, err := m.load(tx, op, id)
	if err != nil {
		return nil, err
	}
	if !models.CanTransitionSubscription(sub.Status, models.SubscriptionStatusCancelled) {
		return nil, Validation(op, fmt.Errorf("subscription %s is already %s", sub.ID, sub.Status))
	}

	now := m.Now().UTC()
	res := tx.Model(&models.Subscription{}).
		Where("id = ? AND status = ?", sub.ID, sub.Status).
		Updates(map[string]interface{}{"status": models.SubscriptionStatusCancelled, "cancelled_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("%s: %w", op, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%s %s: %w", op, sub.ID, errConcurrentUpdate)
	}
	sub.Status = models.SubscriptionStatusCancelled
	sub.CancelledAt = &now
	return sub, nil
}

// Entitlement returns the subscriber's live subscription in the group, if any, and
// whether it currently grants access.
func (m *SubscriptionMachine) Entitlement(db *gorm.DB, groupID uuid.UUID, handle string) (*models.Subscription, bool, error) {
	handle = models.NormalizeHandle(handle)
	if handle == "" {
		return nil, false, nil
	}
	var sub models.Subscription
	err := db.Where("subscriber_handle = ? AND group_id = ? AND status <> ?", handle, groupID, models.SubscriptionStatusCancelled).
		Order("expires_at DESC").
		Take(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup entitlement for @%s: %w", handle, err)
	}
	return &sub, models.IsEntitled(&sub, m.Now()), nil
}

func (m *SubscriptionMachine) load(tx *gorm.DB, op string, id uuid.UUID) (*models.Subscription, error) {
	if id == uuid.Nil {
		return nil, NotFound(op, models.ErrMissingSubscriptionID)
	}
	var sub models.Subscription
	err := tx.Take(&sub, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, NotFound(op, fmt.Errorf("subscription %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &sub, nil
}
