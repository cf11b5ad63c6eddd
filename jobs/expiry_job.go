package jobs

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/anjiri1684/groupgate/models"
	"github.com/anjiri1684/groupgate/notifications"
	"github.com/anjiri1684/groupgate/services"
	"gorm.io/gorm"
)

type ExpiryReport struct {
	Due       int
	Expired   int
	Notified  int
	Failed    int
	Abandoned int64
}

// ExpirySweeper moves overdue active subscriptions to expired and tells the subscriber.
type ExpirySweeper struct {
	DB              *gorm.DB
	Notifier        notifications.Notifier
	FrontendURL     string
	CheckoutTimeout time.Duration
	Now             func() time.Time
}

func NewExpirySweeper(db *gorm.DB, notifier notifications.Notifier, frontendURL string) *ExpirySweeper {
	if notifier == nil {
		notifier = notifications.Nop{}
	}
	return &ExpirySweeper{
		DB:              db,
		Notifier:        notifier,
		FrontendURL:     strings.TrimRight(frontendURL, "/"),
		CheckoutTimeout: 24 * time.Hour,
		Now:             time.Now,
	}
}

func (e *ExpirySweeper) Run(ctx context.Context) (ExpiryReport, error) {
	var report ExpiryReport
	now := e.Now().UTC()
	db := e.DB.WithContext(ctx)

	var due []models.Subscription
	err := db.Preload("Group").
		Where("status = ? AND expires_at < ?", models.SubscriptionStatusActive, now).
		Order("expires_at").
		Find(&due).Error
	if err != nil {
		return report, fmt.Errorf("query due subscriptions: %w", err)
	}
	report.Due = len(due)

	if len(due) == 0 {
		log.Println("No subscriptions due for expiry.")
	}

	for i := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		sub := &due[i]

		res := db.Model(&models.Subscription{}).
			Where("id = ? AND status = ? AND expires_at < ?", sub.ID, models.SubscriptionStatusActive, now).
			Updates(map[string]interface{}{"status": models.SubscriptionStatusExpired, "expired_at": now})
		if res.Error != nil {
			report.Failed++
			log.Printf("🔥 Failed to expire subscription %s: %v", sub.ID, res.Error)
			continue
		}
		if res.RowsAffected == 0 {
			// Renewed or expired by another executor since the query.
			continue
		}
		report.Expired++
		log.Printf("Subscription %s (@%s, group %s) expired", sub.ID, sub.SubscriberHandle, sub.GroupID)

		if sub.SubscriberEmail == "" {
			continue
		}
		err := e.Notifier.Notify(ctx, notifications.Recipient{Name: sub.SubscriberName, Email: sub.SubscriberEmail}, notifications.KindSubscriptionExpired, notifications.Data{
			"name":       sub.SubscriberName,
			"group_name": sub.Group.Name,
			"expired_at": sub.ExpiresAt.Format("January 2, 2006"),
			"renew_url":  fmt.Sprintf("%s/renew/%s", e.FrontendURL, sub.ID),
		})
		if err != nil {
			log.Printf("⚠️ Failed to send expiry notice for subscription %s: %v", sub.ID, err)
			continue
		}
		report.Notified++
	}

	if e.CheckoutTimeout > 0 {
		n, err := services.AbandonStaleCheckouts(db, now.Add(-e.CheckoutTimeout))
		if err != nil {
			log.Printf("⚠️ Failed to abandon stale checkouts: %v", err)
		}
		report.Abandoned = n
	}

	if report.Due > 0 {
		log.Printf("Expired %d of %d due subscription(s), %d notified, %d failed", report.Expired, report.Due, report.Notified, report.Failed)
	}
	return report, nil
}

func (e *ExpirySweeper) Job(schedule string, runOnStart bool) Job {
	return Job{
		Name:       "expiry",
		Schedule:   schedule,
		RunOnStart: runOnStart,
		Run: func(ctx context.Context) error {
			_, err := e.Run(ctx)
			return err
		},
	}
}
