// Package testutil holds the ledger fixtures shared by package tests.
package testutil

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/anjiri1684/groupgate/database"
	"github.com/anjiri1684/groupgate/models"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenTestDB opens a private in-memory SQLite ledger with the production schema.
func OpenTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared&_busy_timeout=5000", name, uuid.NewString()[:8])
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// Owner inserts an owner profile with complete bank details.
func Owner(t *testing.T, db *gorm.DB) *models.OwnerProfile {
	t.Helper()
	owner := &models.OwnerProfile{
		UserID:            uuid.New(),
		Name:              "Ada Owner",
		Email:             "owner@example.com",
		PhoneNumber:       "+2348000000000",
		AccountHolderName: "Ada Owner",
		AccountNumber:     "0123456789",
		BankName:          "Test Bank",
	}
	if err := db.Create(owner).Error; err != nil {
		t.Fatalf("create owner: %v", err)
	}
	return owner
}

// Group inserts an active group owned by owner.
func Group(t *testing.T, db *gorm.DB, owner *models.OwnerProfile, chatID int64, frequency string) *models.Group {
	t.Helper()
	group := &models.Group{
		OwnerProfileID:   owner.ID,
		Name:             fmt.Sprintf("Group %d", chatID),
		ExternalChatID:   chatID,
		InviteLink:       "https://t.me/+invite",
		Price:            500000,
		Currency:         "NGN",
		BillingFrequency: frequency,
		IsActive:         true,
	}
	if err := db.Create(group).Error; err != nil {
		t.Fatalf("create group: %v", err)
	}
	return group
}

// Subscription inserts a subscription for handle in group with the given status and expiry.
func Subscription(t *testing.T, db *gorm.DB, group *models.Group, handle, status string, expiresAt time.Time) *models.Subscription {
	t.Helper()
	ref := "ref_" + uuid.NewString()[:8]
	sub := &models.Subscription{
		GatewayRef:        ref,
		SubscriberName:    handle,
		SubscriberEmail:   handle + "@example.com",
		SubscriberHandle:  models.NormalizeHandle(handle),
		GroupID:           group.ID,
		CurrentPaymentRef: ref,
		Status:            status,
		PaymentType:       models.SubscriptionTypeInitial,
		SubscribedAt:      expiresAt.AddDate(0, -1, 0),
		ExpiresAt:         expiresAt,
	}
	if err := db.Create(sub).Error; err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return sub
}

// SettledPayment inserts a successful payment for group paid at paidAt.
func SettledPayment(t *testing.T, db *gorm.DB, group *models.Group, ref string, amount int64, paidAt time.Time, transferStatus string) *models.Payment {
	t.Helper()
	payment := &models.Payment{
		GatewayRef:     ref,
		PayerName:      "Payer",
		PayerEmail:     "payer@example.com",
		GroupID:        group.ID,
		Amount:         amount,
		Currency:       "NGN",
		Status:         models.PaymentStatusSuccess,
		Channel:        "card",
		Context:        models.ContextInitial,
		PaidAt:         &paidAt,
		TransferStatus: transferStatus,
	}
	if err := db.Create(payment).Error; err != nil {
		t.Fatalf("create payment: %v", err)
	}
	return payment
}
