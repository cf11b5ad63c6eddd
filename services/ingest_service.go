package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/anjiri1684/groupgate/models"
	"github.com/anjiri1684/groupgate/notifications"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const EventChargeSuccess = "charge.success"

// PaymentEvent is a settled-charge notification in ledger terms.
type PaymentEvent struct {
	Type      string `validate:"required"`
	Reference string `validate:"required,max=100"`
	Amount    int64  `validate:"gt=0"`
	Currency  string
	Channel   string
	PaidAt    *time.Time
	IPAddress string
	Customer  Customer
	Metadata  map[string]interface{}
}

type Customer struct {
	Name  string
	Email string `validate:"omitempty,email"`
	Phone string
}

type IngestResult struct {
	Payment      *models.Payment
	Subscription *models.Subscription
	Duplicate    bool
}

// PaymentIngestor turns gateway events into ledger entries. Each gateway reference
// is applied at most once no matter how often the event is delivered.
type PaymentIngestor struct {
	DB          *gorm.DB
	Machine     *SubscriptionMachine
	Notifier    notifications.Notifier
	FrontendURL string
	Now         func() time.Time

	validate *validator.Validate
}

func NewPaymentIngestor(db *gorm.DB, machine *SubscriptionMachine, notifier notifications.Notifier, frontendURL string) *PaymentIngestor {
	if notifier == nil {
		notifier = notifications.Nop{}
	}
	return &PaymentIngestor{
		DB:          db,
		Machine:     machine,
		Notifier:    notifier,
		FrontendURL: frontendURL,
		Now:         machine.Now,
		validate:    validator.New(),
	}
}

func (i *PaymentIngestor) Ingest(ctx context.Context, ev PaymentEvent) (*IngestResult, error) {
	const op = "ingest payment"

	if ev.Type != EventChargeSuccess {
		return nil, Validation(op, fmt.Errorf("%w: %q", ErrUnsupportedEvent, ev.Type))
	}
	if err := i.validate.Struct(ev); err != nil {
		return nil, Validation(op, err)
	}

	db := i.DB.WithContext(ctx)

	var existing models.Payment
	err := db.Where("gateway_ref = ?", ev.Reference).Take(&existing).Error
	switch {
	case err == nil && existing.Status == models.PaymentStatusSuccess:
		log.Printf("ℹ️ Payment %s already processed, skipping", ev.Reference)
		return &IngestResult{Payment: &existing, Duplicate: true}, nil
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("%s: lookup %s: %w", op, ev.Reference, err)
	}

	meta := models.DecodePaymentMetadata(ev.Metadata)
	if meta.GroupID == "" {
		return nil, Validation(op, models.ErrMissingGroupID)
	}
	group, err := i.loadGroup(db, meta.GroupID)
	if err != nil {
		return nil, err
	}
	pctx, err := models.ParsePaymentContext(meta)
	if err != nil {
		return nil, Validation(op, err)
	}

	paidAt := i.Now().UTC()
	if ev.PaidAt != nil {
		paidAt = ev.PaidAt.UTC()
	}
	rawMeta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return nil, Validation(op, fmt.Errorf("encode metadata: %w", err))
	}
	currency := ev.Currency
	if currency == "" {
		currency = group.Currency
	}
	payerName := ev.Customer.Name
	if meta.FullName != "" {
		payerName = meta.FullName
	}
	payerPhone := ev.Customer.Phone
	if meta.Phone != "" {
		payerPhone = meta.Phone
	}

	result := &IngestResult{}
	err = db.Transaction(func(tx *gorm.DB) error {
		payment := models.Payment{
			GatewayRef: ev.Reference,
			PayerName:  payerName,
			PayerEmail: ev.Customer.Email,
			PayerPhone: payerPhone,
			GroupID:    group.ID,
			Amount:     ev.Amount,
			Currency:   currency,
			Status:     models.PaymentStatusSuccess,
			Channel:    ev.Channel,
			Context:    pctx.Kind(),
			PaidAt:     &paidAt,
			IPAddress:  ev.IPAddress,
			Metadata:   datatypes.JSON(rawMeta),
		}

		// A pending row from checkout is promoted; a row already settled is left alone,
		// and RowsAffected tells the two apart.
		res := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "gateway_ref"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"payer_name":      payment.PayerName,
				"payer_email":     payment.PayerEmail,
				"payer_phone":     payment.PayerPhone,
				"group_id":        payment.GroupID,
				"amount":          payment.Amount,
				"currency":        payment.Currency,
				"status":          payment.Status,
				"channel":         payment.Channel,
				"payment_context": payment.Context,
				"paid_at":         payment.PaidAt,
				"ip_address":      payment.IPAddress,
				"metadata":        payment.Metadata,
				"updated_at":      i.Now().UTC(),
			}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Neq{Column: clause.Column{Table: "payments", Name: "status"}, Value: models.PaymentStatusSuccess},
			}},
		}).Create(&payment)
		if res.Error != nil {
			return fmt.Errorf("upsert payment %s: %w", ev.Reference, res.Error)
		}

		var stored models.Payment
		if err := tx.Where("gateway_ref = ?", ev.Reference).Take(&stored).Error; err != nil {
			return fmt.Errorf("reload payment %s: %w", ev.Reference, err)
		}
		result.Payment = &stored
		if res.RowsAffected == 0 {
			result.Duplicate = true
			return nil
		}

		sub, err := i.Machine.Apply(tx, group, &stored, pctx)
		if err != nil {
			return err
		}
		if err := tx.Model(&models.Payment{}).Where("id = ?", stored.ID).Update("subscription_id", sub.ID).Error; err != nil {
			return fmt.Errorf("link payment %s: %w", ev.Reference, err)
		}
		stored.SubscriptionID = &sub.ID
		result.Subscription = sub
		return nil
	})
	if err != nil {
		log.Printf("🔥 Failed to ingest payment %s: %v", ev.Reference, err)
		return nil, err
	}
	if result.Duplicate {
		log.Printf("ℹ️ Payment %s already processed, skipping", ev.Reference)
		return result, nil
	}

	log.Printf("✅ Payment %s applied to subscription %s (%s), expires %s",
		ev.Reference, result.Subscription.ID, pctx.Kind(), result.Subscription.ExpiresAt.Format(time.RFC3339))
	i.notifyParties(ctx, group, result)
	return result, nil
}

func (i *PaymentIngestor) loadGroup(db *gorm.DB, rawID string) (*models.Group, error) {
	const op = "ingest payment"
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, NotFound(op, fmt.Errorf("group %q: %w", rawID, err))
	}
	var group models.Group
	err = db.Preload("Owner").Take(&group, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, NotFound(op, fmt.Errorf("group %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: load group %s: %w", op, id, err)
	}
	return &group, nil
}

// notifyParties runs after commit. Delivery failures are logged and never undo the payment.
func (i *PaymentIngestor) notifyParties(ctx context.Context, group *models.Group, result *IngestResult) {
	payment, sub := result.Payment, result.Subscription
	amount := notifications.FormatAmount(payment.Amount, payment.Currency)

	kind := notifications.KindSubscriptionConfirmed
	if sub.RenewalCount > 0 {
		kind = notifications.KindSubscriptionRenewed
	}
	if payment.PayerEmail != "" {
		err := i.Notifier.Notify(ctx, notifications.Recipient{Name: payment.PayerName, Email: payment.PayerEmail}, kind, notifications.Data{
			"name":        payment.PayerName,
			"group_name":  group.Name,
			"amount":      amount,
			"expires_at":  sub.ExpiresAt.Format("January 2, 2006"),
			"invite_link": group.InviteLink,
			"reference":   payment.GatewayRef,
		})
		if err != nil {
			log.Printf("⚠️ Failed to notify subscriber for payment %s: %v", payment.GatewayRef, err)
		}
	}

	if group.Owner.Email != "" {
		err := i.Notifier.Notify(ctx, notifications.Recipient{Name: group.Owner.Name, Email: group.Owner.Email}, notifications.KindOwnerPaymentReceived, notifications.Data{
			"name":         group.Owner.Name,
			"subscriber":   sub.SubscriberHandle,
			"group_name":   group.Name,
			"amount":       amount,
			"payment_type": payment.Context,
			"reference":    payment.GatewayRef,
		})
		if err != nil {
			log.Printf("⚠️ Failed to notify owner for payment %s: %v", payment.GatewayRef, err)
		}
	}
}
