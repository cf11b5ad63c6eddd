package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/anjiri1684/groupgate/models"
	"github.com/anjiri1684/groupgate/notifications"
	"github.com/anjiri1684/groupgate/payments"
	"github.com/anjiri1684/groupgate/services"
	"github.com/anjiri1684/groupgate/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DefaultFeeRate is the platform's share of every settled payment.
var DefaultFeeRate = decimal.RequireFromString("0.05")

// TransferGateway is the payout side of the payment gateway.
type TransferGateway interface {
	ResolveBankCode(ctx context.Context, bankName, currency string) (string, error)
	CreateTransferRecipient(ctx context.Context, req payments.RecipientRequest) (string, error)
	InitiateTransfer(ctx context.Context, req payments.TransferRequest) (*payments.Transfer, error)
	VerifyTransfer(ctx context.Context, reference string) (*payments.Transfer, error)
}

type PayoutReport struct {
	Selected    int
	Transferred int
	Failed      int
	Skipped     int
	NetTotal    int64
}

type PayoutCalculator struct {
	DB           *gorm.DB
	Gateway      TransferGateway
	Notifier     notifications.Notifier
	FeeRate      decimal.Decimal
	LookbackDays int
	Now          func() time.Time
}

func NewPayoutCalculator(db *gorm.DB, gateway TransferGateway, notifier notifications.Notifier, feeRate decimal.Decimal, lookbackDays int) *PayoutCalculator {
	if notifier == nil {
		notifier = notifications.Nop{}
	}
	if lookbackDays < 1 {
		lookbackDays = 1
	}
	return &PayoutCalculator{
		DB:           db,
		Gateway:      gateway,
		Notifier:     notifier,
		FeeRate:      feeRate,
		LookbackDays: lookbackDays,
		Now:          time.Now,
	}
}

// ComputePayout splits amount into the owner's share and the platform fee. The owner's
// share is rounded half-up to a whole minor unit; the fee takes the remainder.
func ComputePayout(amount int64, feeRate decimal.Decimal) (net, fee int64) {
	gross := decimal.NewFromInt(amount)
	net = gross.Mul(decimal.NewFromInt(1).Sub(feeRate)).Round(0).IntPart()
	return net, amount - net
}

// SettlementWindow returns the half-open UTC range [start, end) covering today and the
// lookbackDays-1 days before it.
func SettlementWindow(now time.Time, lookbackDays int) (time.Time, time.Time) {
	if lookbackDays < 1 {
		lookbackDays = 1
	}
	y, m, d := now.UTC().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return today.AddDate(0, 0, -(lookbackDays - 1)), today.AddDate(0, 0, 1)
}

func (c *PayoutCalculator) Run(ctx context.Context) (PayoutReport, error) {
	var report PayoutReport
	start, end := SettlementWindow(c.Now(), c.LookbackDays)
	db := c.DB.WithContext(ctx)

	var due []models.Payment
	err := db.Preload("Group.Owner").
		Where("status = ? AND transfer_status <> ? AND paid_at >= ? AND paid_at < ?",
			models.PaymentStatusSuccess, models.TransferStatusSuccess, start, end).
		Order("paid_at").
		Find(&due).Error
	if err != nil {
		return report, fmt.Errorf("query settled payments: %w", err)
	}
	report.Selected = len(due)
	if len(due) == 0 {
		log.Printf("No payments to settle between %s and %s.", start.Format("2006-01-02"), end.Format("2006-01-02"))
		return report, nil
	}

	recipients := map[uuid.UUID]string{}
	for i := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		c.settle(ctx, &due[i], recipients, &report)
	}

	log.Printf("✅ Payout run done: %d selected, %d transferred (%s), %d failed, %d skipped",
		report.Selected, report.Transferred, notifications.FormatAmount(report.NetTotal, "NGN"), report.Failed, report.Skipped)
	return report, nil
}

func (c *PayoutCalculator) settle(ctx context.Context, p *models.Payment, recipients map[uuid.UUID]string, report *PayoutReport) {
	owner := p.Group.Owner
	if p.Group.ID == uuid.Nil || owner.ID == uuid.Nil {
		report.Skipped++
		log.Printf("⚠️ Payment %s skipped: group or owner missing", p.GatewayRef)
		return
	}
	if !owner.HasPayoutDestination() {
		report.Skipped++
		log.Printf("⚠️ Payment %s skipped: owner %s has incomplete bank details", p.GatewayRef, owner.ID)
		return
	}

	net, fee := ComputePayout(p.Amount, c.FeeRate)
	if net <= 0 {
		report.Skipped++
		log.Printf("⚠️ Payment %s skipped: nothing to pay out after fees", p.GatewayRef)
		return
	}

	db := c.DB.WithContext(ctx)
	payout, retry, err := c.openPayout(db, p, &owner, net, fee)
	if err != nil {
		report.Failed++
		log.Printf("🔥 Payment %s: record payout attempt: %v", p.GatewayRef, err)
		return
	}
	net, fee = payout.NetAmount, payout.FeeAmount

	var transfer *payments.Transfer
	if retry {
		// An earlier attempt may have reached the gateway even though it looked failed here.
		prior, err := c.Gateway.VerifyTransfer(ctx, payout.Reference)
		switch {
		case err == nil && prior.Settled():
			log.Printf("ℹ️ Payout %s already accepted by the gateway (%s), recording it", payout.Reference, prior.Status)
			transfer = prior
		case err != nil && !payments.IsNotFound(err):
			c.fail(ctx, p, payout, &owner, fmt.Errorf("verify earlier attempt: %w", err), report)
			return
		}
	}

	if transfer == nil {
		recipient, err := c.recipientFor(ctx, &owner, p.Currency, recipients)
		if err != nil {
			c.fail(ctx, p, payout, &owner, err, report)
			return
		}
		transfer, err = c.Gateway.InitiateTransfer(ctx, payments.TransferRequest{
			Amount:    net,
			Recipient: recipient,
			Reason:    payout.Reason,
			Reference: payout.Reference,
			Currency:  p.Currency,
		})
		if err != nil {
			c.fail(ctx, p, payout, &owner, err, report)
			return
		}
	}

	now := c.Now().UTC()
	code := transfer.TransferCode
	transferID := strconv.FormatInt(transfer.ID, 10)
	err = db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Payment{}).
			Where("id = ? AND transfer_status <> ?", p.ID, models.TransferStatusSuccess).
			Updates(map[string]interface{}{"transfer_status": models.TransferStatusSuccess, "transfer_id": transferID})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			log.Printf("⚠️ Payment %s was already marked transferred", p.GatewayRef)
		}
		return tx.Model(payout).Updates(map[string]interface{}{
			"status":         models.PayoutStatusCompleted,
			"transfer_code":  code,
			"transfer_id":    transferID,
			"failure_reason": nil,
			"processed_at":   now,
		}).Error
	})
	if err != nil {
		// The payout row stays pending; the next run verifies its reference before sending.
		report.Failed++
		log.Printf("🔥 Payment %s transferred (%s) but ledger update failed: %v", p.GatewayRef, code, err)
		return
	}

	report.Transferred++
	report.NetTotal += net
	log.Printf("✅ Paid %s to owner %s for payment %s (transfer %s)", notifications.FormatAmount(net, p.Currency), owner.ID, p.GatewayRef, code)

	if owner.Email != "" {
		err := c.Notifier.Notify(ctx, notifications.Recipient{Name: owner.Name, Email: owner.Email}, notifications.KindPayoutSent, notifications.Data{
			"name":              owner.Name,
			"net_amount":        notifications.FormatAmount(net, p.Currency),
			"fee_amount":        notifications.FormatAmount(fee, p.Currency),
			"payment_reference": p.GatewayRef,
			"reference":         payout.Reference,
		})
		if err != nil {
			log.Printf("⚠️ Failed to notify owner %s of payout %s: %v", owner.ID, payout.Reference, err)
		}
	}
}

// openPayout returns the payment's payout row, marked pending for this attempt. retry is true
// when an earlier attempt exists, which means its reference may already be known to the gateway.
func (c *PayoutCalculator) openPayout(db *gorm.DB, p *models.Payment, owner *models.OwnerProfile, net, fee int64) (*models.Payout, bool, error) {
	var payout models.Payout
	err := db.Where("payment_id = ?", p.ID).Take(&payout).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		payout = models.Payout{
			OwnerProfileID: owner.ID,
			PaymentID:      p.ID,
			GrossAmount:    p.Amount,
			FeeAmount:      fee,
			NetAmount:      net,
			Currency:       p.Currency,
			Status:         models.PayoutStatusPending,
			Reference:      utils.PayoutReference(p.ID.String()),
			Reason:         "Payout for subscription - " + p.Group.Name,
			Attempts:       1,
		}
		if err := db.Create(&payout).Error; err != nil {
			return nil, false, err
		}
		return &payout, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	payout.Attempts++
	payout.Status = models.PayoutStatusPending
	if err := db.Model(&payout).Updates(map[string]interface{}{
		"status":   payout.Status,
		"attempts": payout.Attempts,
	}).Error; err != nil {
		return nil, false, err
	}
	return &payout, true, nil
}

func (c *PayoutCalculator) fail(ctx context.Context, p *models.Payment, payout *models.Payout, owner *models.OwnerProfile, cause error, report *PayoutReport) {
	report.Failed++
	log.Printf("🔥 Payout for payment %s failed (%s): %v", p.GatewayRef, services.KindOf(cause), cause)

	db := c.DB.WithContext(ctx)
	reason := cause.Error()
	now := c.Now().UTC()
	if err := db.Model(payout).Updates(map[string]interface{}{
		"status":         models.PayoutStatusFailed,
		"failure_reason": reason,
		"processed_at":   now,
	}).Error; err != nil {
		log.Printf("⚠️ Failed to record payout failure %s: %v", payout.Reference, err)
	}
	if err := db.Model(&models.Payment{}).
		Where("id = ? AND transfer_status <> ?", p.ID, models.TransferStatusSuccess).
		Update("transfer_status", models.TransferStatusFailed).Error; err != nil {
		log.Printf("⚠️ Failed to mark payment %s transfer failed: %v", p.GatewayRef, err)
	}

	if owner.Email != "" {
		err := c.Notifier.Notify(ctx, notifications.Recipient{Name: owner.Name, Email: owner.Email}, notifications.KindPayoutFailed, notifications.Data{
			"name":              owner.Name,
			"net_amount":        notifications.FormatAmount(payout.NetAmount, p.Currency),
			"payment_reference": p.GatewayRef,
			"reason":            reason,
		})
		if err != nil {
			log.Printf("⚠️ Failed to notify owner %s of failed payout: %v", owner.ID, err)
		}
	}
}

// recipientFor returns the owner's transfer recipient, creating and caching it on first use.
func (c *PayoutCalculator) recipientFor(ctx context.Context, owner *models.OwnerProfile, currency string, cache map[uuid.UUID]string) (string, error) {
	if code, ok := cache[owner.ID]; ok {
		return code, nil
	}
	if owner.RecipientCode != nil && *owner.RecipientCode != "" {
		cache[owner.ID] = *owner.RecipientCode
		return *owner.RecipientCode, nil
	}

	db := c.DB.WithContext(ctx)
	bankCode := ""
	if owner.BankCode != nil {
		bankCode = *owner.BankCode
	}
	if bankCode == "" {
		code, err := c.Gateway.ResolveBankCode(ctx, owner.BankName, currency)
		if err != nil {
			return "", services.Dependency("resolve bank code", err)
		}
		bankCode = code
		if err := db.Model(owner).Update("bank_code", bankCode).Error; err != nil {
			log.Printf("⚠️ Failed to cache bank code for owner %s: %v", owner.ID, err)
		}
	}

	name := owner.AccountHolderName
	if name == "" {
		name = owner.Name
	}
	code, err := c.Gateway.CreateTransferRecipient(ctx, payments.RecipientRequest{
		Type:          "nuban",
		Name:          name,
		AccountNumber: owner.AccountNumber,
		BankCode:      bankCode,
		Currency:      currency,
	})
	if err != nil {
		return "", services.Dependency("create transfer recipient", err)
	}
	if err := db.Model(owner).Update("recipient_code", code).Error; err != nil {
		log.Printf("⚠️ Failed to cache recipient code for owner %s: %v", owner.ID, err)
	}
	cache[owner.ID] = code
	return code, nil
}

type PayoutSummary struct {
	OwnerID      uuid.UUID `json:"owner_id"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	PendingCount int       `json:"pending_count"`
	PendingGross int64     `json:"pending_gross"`
	PendingNet   int64     `json:"pending_net"`
	PaidOut      int64     `json:"paid_out"`
	FailedCount  int       `json:"failed_count"`
}

// Summarize reports what the owner is due in the current window and what has been paid.
func (c *PayoutCalculator) Summarize(ctx context.Context, ownerID uuid.UUID) (*PayoutSummary, error) {
	const op = "payout summary"
	db := c.DB.WithContext(ctx)

	var owner models.OwnerProfile
	err := db.Take(&owner, "id = ?", ownerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, services.NotFound(op, fmt.Errorf("owner %s not found", ownerID))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	start, end := SettlementWindow(c.Now(), c.LookbackDays)
	summary := &PayoutSummary{OwnerID: ownerID, WindowStart: start, WindowEnd: end}

	var pending []models.Payment
	err = db.Joins("JOIN groups ON groups.id = payments.group_id").
		Where("groups.owner_profile_id = ? AND payments.status = ? AND payments.transfer_status <> ? AND payments.paid_at >= ? AND payments.paid_at < ?",
			ownerID, models.PaymentStatusSuccess, models.TransferStatusSuccess, start, end).
		Find(&pending).Error
	if err != nil {
		return nil, fmt.Errorf("%s: pending payments: %w", op, err)
	}
	for _, p := range pending {
		net, _ := ComputePayout(p.Amount, c.FeeRate)
		summary.PendingCount++
		summary.PendingGross += p.Amount
		summary.PendingNet += net
		if p.TransferStatus == models.TransferStatusFailed {
			summary.FailedCount++
		}
	}

	err = db.Model(&models.Payout{}).
		Where("owner_profile_id = ? AND status = ?", ownerID, models.PayoutStatusCompleted).
		Select("COALESCE(SUM(net_amount), 0)").
		Scan(&summary.PaidOut).Error
	if err != nil {
		return nil, fmt.Errorf("%s: paid out: %w", op, err)
	}
	return summary, nil
}

func (c *PayoutCalculator) Job(schedule string, runOnStart bool) Job {
	return Job{
		Name:       "payout",
		Schedule:   schedule,
		RunOnStart: runOnStart,
		Run: func(ctx context.Context) error {
			_, err := c.Run(ctx)
			return err
		},
	}
}
