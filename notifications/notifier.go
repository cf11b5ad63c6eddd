package notifications

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
)

type Kind string

const (
	KindSubscriptionConfirmed Kind = "subscription_confirmed"
	KindSubscriptionRenewed   Kind = "subscription_renewed"
	KindSubscriptionExpired   Kind = "subscription_expired"
	KindOwnerPaymentReceived  Kind = "owner_payment_received"
	KindPayoutSent            Kind = "payout_sent"
	KindPayoutFailed          Kind = "payout_failed"
)

var ErrInvalidRecipient = errors.New("invalid recipient email")

type Recipient struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Data holds the template fields for a notification, already formatted for display.
type Data map[string]string

// Notifier delivers one notification. Callers treat failures as non-fatal.
type Notifier interface {
	Notify(ctx context.Context, to Recipient, kind Kind, data Data) error
}

// Multi fans a notification out to every sink and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, to Recipient, kind Kind, data Data) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, to, kind, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops every notification. Used when no sink is configured.
type Nop struct{}

func (Nop) Notify(_ context.Context, to Recipient, kind Kind, _ Data) error {
	log.Printf("Notification %s for %s dropped, no sink configured", kind, to.Email)
	return nil
}

// FormatAmount renders a minor-unit amount as "NGN 5,000.00".
func FormatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	whole := strconv.FormatInt(minor/100, 10)
	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return fmt.Sprintf("%s %s%s.%02d", currency, sign, b.String(), minor%100)
}

func validRecipient(to Recipient) error {
	if to.Email == "" || !strings.Contains(to.Email, "@") {
		return fmt.Errorf("%w: %q", ErrInvalidRecipient, to.Email)
	}
	return nil
}
