package notifications

import (
	"fmt"
	"html"
)

// render builds the subject and HTML body for kind. Values in data are escaped.
func render(kind Kind, data Data) (string, string, error) {
	v := func(key string) string { return html.EscapeString(data[key]) }

	switch kind {
	case KindSubscriptionConfirmed:
		subject := fmt.Sprintf("Your subscription to %s is active", data["group_name"])
		body := fmt.Sprintf(`<h2>Welcome to %s</h2>
<p>Hi %s,</p>
<p>Your payment of <strong>%s</strong> was received. Your access runs until <strong>%s</strong>.</p>
<p>Join the group here: <a href="%s">%s</a></p>
<p>Reference: %s</p>`,
			v("group_name"), v("name"), v("amount"), v("expires_at"), v("invite_link"), v("invite_link"), v("reference"))
		return subject, body, nil

	case KindSubscriptionRenewed:
		subject := fmt.Sprintf("Your %s subscription was renewed", data["group_name"])
		body := fmt.Sprintf(`<h2>Subscription renewed</h2>
<p>Hi %s,</p>
<p>We received <strong>%s</strong> for %s. Your access now runs until <strong>%s</strong>.</p>
<p>Reference: %s</p>`,
			v("name"), v("amount"), v("group_name"), v("expires_at"), v("reference"))
		return subject, body, nil

	case KindSubscriptionExpired:
		subject := fmt.Sprintf("Your %s subscription has expired", data["group_name"])
		body := fmt.Sprintf(`<h2>Subscription expired</h2>
<p>Hi %s,</p>
<p>Your access to %s ended on %s.</p>
<p>Renew any time here: <a href="%s">%s</a></p>`,
			v("name"), v("group_name"), v("expired_at"), v("renew_url"), v("renew_url"))
		return subject, body, nil

	case KindOwnerPaymentReceived:
		subject := fmt.Sprintf("New payment for %s", data["group_name"])
		body := fmt.Sprintf(`<h2>You have a new payment</h2>
<p>Hi %s,</p>
<p>@%s paid <strong>%s</strong> for %s (%s).</p>
<p>Reference: %s</p>`,
			v("name"), v("subscriber"), v("amount"), v("group_name"), v("payment_type"), v("reference"))
		return subject, body, nil

	case KindPayoutSent:
		subject := "Your payout is on its way"
		body := fmt.Sprintf(`<h2>Payout sent</h2>
<p>Hi %s,</p>
<p>We sent <strong>%s</strong> to your account for payment %s (fee %s).</p>
<p>Transfer reference: %s</p>`,
			v("name"), v("net_amount"), v("payment_reference"), v("fee_amount"), v("reference"))
		return subject, body, nil

	case KindPayoutFailed:
		subject := "We could not complete your payout"
		body := fmt.Sprintf(`<h2>Payout failed</h2>
<p>Hi %s,</p>
<p>The transfer of <strong>%s</strong> for payment %s failed: %s.</p>
<p>Please check your bank details.</p>`,
			v("name"), v("net_amount"), v("payment_reference"), v("reason"))
		return subject, body, nil
	}
	return "", "", fmt.Errorf("no template for notification %q", kind)
}
