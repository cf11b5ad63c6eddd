package services_test

import (
	"testing"
	"time"

	"github.com/anjiri1684/groupgate/models"
	"github.com/anjiri1684/groupgate/services"
	"github.com/anjiri1684/groupgate/testutil"
	"github.com/google/uuid"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestAddFrequency(t *testing.T) {
	cases := []struct {
		name      string
		from      time.Time
		frequency string
		want      time.Time
	}{
		{"monthly", day(2024, 1, 10), models.FrequencyMonthly, day(2024, 2, 10)},
		{"monthly clamps leap february", day(2024, 1, 31), models.FrequencyMonthly, day(2024, 2, 29)},
		{"monthly clamps february", day(2023, 1, 31), models.FrequencyMonthly, day(2023, 2, 28)},
		{"monthly across year", day(2024, 12, 15), models.FrequencyMonthly, day(2025, 1, 15)},
		{"weekly", day(2024, 2, 26), models.FrequencyWeekly, day(2024, 3, 4)},
		{"quarterly clamps", day(2024, 11, 30), models.FrequencyQuarterly, day(2025, 2, 28)},
		{"biannual", day(2024, 8, 31), models.FrequencyBiannual, day(2025, 2, 28)},
		{"annual from leap day", day(2024, 2, 29), models.FrequencyAnnual, day(2025, 2, 28)},
		{"unknown defaults to monthly", day(2024, 3, 31), "fortnightly", day(2024, 4, 30)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := services.AddFrequency(tc.from, tc.frequency); !got.Equal(tc.want) {
				t.Fatalf("AddFrequency(%s, %s) = %s, want %s", tc.from.Format("2006-01-02"), tc.frequency, got.Format("2006-01-02"), tc.want.Format("2006-01-02"))
			}
		})
	}
}

func TestAddFrequencyKeepsTimeOfDay(t *testing.T) {
	from := time.Date(2024, 1, 10, 14, 30, 5, 0, time.UTC)
	want := time.Date(2024, 2, 10, 14, 30, 5, 0, time.UTC)
	if got := services.AddFrequency(from, models.FrequencyMonthly); !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func paidPayment(ref string, paidAt time.Time) *models.Payment {
	return &models.Payment{GatewayRef: ref, PayerName: "Ada", PayerEmail: "ada@example.com", PaidAt: &paidAt}
}

func TestCreateInitialOpensActiveSubscription(t *testing.T) {
	db := testutil.OpenTestDB(t)
	group := testutil.Group(t, db, testutil.Owner(t, db), -1001, models.FrequencyMonthly)
	m := services.NewSubscriptionMachine(func() time.Time { return day(2024, 1, 10) })

	sub, err := m.CreateInitial(db, group, paidPayment("pay_001", day(2024, 1, 10)), "@Ada_L", true, false)
	if err != nil {
		t.Fatalf("CreateInitial: %v", err)
	}
	if sub.Status != models.SubscriptionStatusActive || sub.SubscriberHandle != "ada_l" {
		t.Fatalf("unexpected subscription %+v", sub)
	}
	if !sub.ExpiresAt.Equal(day(2024, 2, 10)) || sub.RenewalCount != 0 || !sub.AutoRenew {
		t.Fatalf("expires=%s renewals=%d autoRenew=%v", sub.ExpiresAt, sub.RenewalCount, sub.AutoRenew)
	}
	if sub.CurrentPaymentRef != "pay_001" {
		t.Fatalf("current payment ref = %q", sub.CurrentPaymentRef)
	}
}

func TestCreateInitialWithLiveSubscriptionRenews(t *testing.T) {
	db := testutil.OpenTestDB(t)
	group := testutil.Group(t, db, testutil.Owner(t, db), -1001, models.FrequencyMonthly)
	existing := testutil.Subscription(t, db, group, "ada", models.SubscriptionStatusActive, day(2024, 2, 10))
	m := services.NewSubscriptionMachine(nil)

	sub, err := m.CreateInitial(db, group, paidPayment("pay_002", day(2024, 2, 1)), "ada", false, false)
	if err != nil {
		t.Fatalf("CreateInitial: %v", err)
	}
	if sub.ID != existing.ID {
		t.Fatalf("expected renewal of %s, got new subscription %s", existing.ID, sub.ID)
	}
	if !sub.ExpiresAt.Equal(day(2024, 3, 10)) || sub.RenewalCount != 1 {
		t.Fatalf("expires=%s renewals=%d", sub.ExpiresAt, sub.RenewalCount)
	}

	var count int64
	db.Model(&models.Subscription{}).Count(&count)
	if count != 1 {
		t.Fatalf("subscriptions = %d, want 1", count)
	}
}

func TestRenewAnchorsOnLaterOfPaidAtAndExpiry(t *testing.T) {
	db := testutil.OpenTestDB(t)
	group := testutil.Group(t, db, testutil.Owner(t, db), -1001, models.FrequencyMonthly)
	m := services.NewSubscriptionMachine(nil)

	t.Run("early renewal stacks", func(t *testing.T) {
		sub := testutil.Subscription(t, db, group, "early", models.SubscriptionStatusActive, day(2024, 2, 10))
		renewed, err := m.Renew(db, sub.ID, group, paidPayment("pay_early", day(2024, 2, 1)))
		if err != nil {
			t.Fatalf("Renew: %v", err)
		}
		if !renewed.ExpiresAt.Equal(day(2024, 3, 10)) {
			t.Fatalf("expires = %s", renewed.ExpiresAt)
		}
	})

	t.Run("lapsed renewal starts at payment", func(t *testing.T) {
		sub := testutil.Subscription(t, db, group, "late", models.SubscriptionStatusExpired, day(2024, 1, 1))
		renewed, err := m.Renew(db, sub.ID, group, paidPayment("pay_late", day(2024, 1, 15)))
		if err != nil {
			t.Fatalf("Renew: %v", err)
		}
		if !renewed.ExpiresAt.Equal(day(2024, 2, 15)) || renewed.Status != models.SubscriptionStatusActive {
			t.Fatalf("expires=%s status=%s", renewed.ExpiresAt, renewed.Status)
		}
		if renewed.ExpiredAt != nil {
			t.Fatal("expired_at should be cleared on renewal")
		}
	})
}

func TestRenewSamePaymentIsNoop(t *testing.T) {
	db := testutil.OpenTestDB(t)
	group := testutil.Group(t, db, testutil.Owner(t, db), -1001, models.FrequencyMonthly)
	sub := testutil.Subscription(t, db, group, "ada", models.SubscriptionStatusActive, day(2024, 2, 10))
	m := services.NewSubscriptionMachine(nil)

	first, err := m.Renew(db, sub.ID, group, paidPayment("pay_r1", day(2024, 2, 1)))
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	second, err := m.Renew(db, sub.ID, group, paidPayment("pay_r1", day(2024, 2, 1)))
	if err != nil {
		t.Fatalf("Renew replay: %v", err)
	}
	if !second.ExpiresAt.Equal(first.ExpiresAt) || second.RenewalCount != 1 {
		t.Fatalf("replay changed subscription: expires=%s renewals=%d", second.ExpiresAt, second.RenewalCount)
	}
}

func TestRenewRejectsCancelledAndMissing(t *testing.T) {
	db := testutil.OpenTestDB(t)
	group := testutil.Group(t, db, testutil.Owner(t, db), -1001, models.FrequencyMonthly)
	sub := testutil.Subscription(t, db, group, "ada", models.SubscriptionStatusCancelled, day(2024, 2, 10))
	m := services.NewSubscriptionMachine(nil)

	_, err := m.Renew(db, sub.ID, group, paidPayment("pay_x", day(2024, 2, 1)))
	if services.KindOf(err) != services.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	_, err = m.Renew(db, uuid.New(), group, paidPayment("pay_y", day(2024, 2, 1)))
	if services.KindOf(err) != services.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRenewRejectsForeignGroup(t *testing.T) {
	db := testutil.OpenTestDB(t)
	owner := testutil.Owner(t, db)
	group := testutil.Group(t, db, owner, -1001, models.FrequencyMonthly)
	other := testutil.Group(t, db, owner, -1002, models.FrequencyMonthly)
	sub := testutil.Subscription(t, db, group, "ada", models.SubscriptionStatusActive, day(2024, 2, 10))
	m := services.NewSubscriptionMachine(nil)

	if _, err := m.Renew(db, sub.ID, other, paidPayment("pay_z", day(2024, 2, 1))); services.KindOf(err) != services.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpgradeMovesGroup(t *testing.T) {
	db := testutil.OpenTestDB(t)
	owner := testutil.Owner(t, db)
	basic := testutil.Group(t, db, owner, -1001, models.FrequencyMonthly)
	premium := testutil.Group(t, db, owner, -1002, models.FrequencyQuarterly)
	sub := testutil.Subscription(t, db, basic, "ada", models.SubscriptionStatusActive, day(2024, 2, 10))
	m := services.NewSubscriptionMachine(nil)

	upgraded, err := m.Upgrade(db, sub.ID, premium, paidPayment("pay_up", day(2024, 2, 1)))
	if err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	if upgraded.GroupID != premium.ID || !upgraded.ExpiresAt.Equal(day(2024, 5, 10)) {
		t.Fatalf("group=%s expires=%s", upgraded.GroupID, upgraded.ExpiresAt)
	}
}

func TestCancel(t *testing.T) {
	db := testutil.OpenTestDB(t)
	group := testutil.Group(t, db, testutil.Owner(t, db), -1001, models.FrequencyMonthly)
	sub := testutil.Subscription(t, db, group, "ada", models.SubscriptionStatusActive, day(2024, 2, 10))
	m := services.NewSubscriptionMachine(func() time.Time { return day(2024, 1, 20) })

	cancelled, err := m.Cancel(db, sub.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != models.SubscriptionStatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("unexpected %+v", cancelled)
	}
	if _, err := m.Cancel(db, sub.ID); services.KindOf(err) != services.KindValidation {
		t.Fatalf("second cancel: expected validation error, got %v", err)
	}

	// A cancelled subscription frees the slot for a fresh one.
	fresh, err := m.CreateInitial(db, group, paidPayment("pay_new", day(2024, 1, 21)), "ada", false, false)
	if err != nil {
		t.Fatalf("CreateInitial after cancel: %v", err)
	}
	if fresh.ID == sub.ID {
		t.Fatal("expected a new subscription")
	}
}

func TestEntitlement(t *testing.T) {
	db := testutil.OpenTestDB(t)
	group := testutil.Group(t, db, testutil.Owner(t, db), -1001, models.FrequencyMonthly)
	testutil.Subscription(t, db, group, "active_user", models.SubscriptionStatusActive, day(2024, 2, 10))
	testutil.Subscription(t, db, group, "lapsed_user", models.SubscriptionStatusActive, day(2024, 1, 5))
	m := services.NewSubscriptionMachine(func() time.Time { return day(2024, 1, 20) })

	cases := []struct {
		handle   string
		entitled bool
		found    bool
	}{
		{"@Active_User", true, true},
		{"lapsed_user", false, true},
		{"stranger", false, false},
		{"", false, false},
	}
	for _, tc := range cases {
		sub, ok, err := m.Entitlement(db, group.ID, tc.handle)
		if err != nil {
			t.Fatalf("Entitlement(%q): %v", tc.handle, err)
		}
		if ok != tc.entitled || (sub != nil) != tc.found {
			t.Errorf("Entitlement(%q) = (%v, %v), want found=%v entitled=%v", tc.handle, sub != nil, ok, tc.found, tc.entitled)
		}
	}
}
