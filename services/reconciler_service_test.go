package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/anjiri1684/groupgate/models"
	"github.com/anjiri1684/groupgate/services"
	"github.com/anjiri1684/groupgate/testutil"
	"gorm.io/gorm"
)

type sentMessage struct {
	chatID int64
	text   string
}

type fakeMessenger struct {
	mu         sync.Mutex
	noRestrict map[int64]bool
	noSend     map[int64]bool
	admins     map[int64][]services.ChatMember
	adminErr   error
	removeErr  map[int64]error
	sendErr    map[int64]error
	removed    map[int64][]int64
	messages   []sentMessage
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		noRestrict: map[int64]bool{},
		noSend:     map[int64]bool{},
		admins:     map[int64][]services.ChatMember{},
		removeErr:  map[int64]error{},
		sendErr:    map[int64]error{},
		removed:    map[int64][]int64{},
	}
}

func (f *fakeMessenger) CanRestrictMembers(_ context.Context, chatID int64) (bool, error) {
	return !f.noRestrict[chatID], nil
}

func (f *fakeMessenger) CanSendMessages(_ context.Context, chatID int64) (bool, error) {
	return !f.noSend[chatID], nil
}

func (f *fakeMessenger) ListAdministrators(_ context.Context, chatID int64) ([]services.ChatMember, error) {
	return f.admins[chatID], f.adminErr
}

func (f *fakeMessenger) RemoveMember(_ context.Context, chatID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.removeErr[userID]; err != nil {
		return err
	}
	f.removed[chatID] = append(f.removed[chatID], userID)
	return nil
}

func (f *fakeMessenger) SendMessage(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sendErr[chatID]; err != nil {
		return err
	}
	f.messages = append(f.messages, sentMessage{chatID: chatID, text: text})
	return nil
}

func (f *fakeMessenger) removedFrom(chatID int64) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.removed[chatID]...)
}

type reconcilerFixture struct {
	db         *gorm.DB
	group      *models.Group
	messenger  *fakeMessenger
	reconciler *services.MembershipReconciler
}

var reconcileNow = day(2024, 1, 20)

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	db := testutil.OpenTestDB(t)
	group := testutil.Group(t, db, testutil.Owner(t, db), -1001, models.FrequencyMonthly)
	messenger := newFakeMessenger()
	machine := services.NewSubscriptionMachine(func() time.Time { return reconcileNow })
	r := services.NewMembershipReconciler(db, messenger, machine, 0)
	r.SupportHandle = "@support"
	r.RegistrationURL = "https://app.example.com/register"
	return &reconcilerFixture{db: db, group: group, messenger: messenger, reconciler: r}
}

func sameIDs(got []int64, want ...int64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestHandleMembersJoined(t *testing.T) {
	f := newReconcilerFixture(t)
	testutil.Subscription(t, f.db, f.group, "paid", models.SubscriptionStatusActive, day(2024, 2, 10))
	testutil.Subscription(t, f.db, f.group, "lapsed", models.SubscriptionStatusActive, day(2024, 1, 15))

	report, err := f.reconciler.HandleMembersJoined(context.Background(), f.group.ExternalChatID, []services.ChatMember{
		{UserID: 1, Username: "Paid"},
		{UserID: 2, Username: "lapsed"},
		{UserID: 3, Username: "stranger"},
		{UserID: 4, Username: "helper_bot", IsBot: true},
		{UserID: 5},
	})
	if err != nil {
		t.Fatalf("HandleMembersJoined: %v", err)
	}
	if got := f.messenger.removedFrom(f.group.ExternalChatID); !sameIDs(got, 2, 3, 5) {
		t.Fatalf("removed = %v, want [2 3 5]", got)
	}
	if report.MembersChecked != 4 || report.Removed != 3 {
		t.Fatalf("report = %+v", report)
	}

	var roster []models.GroupMember
	f.db.Order("user_id").Find(&roster)
	if len(roster) != 4 {
		t.Fatalf("roster size = %d, want 4", len(roster))
	}
	if roster[0].Status != models.MemberStatusPresent || roster[1].Status != models.MemberStatusRemoved {
		t.Fatalf("roster statuses = %s, %s", roster[0].Status, roster[1].Status)
	}
}

func TestHandleMembersJoinedWithoutPermission(t *testing.T) {
	f := newReconcilerFixture(t)
	f.messenger.noRestrict[f.group.ExternalChatID] = true

	_, err := f.reconciler.HandleMembersJoined(context.Background(), f.group.ExternalChatID, []services.ChatMember{{UserID: 3, Username: "stranger"}})
	if services.KindOf(err) != services.KindPermission {
		t.Fatalf("expected permission error, got %v", err)
	}
	if got := f.messenger.removedFrom(f.group.ExternalChatID); len(got) != 0 {
		t.Fatalf("removed %v without permission", got)
	}
}

func TestHandleMembersJoinedUnknownChat(t *testing.T) {
	f := newReconcilerFixture(t)
	_, err := f.reconciler.HandleMembersJoined(context.Background(), -999, []services.ChatMember{{UserID: 1, Username: "x"}})
	if services.KindOf(err) != services.KindNotFound || !errors.Is(err, services.ErrGroupNotRegistered) {
		t.Fatalf("expected not registered, got %v", err)
	}
}

func TestSweepRemovesOnlyUnentitledPlainMembers(t *testing.T) {
	f := newReconcilerFixture(t)
	testutil.Subscription(t, f.db, f.group, "paid", models.SubscriptionStatusActive, day(2024, 2, 10))
	testutil.Subscription(t, f.db, f.group, "expired", models.SubscriptionStatusExpired, day(2024, 1, 1))

	if _, err := f.reconciler.HandleMembersJoined(context.Background(), f.group.ExternalChatID, []services.ChatMember{{UserID: 1, Username: "paid"}}); err != nil {
		t.Fatalf("join: %v", err)
	}
	// Recorded as present before the subscription lapsed.
	f.db.Create(&models.GroupMember{GroupID: f.group.ID, UserID: 2, Username: "expired", Role: services.RoleMember, Status: models.MemberStatusPresent, JoinedAt: day(2023, 12, 1)})
	f.messenger.admins[f.group.ExternalChatID] = []services.ChatMember{
		{UserID: 10, Username: "owner", Role: services.RoleCreator},
		{UserID: 11, Username: "mod", Role: services.RoleAdministrator},
		{UserID: 12, Username: "gate_bot", Role: services.RoleAdministrator, IsBot: true},
	}

	report, err := f.reconciler.Sweep(context.Background(), 0)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := f.messenger.removedFrom(f.group.ExternalChatID); !sameIDs(got, 2) {
		t.Fatalf("removed = %v, want [2]", got)
	}
	if report.GroupsChecked != 1 || report.MembersChecked != 2 || report.Removed != 1 {
		t.Fatalf("report = %+v", report)
	}

	var group models.Group
	f.db.Take(&group, "id = ?", f.group.ID)
	if group.LastCheckedAt == nil {
		t.Fatal("last_checked_at not stamped")
	}

	// Running again removes nobody: every remaining plain member is entitled.
	report, _ = f.reconciler.Sweep(context.Background(), 0)
	if report.Removed != 0 {
		t.Fatalf("second sweep removed %d", report.Removed)
	}
}

func TestSweepTreatsDemotedAdminAsMember(t *testing.T) {
	f := newReconcilerFixture(t)
	f.db.Create(&models.GroupMember{GroupID: f.group.ID, UserID: 7, Username: "former_mod", Role: services.RoleAdministrator, Status: models.MemberStatusPresent, JoinedAt: day(2023, 12, 1)})

	if _, err := f.reconciler.Sweep(context.Background(), f.group.ExternalChatID); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := f.messenger.removedFrom(f.group.ExternalChatID); !sameIDs(got, 7) {
		t.Fatalf("removed = %v, want [7]", got)
	}
}

func TestSweepContinuesPastFailures(t *testing.T) {
	f := newReconcilerFixture(t)
	blocked := testutil.Group(t, f.db, testutil.Owner(t, f.db), -2002, models.FrequencyMonthly)
	f.messenger.noRestrict[blocked.ExternalChatID] = true
	f.messenger.adminErr = errors.New("telegram timeout")
	f.messenger.removeErr[1] = errors.New("user is an administrator of the chat")

	for _, id := range []int64{1, 2} {
		f.db.Create(&models.GroupMember{GroupID: f.group.ID, UserID: id, Username: "u" + string(rune('0'+id)), Role: services.RoleMember, Status: models.MemberStatusPresent, JoinedAt: day(2023, 12, 1)})
	}

	report, err := f.reconciler.Sweep(context.Background(), 0)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.GroupsChecked != 1 || report.GroupsSkipped != 1 {
		t.Fatalf("report = %+v", report)
	}
	if report.Failed != 1 || report.Removed != 1 {
		t.Fatalf("report = %+v", report)
	}
	if got := f.messenger.removedFrom(f.group.ExternalChatID); !sameIDs(got, 2) {
		t.Fatalf("removed = %v, want [2]", got)
	}
}

func TestSweepUnknownChat(t *testing.T) {
	f := newReconcilerFixture(t)
	if _, err := f.reconciler.Sweep(context.Background(), -5); services.KindOf(err) != services.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSweepStopsOnCancel(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.reconciler.Sweep(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHandleMemberLeft(t *testing.T) {
	f := newReconcilerFixture(t)
	testutil.Subscription(t, f.db, f.group, "paid", models.SubscriptionStatusActive, day(2024, 2, 10))
	f.reconciler.HandleMembersJoined(context.Background(), f.group.ExternalChatID, []services.ChatMember{{UserID: 1, Username: "paid"}})

	if err := f.reconciler.HandleMemberLeft(context.Background(), f.group.ExternalChatID, services.ChatMember{UserID: 1}); err != nil {
		t.Fatalf("HandleMemberLeft: %v", err)
	}
	var gm models.GroupMember
	f.db.Take(&gm, "user_id = ?", 1)
	if gm.Status != models.MemberStatusLeft {
		t.Fatalf("status = %s", gm.Status)
	}
}

func TestHandleBotAdded(t *testing.T) {
	added := services.BotMembershipChange{ChatID: -1001, ChatTitle: "VIP", InviterID: 42, InviterUsername: "owner", OldStatus: services.RoleLeft, NewStatus: services.RoleAdministrator}

	t.Run("private message to inviter", func(t *testing.T) {
		f := newReconcilerFixture(t)
		if err := f.reconciler.HandleBotAdded(context.Background(), added); err != nil {
			t.Fatalf("HandleBotAdded: %v", err)
		}
		if len(f.messenger.messages) != 1 || f.messenger.messages[0].chatID != 42 {
			t.Fatalf("messages = %+v", f.messenger.messages)
		}
	})

	t.Run("falls back to group", func(t *testing.T) {
		f := newReconcilerFixture(t)
		f.messenger.sendErr[42] = errors.New("bot can't initiate conversation with a user")
		if err := f.reconciler.HandleBotAdded(context.Background(), added); err != nil {
			t.Fatalf("HandleBotAdded: %v", err)
		}
		if len(f.messenger.messages) != 1 || f.messenger.messages[0].chatID != -1001 {
			t.Fatalf("messages = %+v", f.messenger.messages)
		}
	})

	t.Run("no way to speak", func(t *testing.T) {
		f := newReconcilerFixture(t)
		f.messenger.sendErr[42] = errors.New("blocked")
		f.messenger.noSend[-1001] = true
		if err := f.reconciler.HandleBotAdded(context.Background(), added); services.KindOf(err) != services.KindPermission {
			t.Fatalf("expected permission error, got %v", err)
		}
		if len(f.messenger.messages) != 0 {
			t.Fatalf("messages = %+v", f.messenger.messages)
		}
	})

	t.Run("ignores other transitions", func(t *testing.T) {
		f := newReconcilerFixture(t)
		promoted := added
		promoted.OldStatus = services.RoleMember
		if err := f.reconciler.HandleBotAdded(context.Background(), promoted); err != nil {
			t.Fatalf("HandleBotAdded: %v", err)
		}
		if len(f.messenger.messages) != 0 {
			t.Fatalf("messages = %+v", f.messenger.messages)
		}
	})
}

func TestSubscriptionStatus(t *testing.T) {
	f := newReconcilerFixture(t)
	testutil.Subscription(t, f.db, f.group, "paid", models.SubscriptionStatusActive, day(2024, 2, 10))

	st, err := f.reconciler.SubscriptionStatus(context.Background(), f.group.ExternalChatID, "@paid")
	if err != nil {
		t.Fatalf("SubscriptionStatus: %v", err)
	}
	if !st.Entitled || st.Subscription == nil {
		t.Fatalf("status = %+v", st)
	}

	st, err = f.reconciler.SubscriptionStatus(context.Background(), f.group.ExternalChatID, "nobody")
	if err != nil || st.Entitled || st.Subscription != nil {
		t.Fatalf("status = %+v err = %v", st, err)
	}
}

func TestRemovalThrottle(t *testing.T) {
	db := testutil.OpenTestDB(t)
	group := testutil.Group(t, db, testutil.Owner(t, db), -1001, models.FrequencyMonthly)
	messenger := newFakeMessenger()
	machine := services.NewSubscriptionMachine(func() time.Time { return reconcileNow })
	r := services.NewMembershipReconciler(db, messenger, machine, 30*time.Millisecond)

	start := time.Now()
	_, err := r.HandleMembersJoined(context.Background(), group.ExternalChatID, []services.ChatMember{
		{UserID: 1, Username: "a"}, {UserID: 2, Username: "b"}, {UserID: 3, Username: "c"},
	})
	if err != nil {
		t.Fatalf("HandleMembersJoined: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("three removals took %s, want at least two intervals", elapsed)
	}
}
