package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/anjiri1684/groupgate/models"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	RoleCreator       = "creator"
	RoleAdministrator = "administrator"
	RoleMember        = "member"
	RoleRestricted    = "restricted"
	RoleLeft          = "left"
	RoleKicked        = "kicked"
)

var ErrGroupNotRegistered = errors.New("chat is not a registered group")

// ChatMember is a user as seen in one chat.
type ChatMember struct {
	UserID   int64
	Username string
	IsBot    bool
	Role     string
}

// plain reports whether the member is subject to entitlement checks. Owners,
// administrators, and bots never are.
func (m ChatMember) plain() bool {
	if m.IsBot {
		return false
	}
	return m.Role == "" || m.Role == RoleMember || m.Role == RoleRestricted
}

// GroupMessenger is the slice of the chat platform the reconciler needs.
type GroupMessenger interface {
	CanRestrictMembers(ctx context.Context, chatID int64) (bool, error)
	CanSendMessages(ctx context.Context, chatID int64) (bool, error)
	ListAdministrators(ctx context.Context, chatID int64) ([]ChatMember, error)
	RemoveMember(ctx context.Context, chatID, userID int64) error
	SendMessage(ctx context.Context, chatID int64, text string) error
}

type MembershipReport struct {
	GroupsChecked  int
	GroupsSkipped  int
	MembersChecked int
	Removed        int
	Failed         int
}

func (r *MembershipReport) add(o MembershipReport) {
	r.GroupsChecked += o.GroupsChecked
	r.GroupsSkipped += o.GroupsSkipped
	r.MembersChecked += o.MembersChecked
	r.Removed += o.Removed
	r.Failed += o.Failed
}

// BotMembershipChange describes the bot's own status changing in a chat.
type BotMembershipChange struct {
	ChatID          int64
	ChatTitle       string
	InviterID       int64
	InviterUsername string
	OldStatus       string
	NewStatus       string
}

type MembershipReconciler struct {
	DB              *gorm.DB
	Messenger       GroupMessenger
	Machine         *SubscriptionMachine
	SupportHandle   string
	RegistrationURL string

	limiter *rate.Limiter
}

// NewMembershipReconciler spaces removals at least removalInterval apart across all
// groups. A zero interval disables the throttle.
func NewMembershipReconciler(db *gorm.DB, messenger GroupMessenger, machine *SubscriptionMachine, removalInterval time.Duration) *MembershipReconciler {
	limit := rate.Inf
	if removalInterval > 0 {
		limit = rate.Every(removalInterval)
	}
	return &MembershipReconciler{
		DB:        db,
		Messenger: messenger,
		Machine:   machine,
		limiter:   rate.NewLimiter(limit, 1),
	}
}

// HandleMembersJoined checks each new plain member against the ledger and removes
// the ones without an entitling subscription.
func (r *MembershipReconciler) HandleMembersJoined(ctx context.Context, chatID int64, members []ChatMember) (MembershipReport, error) {
	const op = "handle members joined"
	var report MembershipReport

	group, err := r.groupByChat(ctx, op, chatID)
	if err != nil {
		return report, err
	}
	for _, m := range members {
		if m.IsBot {
			continue
		}
		if err := r.recordMember(ctx, group, m, models.MemberStatusPresent); err != nil {
			log.Printf("⚠️ Failed to record member %d in group %s: %v", m.UserID, group.ID, err)
		}
	}

	can, err := r.Messenger.CanRestrictMembers(ctx, chatID)
	if err != nil {
		return report, Dependency(op, err)
	}
	if !can {
		log.Printf("⚠️ Bot cannot remove members in %s (%d), skipping join check", group.Name, chatID)
		report.GroupsSkipped++
		return report, Permission(op, fmt.Errorf("missing restrict permission in chat %d", chatID))
	}

	report.GroupsChecked++
	for _, m := range members {
		if !m.plain() {
			continue
		}
		report.MembersChecked++
		removed, err := r.enforce(ctx, group, m)
		if err != nil {
			report.Failed++
			log.Printf("🔥 Failed to check @%s (%d) in %s: %v", m.Username, m.UserID, group.Name, err)
			continue
		}
		if removed {
			report.Removed++
		}
	}
	return report, nil
}

// HandleMemberLeft marks a departed member in the roster.
func (r *MembershipReconciler) HandleMemberLeft(ctx context.Context, chatID int64, member ChatMember) error {
	group, err := r.groupByChat(ctx, "handle member left", chatID)
	if err != nil {
		return err
	}
	return r.DB.WithContext(ctx).Model(&models.GroupMember{}).
		Where("group_id = ? AND user_id = ?", group.ID, member.UserID).
		Update("status", models.MemberStatusLeft).Error
}

// Sweep reconciles every active group, or only the one with chatID when it is non-zero.
// A failure in one group is logged and the sweep moves on.
func (r *MembershipReconciler) Sweep(ctx context.Context, chatID int64) (MembershipReport, error) {
	var report MembershipReport

	q := r.DB.WithContext(ctx).Where("is_active = ?", true)
	if chatID != 0 {
		q = q.Where("external_chat_id = ?", chatID)
	}
	var groups []models.Group
	if err := q.Order("created_at").Find(&groups).Error; err != nil {
		return report, fmt.Errorf("sweep: list groups: %w", err)
	}
	if chatID != 0 && len(groups) == 0 {
		return report, NotFound("sweep", fmt.Errorf("%w: %d", ErrGroupNotRegistered, chatID))
	}

	log.Printf("Starting membership sweep of %d group(s)", len(groups))
	for i := range groups {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		gr, err := r.sweepGroup(ctx, &groups[i])
		report.add(gr)
		if err != nil {
			log.Printf("🔥 Membership sweep of %s (%d) failed: %v", groups[i].Name, groups[i].ExternalChatID, err)
		}
	}
	log.Printf("✅ Membership sweep done: %d checked, %d skipped, %d members, %d removed, %d failed",
		report.GroupsChecked, report.GroupsSkipped, report.MembersChecked, report.Removed, report.Failed)
	return report, nil
}

func (r *MembershipReconciler) sweepGroup(ctx context.Context, group *models.Group) (MembershipReport, error) {
	var report MembershipReport

	can, err := r.Messenger.CanRestrictMembers(ctx, group.ExternalChatID)
	if err != nil {
		report.GroupsSkipped++
		return report, Dependency("sweep group", err)
	}
	if !can {
		report.GroupsSkipped++
		return report, Permission("sweep group", fmt.Errorf("missing restrict permission in chat %d", group.ExternalChatID))
	}
	report.GroupsChecked++

	candidates := map[int64]ChatMember{}
	var order []int64

	var roster []models.GroupMember
	if err := r.DB.WithContext(ctx).Where("group_id = ? AND status = ?", group.ID, models.MemberStatusPresent).
		Order("joined_at").Find(&roster).Error; err != nil {
		return report, fmt.Errorf("load roster: %w", err)
	}
	for _, gm := range roster {
		candidates[gm.UserID] = ChatMember{UserID: gm.UserID, Username: gm.Username, Role: gm.Role}
		order = append(order, gm.UserID)
	}

	admins, err := r.Messenger.ListAdministrators(ctx, group.ExternalChatID)
	if err != nil {
		log.Printf("⚠️ Could not list administrators of %s, using roster only: %v", group.Name, err)
	} else {
		// Roster roles are only a cache; anyone missing from a fresh admin list is a plain member.
		for id, m := range candidates {
			if !m.plain() && !m.IsBot {
				m.Role = RoleMember
				candidates[id] = m
			}
		}
	}
	for _, a := range admins {
		if _, seen := candidates[a.UserID]; !seen {
			order = append(order, a.UserID)
		}
		candidates[a.UserID] = a
		if !a.IsBot {
			if err := r.recordMember(ctx, group, a, models.MemberStatusPresent); err != nil {
				log.Printf("⚠️ Failed to record administrator %d in %s: %v", a.UserID, group.Name, err)
			}
		}
	}

	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		m := candidates[id]
		if !m.plain() {
			continue
		}
		report.MembersChecked++
		removed, err := r.enforce(ctx, group, m)
		if err != nil {
			report.Failed++
			log.Printf("🔥 Failed to check @%s (%d) in %s: %v", m.Username, m.UserID, group.Name, err)
			continue
		}
		if removed {
			report.Removed++
		}
	}

	now := r.Machine.Now().UTC()
	if err := r.DB.WithContext(ctx).Model(group).Update("last_checked_at", now).Error; err != nil {
		log.Printf("⚠️ Failed to stamp last check for %s: %v", group.Name, err)
	}
	return report, nil
}

// enforce removes m from group unless they hold an entitling subscription.
func (r *MembershipReconciler) enforce(ctx context.Context, group *models.Group, m ChatMember) (bool, error) {
	_, entitled, err := r.Machine.Entitlement(r.DB.WithContext(ctx), group.ID, m.Username)
	if err != nil {
		return false, err
	}
	if entitled {
		return false, nil
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return false, err
	}
	if err := r.Messenger.RemoveMember(ctx, group.ExternalChatID, m.UserID); err != nil {
		return false, Dependency("remove member", err)
	}
	log.Printf("🚫 Removed @%s (%d) from %s: no active subscription", m.Username, m.UserID, group.Name)

	now := r.Machine.Now().UTC()
	err = r.DB.WithContext(ctx).Model(&models.GroupMember{}).
		Where("group_id = ? AND user_id = ?", group.ID, m.UserID).
		Updates(map[string]interface{}{"status": models.MemberStatusRemoved, "removed_at": now}).Error
	if err != nil {
		log.Printf("⚠️ Removed %d from %s but failed to update roster: %v", m.UserID, group.Name, err)
	}
	return true, nil
}

func (r *MembershipReconciler) recordMember(ctx context.Context, group *models.Group, m ChatMember, status string) error {
	role := m.Role
	if role == "" {
		role = RoleMember
	}
	entry := models.GroupMember{
		GroupID:  group.ID,
		UserID:   m.UserID,
		Username: models.NormalizeHandle(m.Username),
		Role:     role,
		Status:   status,
		JoinedAt: r.Machine.Now().UTC(),
	}
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "group_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "role", "status", "updated_at"}),
	}).Create(&entry).Error
}

func (r *MembershipReconciler) groupByChat(ctx context.Context, op string, chatID int64) (*models.Group, error) {
	var group models.Group
	err := r.DB.WithContext(ctx).Take(&group, "external_chat_id = ?", chatID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, NotFound(op, fmt.Errorf("%w: %d", ErrGroupNotRegistered, chatID))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &group, nil
}

// HandleBotAdded greets whoever added the bot to a chat. The greeting goes to the
// inviter privately; if that fails it is posted in the chat when the bot may speak there.
func (r *MembershipReconciler) HandleBotAdded(ctx context.Context, ev BotMembershipChange) error {
	const op = "handle bot added"
	wasOut := ev.OldStatus == RoleLeft || ev.OldStatus == RoleKicked || ev.OldStatus == ""
	isIn := ev.NewStatus == RoleMember || ev.NewStatus == RoleAdministrator
	if !wasOut || !isIn {
		return nil
	}

	log.Printf("Bot added to %q (%d) by @%s", ev.ChatTitle, ev.ChatID, ev.InviterUsername)
	if ev.InviterID != 0 {
		err := r.Messenger.SendMessage(ctx, ev.InviterID, r.setupMessage(ev))
		if err == nil {
			return nil
		}
		log.Printf("⚠️ Could not message inviter %d privately: %v", ev.InviterID, err)
	}

	can, err := r.Messenger.CanSendMessages(ctx, ev.ChatID)
	if err != nil {
		return Dependency(op, err)
	}
	if !can {
		log.Printf("⚠️ Bot cannot post in %q (%d), setup instructions not delivered", ev.ChatTitle, ev.ChatID)
		return Permission(op, fmt.Errorf("cannot send messages in chat %d", ev.ChatID))
	}
	if err := r.Messenger.SendMessage(ctx, ev.ChatID, r.groupSetupMessage(ev)); err != nil {
		return Dependency(op, err)
	}
	return nil
}

func (r *MembershipReconciler) setupMessage(ev BotMembershipChange) string {
	return fmt.Sprintf("Thanks for adding me to *%s*.\n\n"+
		"To start collecting subscriptions:\n"+
		"1. Make me an administrator with permission to ban users.\n"+
		"2. Register the group with this chat ID: `%d`\n%s\n\n"+
		"Questions? Contact %s.",
		ev.ChatTitle, ev.ChatID, r.RegistrationURL, r.SupportHandle)
}

func (r *MembershipReconciler) groupSetupMessage(ev BotMembershipChange) string {
	return fmt.Sprintf("Hello! I manage paid access for this group.\n\n"+
		"An administrator should promote me with the ban users permission and register this chat ID: `%d`\n%s",
		ev.ChatID, r.RegistrationURL)
}

type MemberStatus struct {
	Handle       string
	Group        string
	Entitled     bool
	Subscription *models.Subscription
}

// SubscriptionStatus looks up a member's standing in the group bound to chatID.
func (r *MembershipReconciler) SubscriptionStatus(ctx context.Context, chatID int64, handle string) (*MemberStatus, error) {
	const op = "subscription status"
	group, err := r.groupByChat(ctx, op, chatID)
	if err != nil {
		return nil, err
	}
	handle = models.NormalizeHandle(handle)
	if handle == "" {
		return nil, Validation(op, models.ErrMissingSubscriber)
	}
	sub, entitled, err := r.Machine.Entitlement(r.DB.WithContext(ctx), group.ID, handle)
	if err != nil {
		return nil, err
	}
	return &MemberStatus{Handle: handle, Group: group.Name, Entitled: entitled, Subscription: sub}, nil
}
