package bot

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/anjiri1684/groupgate/services"
)

// Reconciler is what the update loop drives.
type Reconciler interface {
	HandleMembersJoined(ctx context.Context, chatID int64, members []services.ChatMember) (services.MembershipReport, error)
	HandleMemberLeft(ctx context.Context, chatID int64, member services.ChatMember) error
	HandleBotAdded(ctx context.Context, ev services.BotMembershipChange) error
	Sweep(ctx context.Context, chatID int64) (services.MembershipReport, error)
	SubscriptionStatus(ctx context.Context, chatID int64, handle string) (*services.MemberStatus, error)
}

type updateSource interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Bot struct {
	updates       updateSource
	messenger     services.GroupMessenger
	reconciler    Reconciler
	selfID        int64
	supportHandle string
	registerURL   string
	handleTimeout time.Duration
	sweepTimeout  time.Duration

	// base outlives a single update so a forced sweep is not cut short by handleTimeout.
	base     context.Context
	mu       sync.Mutex
	sweeping map[int64]bool
	sweeps   sync.WaitGroup
}

func New(updates updateSource, messenger services.GroupMessenger, reconciler Reconciler, selfID int64, supportHandle, registerURL string) *Bot {
	return &Bot{
		updates:       updates,
		messenger:     messenger,
		reconciler:    reconciler,
		selfID:        selfID,
		supportHandle: supportHandle,
		registerURL:   registerURL,
		handleTimeout: 2 * time.Minute,
		sweepTimeout:  time.Hour,
		sweeping:      map[int64]bool{},
	}
}

// Connect logs in with token and returns the API client and its messenger. timeout bounds
// every Bot API request; long polls need it above the update timeout.
func Connect(token string, timeout time.Duration) (*tgbotapi.BotAPI, *Messenger, error) {
	if token == "" {
		return nil, nil, fmt.Errorf("telegram bot token is required")
	}
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	log.Printf("✅ Telegram bot authorized as @%s", api.Self.UserName)
	return api, NewMessenger(api, api.Self.ID), nil
}

// Run consumes updates until ctx ends.
func (b *Bot) Run(ctx context.Context) {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 60
	cfg.AllowedUpdates = []string{"message", "my_chat_member", "chat_member"}
	b.base = ctx
	updates := b.updates.GetUpdatesChan(cfg)
	log.Println("✅ Bot update loop started")

	for {
		select {
		case <-ctx.Done():
			b.updates.StopReceivingUpdates()
			b.sweeps.Wait()
			log.Println("Bot update loop stopped")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			hctx, cancel := context.WithTimeout(ctx, b.handleTimeout)
			b.HandleUpdate(hctx, update)
			cancel()
		}
	}
}

// HandleUpdate dispatches a single update. Errors are logged, never returned, so one bad
// update cannot stall the loop.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.MyChatMember != nil:
		b.handleOwnStatus(ctx, update.MyChatMember)
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) handleOwnStatus(ctx context.Context, change *tgbotapi.ChatMemberUpdated) {
	if change.NewChatMember.User == nil || change.NewChatMember.User.ID != b.selfID {
		return
	}
	ev := services.BotMembershipChange{
		ChatID:          change.Chat.ID,
		ChatTitle:       change.Chat.Title,
		InviterID:       change.From.ID,
		InviterUsername: change.From.UserName,
		OldStatus:       change.OldChatMember.Status,
		NewStatus:       change.NewChatMember.Status,
	}
	if err := b.reconciler.HandleBotAdded(ctx, ev); err != nil {
		log.Printf("⚠️ Bot status change in %d (%s → %s): %v", ev.ChatID, ev.OldStatus, ev.NewStatus, err)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	chatID := msg.Chat.ID

	if len(msg.NewChatMembers) > 0 {
		members := make([]services.ChatMember, 0, len(msg.NewChatMembers))
		for i := range msg.NewChatMembers {
			u := &msg.NewChatMembers[i]
			if u.ID == b.selfID {
				continue
			}
			members = append(members, toChatMember(u, services.RoleMember))
		}
		if len(members) == 0 {
			return
		}
		report, err := b.reconciler.HandleMembersJoined(ctx, chatID, members)
		if err != nil {
			log.Printf("⚠️ Join check in %d: %v", chatID, err)
			return
		}
		if report.Removed > 0 {
			log.Printf("Removed %d unpaid member(s) on join in %d", report.Removed, chatID)
		}
		return
	}

	if msg.LeftChatMember != nil {
		if msg.LeftChatMember.ID == b.selfID {
			return
		}
		if err := b.reconciler.HandleMemberLeft(ctx, chatID, toChatMember(msg.LeftChatMember, services.RoleLeft)); err != nil {
			log.Printf("⚠️ Leave bookkeeping in %d: %v", chatID, err)
		}
		return
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	from := "unknown"
	if msg.From != nil {
		from = fmt.Sprintf("%d", msg.From.ID)
	}
	log.Printf("Command /%s from %s in %d", msg.Command(), from, chatID)

	var reply string
	switch msg.Command() {
	case "start":
		reply = b.welcome()
	case "id":
		if msg.Chat.IsPrivate() {
			reply = "This command only works in groups!"
			break
		}
		reply = fmt.Sprintf("🔑 *GROUP ID:* `%d`\n\nUse this ID to register your group.\n%s", chatID, b.registerURL)
	case "check":
		reply = b.check(ctx, chatID, msg.CommandArguments())
	case "force":
		if reply = b.force(ctx, msg); reply == "" {
			return
		}
	default:
		return
	}
	b.reply(ctx, chatID, reply)
}

func (b *Bot) welcome() string {
	return fmt.Sprintf("👋 *Welcome!*\n\n"+
		"To get started:\n"+
		"1. Add me to your group\n"+
		"2. I'll provide your Group ID\n"+
		"3. Register your group: %s\n\n"+
		"*Need help?* Contact %s", b.registerURL, b.supportHandle)
}

func (b *Bot) check(ctx context.Context, chatID int64, args string) string {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return "Please specify a username (e.g., /check @username)"
	}
	handle := fields[0]
	status, err := b.reconciler.SubscriptionStatus(ctx, chatID, handle)
	switch services.KindOf(err) {
	case "":
	case services.KindNotFound:
		return "This group is not registered in our system"
	case services.KindValidation:
		return "Please specify a username (e.g., /check @username)"
	default:
		log.Printf("⚠️ /check %s in %d: %v", handle, chatID, err)
		return "Failed to check subscription status, please try again later"
	}

	if status.Subscription == nil {
		return fmt.Sprintf("❌ *No subscription found* for @%s", status.Handle)
	}
	sub := status.Subscription
	state := "❌ Not active"
	if status.Entitled {
		state = "✅ Active"
	}
	return fmt.Sprintf("🔍 *Subscription status for @%s*\n\n"+
		"Status: %s\n"+
		"Group: %s\n"+
		"Expires: %s",
		status.Handle, state, status.Group, sub.ExpiresAt.UTC().Format("January 2, 2006"))
}

func (b *Bot) force(ctx context.Context, msg *tgbotapi.Message) string {
	if msg.Chat.IsPrivate() {
		return "This command only works in groups!"
	}
	if msg.From == nil || !b.isAdmin(ctx, msg.Chat.ID, msg.From.ID) {
		return "Only group administrators can run this command."
	}
	chatID := msg.Chat.ID

	b.mu.Lock()
	running := b.sweeping[chatID]
	b.sweeping[chatID] = true
	b.mu.Unlock()
	if running {
		return "A subscription check is already running for this group."
	}

	b.reply(ctx, chatID, "⏳ Checking members now, I'll report back when it's done.")
	b.startSweep(ctx, chatID)
	return ""
}

// startSweep runs a sweep of chatID off the update loop and replies with the result.
// The caller must have marked chatID as sweeping.
func (b *Bot) startSweep(ctx context.Context, chatID int64) {
	base := b.base
	if base == nil {
		base = context.WithoutCancel(ctx)
	}
	b.sweeps.Add(1)
	go func() {
		defer b.sweeps.Done()
		defer func() {
			b.mu.Lock()
			delete(b.sweeping, chatID)
			b.mu.Unlock()
		}()

		sctx, cancel := context.WithTimeout(base, b.sweepTimeout)
		defer cancel()
		report, err := b.reconciler.Sweep(sctx, chatID)
		if err != nil {
			log.Printf("🔥 /force in %d failed: %v", chatID, err)
			b.reply(sctx, chatID, "Failed to complete subscription check")
			return
		}
		b.reply(sctx, chatID, fmt.Sprintf("✅ Subscription enforcement completed! Checked %d member(s), removed %d.", report.MembersChecked, report.Removed))
	}()
}

func (b *Bot) isAdmin(ctx context.Context, chatID, userID int64) bool {
	admins, err := b.messenger.ListAdministrators(ctx, chatID)
	if err != nil {
		log.Printf("⚠️ List administrators of %d: %v", chatID, err)
		return false
	}
	for _, a := range admins {
		if a.UserID == userID {
			return true
		}
	}
	return false
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if err := b.messenger.SendMessage(ctx, chatID, text); err != nil {
		log.Printf("⚠️ Reply in %d: %v", chatID, err)
	}
}
