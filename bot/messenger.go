// Package bot connects the membership reconciler to Telegram.
package bot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/anjiri1684/groupgate/services"
)

// telegramAPI is the part of *tgbotapi.BotAPI the messenger calls.
type telegramAPI interface {
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
	GetChatAdministrators(config tgbotapi.ChatAdministratorsConfig) ([]tgbotapi.ChatMember, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Messenger implements services.GroupMessenger over the Bot API.
type Messenger struct {
	api    telegramAPI
	selfID int64
}

func NewMessenger(api telegramAPI, selfID int64) *Messenger {
	return &Messenger{api: api, selfID: selfID}
}

func (m *Messenger) CanRestrictMembers(ctx context.Context, chatID int64) (bool, error) {
	member, err := withContext(ctx, func() (tgbotapi.ChatMember, error) {
		return m.api.GetChatMember(tgbotapi.GetChatMemberConfig{
			ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: m.selfID},
		})
	})
	if err != nil {
		return false, fmt.Errorf("get own membership in %d: %w", chatID, err)
	}
	return member.IsCreator() || (member.IsAdministrator() && member.CanRestrictMembers), nil
}

func (m *Messenger) CanSendMessages(ctx context.Context, chatID int64) (bool, error) {
	member, err := withContext(ctx, func() (tgbotapi.ChatMember, error) {
		return m.api.GetChatMember(tgbotapi.GetChatMemberConfig{
			ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: m.selfID},
		})
	})
	if err != nil {
		return false, fmt.Errorf("get own membership in %d: %w", chatID, err)
	}
	switch member.Status {
	case services.RoleCreator, services.RoleAdministrator:
		return true, nil
	case services.RoleRestricted:
		return member.CanSendMessages, nil
	case services.RoleLeft, services.RoleKicked:
		return false, nil
	}

	chat, err := withContext(ctx, func() (tgbotapi.Chat, error) {
		return m.api.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: chatID}})
	})
	if err != nil {
		return false, fmt.Errorf("get chat %d: %w", chatID, err)
	}
	if chat.Permissions == nil {
		return true, nil
	}
	return chat.Permissions.CanSendMessages, nil
}

func (m *Messenger) ListAdministrators(ctx context.Context, chatID int64) ([]services.ChatMember, error) {
	admins, err := withContext(ctx, func() ([]tgbotapi.ChatMember, error) {
		return m.api.GetChatAdministrators(tgbotapi.ChatAdministratorsConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: chatID}})
	})
	if err != nil {
		return nil, fmt.Errorf("list administrators of %d: %w", chatID, err)
	}
	out := make([]services.ChatMember, 0, len(admins))
	for _, a := range admins {
		if a.User == nil {
			continue
		}
		out = append(out, toChatMember(a.User, a.Status))
	}
	return out, nil
}

// RemoveMember bans then immediately unbans, which drops the user from the chat but
// lets them rejoin once they pay.
func (m *Messenger) RemoveMember(ctx context.Context, chatID, userID int64) error {
	target := tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID}
	if _, err := withContext(ctx, func() (*tgbotapi.APIResponse, error) {
		return m.api.Request(tgbotapi.BanChatMemberConfig{ChatMemberConfig: target})
	}); err != nil {
		return fmt.Errorf("ban %d from %d: %w", userID, chatID, err)
	}
	if _, err := withContext(ctx, func() (*tgbotapi.APIResponse, error) {
		return m.api.Request(tgbotapi.UnbanChatMemberConfig{ChatMemberConfig: target, OnlyIfBanned: true})
	}); err != nil {
		return fmt.Errorf("unban %d from %d: %w", userID, chatID, err)
	}
	return nil
}

func (m *Messenger) SendMessage(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true
	if _, err := withContext(ctx, func() (tgbotapi.Message, error) { return m.api.Send(msg) }); err != nil {
		return fmt.Errorf("send message to %d: %w", chatID, err)
	}
	return nil
}

func toChatMember(u *tgbotapi.User, status string) services.ChatMember {
	return services.ChatMember{UserID: u.ID, Username: u.UserName, IsBot: u.IsBot, Role: status}
}

// withContext returns when fn does or ctx ends, whichever is first. The Bot API client
// has no context support; its HTTP timeout bounds the abandoned call.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}
