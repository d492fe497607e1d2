package bot

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"pulse-bot/internal/models"
	"pulse-bot/internal/session"
)

const maxNotificationRunes = 1000

// startNotify opens the reminder wizard. Premium only.
func (t *TelegramBot) startNotify(ctx context.Context, chatID, tgID int64, u *models.User) {
	if !t.ledger.IsPremium(u) {
		t.send(chatID, textNeedPremium, subscriptionKeyboard(t.ledger.IsActive(u)))
		return
	}
	t.sessions.ClearScratch(ctx, tgID)
	t.sessions.SetState(ctx, tgID, session.StateNotifyDate)
	t.send(chatID, textNotifyDate, backKeyboard())
}

func (t *TelegramBot) handleNotifyInput(ctx context.Context, chatID, tgID int64, u *models.User, state session.State, text string) {
	if !t.ledger.IsPremium(u) {
		t.sessions.Clear(ctx, tgID)
		t.sessions.SetState(ctx, tgID, session.StateIdle)
		t.send(chatID, textNeedPremium, subscriptionKeyboard(t.ledger.IsActive(u)))
		return
	}
	now := t.ledger.Now().UTC()
	scratch := t.sessions.GetScratch(ctx, tgID)

	switch state {
	case session.StateNotifyDate:
		day, err := time.Parse("2006-01-02", text)
		today := now.Truncate(24 * time.Hour)
		if err != nil || day.Before(today) {
			t.send(chatID, textNotifyDateInvalid, nil)
			return
		}
		scratch["date"] = day.Format("2006-01-02")
		t.sessions.SetScratch(ctx, tgID, scratch)
		t.sessions.SetState(ctx, tgID, session.StateNotifyTime)
		t.send(chatID, textNotifyTime, nil)

	case session.StateNotifyTime:
		at, err := time.Parse("2006-01-02 15:04", scratch.String("date")+" "+text)
		if err != nil || !at.After(now) {
			t.send(chatID, textNotifyTimeInvalid, nil)
			return
		}
		scratch["scheduled_at"] = at.Format(time.RFC3339)
		t.sessions.SetScratch(ctx, tgID, scratch)
		t.sessions.SetState(ctx, tgID, session.StateNotifyText)
		t.send(chatID, textNotifyText, nil)

	case session.StateNotifyText:
		if text == "" || utf8.RuneCountInString(text) > maxNotificationRunes {
			t.send(chatID, textNotifyTextInvalid, nil)
			return
		}
		scratch["text"] = text
		t.sessions.SetScratch(ctx, tgID, scratch)
		t.sessions.SetState(ctx, tgID, session.StateNotifyConfirm)
		at, _ := time.Parse(time.RFC3339, scratch.String("scheduled_at"))
		t.send(chatID, fmt.Sprintf(textNotifyConfirm, at.Format("02.01.2006 15:04"), text), confirmKeyboard())

	case session.StateNotifyConfirm:
		switch strings.ToLower(text) {
		case "да", "yes", "y":
			t.confirmNotify(ctx, chatID, tgID, u, true)
		case "нет", "no", "n":
			t.confirmNotify(ctx, chatID, tgID, u, false)
		default:
			t.send(chatID, textMenu, confirmKeyboard())
		}
	}
}

func (t *TelegramBot) confirmNotify(ctx context.Context, chatID, tgID int64, u *models.User, yes bool) {
	if t.sessions.CurrentState(ctx, tgID) != session.StateNotifyConfirm {
		t.showMenu(ctx, chatID, u)
		return
	}
	scratch := t.sessions.GetScratch(ctx, tgID)
	t.sessions.Clear(ctx, tgID)
	t.sessions.SetState(ctx, tgID, session.StateIdle)

	if !yes {
		t.send(chatID, textNotifyCancelled, backKeyboard())
		return
	}

	at, err := time.Parse(time.RFC3339, scratch.String("scheduled_at"))
	if err != nil || scratch.String("text") == "" {
		t.send(chatID, textSessionLost, backKeyboard())
		return
	}
	if !at.After(t.ledger.Now()) {
		t.send(chatID, textNotifyTimeInvalid, backKeyboard())
		return
	}
	n := &models.Notification{UserID: u.ID, ScheduledAt: at, Text: scratch.String("text")}
	if err := t.store.CreateNotification(ctx, n); err != nil {
		t.fail(chatID, "save notification", err, "user_id", u.ID)
		return
	}
	t.logger.Infow("Notification scheduled", "user_id", u.ID, "notification_id", n.ID, "scheduled_at", at)
	t.send(chatID, textNotifySaved, backKeyboard())
}
