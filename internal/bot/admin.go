package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"pulse-bot/internal/models"
	"pulse-bot/internal/session"
)

func (t *TelegramBot) showAdminPanel(ctx context.Context, chatID, tgID int64) {
	if !t.cfg.IsAdmin(tgID) {
		t.send(chatID, textAdminDenied, nil)
		return
	}
	t.sessions.Clear(ctx, tgID)
	t.sessions.SetState(ctx, tgID, session.StateIdle)
	t.send(chatID, textAdminPanel, adminPanelKeyboard())
}

func (t *TelegramBot) handleAdminCallback(ctx context.Context, chatID, tgID int64, action, arg string) {
	if !t.cfg.IsAdmin(tgID) {
		t.send(chatID, textAdminDenied, nil)
		return
	}

	switch action {
	case cbAdminByID:
		t.sessions.SetState(ctx, tgID, session.StateAdminWaitID)
		t.send(chatID, textAdminEnterID, nil)
	case cbAdminByUsername:
		t.sessions.SetState(ctx, tgID, session.StateAdminWaitUsername)
		t.send(chatID, textAdminEnterUsername, nil)
	case cbAdminGrant:
		plan, id, _ := strings.Cut(arg, ":")
		userID := parseID(id)
		ok, err := t.ledger.Activate(ctx, userID, plan)
		t.afterAdminAction(ctx, chatID, tgID, "grant", userID, ok, err)
	case cbAdminRemove:
		userID := parseID(arg)
		ok, err := t.ledger.Deactivate(ctx, userID)
		t.afterAdminAction(ctx, chatID, tgID, "remove", userID, ok, err)
	default:
		t.send(chatID, textAdminPanel, adminPanelKeyboard())
	}
}

func (t *TelegramBot) afterAdminAction(ctx context.Context, chatID, adminID int64, op string, userID int64, ok bool, err error) {
	if err != nil {
		t.logger.Errorw("Admin action failed", "op", op, "user_id", userID, "admin_id", adminID, "error", err)
		t.send(chatID, textAdminActionFailed, nil)
		return
	}
	if !ok {
		t.send(chatID, textAdminActionRejected, nil)
		return
	}
	t.logger.Infow("Admin action applied", "op", op, "user_id", userID, "admin_id", adminID)
	u, err := t.store.GetUser(ctx, userID)
	if err != nil {
		t.send(chatID, textAdminUserNotFound, nil)
		return
	}
	t.send(chatID, t.adminCard(u), adminCardKeyboard(u.ID))
}

func (t *TelegramBot) handleAdminSearch(ctx context.Context, chatID, tgID int64, state session.State, text string) {
	if !t.cfg.IsAdmin(tgID) {
		t.sessions.Clear(ctx, tgID)
		t.send(chatID, textAdminDenied, nil)
		return
	}

	var (
		u   *models.User
		err error
	)
	if state == session.StateAdminWaitID {
		id, perr := strconv.ParseInt(text, 10, 64)
		if perr != nil {
			t.send(chatID, textAdminNotNumber, nil)
			return
		}
		u, err = t.store.GetUserByTelegramID(ctx, id)
	} else {
		name := strings.TrimPrefix(text, "@")
		if name == "" {
			t.send(chatID, textAdminEnterUsername, nil)
			return
		}
		u, err = t.store.FindUserByUsername(ctx, name)
	}

	t.sessions.SetState(ctx, tgID, session.StateIdle)
	if errors.Is(err, models.ErrNotFound) {
		t.send(chatID, textAdminUserNotFound, adminPanelKeyboard())
		return
	}
	if err != nil {
		t.fail(chatID, "search user", err, "admin_id", tgID)
		return
	}
	t.send(chatID, t.adminCard(u), adminCardKeyboard(u.ID))
}

func (t *TelegramBot) adminCard(u *models.User) string {
	status := "не активна"
	until := "—"
	if t.ledger.IsActive(u) {
		status = "активна, " + tierLabel(u.Plan)
	}
	if u.ExpireAt != nil {
		until = formatDate(*u.ExpireAt)
	}
	total := "∞"
	if !u.Total.IsUnlimited() {
		total = strconv.Itoa(u.Total.Count())
	}
	username := "—"
	if u.Username != "" {
		username = "@" + u.Username
	}
	return fmt.Sprintf(textAdminCard, u.ID, u.TelegramID, username, status, until, total, u.Bonus, u.Used)
}
