package bot

import (
	"context"
	"fmt"

	"pulse-bot/internal/ledger"
	"pulse-bot/internal/models"
	"pulse-bot/internal/session"
)

func (t *TelegramBot) startAsk(ctx context.Context, chatID, tgID int64, u *models.User) {
	if !t.requireActive(chatID, u) {
		return
	}
	ok, err := t.ledger.CanPerform(ctx, u.ID, ledger.FeatureAsk)
	if err != nil {
		t.fail(chatID, "check ask allowance", err, "user_id", u.ID)
		return
	}
	if !ok {
		t.send(chatID, textNoAskCredits, subscriptionKeyboard(true))
		return
	}
	t.sessions.SetState(ctx, tgID, session.StateAwaitingAsk)
	t.send(chatID, textAskPrompt, backKeyboard())
}

// handleAskQuestion answers a free-form question and spends one ask credit.
func (t *TelegramBot) handleAskQuestion(ctx context.Context, chatID, tgID int64, u *models.User, question string) {
	if question == "" {
		t.send(chatID, textEmptyQuestion, nil)
		return
	}
	ok, err := t.ledger.CanPerform(ctx, u.ID, ledger.FeatureAsk)
	if err != nil {
		t.fail(chatID, "check ask allowance", err, "user_id", u.ID)
		return
	}
	if !ok {
		t.sessions.SetState(ctx, tgID, session.StateIdle)
		t.send(chatID, textNoAskCredits, subscriptionKeyboard(t.ledger.IsActive(u)))
		return
	}
	if !t.allow(ctx, chatID, u, "text", t.cfg.RateLimit.TextPerMinute) {
		return
	}

	answer, err := t.llm.Ask(ctx, question, t.ledger.IsPremium(u))
	if err != nil {
		t.fail(chatID, "answer question", err, "user_id", u.ID)
		return
	}

	consumed, err := t.ledger.Consume(ctx, u.ID, ledger.FeatureAsk)
	if err != nil {
		t.logger.Errorw("Failed to consume ask credit", "user_id", u.ID, "error", err)
	} else if !consumed {
		t.logger.Warnw("Answer delivered but ask credit could not be spent", "user_id", u.ID)
	}
	t.sessions.SetState(ctx, tgID, session.StateIdle)

	t.sendLong(chatID, answer, nil)
	if fresh, err := t.store.GetUser(ctx, u.ID); err == nil {
		if bal := t.ledger.AskRequests(fresh); !bal.Unlimited {
			t.send(chatID, fmt.Sprintf(textAskRemaining, bal.Available), backKeyboard())
			return
		}
	}
	t.send(chatID, textMenu, backKeyboard())
}
