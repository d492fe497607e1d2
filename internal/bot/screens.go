package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"pulse-bot/internal/ledger"
	"pulse-bot/internal/models"
	"pulse-bot/internal/session"
)

// handleStart registers the user, attaches a referrer from the deep link and shows the terms.
func (t *TelegramBot) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	tgID := msg.From.ID

	u, err := t.store.UpsertUser(ctx, tgID, msg.From.UserName)
	if err != nil {
		t.fail(chatID, "register user", err, "telegram_id", tgID)
		return
	}

	if code := strings.TrimSpace(msg.CommandArguments()); code != "" {
		attached, err := t.ledger.AttachReferrer(ctx, u.ID, code)
		if err != nil {
			t.logger.Errorw("Failed to attach referrer", "user_id", u.ID, "error", err)
		} else if attached {
			t.logger.Infow("Referrer attached", "user_id", u.ID)
		}
	}
	if _, err := t.ledger.EnsureReferralCode(ctx, u.ID); err != nil {
		t.logger.Errorw("Failed to ensure referral code", "user_id", u.ID, "error", err)
	}

	t.sessions.Clear(ctx, tgID)
	t.sessions.SetState(ctx, tgID, session.StateAwaitingTerms)
	t.send(chatID, textWelcome, termsKeyboard(true))
}

func (t *TelegramBot) showTerms(chatID int64) {
	t.send(chatID, textWelcome, termsKeyboard(true))
}

func (t *TelegramBot) showMenu(ctx context.Context, chatID int64, u *models.User) {
	t.send(chatID, textMenu, menuKeyboard(t.ledger.IsActive(u), t.ledger.IsPremium(u)))
}

func (t *TelegramBot) showSubscription(chatID int64, u *models.User) {
	if !t.ledger.IsActive(u) {
		t.send(chatID, textSubscriptionNone, subscriptionKeyboard(false))
		return
	}

	up := t.ledger.Requests(u)
	ask := t.ledger.AskRequests(u)

	var b strings.Builder
	b.WriteString(textSubscriptionTitle + "\n\n")
	fmt.Fprintf(&b, "Тариф: %s\n", tierLabel(u.Plan))
	fmt.Fprintf(&b, "Активна до: %s\n", formatDate(*u.ExpireAt))
	if up.Unlimited {
		b.WriteString("Загрузки: без ограничений\n")
	} else if u.Plan == models.TierPremium {
		fmt.Fprintf(&b, "Загрузки: доступно %d из %d\n", up.Available, up.Total+up.Bonus)
		fmt.Fprintf(&b, "Бонусные запросы: %d\n", up.Bonus)
	}
	if ask.Unlimited {
		b.WriteString("Ask Pulse: без ограничений\n")
	} else {
		fmt.Fprintf(&b, "Ask Pulse: использовано %d из %d\n", ask.Used, ask.Total)
	}
	t.send(chatID, b.String(), subscriptionKeyboard(true))
}

func (t *TelegramBot) handleBuy(ctx context.Context, chatID int64, u *models.User, planKey string) {
	if _, ok := ledger.LookupPlan(planKey); !ok {
		t.send(chatID, textPlansTitle, plansKeyboard())
		return
	}
	if !t.allow(ctx, chatID, u, "checkout", t.cfg.RateLimit.TextPerMinute) {
		return
	}
	url, err := t.checkout.CreateCheckout(ctx, u.ID, planKey)
	if err != nil {
		t.fail(chatID, "create checkout", err, "user_id", u.ID, "plan", planKey)
		return
	}
	t.send(chatID, textPayLink, payKeyboard(url))
}

func (t *TelegramBot) showReferralLink(ctx context.Context, chatID int64, u *models.User) {
	code, err := t.ledger.EnsureReferralCode(ctx, u.ID)
	if err != nil {
		t.fail(chatID, "ensure referral code", err, "user_id", u.ID)
		return
	}
	t.send(chatID, fmt.Sprintf(textReferralLink, referralLink(t.botUsername, code)), loyaltyKeyboard())
}

func (t *TelegramBot) showReferralStats(ctx context.Context, chatID int64, u *models.User) {
	stats, err := t.ledger.ReferralStats(ctx, u.ID)
	if err != nil {
		t.fail(chatID, "load referral stats", err, "user_id", u.ID)
		return
	}
	bal := t.ledger.Requests(u)
	remaining := strconv.Itoa(bal.Available)
	if bal.Unlimited {
		remaining = "без ограничений"
	}
	text := fmt.Sprintf(textReferralStats, stats.Referrals, stats.BonusTotal, bal.Bonus, bal.Used, remaining)
	t.send(chatID, text, loyaltyKeyboard())
}

func tierLabel(tier models.Tier) string {
	switch tier {
	case models.TierPremium:
		return "Premium"
	case models.TierBasic:
		return "Basic"
	}
	return "—"
}
