package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"pulse-bot/internal/config"
	"pulse-bot/internal/ledger"
	"pulse-bot/internal/metrics"
	"pulse-bot/internal/models"
	"pulse-bot/internal/payment"
	"pulse-bot/internal/session"
	"pulse-bot/pkg/logger"
)

const (
	messageLimit   = 4096
	chunkSize      = 4090
	summaryRunes   = 500
	keepAnalyses   = 3
	maxFollowUps   = 2
	maxUploadBytes = 20 << 20
	handlerTimeout = 3 * time.Minute
)

// Sender is the part of tgbotapi.BotAPI the bot uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Store is the persistence the bot reads and writes directly. Entitlement counters go through the ledger.
type Store interface {
	UpsertUser(ctx context.Context, telegramID int64, username string) (*models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error)
	FindUserByUsername(ctx context.Context, username string) (*models.User, error)

	CreateAnalysis(ctx context.Context, a *models.Analysis) error
	SaveReport(ctx context.Context, id int64, clinical map[string]string, report string) error
	GetAnalysis(ctx context.Context, userID, id int64) (*models.Analysis, error)
	RecentAnalyses(ctx context.Context, userID int64, limit int) ([]models.Analysis, error)
	PruneAnalyses(ctx context.Context, userID int64, keep int) (int, error)
	AddFollowUp(ctx context.Context, f *models.FollowUp) error

	CreateNotification(ctx context.Context, n *models.Notification) error

	GetPayment(ctx context.Context, id int64) (*models.Payment, error)
	GetPaymentByProviderID(ctx context.Context, providerID string) (*models.Payment, error)
	FailPayment(ctx context.Context, id int64) (bool, error)
}

type LLM interface {
	ExtractStructured(ctx context.Context, text string) (json.RawMessage, error)
	GenerateReport(ctx context.Context, structured json.RawMessage, clinical map[string]string, premium bool) (string, error)
	Compare(ctx context.Context, older, newer models.Analysis) (string, error)
	AnswerFollowUp(ctx context.Context, a models.Analysis, question string) (string, error)
	Ask(ctx context.Context, question string, premium bool) (string, error)
}

type TextExtractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (string, error)
}

type Checkout interface {
	CreateCheckout(ctx context.Context, userID int64, planKey string) (string, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, userID int64, action string, limit int) bool
}

type Deps struct {
	Store     Store
	Ledger    *ledger.Ledger
	Sessions  *session.Store
	Limiter   RateLimiter
	LLM       LLM
	Extractor TextExtractor
	Checkout  Checkout
	Payments  payment.Provider
	HTTP      *http.Client
	Config    *config.Config
	Logger    *logger.Logger
}

type TelegramBot struct {
	api         Sender
	store       Store
	ledger      *ledger.Ledger
	sessions    *session.Store
	limiter     RateLimiter
	llm         LLM
	extractor   TextExtractor
	checkout    Checkout
	payments    payment.Provider
	http        *http.Client
	cfg         *config.Config
	logger      *logger.Logger
	botUsername string
	wg          sync.WaitGroup
}

func NewTelegramBot(api Sender, d Deps) *TelegramBot {
	httpClient := d.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	username := d.Config.Telegram.BotUsername
	if b, ok := api.(*tgbotapi.BotAPI); ok && username == "" {
		username = b.Self.UserName
	}
	return &TelegramBot{
		api:         api,
		store:       d.Store,
		ledger:      d.Ledger,
		sessions:    d.Sessions,
		limiter:     d.Limiter,
		llm:         d.LLM,
		extractor:   d.Extractor,
		checkout:    d.Checkout,
		payments:    d.Payments,
		http:        httpClient,
		cfg:         d.Config,
		logger:      d.Logger,
		botUsername: username,
	}
}

// Run handles updates until ctx is cancelled or the channel closes, then waits for in-flight handlers.
func (t *TelegramBot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	t.logger.Info("Started receiving Telegram updates")
	defer t.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.wg.Add(1)
			go func(update tgbotapi.Update) {
				defer t.wg.Done()
				t.HandleUpdate(ctx, update)
			}(update)
		}
	}
}

// HandleUpdate processes a single update. Panics are recovered and logged.
func (t *TelegramBot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Errorw("Recovered from panic while processing update", "update_id", update.UpdateID, "error", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handlerTimeout)
	defer cancel()

	switch {
	case update.Message != nil && update.Message.From != nil:
		msg := update.Message
		if msg.IsCommand() {
			metrics.BotUpdates.WithLabelValues("command").Inc()
			t.handleCommand(ctx, msg)
			return
		}
		if msg.Document != nil || len(msg.Photo) > 0 {
			metrics.BotUpdates.WithLabelValues("file").Inc()
		} else {
			metrics.BotUpdates.WithLabelValues("message").Inc()
		}
		t.handleMessage(ctx, msg)
	case update.CallbackQuery != nil:
		metrics.BotUpdates.WithLabelValues("callback").Inc()
		t.handleCallbackQuery(ctx, update.CallbackQuery)
	default:
		metrics.BotUpdates.WithLabelValues("other").Inc()
	}
}

func (t *TelegramBot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	t.logger.Infow("Handling command", "command", msg.Command(), "telegram_id", msg.From.ID)

	switch msg.Command() {
	case "start":
		t.handleStart(ctx, msg)
		return
	case "admin":
		t.showAdminPanel(ctx, chatID, msg.From.ID)
		return
	}

	u, ok := t.currentUser(ctx, chatID, msg.From.ID)
	if !ok {
		return
	}
	switch msg.Command() {
	case "menu", "cancel":
		t.sessions.Clear(ctx, msg.From.ID)
		t.sessions.SetState(ctx, msg.From.ID, session.StateIdle)
		t.showMenu(ctx, chatID, u)
	case "help":
		t.send(chatID, textHelp, backKeyboard())
	default:
		t.send(chatID, textUnknownCommand, nil)
	}
}

func (t *TelegramBot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	tgID := msg.From.ID

	u, ok := t.currentUser(ctx, chatID, tgID)
	if !ok {
		return
	}

	state := t.sessions.CurrentState(ctx, tgID)
	text := strings.TrimSpace(msg.Text)

	switch state {
	case session.StateAwaitingTerms:
		t.showTerms(chatID)
	case session.StateProcessingFile:
		t.handleFile(ctx, msg, u)
	case session.StateCollectingAge, session.StateCollectingSex, session.StateCollectingSymptoms,
		session.StateCollectingPregnant, session.StateCollectingChronic, session.StateCollectingMeds:
		t.handleContextAnswer(ctx, chatID, tgID, u, state, text)
	case session.StateAwaitingFollowUp:
		t.handleFollowUpQuestion(ctx, chatID, tgID, u, text)
	case session.StateAwaitingAsk:
		t.handleAskQuestion(ctx, chatID, tgID, u, text)
	case session.StateAdminWaitID, session.StateAdminWaitUsername:
		t.handleAdminSearch(ctx, chatID, tgID, state, text)
	case session.StateNotifyDate, session.StateNotifyTime, session.StateNotifyText, session.StateNotifyConfirm:
		t.handleNotifyInput(ctx, chatID, tgID, u, state, text)
	default:
		t.showMenu(ctx, chatID, u)
	}
}

func (t *TelegramBot) handleCallbackQuery(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if _, err := t.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		t.logger.Warnw("Failed to answer callback", "error", err)
	}
	if cb.Message == nil || cb.From == nil {
		return
	}
	chatID := cb.Message.Chat.ID
	tgID := cb.From.ID
	action, arg, _ := strings.Cut(cb.Data, ":")

	t.logger.Debugw("Received callback query", "telegram_id", tgID, "data", cb.Data)

	if strings.HasPrefix(action, "adm") {
		t.handleAdminCallback(ctx, chatID, tgID, action, arg)
		return
	}

	u, ok := t.currentUser(ctx, chatID, tgID)
	if !ok {
		return
	}

	switch action {
	case cbTerms:
		t.send(chatID, textTermsFull, termsKeyboard(false))
	case cbAccept:
		t.sessions.Clear(ctx, tgID)
		t.sessions.SetState(ctx, tgID, session.StateIdle)
		t.showMenu(ctx, chatID, u)
	case cbMenu:
		t.sessions.Clear(ctx, tgID)
		t.sessions.SetState(ctx, tgID, session.StateIdle)
		t.showMenu(ctx, chatID, u)
	case cbSubscription:
		t.showSubscription(chatID, u)
	case cbPlans:
		t.send(chatID, textPlansTitle, plansKeyboard())
	case cbBuy:
		t.handleBuy(ctx, chatID, u, arg)
	case cbLoyalty:
		t.send(chatID, textLoyaltyRules, loyaltyKeyboard())
	case cbRefLink:
		t.showReferralLink(ctx, chatID, u)
	case cbRefStats:
		t.showReferralStats(ctx, chatID, u)
	case cbHowTo:
		t.send(chatID, textHowTo, backKeyboard())
	case cbHelp:
		t.send(chatID, textHelp, backKeyboard())
	case cbAbout:
		t.send(chatID, textAbout, backKeyboard())
	case cbUpload:
		t.startUpload(ctx, chatID, tgID, u)
	case cbSex:
		if t.sessions.CurrentState(ctx, tgID) == session.StateCollectingSex {
			t.handleContextAnswer(ctx, chatID, tgID, u, session.StateCollectingSex, arg)
		}
	case cbRecent:
		t.showRecent(ctx, chatID, u)
	case cbAnalysis:
		t.showAnalysis(ctx, chatID, u, parseID(arg))
	case cbReport:
		t.showFullReport(ctx, chatID, u, parseID(arg))
	case cbCompare:
		t.showComparePairs(ctx, chatID, u)
	case cbCompareFrom:
		t.showCompareFrom(ctx, chatID, u, parseID(arg))
	case cbComparePair:
		a, b, _ := strings.Cut(arg, ":")
		t.compare(ctx, chatID, u, parseID(a), parseID(b))
	case cbFollowUp:
		t.startFollowUp(ctx, chatID, tgID, u, parseID(arg))
	case cbAsk:
		t.startAsk(ctx, chatID, tgID, u)
	case cbNotify:
		t.startNotify(ctx, chatID, tgID, u)
	case cbNotifyYes:
		t.confirmNotify(ctx, chatID, tgID, u, true)
	case cbNotifyNo:
		t.confirmNotify(ctx, chatID, tgID, u, false)
	default:
		t.showMenu(ctx, chatID, u)
	}
}

// currentUser loads the caller. Unknown users are asked to /start first.
func (t *TelegramBot) currentUser(ctx context.Context, chatID, tgID int64) (*models.User, bool) {
	u, err := t.store.GetUserByTelegramID(ctx, tgID)
	if errors.Is(err, models.ErrNotFound) {
		t.send(chatID, textNeedStart, nil)
		return nil, false
	}
	if err != nil {
		t.logger.Errorw("Failed to load user", "telegram_id", tgID, "error", err)
		t.send(chatID, textServiceUnavailable, nil)
		return nil, false
	}
	return u, true
}

// allow applies the per-user rate limit. A zero limit disables it.
func (t *TelegramBot) allow(ctx context.Context, chatID int64, u *models.User, action string, limit int) bool {
	if t.limiter == nil || t.limiter.Allow(ctx, u.ID, action, limit) {
		return true
	}
	metrics.RateLimited.WithLabelValues(action).Inc()
	t.send(chatID, textTooManyRequests, nil)
	return false
}

func (t *TelegramBot) send(chatID int64, text string, markup interface{}) {
	msg := tgbotapi.NewMessage(chatID, text)
	if markup != nil {
		msg.ReplyMarkup = markup
	}
	if _, err := t.api.Send(msg); err != nil {
		t.logger.Errorw("Failed to send message", "chat_id", chatID, "error", err)
	}
}

// sendLong splits text over several messages when it exceeds the Telegram limit.
// The keyboard goes with the last part.
func (t *TelegramBot) sendLong(chatID int64, text string, markup interface{}) {
	parts := chunk(text, chunkSize)
	for i, part := range parts {
		if i == len(parts)-1 {
			t.send(chatID, part, markup)
		} else {
			t.send(chatID, part, nil)
		}
	}
}

func (t *TelegramBot) fail(chatID int64, op string, err error, kv ...interface{}) {
	t.logger.Errorw("Failed to "+op, append(kv, "error", err)...)
	t.send(chatID, textServiceUnavailable, backKeyboard())
}

func chunk(text string, size int) []string {
	runes := []rune(text)
	if len(runes) <= messageLimit {
		return []string{text}
	}
	var parts []string
	for len(runes) > 0 {
		n := min(size, len(runes))
		parts = append(parts, string(runes[:n]))
		runes = runes[n:]
	}
	return parts
}

func summarize(report string) string {
	runes := []rune(report)
	if len(runes) <= summaryRunes {
		return report
	}
	return string(runes[:summaryRunes]) + "…"
}

func formatDate(ts time.Time) string {
	return ts.UTC().Format("02.01.2006")
}

func referralLink(botUsername, code string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s", botUsername, code)
}
