package bot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"

	"pulse-bot/internal/config"
	"pulse-bot/internal/db/dbtest"
	"pulse-bot/internal/ledger"
	"pulse-bot/internal/models"
	"pulse-bot/internal/payment"
	"pulse-bot/internal/session"
	"pulse-bot/pkg/logger"
)

const adminTelegramID = 565638442

type fakeAPI struct {
	mu      sync.Mutex
	sent    []tgbotapi.MessageConfig
	fileURL string
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetFileDirectURL(fileID string) (string, error) {
	return f.fileURL + "/" + fileID, nil
}

func (f *fakeAPI) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Text
	}
	return out
}

func (f *fakeAPI) last() tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return tgbotapi.MessageConfig{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeAPI) reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

type fakeLLM struct {
	mu        sync.Mutex
	report    string
	answer    string
	clinical  map[string]string
	premium   bool
	compared  [2]int64
	questions []string
}

func (f *fakeLLM) ExtractStructured(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(`{"analytes":[{"name":"Ferritin","value":"30","flag":"low"}]}`), nil
}

func (f *fakeLLM) GenerateReport(_ context.Context, _ json.RawMessage, clinical map[string]string, premium bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clinical = clinical
	f.premium = premium
	return f.report, nil
}

func (f *fakeLLM) Compare(_ context.Context, older, newer models.Analysis) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compared = [2]int64{older.ID, newer.ID}
	return "comparison", nil
}

func (f *fakeLLM) AnswerFollowUp(_ context.Context, _ models.Analysis, q string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questions = append(f.questions, q)
	return f.answer, nil
}

func (f *fakeLLM) Ask(_ context.Context, q string, _ bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questions = append(f.questions, q)
	return f.answer, nil
}

type fakeExtractor struct{ text string }

func (f fakeExtractor) Extract(context.Context, []byte, string) (string, error) { return f.text, nil }

type fakeCheckout struct{ plans []string }

func (f *fakeCheckout) CreateCheckout(_ context.Context, _ int64, plan string) (string, error) {
	f.plans = append(f.plans, plan)
	return "https://pay.example/" + plan, nil
}

type fakeProvider struct {
	event payment.Event
}

func (f *fakeProvider) CreateCheckout(context.Context, payment.CheckoutRequest) (payment.Checkout, error) {
	return payment.Checkout{}, nil
}

func (f *fakeProvider) ParseWebhook(_ []byte, sig string) (payment.Event, error) {
	if sig != "good" {
		return payment.Event{}, payment.ErrBadSignature
	}
	return f.event, nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, int64, string, int) bool { return false }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	bot      *TelegramBot
	api      *fakeAPI
	mem      *dbtest.Memory
	ledger   *ledger.Ledger
	sessions *session.Store
	llm      *fakeLLM
	checkout *fakeCheckout
	provider *fakeProvider
	clock    *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("%PDF-1.4 lab results"))
	}))
	t.Cleanup(files.Close)

	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	mem := dbtest.NewMemory()
	mem.Now = c.Now
	log := logger.NewNop()
	l := ledger.New(mem, log, ledger.WithClock(c.Now))
	sessions := session.NewStore(nil, session.DefaultTTL, log)

	h := &harness{
		api:      &fakeAPI{fileURL: files.URL},
		mem:      mem,
		ledger:   l,
		sessions: sessions,
		llm:      &fakeLLM{report: "report body", answer: "answer body"},
		checkout: &fakeCheckout{},
		provider: &fakeProvider{},
		clock:    c,
	}
	cfg := &config.Config{
		Telegram: config.TelegramConfig{BotUsername: "pulse_bot", AdminIDs: []int64{adminTelegramID}},
	}
	h.bot = NewTelegramBot(h.api, Deps{
		Store:     mem,
		Ledger:    l,
		Sessions:  sessions,
		LLM:       h.llm,
		Extractor: fakeExtractor{text: "Ferritin 30 ng/mL"},
		Checkout:  h.checkout,
		Payments:  h.provider,
		HTTP:      files.Client(),
		Config:    cfg,
		Logger:    log,
	})
	return h
}

func (h *harness) user(t *testing.T, tgID int64, username, plan string) models.User {
	t.Helper()
	u := h.mem.PutUser(models.User{TelegramID: tgID, Username: username})
	if plan != "" {
		ok, err := h.ledger.Activate(context.Background(), u.ID, plan)
		require.NoError(t, err)
		require.True(t, ok)
	}
	return u
}

func (h *harness) reload(t *testing.T, id int64) *models.User {
	t.Helper()
	u, err := h.mem.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u
}

func (h *harness) command(tgID int64, text string) {
	cmd := strings.SplitN(text, " ", 2)[0]
	h.bot.HandleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		From:     &tgbotapi.User{ID: tgID, UserName: "user" + cmd[1:]},
		Chat:     &tgbotapi.Chat{ID: tgID},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}},
	}})
}

func (h *harness) text(tgID int64, text string) {
	h.bot.HandleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: tgID},
		Chat: &tgbotapi.Chat{ID: tgID},
		Text: text,
	}})
}

func (h *harness) document(tgID int64, name, mime string) {
	h.bot.HandleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		From:     &tgbotapi.User{ID: tgID},
		Chat:     &tgbotapi.Chat{ID: tgID},
		Document: &tgbotapi.Document{FileID: "file1", FileName: name, MimeType: mime, FileSize: 1024},
	}})
}

func (h *harness) press(tgID int64, data string) {
	h.bot.HandleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb",
		From:    &tgbotapi.User{ID: tgID},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: tgID}},
		Data:    data,
	}})
}

func (h *harness) state(tgID int64) session.State {
	return h.sessions.CurrentState(context.Background(), tgID)
}

func buttons(m tgbotapi.MessageConfig) []string {
	kb, ok := m.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok {
		return nil
	}
	var out []string
	for _, r := range kb.InlineKeyboard {
		for _, b := range r {
			if b.CallbackData != nil {
				out = append(out, *b.CallbackData)
			}
		}
	}
	return out
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
