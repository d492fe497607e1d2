package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"pulse-bot/internal/extract"
	"pulse-bot/internal/ledger"
	"pulse-bot/internal/models"
	"pulse-bot/internal/session"
)

// interview order; pregnancy is asked only for female respondents
var contextSteps = map[session.State]struct {
	key  string
	next session.State
}{
	session.StateCollectingAge:      {"age", session.StateCollectingSex},
	session.StateCollectingSex:      {"sex", session.StateCollectingSymptoms},
	session.StateCollectingSymptoms: {"symptoms", session.StateCollectingPregnant},
	session.StateCollectingPregnant: {"pregnancy", session.StateCollectingChronic},
	session.StateCollectingChronic:  {"chronic_conditions", session.StateCollectingMeds},
	session.StateCollectingMeds:     {"medications", ""},
}

var contextPrompts = map[session.State]string{
	session.StateCollectingAge:      textContextAge,
	session.StateCollectingSex:      textContextSex,
	session.StateCollectingSymptoms: textContextSymptoms,
	session.StateCollectingPregnant: textContextPregnancy,
	session.StateCollectingChronic:  textContextChronic,
	session.StateCollectingMeds:     textContextMeds,
}

func isFemale(sex string) bool {
	switch strings.ToLower(strings.TrimSpace(sex)) {
	case "female", "f", "женский", "ж":
		return true
	}
	return false
}

// startUpload checks the upload allowance before asking for a file.
func (t *TelegramBot) startUpload(ctx context.Context, chatID, tgID int64, u *models.User) {
	if !t.requireActive(chatID, u) {
		return
	}
	ok, err := t.ledger.CanPerform(ctx, u.ID, ledger.FeatureUpload)
	if err != nil {
		t.fail(chatID, "check upload allowance", err, "user_id", u.ID)
		return
	}
	if !ok {
		if !t.ledger.IsPremium(u) {
			t.send(chatID, textNeedPremium, subscriptionKeyboard(true))
		} else {
			t.send(chatID, textNoCredits, subscriptionKeyboard(true))
		}
		return
	}
	t.sessions.ClearScratch(ctx, tgID)
	t.sessions.SetState(ctx, tgID, session.StateProcessingFile)
	t.send(chatID, textUploadPrompt, backKeyboard())
}

// handleFile downloads the upload, extracts text and stores the structured result.
func (t *TelegramBot) handleFile(ctx context.Context, msg *tgbotapi.Message, u *models.User) {
	chatID := msg.Chat.ID
	tgID := msg.From.ID

	var fileID, fileName, mimeType string
	var size int
	switch {
	case msg.Document != nil:
		fileID, fileName, mimeType, size = msg.Document.FileID, msg.Document.FileName, msg.Document.MimeType, msg.Document.FileSize
	case len(msg.Photo) > 0:
		photo := msg.Photo[len(msg.Photo)-1]
		fileID, fileName, mimeType, size = photo.FileID, "photo.jpg", extract.MimeJPEG, photo.FileSize
	default:
		t.send(chatID, textUploadWrongFile, backKeyboard())
		return
	}
	if size > maxUploadBytes {
		t.send(chatID, textUploadTooLarge, backKeyboard())
		return
	}
	if !t.allow(ctx, chatID, u, "upload", t.cfg.RateLimit.UploadPerMinute) {
		return
	}

	data, err := t.download(ctx, fileID)
	if err != nil {
		t.fail(chatID, "download file", err, "user_id", u.ID)
		return
	}
	mimeType = extract.DetectType(mimeType, fileName, data)
	if !extract.Supported(mimeType) {
		t.send(chatID, textUploadWrongFile, backKeyboard())
		return
	}

	t.send(chatID, textUploadProcessing, nil)

	text, err := t.extractor.Extract(ctx, data, mimeType)
	if errors.Is(err, extract.ErrNoText) || errors.Is(err, extract.ErrUnsupported) {
		t.send(chatID, textUploadNoText, backKeyboard())
		return
	}
	if err != nil {
		t.fail(chatID, "extract text", err, "user_id", u.ID)
		return
	}

	structured, err := t.llm.ExtractStructured(ctx, text)
	if err != nil {
		t.fail(chatID, "extract structured data", err, "user_id", u.ID)
		return
	}

	a := &models.Analysis{UserID: u.ID, Structured: structured}
	if err := t.store.CreateAnalysis(ctx, a); err != nil {
		t.fail(chatID, "save analysis", err, "user_id", u.ID)
		return
	}
	t.logger.Infow("Analysis stored", "user_id", u.ID, "analysis_id", a.ID)

	t.sessions.SetScratch(ctx, tgID, session.Scratch{
		"session_id":      a.ID,
		"structured_data": string(structured),
	})
	t.sessions.SetState(ctx, tgID, session.StateCollectingAge)
	t.send(chatID, textContextAge, nil)
}

func (t *TelegramBot) download(ctx context.Context, fileID string) ([]byte, error) {
	url, err := t.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve file url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download file: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxUploadBytes+1))
}

// handleContextAnswer records one interview answer and moves to the next question.
func (t *TelegramBot) handleContextAnswer(ctx context.Context, chatID, tgID int64, u *models.User, state session.State, text string) {
	step := contextSteps[state]
	scratch := t.sessions.GetScratch(ctx, tgID)
	if _, ok := scratch.Int64("session_id"); !ok {
		t.sessions.Clear(ctx, tgID)
		t.sessions.SetState(ctx, tgID, session.StateIdle)
		t.send(chatID, textSessionLost, backKeyboard())
		return
	}

	if text == "" {
		t.send(chatID, contextPrompts[state], nil)
		return
	}
	if state == session.StateCollectingAge {
		age, err := strconv.Atoi(text)
		if err != nil || age < 1 || age > 120 {
			t.send(chatID, textContextAgeInvalid, nil)
			return
		}
		text = strconv.Itoa(age)
	}
	scratch[step.key] = text

	next := step.next
	if next == session.StateCollectingPregnant && !isFemale(scratch.String("sex")) {
		scratch["pregnancy"] = "N/A"
		next = session.StateCollectingChronic
	}
	t.sessions.SetScratch(ctx, tgID, scratch)

	if next == "" {
		t.generateReport(ctx, chatID, tgID, u, scratch)
		return
	}
	t.sessions.SetState(ctx, tgID, next)
	if next == session.StateCollectingSex {
		t.send(chatID, textContextSex, sexKeyboard())
		return
	}
	t.send(chatID, contextPrompts[next], nil)
}

// generateReport re-checks the allowance, writes the report and spends one upload credit.
func (t *TelegramBot) generateReport(ctx context.Context, chatID, tgID int64, u *models.User, scratch session.Scratch) {
	analysisID, _ := scratch.Int64("session_id")

	ok, err := t.ledger.CanPerform(ctx, u.ID, ledger.FeatureUpload)
	if err != nil {
		t.fail(chatID, "check upload allowance", err, "user_id", u.ID)
		return
	}
	if !ok {
		t.sessions.Clear(ctx, tgID)
		t.sessions.SetState(ctx, tgID, session.StateIdle)
		t.send(chatID, textNoCredits, subscriptionKeyboard(t.ledger.IsActive(u)))
		return
	}

	a, err := t.store.GetAnalysis(ctx, u.ID, analysisID)
	if errors.Is(err, models.ErrNotFound) {
		t.sessions.Clear(ctx, tgID)
		t.sessions.SetState(ctx, tgID, session.StateIdle)
		t.send(chatID, textSessionLost, backKeyboard())
		return
	}
	if err != nil {
		t.fail(chatID, "load analysis", err, "user_id", u.ID, "analysis_id", analysisID)
		return
	}

	clinical := map[string]string{}
	for _, step := range contextSteps {
		if v := scratch.String(step.key); v != "" {
			clinical[step.key] = v
		}
	}

	t.send(chatID, textReportGenerating, nil)
	report, err := t.llm.GenerateReport(ctx, a.Structured, clinical, t.ledger.IsPremium(u))
	if err != nil {
		t.fail(chatID, "generate report", err, "user_id", u.ID, "analysis_id", a.ID)
		return
	}
	if err := t.store.SaveReport(ctx, a.ID, clinical, report); err != nil {
		t.fail(chatID, "save report", err, "user_id", u.ID, "analysis_id", a.ID)
		return
	}

	consumed, err := t.ledger.Consume(ctx, u.ID, ledger.FeatureUpload)
	if err != nil {
		t.logger.Errorw("Failed to consume upload credit", "user_id", u.ID, "analysis_id", a.ID, "error", err)
	} else if !consumed {
		t.logger.Warnw("Report delivered but credit could not be spent", "user_id", u.ID, "analysis_id", a.ID)
	}

	if _, err := t.store.PruneAnalyses(ctx, u.ID, keepAnalyses); err != nil {
		t.logger.Errorw("Failed to prune analyses", "user_id", u.ID, "error", err)
	}

	t.sessions.SetScratch(ctx, tgID, session.Scratch{"current_session_id": a.ID, "follow_up_count": 0})
	t.sessions.SetState(ctx, tgID, session.StateIdle)
	t.sendLong(chatID, textReportHeader+report, afterReportKeyboard(a.ID))
}

func (t *TelegramBot) requireActive(chatID int64, u *models.User) bool {
	if t.ledger.IsActive(u) {
		return true
	}
	t.send(chatID, textNeedSubscription, subscriptionKeyboard(false))
	return false
}
