package bot

import (
	"context"
	"errors"
	"fmt"

	"pulse-bot/internal/models"
	"pulse-bot/internal/session"
)

func (t *TelegramBot) showRecent(ctx context.Context, chatID int64, u *models.User) {
	if !t.requireActive(chatID, u) {
		return
	}
	list, err := t.store.RecentAnalyses(ctx, u.ID, keepAnalyses)
	if err != nil {
		t.fail(chatID, "list analyses", err, "user_id", u.ID)
		return
	}
	if len(list) == 0 {
		t.send(chatID, textRecentEmpty, backKeyboard())
		return
	}
	t.send(chatID, textRecentChoose, recentKeyboard(list))
}

// loadAnalysis fetches an analysis of u and reports a missing one to the chat.
func (t *TelegramBot) loadAnalysis(ctx context.Context, chatID int64, u *models.User, id int64) (*models.Analysis, bool) {
	a, err := t.store.GetAnalysis(ctx, u.ID, id)
	if errors.Is(err, models.ErrNotFound) {
		t.send(chatID, textAnalysisNotFound, backKeyboard())
		return nil, false
	}
	if err != nil {
		t.fail(chatID, "load analysis", err, "user_id", u.ID, "analysis_id", id)
		return nil, false
	}
	return a, true
}

func (t *TelegramBot) showAnalysis(ctx context.Context, chatID int64, u *models.User, id int64) {
	if !t.requireActive(chatID, u) {
		return
	}
	a, ok := t.loadAnalysis(ctx, chatID, u, id)
	if !ok {
		return
	}
	summary := textReportPending
	if a.Report != "" {
		summary = summarize(a.Report)
	}
	t.send(chatID, fmt.Sprintf(textAnalysisSummary, formatDate(a.CreatedAt), summary), analysisKeyboard(a.ID))
}

func (t *TelegramBot) showFullReport(ctx context.Context, chatID int64, u *models.User, id int64) {
	if !t.requireActive(chatID, u) {
		return
	}
	a, ok := t.loadAnalysis(ctx, chatID, u, id)
	if !ok {
		return
	}
	if a.Report == "" {
		t.send(chatID, textReportPending, backKeyboard())
		return
	}
	t.sendLong(chatID, a.Report, analysisKeyboard(a.ID))
}

// showComparePairs offers every pair among the stored analyses.
func (t *TelegramBot) showComparePairs(ctx context.Context, chatID int64, u *models.User) {
	if !t.requireActive(chatID, u) {
		return
	}
	list, err := t.store.RecentAnalyses(ctx, u.ID, keepAnalyses)
	if err != nil {
		t.fail(chatID, "list analyses", err, "user_id", u.ID)
		return
	}
	if len(list) < 2 {
		t.send(chatID, textCompareNeedTwo, backKeyboard())
		return
	}
	var pairs [][2]models.Analysis
	for i := 0; i < len(list); i++ {
		for j := i + 1; j < len(list); j++ {
			pairs = append(pairs, [2]models.Analysis{list[i], list[j]})
		}
	}
	t.send(chatID, textCompareChoosePair, pairKeyboard(pairs))
}

func (t *TelegramBot) showCompareFrom(ctx context.Context, chatID int64, u *models.User, id int64) {
	if !t.requireActive(chatID, u) {
		return
	}
	first, ok := t.loadAnalysis(ctx, chatID, u, id)
	if !ok {
		return
	}
	list, err := t.store.RecentAnalyses(ctx, u.ID, keepAnalyses)
	if err != nil {
		t.fail(chatID, "list analyses", err, "user_id", u.ID)
		return
	}
	var pairs [][2]models.Analysis
	for _, a := range list {
		if a.ID != first.ID {
			pairs = append(pairs, [2]models.Analysis{*first, a})
		}
	}
	if len(pairs) == 0 {
		t.send(chatID, textCompareNeedAnother, backKeyboard())
		return
	}
	t.send(chatID, textCompareChooseSecond, pairKeyboard(pairs))
}

func (t *TelegramBot) compare(ctx context.Context, chatID int64, u *models.User, firstID, secondID int64) {
	if !t.requireActive(chatID, u) {
		return
	}
	if firstID == secondID {
		t.send(chatID, textCompareNotFound, backKeyboard())
		return
	}
	first, err1 := t.store.GetAnalysis(ctx, u.ID, firstID)
	second, err2 := t.store.GetAnalysis(ctx, u.ID, secondID)
	if errors.Is(err1, models.ErrNotFound) || errors.Is(err2, models.ErrNotFound) {
		t.send(chatID, textCompareNotFound, backKeyboard())
		return
	}
	if err := errors.Join(err1, err2); err != nil {
		t.fail(chatID, "load analyses", err, "user_id", u.ID)
		return
	}
	if !t.allow(ctx, chatID, u, "text", t.cfg.RateLimit.TextPerMinute) {
		return
	}

	older, newer := *first, *second
	if newer.CreatedAt.Before(older.CreatedAt) {
		older, newer = newer, older
	}

	t.send(chatID, textCompareProgress, nil)
	out, err := t.llm.Compare(ctx, older, newer)
	if err != nil {
		t.fail(chatID, "compare analyses", err, "user_id", u.ID)
		return
	}
	t.sendLong(chatID, out, backKeyboard())
}

// startFollowUp opens a question about one report. The counter resets when the report changes.
func (t *TelegramBot) startFollowUp(ctx context.Context, chatID, tgID int64, u *models.User, id int64) {
	if !t.requireActive(chatID, u) {
		return
	}
	a, ok := t.loadAnalysis(ctx, chatID, u, id)
	if !ok {
		return
	}
	if a.Report == "" {
		t.send(chatID, textReportPending, backKeyboard())
		return
	}

	scratch := t.sessions.GetScratch(ctx, tgID)
	if current, _ := scratch.Int64("current_session_id"); current != a.ID {
		scratch = session.Scratch{"current_session_id": a.ID, "follow_up_count": 0}
	}
	count := scratch.Int("follow_up_count")
	if count >= maxFollowUps {
		t.send(chatID, textFollowUpLimit, backKeyboard())
		return
	}
	t.sessions.SetScratch(ctx, tgID, scratch)
	t.sessions.SetState(ctx, tgID, session.StateAwaitingFollowUp)
	t.send(chatID, fmt.Sprintf(textFollowUpAsk, maxFollowUps-count), backKeyboard())
}

func (t *TelegramBot) handleFollowUpQuestion(ctx context.Context, chatID, tgID int64, u *models.User, question string) {
	scratch := t.sessions.GetScratch(ctx, tgID)
	id, ok := scratch.Int64("current_session_id")
	if !ok {
		t.sessions.Clear(ctx, tgID)
		t.sessions.SetState(ctx, tgID, session.StateIdle)
		t.send(chatID, textSessionLost, backKeyboard())
		return
	}
	count := scratch.Int("follow_up_count")
	if count >= maxFollowUps {
		t.sessions.SetState(ctx, tgID, session.StateIdle)
		t.send(chatID, textFollowUpLimit, backKeyboard())
		return
	}
	if question == "" {
		t.send(chatID, textEmptyQuestion, nil)
		return
	}
	if !t.allow(ctx, chatID, u, "text", t.cfg.RateLimit.TextPerMinute) {
		return
	}
	a, ok := t.loadAnalysis(ctx, chatID, u, id)
	if !ok {
		t.sessions.Clear(ctx, tgID)
		t.sessions.SetState(ctx, tgID, session.StateIdle)
		return
	}

	answer, err := t.llm.AnswerFollowUp(ctx, *a, question)
	if err != nil {
		t.fail(chatID, "answer follow-up", err, "user_id", u.ID, "analysis_id", a.ID)
		return
	}
	if err := t.store.AddFollowUp(ctx, &models.FollowUp{AnalysisID: a.ID, Question: question, Answer: answer}); err != nil {
		t.logger.Errorw("Failed to store follow-up", "user_id", u.ID, "analysis_id", a.ID, "error", err)
	}

	count++
	scratch["follow_up_count"] = count
	t.sessions.SetScratch(ctx, tgID, scratch)
	t.sessions.SetState(ctx, tgID, session.StateIdle)

	if left := maxFollowUps - count; left > 0 {
		t.sendLong(chatID, answer, nil)
		t.send(chatID, fmt.Sprintf(textFollowUpMore, left), afterReportKeyboard(a.ID))
		return
	}
	t.sendLong(chatID, answer, backKeyboard())
}
