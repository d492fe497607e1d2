package bot

import (
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"pulse-bot/internal/ledger"
	"pulse-bot/internal/models"
)

// callback data prefixes; arguments follow after ':'
const (
	cbTerms        = "terms"
	cbAccept       = "accept"
	cbMenu         = "menu"
	cbSubscription = "sub"
	cbPlans        = "plans"
	cbBuy          = "buy"
	cbLoyalty      = "loyalty"
	cbRefLink      = "ref_link"
	cbRefStats     = "ref_stats"
	cbHowTo        = "howto"
	cbHelp         = "help"
	cbAbout        = "about"
	cbUpload       = "upload"
	cbSex          = "sex"
	cbRecent       = "recent"
	cbAnalysis     = "analysis"
	cbReport       = "report"
	cbCompare      = "compare"
	cbCompareFrom  = "cmp_from"
	cbComparePair  = "cmp"
	cbFollowUp     = "followup"
	cbAsk          = "ask"
	cbNotify       = "notify"
	cbNotifyYes    = "notify_yes"
	cbNotifyNo     = "notify_no"

	cbAdminByID       = "adm_id"
	cbAdminByUsername = "adm_user"
	cbAdminGrant      = "adm_grant"
	cbAdminRemove     = "adm_remove"
)

var planLabels = map[string]string{
	"1month_basic":     "Basic 1 мес",
	"3months_basic":    "Basic 3 мес",
	"6months_basic":    "Basic 6 мес",
	"12months_basic":   "Basic 12 мес",
	"1month_premium":   "Premium 1 мес",
	"3months_premium":  "Premium 3 мес",
	"6months_premium":  "Premium 6 мес",
	"12months_premium": "Premium 12 мес",
}

func button(label, data string) tgbotapi.InlineKeyboardButton {
	return tgbotapi.NewInlineKeyboardButtonData(label, data)
}

func row(buttons ...tgbotapi.InlineKeyboardButton) []tgbotapi.InlineKeyboardButton {
	return tgbotapi.NewInlineKeyboardRow(buttons...)
}

func backKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(row(button("⬅ В меню", cbMenu)))
}

func termsKeyboard(withTerms bool) tgbotapi.InlineKeyboardMarkup {
	if withTerms {
		return tgbotapi.NewInlineKeyboardMarkup(row(button("📄 Условия", cbTerms), button("✅ Принимаю", cbAccept)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row(button("✅ Принимаю", cbAccept)))
}

func menuKeyboard(active, premium bool) tgbotapi.InlineKeyboardMarkup {
	if !active {
		return tgbotapi.NewInlineKeyboardMarkup(
			row(button("💳 Подписка", cbSubscription)),
			row(button("🎁 Лояльность", cbLoyalty)),
			row(button("❓ Помощь", cbHelp), button("ℹ О сервисе", cbAbout)),
		)
	}
	rows := [][]tgbotapi.InlineKeyboardButton{
		row(button("📤 Загрузить анализ", cbUpload)),
		row(button("📊 Сравнить", cbCompare), button("🗂 Мои анализы", cbRecent)),
		row(button("💬 Ask Pulse", cbAsk)),
	}
	if premium {
		rows = append(rows, row(button("⏰ Напоминания", cbNotify)))
	}
	rows = append(rows,
		row(button("📖 Как пользоваться", cbHowTo), button("💳 Подписка", cbSubscription)),
		row(button("🎁 Лояльность", cbLoyalty)),
		row(button("❓ Помощь", cbHelp), button("ℹ О сервисе", cbAbout)),
	)
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func subscriptionKeyboard(active bool) tgbotapi.InlineKeyboardMarkup {
	label := "✅ Оформить подписку"
	if active {
		label = "🔄 Продлить подписку"
	}
	return tgbotapi.NewInlineKeyboardMarkup(row(button(label, cbPlans)), row(button("⬅ В меню", cbMenu)))
}

func plansKeyboard() tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, p := range ledger.Plans() {
		rows = append(rows, row(button(fmt.Sprintf("%s — %d ₽", planLabels[p.Key], p.Price), cbBuy+":"+p.Key)))
	}
	rows = append(rows, row(button("⬅ В меню", cbMenu)))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func payKeyboard(url string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(row(tgbotapi.NewInlineKeyboardButtonURL("Оплатить", url)))
}

func loyaltyKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		row(button("🔗 Персональная ссылка", cbRefLink)),
		row(button("📊 Статистика", cbRefStats)),
		row(button("⬅ В меню", cbMenu)),
	)
}

func sexKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(row(button("Мужской", cbSex+":male"), button("Женский", cbSex+":female")))
}

func afterReportKeyboard(analysisID int64) tgbotapi.InlineKeyboardMarkup {
	id := strconv.FormatInt(analysisID, 10)
	return tgbotapi.NewInlineKeyboardMarkup(
		row(button("❔ Уточнить", cbFollowUp+":"+id), button("📊 Сравнить", cbCompareFrom+":"+id)),
		row(button("⬅ В меню", cbMenu)),
	)
}

func analysisKeyboard(analysisID int64) tgbotapi.InlineKeyboardMarkup {
	id := strconv.FormatInt(analysisID, 10)
	return tgbotapi.NewInlineKeyboardMarkup(
		row(button("📄 Полный отчёт", cbReport+":"+id)),
		row(button("📊 Сравнить", cbCompareFrom+":"+id), button("❔ Уточнить", cbFollowUp+":"+id)),
		row(button("⬅ В меню", cbMenu)),
	)
}

func recentKeyboard(analyses []models.Analysis) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, a := range analyses {
		rows = append(rows, row(button("Анализ от "+formatDate(a.CreatedAt), cbAnalysis+":"+strconv.FormatInt(a.ID, 10))))
	}
	rows = append(rows, row(button("⬅ В меню", cbMenu)))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func pairKeyboard(pairs [][2]models.Analysis) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, p := range pairs {
		label := formatDate(p[0].CreatedAt) + " ↔ " + formatDate(p[1].CreatedAt)
		data := fmt.Sprintf("%s:%d:%d", cbComparePair, p[0].ID, p[1].ID)
		rows = append(rows, row(button(label, data)))
	}
	rows = append(rows, row(button("⬅ В меню", cbMenu)))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func confirmKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(row(button("✅ Да", cbNotifyYes), button("✖ Нет", cbNotifyNo)))
}

func adminPanelKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(row(button("По Telegram ID", cbAdminByID), button("По username", cbAdminByUsername)))
}

func adminCardKeyboard(userID int64) tgbotapi.InlineKeyboardMarkup {
	id := strconv.FormatInt(userID, 10)
	return tgbotapi.NewInlineKeyboardMarkup(
		row(button("✅ Выдать 1 мес", cbAdminGrant+":1month_premium:"+id)),
		row(button("✅ Выдать 3 мес", cbAdminGrant+":3months_premium:"+id)),
		row(button("🚫 Убрать подписку", cbAdminRemove+":"+id)),
	)
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
