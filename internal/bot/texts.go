package bot

const (
	textNeedStart          = "Для начала работы отправьте команду /start."
	textNeedSubscription   = "Для этого раздела нужна активная подписка."
	textNeedPremium        = "Раздел доступен на тарифах Premium."
	textNoCredits          = "Лимит загрузок по тарифу исчерпан. Продлите подписку или пригласите друга, чтобы получить бонусные запросы."
	textNoAskCredits       = "Лимит вопросов Ask Pulse по тарифу исчерпан."
	textServiceUnavailable = "Сервис временно недоступен. Повторите попытку позже."
	textTooManyRequests    = "Слишком много запросов. Подождите минуту и повторите."
	textUnknownCommand     = "Неизвестная команда. Откройте меню: /menu"

	textWelcome = "Pulse — сервис интерпретации лабораторных результатов.\n\n" +
		"Результаты носят информационный характер и не являются медицинским диагнозом. " +
		"Сервис предназначен для лиц старше 18 лет.\n\n" +
		"Нажимая «Принимаю», вы подтверждаете согласие с условиями и на обработку данных."
	textTermsFull = "Условия использования Pulse\n\n" +
		"1. Сервис даёт информационную интерпретацию лабораторных показателей по загруженным данным. " +
		"Это не диагноз и не замена консультации врача.\n\n" +
		"2. Использование разрешено лицам старше 18 лет.\n\n" +
		"3. Загруженные файлы и отчёты хранятся не более 60 дней.\n\n" +
		"4. Решения, принятые на основе отчёта, пользователь принимает самостоятельно."

	textMenu = "Выберите действие:"

	textSubscriptionTitle = "Статус подписки"
	textSubscriptionNone  = "Подписка не активна.\n\n" +
		"В подписку входит: интерпретация анализов по файлу (PDF или фото), сравнение анализов, " +
		"до 2 уточняющих вопросов на отчёт, хранение 3 последних отчётов и вопросы Ask Pulse."
	textPlansTitle = "Выберите тариф:"
	textPayLink    = "Перейдите по ссылке для оплаты. Подписка активируется автоматически после подтверждения платежа."
	textPaid       = "Оплата получена, подписка активирована. Откройте меню: /menu"

	textLoyaltyRules = "Программа лояльности Pulse\n\n" +
		"За каждую успешную оплату пользователя, пришедшего по вашей ссылке, начисляется 5 бонусных запросов.\n\n" +
		"Бонусы начисляются только при активной подписке и сгорают вместе с ней."
	textReferralLink        = "Ваша персональная ссылка:\n%s"
	textReferralStats       = "Статистика программы лояльности\n\nПриглашено оплат: %d\nНачислено всего: %d\n\nБонусных сейчас: %d\nИспользовано: %d\nОсталось: %s"
	textReferralCredited    = "Пользователь, пришедший по вашей ссылке, оформил подписку.\n\nВам начислено %d бонусных запросов."
	textHowTo               = "Как пользоваться\n\n1. Нажмите «Загрузить анализ» и отправьте PDF или фото бланка.\n2. Ответьте на несколько вопросов: возраст, пол, жалобы, препараты.\n3. Получите отчёт с интерпретацией показателей.\n4. Сравните с другим анализом или задайте до 2 уточняющих вопросов."
	textHelp                = "Помощь\n\nФорматы: PDF, JPG, PNG.\nУточняющих вопросов: до 2 на отчёт.\nХранится: 3 последних анализа, не дольше 60 дней.\n\nОтчёт не заменяет консультацию врача."
	textAbout               = "Pulse помогает разобраться в результатах лабораторных анализов: отчёт по загруженному бланку, сравнение анализов в динамике, ответы на уточняющие вопросы.\n\nСервис не ставит диагноз и не назначает лечение."
	textUploadPrompt        = "Результаты носят информационный характер и не заменяют консультацию врача.\n\nОтправьте один файл: PDF, JPG или PNG."
	textUploadWrongFile     = "Отправьте файл в формате PDF, JPG или PNG."
	textUploadTooLarge      = "Файл слишком большой. Максимум 20 МБ."
	textUploadProcessing    = "Файл обрабатывается…"
	textUploadNoText        = "Не удалось распознать текст. Отправьте более чёткий скан или PDF с текстовым слоем."
	textContextAge          = "Укажите возраст (полных лет):"
	textContextAgeInvalid   = "Введите возраст числом от 1 до 120."
	textContextSex          = "Укажите пол:"
	textContextSymptoms     = "Опишите жалобы или симптомы (если нет — «нет»):"
	textContextPregnancy    = "Беременность (да / нет):"
	textContextChronic      = "Хронические заболевания (если нет — «нет»):"
	textContextMeds         = "Постоянно принимаемые препараты (если нет — «нет»):"
	textReportGenerating    = "Формирую отчёт…"
	textReportHeader        = "Отчёт:\n\n"
	textSessionLost         = "Сессия прервана. Вернитесь в меню и начните заново."
	textRecentEmpty         = "Сохранённых анализов нет. Загрузите первый анализ из меню."
	textRecentChoose        = "Ваши анализы. Выберите анализ:"
	textAnalysisNotFound    = "Анализ не найден."
	textAnalysisSummary     = "Анализ от %s\n\nКраткое содержание:\n%s"
	textReportPending       = "Отчёт по этому анализу ещё не сформирован."
	textCompareNeedTwo      = "Для сравнения нужно не менее двух сохранённых анализов."
	textCompareNeedAnother  = "Для сравнения нужен ещё один сохранённый анализ."
	textCompareChoosePair   = "Выберите пару анализов для сравнения:"
	textCompareChooseSecond = "Выберите второй анализ:"
	textCompareProgress     = "Сравниваю…"
	textCompareNotFound     = "Один или оба анализа не найдены."
	textFollowUpAsk         = "Задайте вопрос по отчёту (осталось %d)."
	textFollowUpLimit       = "Достигнут лимит: 2 уточняющих вопроса на отчёт."
	textFollowUpMore        = "Можно задать ещё вопросов: %d."
	textEmptyQuestion       = "Отправьте вопрос текстом."
	textAskPrompt           = "Ask Pulse: задайте вопрос о лабораторных показателях."
	textAskRemaining        = "Осталось вопросов: %d."

	textNotifyDate        = "Напоминание. Введите дату в формате ГГГГ-ММ-ДД:"
	textNotifyDateInvalid = "Неверная дата. Формат ГГГГ-ММ-ДД, не раньше сегодняшнего дня."
	textNotifyTime        = "Введите время в формате ЧЧ:ММ (UTC):"
	textNotifyTimeInvalid = "Неверное время. Формат ЧЧ:ММ, момент должен быть в будущем."
	textNotifyText        = "Введите текст напоминания:"
	textNotifyTextInvalid = "Текст напоминания не должен быть пустым или длиннее 1000 символов."
	textNotifyConfirm     = "Напоминание на %s UTC:\n\n%s\n\nСохранить?"
	textNotifySaved       = "Напоминание сохранено."
	textNotifyCancelled   = "Напоминание отменено."

	textAdminDenied         = "Доступ запрещён."
	textAdminPanel          = "Админ-панель. Найдите пользователя:"
	textAdminEnterID        = "Введите Telegram ID пользователя:"
	textAdminEnterUsername  = "Введите username:"
	textAdminNotNumber      = "Введите числовой Telegram ID."
	textAdminUserNotFound   = "Пользователь не найден."
	textAdminCard           = "Пользователь #%d\nTelegram ID: %d\nUsername: %s\nПодписка: %s\nАктивна до: %s\nЗапросы (тариф / бонус / использовано): %s / %d / %d"
	textAdminActionFailed   = "Не удалось выполнить действие."
	textAdminActionRejected = "Действие не применено."
)
