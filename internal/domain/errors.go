package domain

import "errors"

// ErrNoMessagesInWindow сигнализирует пустое окно. Это не ошибка системы:
// отчёт не создаётся, вызывающая сторона получает явный признак «нет данных».
var ErrNoMessagesInWindow = errors.New("в окне нет сообщений")

// ErrChannelNotFound возвращается, если канал неизвестен системе.
var ErrChannelNotFound = errors.New("канал не найден")

// ErrReportNotFound возвращается, если отчёт отсутствует в хранилище.
var ErrReportNotFound = errors.New("отчёт не найден")

// ErrMessageNotFound возвращается, если сообщение отсутствует в хранилище.
var ErrMessageNotFound = errors.New("сообщение не найдено")

// ErrGenerationFailed оборачивает ошибку генеративного коллаборатора.
// Частичный отчёт при этом не сохраняется.
var ErrGenerationFailed = errors.New("генерация отчёта не удалась")

// ErrValidationFailed возвращается при расхождении ярусов после миграции.
var ErrValidationFailed = errors.New("сверка миграции выявила расхождения")
