package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"newsline/internal/domain"
	"newsline/internal/infra/metrics"
)

// Postgres реализует репозитории долговременного яруса на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.MessageRepo   = (*Postgres)(nil)
	_ domain.ReportRepo    = (*Postgres)(nil)
	_ domain.ChannelRepo   = (*Postgres)(nil)
	_ domain.MigrationRepo = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// SaveMessage сохраняет существенную проекцию сообщения.
// Повторная запись того же id не меняет строку.
func (p *Postgres) SaveMessage(ctx context.Context, msg domain.Message) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	essential := msg.Essential()
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO messages (msg_id, channel_id, ts, author, text)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (channel_id, msg_id) DO NOTHING
`, essential.ID, essential.ChannelID, essential.Timestamp, essential.Author, essential.Text)
	metrics.ObserveNetworkRequest("postgres", "messages_insert", "messages", start, err)
	return err
}

// ListMessagesInWindow возвращает сообщения канала с ts в [start, end).
func (p *Postgres) ListMessagesInWindow(ctx context.Context, channelID string, startAt, endAt time.Time) ([]domain.Message, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT msg_id, channel_id, ts, author, text
FROM messages
WHERE channel_id = $1 AND ts >= $2 AND ts < $3
ORDER BY ts ASC, msg_id ASC
`, channelID, startAt, endAt)
	metrics.ObserveNetworkRequest("postgres", "messages_window", "messages", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(&msg.ID, &msg.ChannelID, &msg.Timestamp, &msg.Author, &msg.Text); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// CountMessages возвращает число сообщений канала в долговременном ярусе.
func (p *Postgres) CountMessages(ctx context.Context, channelID string) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var count int
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM messages WHERE channel_id = $1`, channelID).Scan(&count)
	metrics.ObserveNetworkRequest("postgres", "messages_count", "messages", start, err)
	return count, err
}

// GetMessage возвращает одно сообщение канала.
func (p *Postgres) GetMessage(ctx context.Context, channelID, messageID string) (domain.Message, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var msg domain.Message
	err := p.pool.QueryRow(ctx, `
SELECT msg_id, channel_id, ts, author, text
FROM messages
WHERE channel_id = $1 AND msg_id = $2
`, channelID, messageID).Scan(&msg.ID, &msg.ChannelID, &msg.Timestamp, &msg.Author, &msg.Text)
	metrics.ObserveNetworkRequest("postgres", "messages_get", "messages", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Message{}, domain.ErrMessageNotFound
	}
	return msg, err
}

// SaveReport сохраняет отчёт. Ошибки поднимаются: отчёты не должны теряться молча.
func (p *Postgres) SaveReport(ctx context.Context, report domain.Report) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	messageIDs, err := json.Marshal(report.MessageIDs)
	if err != nil {
		return err
	}
	var prev sql.NullString
	if report.PreviousReportID != "" {
		prev = sql.NullString{String: report.PreviousReportID, Valid: true}
	}
	start := time.Now()
	_, err = p.pool.Exec(ctx, `
INSERT INTO reports (report_id, channel_id, headline, city, body, generated_at, window_start, window_end, message_ids, trigger, previous_report_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`, report.ReportID, report.ChannelID, report.Headline, report.City, report.Body, report.GeneratedAt, report.WindowStart, report.WindowEnd, messageIDs, string(report.Trigger), prev)
	metrics.ObserveNetworkRequest("postgres", "reports_insert", "reports", start, err)
	return err
}

func scanReport(row pgx.Row) (domain.Report, error) {
	var report domain.Report
	var messageIDs []byte
	var entities []byte
	var prev sql.NullString
	var trigger string
	err := row.Scan(&report.ReportID, &report.ChannelID, &report.Headline, &report.City, &report.Body,
		&report.GeneratedAt, &report.WindowStart, &report.WindowEnd, &messageIDs, &trigger, &prev, &entities)
	if err != nil {
		return domain.Report{}, err
	}
	report.Trigger = domain.ReportTrigger(trigger)
	if prev.Valid {
		report.PreviousReportID = prev.String
	}
	if len(messageIDs) > 0 {
		_ = json.Unmarshal(messageIDs, &report.MessageIDs)
	}
	if len(entities) > 0 {
		_ = json.Unmarshal(entities, &report.Entities)
	}
	return report, nil
}

const reportColumns = `report_id, channel_id, headline, city, body, generated_at, window_start, window_end, message_ids, trigger, previous_report_id, entities`

// GetReport возвращает отчёт канала по id.
func (p *Postgres) GetReport(ctx context.Context, channelID, reportID string) (domain.Report, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT `+reportColumns+`
FROM reports
WHERE channel_id = $1 AND report_id = $2
`, channelID, reportID)
	report, err := scanReport(row)
	metrics.ObserveNetworkRequest("postgres", "reports_get", "reports", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Report{}, domain.ErrReportNotFound
	}
	return report, err
}

// ListReports возвращает отчёты канала по убыванию generated_at.
// Отчёты одного батча (равный generated_at) упорядочены по report_id,
// чтобы пагинация оставалась детерминированной.
func (p *Postgres) ListReports(ctx context.Context, channelID string, limit int) ([]domain.Report, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+reportColumns+`
FROM reports
WHERE channel_id = $1
ORDER BY generated_at DESC, report_id DESC
LIMIT $2
`, channelID, limit)
	metrics.ObserveNetworkRequest("postgres", "reports_list", "reports", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Report
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, report)
	}
	return out, rows.Err()
}

// ListReportsInRange возвращает отчёты всех каналов за интервал [start, end),
// новые первыми.
func (p *Postgres) ListReportsInRange(ctx context.Context, start, end time.Time, limit int) ([]domain.Report, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}
	began := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+reportColumns+`
FROM reports
WHERE generated_at >= $1 AND generated_at < $2
ORDER BY generated_at DESC, report_id DESC
LIMIT $3
`, start, end, limit)
	metrics.ObserveNetworkRequest("postgres", "reports_list_range", "reports", began, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Report
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, report)
	}
	return out, rows.Err()
}

// LatestReportBefore возвращает последний отчёт канала, созданный до момента t.
func (p *Postgres) LatestReportBefore(ctx context.Context, channelID string, t time.Time) (domain.Report, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT `+reportColumns+`
FROM reports
WHERE channel_id = $1 AND generated_at < $2
ORDER BY generated_at DESC, report_id DESC
LIMIT 1
`, channelID, t)
	report, err := scanReport(row)
	metrics.ObserveNetworkRequest("postgres", "reports_latest", "reports", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Report{}, domain.ErrReportNotFound
	}
	return report, err
}

// AttachEntities дописывает извлечённые сущности к отчёту.
// Заголовок, тело и message_ids при этом не меняются.
func (p *Postgres) AttachEntities(ctx context.Context, reportID string, entities []string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	payload, err := json.Marshal(entities)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = p.pool.Exec(ctx, `UPDATE reports SET entities = $2 WHERE report_id = $1`, reportID, payload)
	metrics.ObserveNetworkRequest("postgres", "reports_entities", "reports", start, err)
	return err
}

// PruneReportsBefore удаляет отчёты старше горизонта хранения.
func (p *Postgres) PruneReportsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `DELETE FROM reports WHERE generated_at < $1`, cutoff)
	metrics.ObserveNetworkRequest("postgres", "reports_prune", "reports", start, err)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// UpsertChannel создаёт или обновляет канал.
func (p *Postgres) UpsertChannel(ctx context.Context, ch domain.Channel) (domain.Channel, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO channels (id, name, active)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active
RETURNING id, name, active, migrated, partially_migrated, migrated_at, created_at
`, ch.ID, ch.Name, ch.Active)
	out, err := scanChannel(row)
	metrics.ObserveNetworkRequest("postgres", "channels_upsert", "channels", start, err)
	return out, err
}

func scanChannel(row pgx.Row) (domain.Channel, error) {
	var ch domain.Channel
	var migratedAt sql.NullTime
	err := row.Scan(&ch.ID, &ch.Name, &ch.Active, &ch.Migrated, &ch.PartiallyMigrated, &migratedAt, &ch.CreatedAt)
	if err != nil {
		return domain.Channel{}, err
	}
	if migratedAt.Valid {
		ts := migratedAt.Time
		ch.MigratedAt = &ts
	}
	return ch, nil
}

// GetChannel возвращает канал по id.
func (p *Postgres) GetChannel(ctx context.Context, channelID string) (domain.Channel, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, name, active, migrated, partially_migrated, migrated_at, created_at
FROM channels
WHERE id = $1
`, channelID)
	ch, err := scanChannel(row)
	metrics.ObserveNetworkRequest("postgres", "channels_get", "channels", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Channel{}, domain.ErrChannelNotFound
	}
	return ch, err
}

// ListActiveChannels возвращает активные каналы.
func (p *Postgres) ListActiveChannels(ctx context.Context) ([]domain.Channel, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, name, active, migrated, partially_migrated, migrated_at, created_at
FROM channels
WHERE active
ORDER BY id
`)
	metrics.ObserveNetworkRequest("postgres", "channels_active", "channels", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// SetMigrated переключает маршрутизацию канала на долговременный ярус.
func (p *Postgres) SetMigrated(ctx context.Context, channelID string, partially bool) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE channels SET migrated = TRUE, partially_migrated = $2, migrated_at = now()
WHERE id = $1
`, channelID, partially)
	metrics.ObserveNetworkRequest("postgres", "channels_migrate", "channels", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrChannelNotFound
	}
	return nil
}

// ClearMigrated возвращает маршрутизацию канала на эфемерный ярус.
// Данные долговременного яруса при этом не трогаются.
func (p *Postgres) ClearMigrated(ctx context.Context, channelID string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE channels SET migrated = FALSE, partially_migrated = FALSE, migrated_at = NULL
WHERE id = $1
`, channelID)
	metrics.ObserveNetworkRequest("postgres", "channels_rollback", "channels", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrChannelNotFound
	}
	return nil
}

// SaveMigrationResult сохраняет результат миграции.
func (p *Postgres) SaveMigrationResult(ctx context.Context, result domain.MigrationResult) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	errorsJSON, err := json.Marshal(result.Errors)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = p.pool.Exec(ctx, `
INSERT INTO migration_results (id, channel_id, processed, succeeded, failed, errors, duration_ms, success, started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, result.ID, result.ChannelID, result.MessagesProcessed, result.MessagesSuccessful, result.MessagesFailed,
		errorsJSON, result.Duration.Milliseconds(), result.Success, result.StartedAt)
	metrics.ObserveNetworkRequest("postgres", "migration_insert", "migration_results", start, err)
	return err
}

// ListMigrationResults возвращает результаты миграций канала, новые первыми.
func (p *Postgres) ListMigrationResults(ctx context.Context, channelID string) ([]domain.MigrationResult, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, channel_id, processed, succeeded, failed, errors, duration_ms, success, started_at
FROM migration_results
WHERE channel_id = $1
ORDER BY started_at DESC
`, channelID)
	metrics.ObserveNetworkRequest("postgres", "migration_list", "migration_results", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MigrationResult
	for rows.Next() {
		var result domain.MigrationResult
		var errorsJSON []byte
		var durationMs int64
		if err := rows.Scan(&result.ID, &result.ChannelID, &result.MessagesProcessed, &result.MessagesSuccessful,
			&result.MessagesFailed, &errorsJSON, &durationMs, &result.Success, &result.StartedAt); err != nil {
			return nil, err
		}
		result.Duration = time.Duration(durationMs) * time.Millisecond
		if len(errorsJSON) > 0 {
			_ = json.Unmarshal(errorsJSON, &result.Errors)
		}
		out = append(out, result)
	}
	return out, rows.Err()
}
