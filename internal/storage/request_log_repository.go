package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ollama_logger/internal/models"
)

const requestLogColumns = `request_id, timestamp, ip_address, api_key, method, path, model,
		prompt, response, prompt_tokens, completion_tokens, total_tokens,
		duration_seconds, power_wh, cost_dollars, http_status, error_message, created_at`

const insertRequestLogQuery = `
	INSERT INTO request_logs (` + requestLogColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	RETURNING id
`

// RequestLogRepository handles request log database operations
type RequestLogRepository struct {
	db          *DB
	insertQuery string
}

// NewRequestLogRepository creates a new request log repository
func NewRequestLogRepository(db *DB) *RequestLogRepository {
	return &RequestLogRepository{
		db:          db,
		insertQuery: db.conn.Rebind(insertRequestLogQuery),
	}
}

// insertArgs stamps CreatedAt when unset and returns the column values in
// requestLogColumns order
func insertArgs(rec *models.RequestLog) []interface{} {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return []interface{}{
		rec.RequestID, rec.Timestamp.UTC(), rec.IPAddress, rec.APIKey, rec.Method, rec.Path, rec.Model,
		rec.Prompt, rec.Response, rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
		rec.DurationSeconds, rec.PowerWh, rec.CostDollars, rec.HTTPStatus, rec.ErrorMessage, rec.CreatedAt,
	}
}

// Insert writes one request log and fills in its ID
func (r *RequestLogRepository) Insert(ctx context.Context, rec *models.RequestLog) error {
	err := r.db.conn.QueryRowxContext(ctx, r.insertQuery, insertArgs(rec)...).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to insert request log: %w", err)
	}
	return nil
}

// InsertBatch writes all records in one transaction
func (r *RequestLogRepository) InsertBatch(ctx context.Context, recs []*models.RequestLog) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, r.insertQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	ids := make([]int64, len(recs))
	for i, rec := range recs {
		if err := stmt.QueryRowxContext(ctx, insertArgs(rec)...).Scan(&ids[i]); err != nil {
			return fmt.Errorf("failed to insert request log: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	for i, rec := range recs {
		rec.ID = ids[i]
	}
	return nil
}

// GetByID retrieves a request log by ID
func (r *RequestLogRepository) GetByID(ctx context.Context, id int64) (*models.RequestLog, error) {
	var rec models.RequestLog
	query := r.db.conn.Rebind(`SELECT id, ` + requestLogColumns + ` FROM request_logs WHERE id = ?`)

	err := r.db.conn.GetContext(ctx, &rec, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestLogNotFound
		}
		return nil, fmt.Errorf("failed to get request log: %w", err)
	}
	return &rec, nil
}

// ListRecent returns the newest request logs, newest first
func (r *RequestLogRepository) ListRecent(ctx context.Context, limit int) ([]*models.RequestLog, error) {
	if limit <= 0 {
		limit = 50
	}

	var recs []*models.RequestLog
	query := r.db.conn.Rebind(`SELECT id, ` + requestLogColumns + `
		FROM request_logs ORDER BY timestamp DESC, id DESC LIMIT ?`)

	if err := r.db.conn.SelectContext(ctx, &recs, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list request logs: %w", err)
	}
	return recs, nil
}

// Count returns the number of stored request logs
func (r *RequestLogRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.conn.GetContext(ctx, &n, `SELECT COUNT(*) FROM request_logs`); err != nil {
		return 0, fmt.Errorf("failed to count request logs: %w", err)
	}
	return n, nil
}

// Close is a no-op; the pool is owned by DB
func (r *RequestLogRepository) Close() error {
	return nil
}
