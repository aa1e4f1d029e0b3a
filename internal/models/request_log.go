package models

import (
	"time"
)

// RequestLog is one metered request as persisted in the request_logs table.
// Column names are read by the dashboard and must stay stable.
type RequestLog struct {
	ID               int64     `db:"id" json:"id,omitempty"`
	RequestID        string    `db:"request_id" json:"request_id"`
	Timestamp        time.Time `db:"timestamp" json:"timestamp"`
	IPAddress        string    `db:"ip_address" json:"ip_address"`
	APIKey           string    `db:"api_key" json:"api_key"`
	Method           string    `db:"method" json:"method"`
	Path             string    `db:"path" json:"path"`
	Model            string    `db:"model" json:"model"`
	Prompt           string    `db:"prompt" json:"prompt"`
	Response         string    `db:"response" json:"response"`
	PromptTokens     int       `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int       `db:"completion_tokens" json:"completion_tokens"`
	TotalTokens      int       `db:"total_tokens" json:"total_tokens"`
	DurationSeconds  float64   `db:"duration_seconds" json:"duration_seconds"`
	PowerWh          float64   `db:"power_wh" json:"power_wh"`
	CostDollars      float64   `db:"cost_dollars" json:"cost_dollars"`
	HTTPStatus       int       `db:"http_status" json:"http_status"`
	ErrorMessage     *string   `db:"error_message" json:"error_message"`
	CreatedAt        time.Time `db:"created_at" json:"created_at,omitempty"`
}

// SetTokens fills the token columns keeping total = prompt + completion.
func (r *RequestLog) SetTokens(prompt, completion int) {
	r.PromptTokens = prompt
	r.CompletionTokens = completion
	r.TotalTokens = prompt + completion
}

// Failed reports whether the request ended with an error.
func (r *RequestLog) Failed() bool {
	return r.ErrorMessage != nil || r.HTTPStatus >= 500
}
