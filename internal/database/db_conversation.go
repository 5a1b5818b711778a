// This file contains database methods backing the persisted conversation
// schemas: conversation_history (an append-only log) and
// conversation_summaries (one row per business/customer pair, carrying the
// manual-response override flag and last-read marker).

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AppendConversationHistory inserts one turn. idempotencyKey, when set,
// de-duplicates retried channel deliveries (ON CONFLICT DO NOTHING).
func (db *DB) AppendConversationHistory(ctx context.Context, businessID, agentID string, threadID, projectID *string, customerID string, idempotencyKey *string, customerMessage, assistantResponse, businessResponse []byte) (int64, error) {
	var id int64
	err := db.GetContext(ctx, &id, `
        INSERT INTO conversation_history
            (business_id, agent_id, thread_id, project_id, customer_id, idempotency_key, customer_message, assistant_response, business_response, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
        ON CONFLICT (business_id, customer_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
        RETURNING id`,
		businessID, agentID, threadID, projectID, customerID, idempotencyKey, customerMessage, assistantResponse, businessResponse)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to append conversation history: %w", err)
	}
	return id, nil
}

// RecentConversationHistory loads up to limit most-recent turns for a
// (business, agent, customer) triple, oldest first, for the Dispatcher/Agent
// Instance history assembly (capped at 250 entries upstream).
func (db *DB) RecentConversationHistory(ctx context.Context, businessID, agentID, customerID string, limit int) ([]ConversationHistoryRow, error) {
	var rows []ConversationHistoryRow
	err := db.SelectContext(ctx, &rows, `
        SELECT id, business_id, agent_id, thread_id, project_id, customer_id, idempotency_key,
               customer_message, assistant_response, business_response, created_at, updated_at
        FROM (
            SELECT * FROM conversation_history
            WHERE business_id = $1 AND agent_id = $2 AND customer_id = $3
            ORDER BY created_at DESC LIMIT $4
        ) recent ORDER BY created_at ASC`, businessID, agentID, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation history: %w", err)
	}
	return rows, nil
}

// ConversationMessageText loads the customer-facing text of one previously
// recorded turn, scoped to businessID, for quoted-reply resolution
// (internal/msghandler's reply_to_message_id handling).
func (db *DB) ConversationMessageText(ctx context.Context, businessID string, id int64) (string, error) {
	var raw []byte
	err := db.GetContext(ctx, &raw, `
        SELECT customer_message FROM conversation_history
        WHERE business_id = $1 AND id = $2`, businessID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("message %d not found for business %s", id, businessID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load conversation message text: %w", err)
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("failed to decode conversation message text: %w", err)
	}
	return body.Text, nil
}

// ConversationHistoryRow mirrors models.ConversationHistoryRecord; kept as a
// distinct type here since sqlx needs db tags matching the query above one
// to one. internal/historyadapter decodes these rows into agent.Message
// turns for the Agent Instance.
type ConversationHistoryRow struct {
	ID                int64   `db:"id"`
	BusinessID        string  `db:"business_id"`
	AgentID           string  `db:"agent_id"`
	ThreadID          *string `db:"thread_id"`
	ProjectID         *string `db:"project_id"`
	CustomerID        string  `db:"customer_id"`
	IdempotencyKey    *string `db:"idempotency_key"`
	CustomerMessage   []byte  `db:"customer_message"`
	AssistantResponse []byte  `db:"assistant_response"`
	BusinessResponse  []byte  `db:"business_response"`
	CreatedAt         sql.NullTime `db:"created_at"`
	UpdatedAt         sql.NullTime `db:"updated_at"`
}

// UpsertConversationSummary updates the (business, customer) summary row
// the Dispatcher writes after every reply, without touching
// the manual-response override flag.
func (db *DB) UpsertConversationSummary(ctx context.Context, businessID, customerID, agentID string, threadID *string, lastAssistantResponse string) error {
	_, err := db.ExecContext(ctx, `
        INSERT INTO conversation_summaries (business_id, customer_id, agent_id, thread_id, last_read_at, last_assistant_response, manual_response)
        VALUES ($1, $2, $3, $4, NOW(), $5, false)
        ON CONFLICT (business_id, customer_id) DO UPDATE SET
            agent_id = EXCLUDED.agent_id,
            thread_id = EXCLUDED.thread_id,
            last_read_at = EXCLUDED.last_read_at,
            last_assistant_response = EXCLUDED.last_assistant_response`,
		businessID, customerID, agentID, threadID, lastAssistantResponse)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation summary: %w", err)
	}
	return nil
}

// ManualResponseOverrideActive reports whether a human has taken over this
// conversation (manual_response = true and, if set, not yet expired) —
// Message Handler consults this before enqueuing. An expired override
// is cleared on the way through, so the row doesn't carry a stale flag.
func (db *DB) ManualResponseOverrideActive(ctx context.Context, businessID, customerID string) (bool, error) {
	if _, err := db.ExecContext(ctx, `
        UPDATE conversation_summaries
        SET manual_response = false, manual_response_expires_at = NULL
        WHERE business_id = $1 AND customer_id = $2
          AND manual_response AND manual_response_expires_at IS NOT NULL AND manual_response_expires_at <= NOW()`,
		businessID, customerID); err != nil {
		return false, fmt.Errorf("failed to clear expired manual response override: %w", err)
	}
	var active bool
	err := db.GetContext(ctx, &active, `
        SELECT manual_response AND (manual_response_expires_at IS NULL OR manual_response_expires_at > NOW())
        FROM conversation_summaries WHERE business_id = $1 AND customer_id = $2`, businessID, customerID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check manual response override: %w", err)
	}
	return active, nil
}

// SetManualResponseOverride sets or clears the manual-response flag for a
// conversation, optionally with an expiry.
func (db *DB) SetManualResponseOverride(ctx context.Context, businessID, customerID string, active bool, expiresAt *time.Time) error {
	_, err := db.ExecContext(ctx, `
        INSERT INTO conversation_summaries (business_id, customer_id, agent_id, last_read_at, manual_response, manual_response_expires_at)
        VALUES ($1, $2, '', NOW(), $3, $4)
        ON CONFLICT (business_id, customer_id) DO UPDATE SET
            manual_response = EXCLUDED.manual_response,
            manual_response_expires_at = EXCLUDED.manual_response_expires_at`,
		businessID, customerID, active, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to set manual response override: %w", err)
	}
	return nil
}
