// Package historyadapter adapts internal/database's raw persisted rows into
// the shapes internal/agent.HistoryStore and internal/msghandler.MessageResolver
// expect, so neither package needs to know about conversation_history's JSON
// column encoding.
package historyadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"dispatchengine/internal/agent"
	"dispatchengine/internal/database"
)

// conversationDB is the subset of *database.DB this adapter depends on.
type conversationDB interface {
	RecentConversationHistory(ctx context.Context, businessID, agentID, customerID string, limit int) ([]database.ConversationHistoryRow, error)
	ConversationMessageText(ctx context.Context, businessID string, id int64) (string, error)
}

// Adapter satisfies both agent.HistoryStore and msghandler.MessageResolver
// on top of the same *database.DB.
type Adapter struct {
	db conversationDB
}

// New wraps db as a history/reply-resolution adapter.
func New(db conversationDB) *Adapter {
	return &Adapter{db: db}
}

type customerMessageBody struct {
	Text   string   `json:"text"`
	Images []string `json:"images"`
}

type assistantResponseBody struct {
	Text string `json:"text"`
}

// RecentHistory satisfies internal/agent.HistoryStore: it loads the raw rows,
// decodes each turn's customer/assistant JSON blobs into role/content
// messages in chronological order, and collects every image URL carried by a
// customer turn so the Agent Instance can inline them.
func (a *Adapter) RecentHistory(ctx context.Context, businessID, agentID, customerID string, limit int) ([]agent.Message, []string, error) {
	rows, err := a.db.RecentConversationHistory(ctx, businessID, agentID, customerID, limit)
	if err != nil {
		return nil, nil, err
	}

	messages := make([]agent.Message, 0, len(rows)*2)
	var imageURLs []string
	for _, row := range rows {
		if len(row.CustomerMessage) > 0 {
			var body customerMessageBody
			if err := json.Unmarshal(row.CustomerMessage, &body); err == nil {
				if body.Text != "" {
					messages = append(messages, agent.Message{Role: "user", Content: body.Text})
				}
				imageURLs = append(imageURLs, body.Images...)
			}
		}
		if len(row.AssistantResponse) > 0 {
			var body assistantResponseBody
			if err := json.Unmarshal(row.AssistantResponse, &body); err == nil && body.Text != "" {
				messages = append(messages, agent.Message{Role: "assistant", Content: body.Text})
			}
		}
	}
	return messages, imageURLs, nil
}

// ResolveMessageText satisfies internal/msghandler.MessageResolver. messageID
// is the decimal string form of conversation_history.id, as carried in a
// channel's reply_to_message_id field.
func (a *Adapter) ResolveMessageText(ctx context.Context, businessID, messageID string) (string, error) {
	id, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid message id %q: %w", messageID, err)
	}
	return a.db.ConversationMessageText(ctx, businessID, id)
}
