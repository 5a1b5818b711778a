// Package dispatch implements the dispatcher: one user-to-agent
// round-trip, from a flushed batch of ConversationBatchItems to a routed,
// persisted reply — resolve the agent instance, invoke with a bounded
// timeout, normalize, route to the channel with retry, persist.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"dispatchengine/internal/agent"
	"dispatchengine/internal/agentcache"
	"dispatchengine/internal/channel"
	"dispatchengine/internal/models"
	"dispatchengine/internal/msghandler"
	"dispatchengine/internal/retrieval"
)

const (
	invokeTimeout          = 60 * time.Second
	defaultKnowledgeTopK   = 5
	sendRetryAttempts      = 3
	sendRetryBackoff       = 1 * time.Second
	fallbackReplyText      = "Извините, временные проблемы с ассистентом — попробуйте чуть позже."
)

// ProjectStore loads project-scoped tool/knowledge overrides, matching
// database.DB.GetProjectConfig.
type ProjectStore interface {
	GetProjectConfig(ctx context.Context, businessID, projectID string) (*models.ProjectConfig, error)
}

// HistoryStore persists conversation turns and the (business, customer)
// summary row, matching the relevant database.DB methods.
type HistoryStore interface {
	AppendConversationHistory(ctx context.Context, businessID, agentID string, threadID, projectID *string, customerID string, idempotencyKey *string, customerMessage, assistantResponse, businessResponse []byte) (int64, error)
	UpsertConversationSummary(ctx context.Context, businessID, customerID, agentID string, threadID *string, lastAssistantResponse string) error
}

// ReadMarker caches the last-read timestamp for a conversation, matching
// internal/cache.Cache's subset used here.
type ReadMarker interface {
	CacheLastReadAt(ctx context.Context, businessID, customerID string, at time.Time) error
}

// TimeoutObserver is incremented when an agent invocation exceeds
// invokeTimeout, matching *msghandler.Metrics.ObserveTimeout.
type TimeoutObserver interface {
	ObserveTimeout()
}

// AgentRunner is the subset of *agent.Instance the Dispatcher invokes.
type AgentRunner interface {
	Run(ctx context.Context, req agent.RunRequest) (models.AgentRunResult, error)
}

// InstanceFactory builds a fresh Agent Instance for a (business, agent)
// pair the first time the cache sees its key.
type InstanceFactory func(businessID, agentID string) AgentRunner

// Config bundles the Dispatcher's tunables.
type Config struct {
	// CalendarFusionThreshold is the accept score for calendar-card
	// fusion; default 0.45.
	CalendarFusionThreshold float64
	InvokeTimeout           time.Duration
}

// Dispatcher orchestrates one batch-to-reply round trip.
type Dispatcher struct {
	agents     *agentcache.Cache
	newAgent   InstanceFactory
	projects   ProjectStore
	history    HistoryStore
	reads      ReadMarker
	senders    channel.Registry
	timeouts   TimeoutObserver
	retrieval  *retrieval.Service
	cfg        Config
}

// New creates a Dispatcher.
func New(agents *agentcache.Cache, newAgent InstanceFactory, projects ProjectStore, history HistoryStore, reads ReadMarker, senders channel.Registry, timeouts TimeoutObserver, retrieval *retrieval.Service, cfg Config) *Dispatcher {
	if cfg.CalendarFusionThreshold <= 0 {
		cfg.CalendarFusionThreshold = defaultFusionAccept
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = invokeTimeout
	}
	return &Dispatcher{
		agents:    agents,
		newAgent:  newAgent,
		projects:  projects,
		history:   history,
		reads:     reads,
		senders:   senders,
		timeouts:  timeouts,
		retrieval: retrieval,
		cfg:       cfg,
	}
}

// agentCacheKey is customer_id[::proj::project_id].
func agentCacheKey(customerID string, projectID *string) string {
	if projectID != nil && *projectID != "" {
		return customerID + "::proj::" + *projectID
	}
	return customerID
}

// Handle is the msghandler.DispatchFunc the Message Handler invokes once
// per flushed batch. It folds the batch into a single user turn (messages
// joined in arrival order) and runs the full round-trip pipeline.
func (d *Dispatcher) Handle(ctx context.Context, key msghandler.Key, items []models.ConversationBatchItem) {
	if len(items) == 0 {
		return
	}
	merged := mergeBatch(items)

	if err := d.run(ctx, key, merged); err != nil {
		log.Printf("[dispatch] round trip failed for %s/%s: %v", key.BusinessID, key.CustomerID, err)
	}
}

func mergeBatch(items []models.ConversationBatchItem) models.ConversationBatchItem {
	if len(items) == 1 {
		return items[0]
	}
	var texts []string
	var images []string
	var files []models.AttachedFile
	for _, it := range items {
		if it.Text != "" {
			texts = append(texts, it.Text)
		}
		images = append(images, it.Images...)
		files = append(files, it.Files...)
	}
	return models.ConversationBatchItem{
		Text:       strings.Join(texts, "\n"),
		Images:     images,
		Files:      files,
		ReceivedAt: items[len(items)-1].ReceivedAt,
	}
}

// run executes the full round trip for one merged turn.
func (d *Dispatcher) run(ctx context.Context, key msghandler.Key, item models.ConversationBatchItem) error {
	// Step 1: resolve Agent Instance.
	cacheKey := agentCacheKey(key.CustomerID, key.ProjectID)
	handle, err := d.agents.GetOrCreate(cacheKey, func() (agentcache.Stoppable, error) {
		runner := d.newAgent(key.BusinessID, key.AgentID)
		stoppable, ok := runner.(agentcache.Stoppable)
		if !ok {
			return nil, fmt.Errorf("agent instance for %s does not satisfy Stoppable", key.AgentID)
		}
		return stoppable, nil
	})
	if err != nil {
		return fmt.Errorf("failed to resolve agent instance: %w", err)
	}
	runner, ok := handle.(AgentRunner)
	if !ok {
		return fmt.Errorf("cached handle for %s is not an AgentRunner", cacheKey)
	}

	// Step 2: project-scoped tool/knowledge overrides.
	var projectTools []string
	knowledgeOpts := models.KnowledgeOptions{Mode: models.KnowledgeModeAll, TopK: defaultKnowledgeTopK}
	projectScoped := key.ProjectID != nil && *key.ProjectID != ""
	if projectScoped {
		proj, err := d.projects.GetProjectConfig(ctx, key.BusinessID, *key.ProjectID)
		if err != nil {
			return fmt.Errorf("failed to load project config: %w", err)
		}
		if proj != nil {
			projectTools = proj.Tools
			knowledgeOpts = models.KnowledgeOptions{
				Mode:        proj.KnowledgeMode,
				SelectedIDs: proj.KnowledgeIDs,
				TopK:        defaultKnowledgeTopK,
			}
		}
	}

	// Step 3: invoke with a bounded timeout; on timeout, send the fixed
	// fallback and re-raise.
	runCtx, cancel := context.WithTimeout(ctx, d.cfg.InvokeTimeout)
	defer cancel()

	result, err := runner.Run(runCtx, agent.RunRequest{
		ThreadID:      derefOr(key.ThreadID, ""),
		CustomerID:    key.CustomerID,
		UserMessage:   withTimestampPrefix(item),
		Attachments:   item.Files,
		KnowledgeOpts: knowledgeOpts,
		ProjectTools:  projectTools,
		ProjectID:     derefOr(key.ProjectID, ""),
		Retrieval:     d.retrieval,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			d.timeouts.ObserveTimeout()
			d.sendFallback(ctx, key)
		}
		return fmt.Errorf("agent run failed: %w", err)
	}

	// Step 4: normalize.
	blocks := NormalizeResponse(result.FinalOutput, projectScoped)

	// Step 5: calendar-card fusion.
	toolsUsed := FuseCalendarEntries(result.ToolsUsed, d.cfg.CalendarFusionThreshold)

	// Step 6: tool-list fallback when the agent reported nothing but the
	// project lists tools.
	toolsUsed = synthesizeToolFallback(toolsUsed, projectTools)

	// Step 7: route to channel with retry.
	if err := d.sendWithRetry(ctx, key, blocks, toolsUsed); err != nil {
		return fmt.Errorf("failed to deliver reply: %w", err)
	}

	// Step 8: persist and publish mark_read.
	return d.persist(ctx, key, item, blocks)
}

// withTimestampPrefix prepends the bracketed date/time header every agent
// turn carries, so the model always knows when the batch arrived.
func withTimestampPrefix(item models.ConversationBatchItem) string {
	stamp := item.ReceivedAt
	if stamp.IsZero() {
		stamp = time.Now()
	}
	return fmt.Sprintf("[Дата и время %s]\n%s", stamp.Format("02.01.2006 15:04"), item.Text)
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

// synthesizeToolFallback builds placeholder entries from projectTools when
// toolsUsed reported nothing.
func synthesizeToolFallback(toolsUsed []models.ToolUsed, projectTools []string) []models.ToolUsed {
	if len(toolsUsed) > 0 || len(projectTools) == 0 {
		return toolsUsed
	}
	out := make([]models.ToolUsed, 0, len(projectTools))
	for _, t := range projectTools {
		out = append(out, models.ToolUsed{
			ID:        "t_" + alnumLower(t),
			Tool:      t,
			OK:        true,
			CreatedAt: time.Now(),
		})
	}
	return out
}

func alnumLower(s string) string {
	return nonAlnumPattern.ReplaceAllString(strings.ToLower(s), "")
}

var nonAlnumPattern = regexp.MustCompile(`[^a-z0-9]+`)

func (d *Dispatcher) resolveChannel(key msghandler.Key) channel.Kind {
	switch key.Channel {
	case "instagram_dm":
		return channel.KindInstagramDM
	case "whatsapp_business":
		return channel.KindWhatsAppBusiness
	case "whatsapp_personal":
		return channel.KindWhatsAppPersonal
	default:
		return channel.KindWebSocket
	}
}

func (d *Dispatcher) sendFallback(ctx context.Context, key msghandler.Key) {
	blocks := []models.NormalizedBlock{{Text: fallbackReplyText}}
	if err := d.sendWithRetry(ctx, key, blocks, nil); err != nil {
		log.Printf("[dispatch] failed to deliver fallback reply for %s/%s: %v", key.BusinessID, key.CustomerID, err)
	}
}

// sendWithRetry routes msg to the resolved channel sender, retrying on
// per-message send failure.
func (d *Dispatcher) sendWithRetry(ctx context.Context, key msghandler.Key, blocks []models.NormalizedBlock, toolsUsed []models.ToolUsed) error {
	sender, err := d.senders.Resolve(d.resolveChannel(key))
	if err != nil {
		return err
	}

	msg := channel.OutboundMessage{
		BusinessID: key.BusinessID,
		CustomerID: key.CustomerID,
		ThreadID:   key.ThreadID,
		ProjectID:  key.ProjectID,
		TextBlocks: blocks,
		ToolsUsed:  toolsUsed,
	}

	var lastErr error
	for attempt := 0; attempt < sendRetryAttempts; attempt++ {
		if lastErr = sender.Send(ctx, msg); lastErr == nil {
			return nil
		}
		log.Printf("[dispatch] send attempt %d/%d failed for %s/%s: %v", attempt+1, sendRetryAttempts, key.BusinessID, key.CustomerID, lastErr)
		select {
		case <-time.After(sendRetryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("exhausted %d send attempts: %w", sendRetryAttempts, lastErr)
}

// persist writes the turn and summary, upserts last_read_at, and publishes
// mark_read.
func (d *Dispatcher) persist(ctx context.Context, key msghandler.Key, item models.ConversationBatchItem, blocks []models.NormalizedBlock) error {
	assistantText := joinBlockText(blocks)

	customerJSON := mustMarshalItem(item)
	assistantJSON, err := json.Marshal(map[string]string{"text": assistantText})
	if err != nil {
		assistantJSON = []byte("{}")
	}

	if _, err := d.history.AppendConversationHistory(ctx, key.BusinessID, key.AgentID, key.ThreadID, key.ProjectID, key.CustomerID, nil, customerJSON, assistantJSON, nil); err != nil {
		return fmt.Errorf("failed to append conversation history: %w", err)
	}
	if err := d.history.UpsertConversationSummary(ctx, key.BusinessID, key.CustomerID, key.AgentID, key.ThreadID, assistantText); err != nil {
		return fmt.Errorf("failed to upsert conversation summary: %w", err)
	}

	now := time.Now()
	if d.reads != nil {
		if err := d.reads.CacheLastReadAt(ctx, key.BusinessID, key.CustomerID, now); err != nil {
			log.Printf("[dispatch] failed to cache last_read_at for %s/%s: %v", key.BusinessID, key.CustomerID, err)
		}
	}

	if sender, err := d.senders.Resolve(channel.KindWebSocket); err == nil {
		_ = sender.Publish(ctx, channel.Event{
			Type:       "mark_read",
			BusinessID: key.BusinessID,
			Payload: map[string]interface{}{
				"customer_id": key.CustomerID,
				"read_at":     now,
			},
		})
	}
	return nil
}

func joinBlockText(blocks []models.NormalizedBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, " | ")
}

func mustMarshalItem(item models.ConversationBatchItem) []byte {
	b, err := json.Marshal(item)
	if err != nil {
		return []byte("{}")
	}
	return b
}
