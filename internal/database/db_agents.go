// This file contains database methods for AgentConfig/ProjectConfig: the
// per-agent and per-project configuration that decides tool bindings,
// knowledge scope, and channel routing. Agent channel/tool lists are small
// fixed-cardinality sets, so they live in dedicated text[] columns rather
// than free-form metadata; pq.Array round-trips them into []string.

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"dispatchengine/internal/models"
)

type agentConfigRow struct {
	models.AgentConfig
	ChannelsArr     pq.StringArray `db:"channels"`
	ToolsArr        pq.StringArray `db:"tools"`
	KnowledgeIDsArr pq.StringArray `db:"knowledge_source_ids"`
}

func (r agentConfigRow) toModel() models.AgentConfig {
	cfg := r.AgentConfig
	cfg.Channels = []string(r.ChannelsArr)
	cfg.Tools = []string(r.ToolsArr)
	cfg.KnowledgeIDs = []string(r.KnowledgeIDsArr)
	return cfg
}

const agentConfigColumns = `business_id, agent_id, name, active, system_prompt, channels, tools,
        knowledge_mode, knowledge_source_ids, knowledge_top_k, project_id, updated_at`

// GetAgentConfig loads one (business, agent) config row, or (nil, nil) if
// it doesn't exist.
func (db *DB) GetAgentConfig(ctx context.Context, businessID, agentID string) (*models.AgentConfig, error) {
	var row agentConfigRow
	err := db.GetContext(ctx, &row, `
        SELECT `+agentConfigColumns+`
        FROM agent_configs WHERE business_id = $1 AND agent_id = $2`, businessID, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent config: %w", err)
	}
	cfg := row.toModel()
	return &cfg, nil
}

// FirstActiveAgentForChannel returns the agent_id of the first active agent
// whose channels array contains channel, for non-WebSocket inbound
// webhooks that identify themselves only by (business, channel).
func (db *DB) FirstActiveAgentForChannel(ctx context.Context, businessID, channel string) (string, error) {
	var agentID string
	err := db.GetContext(ctx, &agentID, `
        SELECT agent_id FROM agent_configs
        WHERE business_id = $1 AND active = true AND $2 = ANY(channels)
        ORDER BY agent_id LIMIT 1`, businessID, channel)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("no active agent found for business %s channel %s", businessID, channel)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve agent for channel: %w", err)
	}
	return agentID, nil
}

// UpsertAgentConfig creates or replaces one agent's configuration.
func (db *DB) UpsertAgentConfig(ctx context.Context, cfg models.AgentConfig) error {
	_, err := db.ExecContext(ctx, `
        INSERT INTO agent_configs
            (business_id, agent_id, name, active, system_prompt, channels, tools,
             knowledge_mode, knowledge_source_ids, knowledge_top_k, project_id, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
        ON CONFLICT (business_id, agent_id) DO UPDATE SET
            name = EXCLUDED.name,
            active = EXCLUDED.active,
            system_prompt = EXCLUDED.system_prompt,
            channels = EXCLUDED.channels,
            tools = EXCLUDED.tools,
            knowledge_mode = EXCLUDED.knowledge_mode,
            knowledge_source_ids = EXCLUDED.knowledge_source_ids,
            knowledge_top_k = EXCLUDED.knowledge_top_k,
            project_id = EXCLUDED.project_id,
            updated_at = NOW()`,
		cfg.BusinessID, cfg.AgentID, cfg.Name, cfg.Active, cfg.SystemPrompt,
		pq.Array(cfg.Channels), pq.Array(cfg.Tools),
		cfg.KnowledgeMode, pq.Array(cfg.KnowledgeIDs), cfg.KnowledgeTopK, cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to upsert agent config: %w", err)
	}
	return nil
}

type projectConfigRow struct {
	models.ProjectConfig
	ToolsArr        pq.StringArray `db:"tools"`
	KnowledgeIDsArr pq.StringArray `db:"knowledge_source_ids"`
}

func (r projectConfigRow) toModel() models.ProjectConfig {
	cfg := r.ProjectConfig
	cfg.Tools = []string(r.ToolsArr)
	cfg.KnowledgeIDs = []string(r.KnowledgeIDsArr)
	return cfg
}

// GetProjectConfig loads one (business, project) config row, used by the
// Dispatcher to layer project-scoped tools/knowledge over the
// agent's defaults. Returns (nil, nil) if no project-level override exists.
func (db *DB) GetProjectConfig(ctx context.Context, businessID, projectID string) (*models.ProjectConfig, error) {
	var row projectConfigRow
	err := db.GetContext(ctx, &row, `
        SELECT business_id, project_id, tools, knowledge_mode, knowledge_source_ids, knowledge_top_k, updated_at
        FROM project_configs WHERE business_id = $1 AND project_id = $2`, businessID, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project config: %w", err)
	}
	cfg := row.toModel()
	return &cfg, nil
}

// UpsertProjectConfig creates or replaces one project's tool/knowledge
// override.
func (db *DB) UpsertProjectConfig(ctx context.Context, cfg models.ProjectConfig) error {
	_, err := db.ExecContext(ctx, `
        INSERT INTO project_configs (business_id, project_id, tools, knowledge_mode, knowledge_source_ids, knowledge_top_k, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, NOW())
        ON CONFLICT (business_id, project_id) DO UPDATE SET
            tools = EXCLUDED.tools,
            knowledge_mode = EXCLUDED.knowledge_mode,
            knowledge_source_ids = EXCLUDED.knowledge_source_ids,
            knowledge_top_k = EXCLUDED.knowledge_top_k,
            updated_at = NOW()`,
		cfg.BusinessID, cfg.ProjectID, pq.Array(cfg.Tools), cfg.KnowledgeMode, pq.Array(cfg.KnowledgeIDs), cfg.KnowledgeTopK)
	if err != nil {
		return fmt.Errorf("failed to upsert project config: %w", err)
	}
	return nil
}
