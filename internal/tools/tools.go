// Package tools provides the concrete ToolRegistry entries an agent
// instance binds at construction time: the one tool every agent needs to
// reach its owner's knowledge repository, and the home for any further
// first-party tools a deployment adds. Entries follow internal/agent's
// bindTool contract rather than a hardcoded dispatch table.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"dispatchengine/internal/agent"
	"dispatchengine/internal/retrieval"
)

// defaultTopN bounds how many hits knowledgeSearch returns to the model,
// keeping the result within a sane prompt budget.
const defaultTopN = 5

// knowledgeSearchResult is the JSON shape returned to the model: compact
// enough to stay within a tool result's truncation budget while still
// naming each hit's source.
type knowledgeSearchResult struct {
	Text     string `json:"text"`
	SourceID string `json:"source_id,omitempty"`
	Title    string `json:"title,omitempty"`
}

// knowledgeSearch runs retrieval against the calling agent's owner and
// formats the resulting hits as a JSON array for the model to read. It
// declares exactly the parameter shapes bindTool recognizes: an injected
// BusinessID and *retrieval.Service, plus the one plain-string query arg.
func knowledgeSearch(ctx context.Context, businessID agent.BusinessID, svc *retrieval.Service, query string) (string, error) {
	if svc == nil {
		return "", fmt.Errorf("knowledge_search: no retrieval service configured")
	}
	if query == "" {
		return "", fmt.Errorf("knowledge_search: query is required")
	}

	hits, err := svc.SearchAndFetch(ctx, string(businessID), query, retrieval.Options{TopN: defaultTopN})
	if err != nil {
		return "", fmt.Errorf("knowledge_search: %w", err)
	}
	if len(hits) == 0 {
		return "[]", nil
	}

	out := make([]knowledgeSearchResult, 0, len(hits))
	for _, h := range hits {
		r := knowledgeSearchResult{Text: h.TextPreview}
		if h.Source != nil {
			r.SourceID = h.Source.SourceID
			r.Title = h.Source.Title
		}
		out = append(out, r)
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("knowledge_search: encode results: %w", err)
	}
	return string(encoded), nil
}

// Registry builds the default agent.ToolRegistry every Agent Instance in
// this process shares. Project-scoped tool allowlists (RunRequest.ProjectTools)
// select by name from this set; an unrecognized name is simply skipped by
// ensureBound rather than failing the run.
func Registry() agent.ToolRegistry {
	return agent.ToolRegistry{
		"knowledge_search": knowledgeSearch,
	}
}
