package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/agent-controlplane/types"
)

// SearchTool exposes retrieval as a tool the loop can call explicitly,
// scoped to the knowledge sources enabled for the run.
type SearchTool struct {
	retriever Retriever
	sources   []string
	cfg       Config
}

func NewSearchTool(retriever Retriever, sources []string, cfg Config) *SearchTool {
	return &SearchTool{retriever: retriever, sources: append([]string(nil), sources...), cfg: cfg}
}

const SearchToolName = "knowledge_search"

func (t *SearchTool) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        SearchToolName,
		Description: "Search the enabled knowledge bases for documents relevant to a query.",
		JSONSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query to find relevant documents",
				},
				"max_results": map[string]any{
					"type":        "integer",
					"description": "Number of results to return",
				},
			},
			"required": []string{"query"},
		},
	}
}

func (t *SearchTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	_, res, err := t.Search(ctx, args)
	if err != nil {
		return nil, err
	}
	return SearchOutput(res), nil
}

// SearchOutput renders a result the way the search tool reports it to the
// model.
func SearchOutput(res Result) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d relevant documents:\n\n", res.Count()))
	for i, d := range res.Documents {
		sb.WriteString(fmt.Sprintf("[%d] Score: %.3f\n", i+1, d.Score))
		sb.WriteString(d.Content)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// Query extracts the search query from tool arguments. It is empty when the
// arguments do not parse.
func (t *SearchTool) Query(args json.RawMessage) string {
	var input struct {
		Query string `json:"query"`
	}
	_ = json.Unmarshal(args, &input)
	return strings.TrimSpace(input.Query)
}

// Sources are the knowledge ids the tool searches.
func (t *SearchTool) Sources() []string {
	return append([]string(nil), t.sources...)
}

// Search runs the retrieval behind Execute and returns the raw result.
func (t *SearchTool) Search(ctx context.Context, args json.RawMessage) (string, Result, error) {
	var input struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return "", Result{}, fmt.Errorf("invalid %s args: %w", SearchToolName, err)
	}
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return "", Result{}, fmt.Errorf("query is required")
	}
	cfg := t.cfg
	if input.MaxResults > 0 {
		cfg.MaxResults = input.MaxResults
	}

	res, err := t.retriever.Retrieve(ctx, query, t.sources, cfg)
	if err != nil {
		return query, Result{}, fmt.Errorf("knowledge search failed: %w", err)
	}
	return query, res, nil
}
