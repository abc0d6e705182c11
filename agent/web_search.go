package agent

import "context"

// SearchFunc performs one web search and returns synthesized result text.
// The engine does not ship a search backend; hosts plug in whatever provider
// they use.
type SearchFunc func(ctx context.Context, query string) (string, error)

// NewWebSearch creates the web-search specialist agent: a pure tool agent
// that answers questions requiring current information by delegating to the
// supplied search function.
func NewWebSearch(search SearchFunc) *Func {
	return NewFunc(
		"web_search",
		"Search the web for current, relevant information. Use for questions about "+
			"recent events, real-time data, or anything newer than the model's training. "+
			"Returns a synthesized answer with source URLs.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query",
				},
			},
			"required": []string{"query"},
		},
		func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			return search(ctx, query)
		},
	)
}
