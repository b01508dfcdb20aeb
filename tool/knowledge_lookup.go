package tool

import (
	"github.com/hupe1980/supportmesh/core"
)

// KnowledgeLookupToolName is the name of the knowledge base search tool.
const KnowledgeLookupToolName = "knowledge_lookup"

const defaultKnowledgeLimit = 5

type knowledgeArgs struct {
	Query string `json:"query" description:"What to search the knowledge base for"`
	Limit *int   `json:"limit" description:"Maximum number of results (default 5)"`
}

// NewKnowledgeLookupTool searches the tenant's knowledge base and cites the
// returned entries as sources of the answer.
func NewKnowledgeLookupTool(searcher core.KnowledgeSearcher) Tool {
	return NewFunctionToolFromStruct(
		KnowledgeLookupToolName,
		"Search the company knowledge base for facts such as opening hours, policies and product details.",
		knowledgeArgs{},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			if searcher == nil {
				return NewFailure(CodeNotConfigured, "knowledge base is not configured", false), nil
			}

			query, _ := args["query"].(string)
			limit := defaultKnowledgeLimit
			if v, ok := args["limit"].(float64); ok && v > 0 {
				limit = int(v)
			}

			sources, err := searcher.Search(tc.Context(), tc.AgentContext().CompanyID(), query, limit)
			if err != nil {
				tc.LogWarn("tool.knowledge.search_failed", "error", err.Error())
				return NewFailure(CodeUpstream, "knowledge search is temporarily unavailable", true), nil
			}

			if len(sources) == 0 {
				return map[string]any{"results": []core.Source{}, "note": "no matching entries"}, nil
			}

			tc.CiteSources(sources...)

			return map[string]any{"results": sources}, nil
		},
		WithMessages("Searching the knowledge base", "Knowledge base searched"),
	)
}
