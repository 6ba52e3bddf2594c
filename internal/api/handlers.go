package api

import (
	"context"
	"strings"

	"github.com/AvengeMedia/pimsearch/internal/agent"
	"github.com/AvengeMedia/pimsearch/internal/errdefs"
	"github.com/AvengeMedia/pimsearch/internal/query"
	"github.com/AvengeMedia/pimsearch/internal/searcher"
	"github.com/AvengeMedia/pimsearch/internal/store"
	"github.com/danielgtaylor/huma/v2"
)

type SearcherInterface interface {
	Search(ctx context.Context, q query.Query) (*searcher.Result, error)
}

type AgentInterface interface {
	Status() agent.Status
	Sync(ctx context.Context, collection int64) (int, error)
	ListCollections(ctx context.Context) ([]store.Collection, error)
	MoveItems(ctx context.Context, ids []int64, to int64) error
}

type Server struct {
	Searcher SearcherInterface
	Agent    AgentInterface
}

// SearchRequest is a search as the outer surfaces receive it: an optional
// structured query plus convenience overrides.
type SearchRequest struct {
	Query  string
	Text   string
	Types  string
	Limit  int
	Offset int
}

// Build parses the structured query and applies the overrides that are set.
func (r SearchRequest) Build() (query.Query, error) {
	q := query.New(query.Term{})
	if strings.TrimSpace(r.Query) != "" {
		parsed, err := query.Parse([]byte(r.Query))
		if err != nil {
			return query.Query{}, err
		}
		q = parsed
	}
	if r.Text != "" {
		q.FreeText = strings.TrimSpace(q.FreeText + " " + r.Text)
	}
	if r.Types != "" {
		q.Types = query.SplitTypes(r.Types)
	}
	if r.Limit > 0 {
		q.Limit = r.Limit
	}
	if r.Offset > 0 {
		q.Offset = r.Offset
	}
	return q, nil
}

// HTTPError maps the error taxonomy onto status codes.
func HTTPError(msg string, err error) error {
	switch {
	case errdefs.IsType(err, errdefs.ErrTypeInvalidQuery):
		return huma.Error400BadRequest(msg, err)
	case errdefs.IsType(err, errdefs.ErrTypeNotFound):
		return huma.Error404NotFound(msg, err)
	case errdefs.IsType(err, errdefs.ErrTypeEngineUnavailable):
		return huma.Error503ServiceUnavailable(msg, err)
	}
	return huma.Error500InternalServerError(msg, err)
}

type SearchInput struct {
	Query  string `query:"q" doc:"Structured query (JSON)" example:"{\"term\":{\"subject\":{\"$ct\":\"report\"}}}"`
	Text   string `query:"text" doc:"Free text, quoted segments match as phrases" example:"quarterly \"board meeting\""`
	Type   string `query:"type" doc:"Comma separated document types every searched index must have" example:"PIM,Email"`
	Limit  int    `query:"limit" minimum:"0" doc:"Maximum results, 0 keeps the query's limit"`
	Offset int    `query:"offset" minimum:"0" doc:"Results to skip"`
}

type SearchOutput struct {
	Body *searcher.Result
}

type StatusOutput struct {
	Body agent.Status
}

type SyncInput struct {
	Collection int64 `path:"collection" minimum:"0" doc:"Collection id, 0 for every collection"`
}

type SyncOutput struct {
	Body struct {
		Status    string `json:"status" example:"sync scheduled"`
		Scheduled int    `json:"scheduled" example:"1"`
	}
}

type CollectionsOutput struct {
	Body struct {
		Collections []store.Collection `json:"collections"`
	}
}

type MoveInput struct {
	Body struct {
		IDs []int64 `json:"ids" minItems:"1" doc:"Item ids"`
		To  int64   `json:"to" doc:"Target collection id"`
	}
}

type MoveOutput struct {
	Body struct {
		Status string `json:"status" example:"moved"`
		Moved  int    `json:"moved" example:"2"`
	}
}

func RegisterHandlers(srv *Server, api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "search",
		Summary:     "Search indexed items",
		Description: "Runs a structured query over every index whose types match",
		Method:      "GET",
		Path:        "/search",
		Tags:        []string{"Search"},
	}, func(ctx context.Context, input *SearchInput) (*SearchOutput, error) {
		q, err := SearchRequest{
			Query:  input.Query,
			Text:   input.Text,
			Types:  input.Type,
			Limit:  input.Limit,
			Offset: input.Offset,
		}.Build()
		if err != nil {
			return nil, huma.Error400BadRequest("invalid query", err)
		}

		result, err := srv.Searcher.Search(ctx, q)
		if err != nil {
			return nil, HTTPError("search failed", err)
		}
		return &SearchOutput{Body: result}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "status",
		Summary:     "Get indexing status",
		Description: "Returns whether each index domain is idle or working, with queue and dirty counts",
		Method:      "GET",
		Path:        "/status",
		Tags:        []string{"Index"},
	}, func(ctx context.Context, input *struct{}) (*StatusOutput, error) {
		return &StatusOutput{Body: srv.Agent.Status()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync",
		Summary:     "Schedule a full sync",
		Description: "Schedules a full reconciliation of one collection, or of all collections (async operation)",
		Method:      "POST",
		Path:        "/sync/{collection}",
		Tags:        []string{"Index"},
	}, func(ctx context.Context, input *SyncInput) (*SyncOutput, error) {
		n, err := srv.Agent.Sync(ctx, input.Collection)
		if err != nil {
			return nil, HTTPError("sync failed", err)
		}
		out := &SyncOutput{}
		out.Body.Status = "sync scheduled"
		out.Body.Scheduled = n
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "collections",
		Summary:     "List collections",
		Method:      "GET",
		Path:        "/collections",
		Tags:        []string{"Store"},
	}, func(ctx context.Context, input *struct{}) (*CollectionsOutput, error) {
		cols, err := srv.Agent.ListCollections(ctx)
		if err != nil {
			return nil, HTTPError("listing collections failed", err)
		}
		out := &CollectionsOutput{}
		out.Body.Collections = cols
		if out.Body.Collections == nil {
			out.Body.Collections = []store.Collection{}
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "moveItems",
		Summary:     "Move items",
		Description: "Moves items to another collection; their index documents are retagged",
		Method:      "POST",
		Path:        "/items/move",
		Tags:        []string{"Store"},
	}, func(ctx context.Context, input *MoveInput) (*MoveOutput, error) {
		if err := srv.Agent.MoveItems(ctx, input.Body.IDs, input.Body.To); err != nil {
			return nil, HTTPError("move failed", err)
		}
		out := &MoveOutput{}
		out.Body.Status = "moved"
		out.Body.Moved = len(input.Body.IDs)
		return out, nil
	})
}
