package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/AvengeMedia/pimsearch/internal/api"
	"github.com/AvengeMedia/pimsearch/internal/log"
	"github.com/AvengeMedia/pimsearch/internal/server/models"
)

const requestTimeout = 30 * time.Second

type Router struct {
	searcher api.SearcherInterface
	agent    api.AgentInterface
}

func NewRouter(searcher api.SearcherInterface, agent api.AgentInterface) *Router {
	return &Router{
		searcher: searcher,
		agent:    agent,
	}
}

func (r *Router) RouteRequest(conn net.Conn, req models.Request) {
	log.Debugf("API Request: method=%s id=%d", req.Method, req.ID)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch req.Method {
	case "ping":
		models.Respond(conn, req.ID, "pong")
	case "search":
		r.handleSearch(ctx, conn, req)
	case "status":
		models.Respond(conn, req.ID, r.agent.Status())
	case "sync":
		r.handleSync(ctx, conn, req)
	case "collections":
		r.handleCollections(ctx, conn, req)
	case "items.move":
		r.handleMove(ctx, conn, req)
	default:
		models.RespondError(conn, req.ID, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

// searchRequest reads search params. "query" is the structured query,
// either as an object or as a JSON string.
func searchRequest(params map[string]any) (api.SearchRequest, error) {
	var sr api.SearchRequest
	switch q := params["query"].(type) {
	case nil:
	case string:
		sr.Query = q
	case map[string]any:
		data, err := json.Marshal(q)
		if err != nil {
			return sr, err
		}
		sr.Query = string(data)
	default:
		return sr, fmt.Errorf("query must be an object or a JSON string")
	}
	sr.Text, _ = params["text"].(string)
	sr.Types, _ = params["type"].(string)
	if l, ok := params["limit"].(float64); ok {
		sr.Limit = int(l)
	}
	if o, ok := params["offset"].(float64); ok {
		sr.Offset = int(o)
	}
	return sr, nil
}

func (r *Router) handleSearch(ctx context.Context, conn net.Conn, req models.Request) {
	sr, err := searchRequest(req.Params)
	if err != nil {
		models.RespondError(conn, req.ID, err.Error())
		return
	}
	q, err := sr.Build()
	if err != nil {
		models.RespondError(conn, req.ID, fmt.Sprintf("invalid query: %v", err))
		return
	}

	result, err := r.searcher.Search(ctx, q)
	if err != nil {
		models.RespondError(conn, req.ID, fmt.Sprintf("search failed: %v", err))
		return
	}

	models.Respond(conn, req.ID, result)
}

func (r *Router) handleSync(ctx context.Context, conn net.Conn, req models.Request) {
	var collection int64
	if c, ok := req.Params["collection"].(float64); ok {
		collection = int64(c)
	}

	n, err := r.agent.Sync(ctx, collection)
	if err != nil {
		models.RespondError(conn, req.ID, fmt.Sprintf("sync failed: %v", err))
		return
	}

	models.Respond(conn, req.ID, map[string]any{"status": "sync scheduled", "scheduled": n})
}

func (r *Router) handleCollections(ctx context.Context, conn net.Conn, req models.Request) {
	cols, err := r.agent.ListCollections(ctx)
	if err != nil {
		models.RespondError(conn, req.ID, fmt.Sprintf("list collections failed: %v", err))
		return
	}

	models.Respond(conn, req.ID, map[string]any{
		"collections": cols,
		"total":       len(cols),
	})
}

func (r *Router) handleMove(ctx context.Context, conn net.Conn, req models.Request) {
	rawIDs, ok := req.Params["ids"].([]any)
	if !ok || len(rawIDs) == 0 {
		models.RespondError(conn, req.ID, "ids parameter required")
		return
	}
	to, ok := req.Params["to"].(float64)
	if !ok {
		models.RespondError(conn, req.ID, "to parameter required")
		return
	}

	ids := make([]int64, 0, len(rawIDs))
	for _, v := range rawIDs {
		id, ok := v.(float64)
		if !ok {
			models.RespondError(conn, req.ID, "ids must be numbers")
			return
		}
		ids = append(ids, int64(id))
	}

	if err := r.agent.MoveItems(ctx, ids, int64(to)); err != nil {
		models.RespondError(conn, req.ID, fmt.Sprintf("move failed: %v", err))
		return
	}

	models.Respond(conn, req.ID, map[string]any{"status": "moved", "moved": len(ids)})
}
