package client

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/AvengeMedia/pimsearch/internal/agent"
	"github.com/AvengeMedia/pimsearch/internal/searcher"
	"github.com/AvengeMedia/pimsearch/internal/server"
	"github.com/AvengeMedia/pimsearch/internal/server/models"
	"github.com/AvengeMedia/pimsearch/internal/store"
)

// ErrNotRunning is returned when no daemon socket answers.
var ErrNotRunning = errors.New("service not running")

func findRunningSocket() (string, error) {
	dir := server.SocketDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", ErrNotRunning
	}

	for _, entry := range entries {
		if !server.IsSocketName(entry.Name()) {
			continue
		}

		socketPath := filepath.Join(dir, entry.Name())
		conn, err := net.Dial("unix", socketPath)
		if err == nil {
			conn.Close()
			return socketPath, nil
		}
	}

	return "", ErrNotRunning
}

// IsRunning reports whether a daemon is reachable.
func IsRunning() bool {
	_, err := findRunningSocket()
	return err == nil
}

func sendRequest(method string, params map[string]any) (json.RawMessage, error) {
	socketPath, err := findRunningSocket()
	if err != nil {
		return nil, err
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, ErrNotRunning
	}
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	if !scanner.Scan() {
		return nil, fmt.Errorf("no server info from %s", socketPath)
	}

	req := models.Request{
		ID:     1,
		Method: method,
		Params: params,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, err
	}

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("no response from server")
	}

	var resp models.Response[json.RawMessage]
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, err
	}

	if resp.Error != "" {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("empty response from server")
	}

	return *resp.Result, nil
}

func call[T any](method string, params map[string]any) (*T, error) {
	raw, err := sendRequest(method, params)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type SearchOptions struct {
	// Query is a structured query document; empty searches everything.
	Query  string
	Text   string
	Types  string
	Limit  int
	Offset int
}

func Search(opts *SearchOptions) (*searcher.Result, error) {
	params := map[string]any{}
	if opts.Query != "" {
		params["query"] = opts.Query
	}
	if opts.Text != "" {
		params["text"] = opts.Text
	}
	if opts.Types != "" {
		params["type"] = opts.Types
	}
	if opts.Limit > 0 {
		params["limit"] = opts.Limit
	}
	if opts.Offset > 0 {
		params["offset"] = opts.Offset
	}
	return call[searcher.Result]("search", params)
}

func Ping() error {
	_, err := call[string]("ping", nil)
	return err
}

func Status() (*agent.Status, error) {
	return call[agent.Status]("status", nil)
}

// Sync schedules a full sync of one collection, or all with 0.
func Sync(collection int64) (int, error) {
	resp, err := call[struct {
		Status    string `json:"status"`
		Scheduled int    `json:"scheduled"`
	}]("sync", map[string]any{"collection": collection})
	if err != nil {
		return 0, err
	}
	return resp.Scheduled, nil
}

func Collections() ([]store.Collection, error) {
	resp, err := call[struct {
		Collections []store.Collection `json:"collections"`
	}]("collections", nil)
	if err != nil {
		return nil, err
	}
	return resp.Collections, nil
}

func MoveItems(ids []int64, to int64) error {
	_, err := call[map[string]any]("items.move", map[string]any{"ids": ids, "to": to})
	return err
}
