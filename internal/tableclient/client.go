// Package tableclient is a Go SDK for a peer's admin HTTP API: table
// creation, transaction begin/get/set/commit, and chunk/peer listing. It
// hides request construction and status-code handling behind one method
// per operation, the way a caller would rather write
//
//	c.BeginTx(ctx)
//	c.Set(ctx, txID, "widgets", "", fields)
//	c.Commit(ctx, txID)
//
// than build the raw HTTP calls itself.
package tableclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"sharedtable/internal/revision"
)

// Client talks to one peer's admin API over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Client for a peer reachable at baseURL (e.g.
// "http://localhost:9000").
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}
}

// FieldSpec names one field of a table being created.
type FieldSpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// CreateTableResponse is returned after a table is created.
type CreateTableResponse struct {
	Name  string `json:"name"`
	Chunk string `json:"chunk"`
}

// CreateTable declares a new table of the given type ("CR" or "CRU") with
// fields.
func (c *Client) CreateTable(ctx context.Context, name, typ string, fields []FieldSpec) (*CreateTableResponse, error) {
	body, _ := json.Marshal(map[string]any{"name": name, "type": typ, "fields": fields})
	var out CreateTableResponse
	if err := c.do(ctx, http.MethodPost, "/admin/tables", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTablesResponse reports every table a peer hosts and per-table stats.
type ListTablesResponse struct {
	Tables []string                  `json:"tables"`
	Stats  map[string]TableStatistics `json:"stats"`
}

// TableStatistics mirrors nettable.Statistics over the wire.
type TableStatistics struct {
	ResidentChunks int `json:"ResidentChunks"`
	TotalRevisions int `json:"TotalRevisions"`
}

// ListTables lists every table hosted by the peer.
func (c *Client) ListTables(ctx context.Context) (*ListTablesResponse, error) {
	var out ListTablesResponse
	if err := c.do(ctx, http.MethodGet, "/admin/tables", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListChunksResponse reports the chunk ids resident for one table.
type ListChunksResponse struct {
	Table  string   `json:"table"`
	Chunks []string `json:"chunks"`
}

// ListChunks lists the chunks resident on the peer for table.
func (c *Client) ListChunks(ctx context.Context, table string) (*ListChunksResponse, error) {
	var out ListChunksResponse
	if err := c.do(ctx, http.MethodGet, "/admin/chunks?table="+table, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PeersResponse reports the peer's self address and known peers.
type PeersResponse struct {
	Self  string   `json:"self"`
	Peers []string `json:"peers"`
}

// Peers lists the peer's self address and known peers.
func (c *Client) Peers(ctx context.Context) (*PeersResponse, error) {
	var out PeersResponse
	if err := c.do(ctx, http.MethodGet, "/admin/peers", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BeginTx opens a transaction on the peer, returning its session id.
func (c *Client) BeginTx(ctx context.Context) (string, error) {
	var out struct {
		Tx string `json:"tx"`
	}
	if err := c.do(ctx, http.MethodPost, "/admin/tx", nil, &out); err != nil {
		return "", err
	}
	return out.Tx, nil
}

// RowResponse is one row read or written within a transaction.
type RowResponse struct {
	ID     string                         `json:"id"`
	Fields map[string]revision.FieldValue `json:"fields"`
}

// Get reads id from table within the transaction named by txID.
func (c *Client) Get(ctx context.Context, txID, table, id string) (*RowResponse, error) {
	body, _ := json.Marshal(map[string]string{"table": table, "id": id})
	var out RowResponse
	if err := c.do(ctx, http.MethodPost, "/admin/tx/"+txID+"/get", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Set inserts (id == "") or updates (id != "") a row within the
// transaction named by txID.
func (c *Client) Set(ctx context.Context, txID, table, id string, fields map[string]revision.FieldValue) (*RowResponse, error) {
	body, _ := json.Marshal(map[string]any{"table": table, "id": id, "fields": fields})
	var out RowResponse
	if err := c.do(ctx, http.MethodPost, "/admin/tx/"+txID+"/set", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CommitResult reports whether a commit succeeded or which ids
// conflicted.
type CommitResult struct {
	Committed bool                      `json:"committed"`
	Conflicts map[string]map[string]any `json:"conflicts"`
}

// Commit commits the transaction named by txID. A non-nil, non-empty
// Conflicts map means nothing was applied.
func (c *Client) Commit(ctx context.Context, txID string) (*CommitResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/admin/tx/"+txID+"/commit", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("commit request failed: %w", err)
	}
	defer resp.Body.Close()

	var out CommitResult
	if resp.StatusCode == http.StatusConflict {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}
		return &out, nil
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return &out, json.NewDecoder(resp.Body).Decode(&out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// APIError carries the HTTP status and the error message the peer sent.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(data, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = string(data)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
