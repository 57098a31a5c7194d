package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sharedtable/internal/chorddir"
	"sharedtable/internal/hub"
	"sharedtable/internal/logicaltime"
	"sharedtable/internal/nettable"
	"sharedtable/internal/table"
)

func freeAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// startPeer spins up a real hub, server and admin API, the way cmd/peer
// wires them together, and returns the base URL to send requests to.
func startPeer(t *testing.T) string {
	addr := freeAddr(t)
	h := hub.New(addr)
	reg := nettable.NewRegistry()
	router := chorddir.NewRouter(h)
	clock := logicaltime.NewClock()

	baseDir, err := os.MkdirTemp("", "adminapi-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(baseDir) })

	var mu sync.Mutex
	tables := make(map[string]*nettable.NetTable)
	nettable.RegisterHandlers(h, reg, func(name string) (*nettable.NetTable, bool) {
		mu.Lock()
		defer mu.Unlock()
		nt, ok := tables[name]
		return nt, ok
	})

	srv := hub.NewServer(h, addr)
	api := New(h, router, clock, &mu, tables, func(desc table.Descriptor) *nettable.NetTable {
		return nettable.New(desc.Name, desc, baseDir, h, router, reg, clock)
	})
	api.Register(srv.Engine())

	go srv.ListenAndServe()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	require.Eventually(t, func() bool {
		_, err := net.Dial("tcp", addr)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	return "http://" + addr
}

func postJSON(t *testing.T, url string, body any, out any) int {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	resp, err := http.Post(url, "application/json", reader)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func getJSON(t *testing.T, url string, out any) int {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestCreateTableThenListTables(t *testing.T) {
	base := startPeer(t)

	var created struct {
		Name  string `json:"name"`
		Chunk string `json:"chunk"`
	}
	status := postJSON(t, base+"/admin/tables", map[string]any{
		"name": "widgets",
		"type": "CRU",
		"fields": []map[string]string{
			{"name": "n", "type": "DOUBLE"},
		},
	}, &created)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, "widgets", created.Name)
	require.NotEmpty(t, created.Chunk)

	var listed struct {
		Tables []string `json:"tables"`
	}
	status = getJSON(t, base+"/admin/tables", &listed)
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, listed.Tables, "widgets")
}

func TestTransactionInsertGetCommit(t *testing.T) {
	base := startPeer(t)

	postJSON(t, base+"/admin/tables", map[string]any{
		"name": "widgets",
		"type": "CRU",
		"fields": []map[string]string{
			{"name": "n", "type": "DOUBLE"},
		},
	}, nil)

	var begun struct {
		Tx string `json:"tx"`
	}
	status := postJSON(t, base+"/admin/tx", nil, &begun)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, begun.Tx)

	var inserted struct {
		ID string `json:"id"`
	}
	status = postJSON(t, base+"/admin/tx/"+begun.Tx+"/set", map[string]any{
		"table": "widgets",
		"fields": map[string]any{
			"n": map[string]any{"type": 1, "value": 3.5},
		},
	}, &inserted)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, inserted.ID)

	var committed struct {
		Committed bool `json:"committed"`
	}
	status = postJSON(t, base+"/admin/tx/"+begun.Tx+"/commit", nil, &committed)
	require.Equal(t, http.StatusOK, status)
	require.True(t, committed.Committed)

	var begun2 struct {
		Tx string `json:"tx"`
	}
	postJSON(t, base+"/admin/tx", nil, &begun2)

	var row struct {
		ID     string         `json:"id"`
		Fields map[string]any `json:"fields"`
	}
	status = postJSON(t, base+"/admin/tx/"+begun2.Tx+"/get", map[string]any{
		"table": "widgets",
		"id":    inserted.ID,
	}, &row)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, inserted.ID, row.ID)
}

func TestListChunksAndPeers(t *testing.T) {
	base := startPeer(t)

	var created struct {
		Chunk string `json:"chunk"`
	}
	postJSON(t, base+"/admin/tables", map[string]any{
		"name": "widgets",
		"type": "CR",
		"fields": []map[string]string{
			{"name": "n", "type": "DOUBLE"},
		},
	}, &created)

	var chunks struct {
		Chunks []string `json:"chunks"`
	}
	status := getJSON(t, base+"/admin/chunks?table=widgets", &chunks)
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, chunks.Chunks, created.Chunk)

	var peers struct {
		Self string `json:"self"`
	}
	status = getJSON(t, base+"/admin/peers", &peers)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, peers.Self)
}
