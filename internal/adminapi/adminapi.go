// Package adminapi exposes a peer's tables and transactions over HTTP, as
// a small set of JSON routes registered on the same Gin engine that
// serves /hub/rpc — the client-facing counterpart to the peer-to-peer RPC
// surface, for tools like cmd/tablectl that have no business speaking
// the internal hub envelope protocol.
package adminapi

import (
	"net/http"
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sharedtable/internal/chorddir"
	"sharedtable/internal/chunk"
	"sharedtable/internal/errs"
	"sharedtable/internal/hub"
	"sharedtable/internal/logicaltime"
	"sharedtable/internal/nettable"
	"sharedtable/internal/revision"
	"sharedtable/internal/table"
	"sharedtable/internal/txn"
)

// TableFactory creates and registers a net-table on this peer, so the API
// can create tables at runtime instead of only from boot-time flags.
type TableFactory func(desc table.Descriptor) *nettable.NetTable

// API holds the server-side state a peer's admin routes need: the tables
// currently hosted, the transactions currently open, and a default chunk
// per table that plain inserts (ones with no id) land in.
type API struct {
	h      *hub.Hub
	router *chorddir.Router
	clock  *logicaltime.Clock
	newTbl TableFactory

	tablesMu *sync.Mutex // guards tables; shared with the caller's own table bookkeeping
	tables   map[string]*nettable.NetTable

	mu           sync.Mutex
	defaultChunk map[string]*chunk.Chunk
	sessions     map[string]*txn.Transaction

	log *logrus.Entry
}

// New builds an API over the already-hosted tables map and its guarding
// mutex, both shared with the caller so tables created through this API
// are visible to cmd/peer's RPC dispatch closures too, under the same
// lock discipline.
func New(h *hub.Hub, router *chorddir.Router, clock *logicaltime.Clock, tablesMu *sync.Mutex, tables map[string]*nettable.NetTable, newTbl TableFactory) *API {
	return &API{
		h:            h,
		router:       router,
		clock:        clock,
		newTbl:       newTbl,
		tablesMu:     tablesMu,
		tables:       tables,
		defaultChunk: make(map[string]*chunk.Chunk),
		sessions:     make(map[string]*txn.Transaction),
		log:          logrus.WithField("component", "adminapi"),
	}
}

// Register mounts every admin route on engine under /admin.
func (a *API) Register(engine *gin.Engine) {
	g := engine.Group("/admin")
	g.POST("/tables", a.createTable)
	g.GET("/tables", a.listTables)
	g.GET("/chunks", a.listChunks)
	g.POST("/tx", a.beginTx)
	g.POST("/tx/:id/get", a.txGet)
	g.POST("/tx/:id/set", a.txSet)
	g.POST("/tx/:id/commit", a.txCommit)
	g.GET("/peers", a.listPeers)
}

type createTableRequest struct {
	Name   string `json:"name"`
	Type   string `json:"type"` // "CR" or "CRU"
	Fields []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"fields"`
}

func (a *API) createTable(c *gin.Context) {
	var req createTableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.New(errs.Invalid, "%v", err))
		return
	}

	var tableType table.Type
	switch req.Type {
	case "CR":
		tableType = table.CR
	case "CRU":
		tableType = table.CRU
	default:
		writeError(c, errs.New(errs.Invalid, "type must be CR or CRU, got %q", req.Type))
		return
	}

	fields := make([]revision.FieldDescriptor, 0, len(req.Fields))
	for _, f := range req.Fields {
		ft, err := revision.ParseFieldType(f.Type)
		if err != nil {
			writeError(c, errs.New(errs.Invalid, "%v", err))
			return
		}
		fields = append(fields, revision.FieldDescriptor{Name: f.Name, Type: ft})
	}
	if len(fields) == 0 {
		writeError(c, errs.New(errs.Invalid, "table %q declares no fields", req.Name))
		return
	}
	desc := table.Descriptor{Name: req.Name, Fields: fields, Type: tableType}

	a.tablesMu.Lock()
	if _, exists := a.tables[req.Name]; exists {
		a.tablesMu.Unlock()
		writeError(c, errs.New(errs.Duplicate, "table %q already exists", req.Name))
		return
	}
	nt := a.newTbl(desc)
	a.tables[req.Name] = nt
	a.tablesMu.Unlock()

	dc, err := nt.NewChunk(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	a.mu.Lock()
	a.defaultChunk[req.Name] = dc
	a.mu.Unlock()

	a.log.WithFields(logrus.Fields{"table": req.Name, "chunk": dc.ID.String()}).Info("table created")
	c.JSON(http.StatusCreated, gin.H{"name": req.Name, "chunk": dc.ID.String()})
}

func (a *API) listTables(c *gin.Context) {
	a.tablesMu.Lock()
	names := make([]string, 0, len(a.tables))
	stats := make(map[string]nettable.Statistics, len(a.tables))
	for name, nt := range a.tables {
		names = append(names, name)
		stats[name] = nt.GetStatistics()
	}
	a.tablesMu.Unlock()
	sort.Strings(names)
	c.JSON(http.StatusOK, gin.H{"tables": names, "stats": stats})
}

func (a *API) listChunks(c *gin.Context) {
	name := c.Query("table")
	nt, err := a.tableByName(name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"table": name, "chunks": nt.ChunkIDs()})
}

func (a *API) listPeers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"self": a.h.SelfAddr(), "peers": a.h.Peers()})
}

func (a *API) tableByName(name string) (*nettable.NetTable, error) {
	a.tablesMu.Lock()
	defer a.tablesMu.Unlock()
	nt, ok := a.tables[name]
	if !ok {
		return nil, errs.New(errs.NotFound, "no such table %q", name)
	}
	return nt, nil
}

func (a *API) beginTx(c *gin.Context) {
	id := uuid.NewString()
	tx := txn.New(a.clock)

	a.mu.Lock()
	a.sessions[id] = tx
	a.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"tx": id})
}

func (a *API) transactionByID(id string) (*txn.Transaction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tx, ok := a.sessions[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "no such transaction %q", id)
	}
	return tx, nil
}

type rowRequest struct {
	Table  string                         `json:"table"`
	ID     string                         `json:"id,omitempty"`
	Fields map[string]revision.FieldValue `json:"fields,omitempty"`
}

func (a *API) txGet(c *gin.Context) {
	tx, err := a.transactionByID(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	var req rowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.New(errs.Invalid, "%v", err))
		return
	}
	nt, err := a.tableByName(req.Table)
	if err != nil {
		writeError(c, err)
		return
	}
	revID, err := revision.IDFromHex(req.ID)
	if err != nil {
		writeError(c, errs.New(errs.Invalid, "bad id %q: %v", req.ID, err))
		return
	}

	ntt, err := tx.Table(nt, txn.Direct)
	if err != nil {
		writeError(c, err)
		return
	}
	rev, err := ntt.Get(c.Request.Context(), revID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": rev.ID.String(), "fields": fieldsOf(rev)})
}

func fieldsOf(rev *revision.Revision) map[string]revision.FieldValue {
	out := make(map[string]revision.FieldValue, len(rev.FieldNames()))
	for _, name := range rev.FieldNames() {
		v, err := rev.Get(name)
		if err != nil {
			continue
		}
		out[name] = v
	}
	return out
}

func (a *API) txSet(c *gin.Context) {
	tx, err := a.transactionByID(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	var req rowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.New(errs.Invalid, "%v", err))
		return
	}
	nt, err := a.tableByName(req.Table)
	if err != nil {
		writeError(c, err)
		return
	}

	ntt, err := tx.Table(nt, txn.Direct)
	if err != nil {
		writeError(c, err)
		return
	}
	ctx := c.Request.Context()

	if req.ID == "" {
		a.mu.Lock()
		dc := a.defaultChunk[req.Table]
		a.mu.Unlock()
		if dc == nil {
			writeError(c, errs.New(errs.NotFound, "table %q has no default chunk", req.Table))
			return
		}
		rev := nt.Descriptor().Template()
		rev.ID = revision.NewID()
		if err := applyFields(rev, req.Fields); err != nil {
			writeError(c, err)
			return
		}
		ntt.Insert(dc, rev)
		c.JSON(http.StatusOK, gin.H{"id": rev.ID.String()})
		return
	}

	revID, err := revision.IDFromHex(req.ID)
	if err != nil {
		writeError(c, errs.New(errs.Invalid, "bad id %q: %v", req.ID, err))
		return
	}
	existing, err := ntt.Get(ctx, revID)
	if err != nil {
		writeError(c, err)
		return
	}
	updated := existing.Clone()
	if err := applyFields(updated, req.Fields); err != nil {
		writeError(c, err)
		return
	}
	if err := ntt.Update(ctx, updated); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": updated.ID.String()})
}

func applyFields(rev *revision.Revision, fields map[string]revision.FieldValue) error {
	for name, v := range fields {
		if err := rev.Set(name, v); err != nil {
			return err
		}
	}
	return nil
}

func (a *API) txCommit(c *gin.Context) {
	sessionID := c.Param("id")
	tx, err := a.transactionByID(sessionID)
	if err != nil {
		writeError(c, err)
		return
	}

	conflicts, err := tx.Commit(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	a.mu.Lock()
	delete(a.sessions, sessionID)
	a.mu.Unlock()

	if len(conflicts) > 0 {
		out := make(map[string]gin.H, len(conflicts))
		for id, conf := range conflicts {
			out[id.String()] = gin.H{"observed": conf.Observed, "expected": conf.Expected}
		}
		c.JSON(http.StatusConflict, gin.H{"conflicts": out})
		return
	}
	c.JSON(http.StatusOK, gin.H{"committed": true})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.NotFound:
		status = http.StatusNotFound
	case errs.Duplicate, errs.Conflict:
		status = http.StatusConflict
	case errs.Invalid, errs.SchemaMismatch, errs.UnknownField:
		status = http.StatusBadRequest
	case errs.Timeout, errs.DirectoryTimeout:
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
