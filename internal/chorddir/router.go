package chorddir

import (
	"sync"

	"sharedtable/internal/errs"
	"sharedtable/internal/hub"
)

// Router registers the single hub message type every net-table's Chord
// traffic travels under, and dispatches each RoutedChordRequest to the
// Directory for its table_name — one physical RPC type suffices for
// every overlay.
type Router struct {
	mu    sync.RWMutex
	dirs  map[string]*Directory
}

// NewRouter creates a Router and registers it on h.
func NewRouter(h *hub.Hub) *Router {
	r := &Router{dirs: make(map[string]*Directory)}
	h.Register(routedMsgType, r.handle)
	return r
}

// AddDirectory makes dir reachable under its table name.
func (r *Router) AddDirectory(dir *Directory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirs[dir.tableName] = dir
}

// RemoveDirectory drops a table's directory, e.g. when leaving a table.
func (r *Router) RemoveDirectory(tableName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dirs, tableName)
}

func (r *Router) handle(sender string, payload []byte) (any, error) {
	var req RoutedChordRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	r.mu.RLock()
	dir, ok := r.dirs[req.TableName]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.Decline, "no directory for table %s", req.TableName)
	}

	return dir.handle(sender, req.MessageType, req.Payload)
}
