// cmd/peer is the main entrypoint for a shared-table-store node: it hosts
// zero or more net-tables, serves their RPC surface over the hub, and
// announces itself on the discovery file so other peers can find it.
//
// Example — two peers sharing a "widgets" table on one machine:
//
//	./peer --addr :9001 --data-dir /tmp/peer1 --discovery /tmp/disco \
//	       --table "widgets:CR:n=DOUBLE"
//	./peer --addr :9002 --data-dir /tmp/peer2 --discovery /tmp/disco \
//	       --table "widgets:CR:n=DOUBLE"
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"sharedtable/internal/adminapi"
	"sharedtable/internal/chorddir"
	"sharedtable/internal/hub"
	"sharedtable/internal/logicaltime"
	"sharedtable/internal/nettable"
	"sharedtable/internal/revision"
	"sharedtable/internal/table"
)

func main() {
	addr := flag.String("addr", ":9000", "bind address other peers use to reach this one (ip_port override)")
	dataDir := flag.String("data-dir", "/tmp/sharedtable", "directory for per-chunk WAL and snapshots")
	discoveryPath := flag.String("discovery", "/tmp/sharedtable/discovery", "path to the shared discovery file")
	var tableFlags stringList
	flag.Var(&tableFlags, "table", "table to host, repeatable: name:CR|CRU:field=TYPE,field=TYPE,...")
	snapshotInterval := flag.Duration("snapshot-interval", 60*time.Second, "period between background chunk snapshots")
	awaitPeers := flag.Int("await-peers", 0, "block at startup until this many peers are known via discovery")
	awaitTimeout := flag.Duration("await-timeout", 10*time.Second, "how long to wait for --await-peers")
	flag.Parse()

	log := logrus.WithField("component", "cmd/peer")

	descriptors := make([]table.Descriptor, 0, len(tableFlags))
	for _, spec := range tableFlags {
		desc, err := parseTableSpec(spec)
		if err != nil {
			log.Fatalf("invalid --table %q: %v", spec, err)
		}
		descriptors = append(descriptors, desc)
	}

	h := hub.New(*addr)

	disc, err := hub.NewDiscovery(*discoveryPath)
	if err != nil {
		log.Fatalf("open discovery file: %v", err)
	}
	if err := disc.Announce(*addr); err != nil {
		log.Fatalf("announce self: %v", err)
	}
	peers, err := disc.Peers()
	if err != nil {
		log.Fatalf("read discovery file: %v", err)
	}
	for _, p := range peers {
		h.AddPeer(p)
	}
	if *awaitPeers > 0 {
		if err := h.AwaitPeers(*awaitPeers, *awaitTimeout); err != nil {
			log.Warnf("await_peers: %v", err)
		}
	}

	reg := nettable.NewRegistry()
	router := chorddir.NewRouter(h)
	clock := logicaltime.NewClock()

	var mu sync.Mutex
	tables := make(map[string]*nettable.NetTable, len(descriptors))
	nettable.RegisterHandlers(h, reg, func(name string) (*nettable.NetTable, bool) {
		mu.Lock()
		defer mu.Unlock()
		nt, ok := tables[name]
		return nt, ok
	})

	for _, desc := range descriptors {
		nt := nettable.New(desc.Name, desc, *dataDir, h, router, reg, clock)
		mu.Lock()
		tables[desc.Name] = nt
		mu.Unlock()
		log.WithField("table", desc.Name).Info("table hosted")
	}

	srv := hub.NewServer(h, *addr)
	srv.Engine().GET("/hub/stats", func(c *gin.Context) {
		mu.Lock()
		stats := make(map[string]nettable.Statistics, len(tables))
		for name, nt := range tables {
			stats[name] = nt.GetStatistics()
		}
		mu.Unlock()
		c.JSON(http.StatusOK, stats)
	})

	admin := adminapi.New(h, router, clock, &mu, tables, func(desc table.Descriptor) *nettable.NetTable {
		return nettable.New(desc.Name, desc, *dataDir, h, router, reg, clock)
	})
	admin.Register(srv.Engine())

	go func() {
		log.Infof("peer listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()

	stopSnapshots := make(chan struct{})
	go func() {
		ticker := time.NewTicker(*snapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				for name, nt := range tables {
					if err := nt.Snapshot(); err != nil {
						log.WithField("table", name).Warnf("snapshot: %v", err)
					}
				}
				mu.Unlock()
			case <-stopSnapshots:
				return
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	close(stopSnapshots)

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	mu.Lock()
	for name, nt := range tables {
		if err := nt.Snapshot(); err != nil {
			log.WithField("table", name).Warnf("final snapshot: %v", err)
		}
		if err := nt.LeaveAllChunks(ctx); err != nil {
			log.WithField("table", name).Warnf("leave_all_chunks: %v", err)
		}
	}
	mu.Unlock()

	if err := disc.Renounce(*addr); err != nil {
		log.Warnf("renounce self: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnf("server shutdown: %v", err)
	}
}

// stringList accumulates repeated -table flag occurrences.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }
func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// parseTableSpec parses "name:CR|CRU:field=TYPE,field=TYPE,..." into a
// table.Descriptor.
func parseTableSpec(spec string) (table.Descriptor, error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) != 3 {
		return table.Descriptor{}, fmt.Errorf("want name:type:fields, got %q", spec)
	}
	name, typeStr, fieldsStr := parts[0], parts[1], parts[2]

	var tableType table.Type
	switch strings.ToUpper(typeStr) {
	case "CR":
		tableType = table.CR
	case "CRU":
		tableType = table.CRU
	default:
		return table.Descriptor{}, fmt.Errorf("unknown table type %q, want CR or CRU", typeStr)
	}

	var fields []revision.FieldDescriptor
	for _, f := range strings.Split(fieldsStr, ",") {
		if f == "" {
			continue
		}
		kv := strings.SplitN(f, "=", 2)
		if len(kv) != 2 {
			return table.Descriptor{}, fmt.Errorf("want field=TYPE, got %q", f)
		}
		ft, err := revision.ParseFieldType(kv[1])
		if err != nil {
			return table.Descriptor{}, err
		}
		fields = append(fields, revision.FieldDescriptor{Name: kv[0], Type: ft})
	}
	if len(fields) == 0 {
		return table.Descriptor{}, fmt.Errorf("table %q declares no fields", name)
	}

	return table.Descriptor{Name: name, Fields: fields, Type: tableType}, nil
}
