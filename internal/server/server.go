// Package server wires the connection handler, master and replica roles,
// and the store together into a runnable TCP service.
package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"redis/internal/logging"
	"redis/internal/rdb"
	"redis/internal/storage"
)

// Server is one running instance, either master or replica — exactly one
// of master/replica is non-nil.
type Server struct {
	cfg   *Config
	store *storage.Store

	master  *master
	replica *replica

	ctx      context.Context
	cancel   context.CancelFunc
	listener net.Listener
	wg       sync.WaitGroup
}

// New builds a Server from cfg, loading an existing snapshot if Dir and
// DBFilename are both set, and performing the replication handshake if
// ReplicaOf is set.
func New(cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	dbs := loadSnapshot(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		store:  storage.NewStore(dbs),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.ReplicaOf != nil {
		r, conn, br, snapshotDBs, err := connectToMaster(*cfg.ReplicaOf, cfg.Port)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("replica handshake: %w", err)
		}
		if len(snapshotDBs) > 0 {
			s.store = storage.NewStore(snapshotDBs)
		}
		s.replica = r
		cc := conn.(*countingConn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			r.applyLoop(conn, cc, br, s.store.Current())
		}()
	} else {
		s.master = newMaster()
	}

	return s, nil
}

func loadSnapshot(cfg *Config) map[uint64]*storage.Database {
	if cfg.Dir == "" || cfg.DBFilename == "" {
		return nil
	}
	path := filepath.Join(cfg.Dir, cfg.DBFilename)
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warnf("snapshot: could not open %s: %v", path, err)
		}
		return nil
	}
	defer f.Close()

	dbs, err := rdb.Load(f)
	if err != nil {
		logging.Warnf("snapshot: parse failed, starting empty: %v", err)
		return nil
	}
	return dbs
}

// Run binds the listener and serves connections until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("binding port %d: %w", s.cfg.Port, err)
	}
	s.listener = lis
	logging.Infof("listening on :%d", s.cfg.Port)

	go func() {
		<-ctx.Done()
		_ = lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Shutdown stops accepting new connections and cancels the internal
// context used by WAIT. A blocked XREAD is not cancelled; it waits out its
// own block timeout.
func (s *Server) Shutdown() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
}
