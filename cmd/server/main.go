package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"redis/internal/logging"
	"redis/internal/server"
)

var errInvalidReplicaOf = errors.New(`expected "<host> <port>"`)

func main() {
	port := flag.Int("port", 6379, "port to listen on")
	replicaOf := flag.String("replicaof", "", `master "<host> <port>" to replicate from`)
	dir := flag.String("dir", "", "directory holding the snapshot to load at start-up")
	dbFilename := flag.String("dbfilename", "", "snapshot filename within --dir")
	flag.Parse()

	cfg := server.DefaultConfig()
	cfg.Port = *port
	cfg.Dir = *dir
	cfg.DBFilename = *dbFilename

	if *replicaOf != "" {
		addr, err := parseReplicaOf(*replicaOf)
		if err != nil {
			logging.Errorf("invalid --replicaof: %v", err)
			os.Exit(1)
		}
		cfg.ReplicaOf = addr
	}

	srv, err := server.New(cfg)
	if err != nil {
		logging.Errorf("starting server: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Infof("shutting down")
		srv.Shutdown()
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		logging.Errorf("server exited: %v", err)
		os.Exit(1)
	}
}

func parseReplicaOf(s string) (*server.MasterAddr, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return nil, errInvalidReplicaOf
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, errInvalidReplicaOf
	}
	return &server.MasterAddr{Host: parts[0], Port: port}, nil
}
