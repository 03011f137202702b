package server

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"redis/internal/command"
	"redis/internal/logging"
	"redis/internal/protocol"
)

// replicaConn is one attached replica's connection, owned exclusively by
// the master's fan-out path once PSYNC transfers it out of the client
// handler.
type replicaConn struct {
	id   string
	conn net.Conn
	w    *bufio.Writer
	r    *bufio.Reader
}

// master owns the replica-connection list and the replication byte
// offset. mu is held across applying a client mutation, serializing it to
// every replica, and advancing the offset, so replicas observe a single
// total order.
type master struct {
	replID string

	mu       sync.Mutex
	offset   int64
	replicas []*replicaConn
}

func newMaster() *master {
	return &master{replID: generateReplID()}
}

func (m *master) replicaCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.replicas)
}

// applyAndPropagate runs apply and, if it reports the mutation actually
// happened, re-serializes the command it returns and writes it to every
// replica connection, advancing the offset by the serialized length — all
// under a single lock, so a concurrent apply+propagate from another
// connection can't interleave between this one's apply and its propagate.
// This is what keeps the master's own commit order identical to the order
// replicas observe. apply returns the command to propagate rather than
// taking a fixed one up front because some commands resolve part of their
// own identity during apply (XADD's "*" ID becomes a concrete stream ID
// only once Database.XAdd assigns it); propagating the literal request
// would have every replica independently re-resolve "*", diverging from
// whatever ID the master actually stored.
func (m *master) applyAndPropagate(apply func() (command.Command, bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := apply()
	if !ok {
		return
	}

	wire := protocol.Encode(command.Encode(cmd))
	alive := m.replicas[:0]
	for _, rc := range m.replicas {
		if _, err := rc.w.Write(wire); err != nil {
			logging.Warnf("replica %s write failed, dropping: %v", rc.id, err)
			_ = rc.conn.Close()
			continue
		}
		if err := rc.w.Flush(); err != nil {
			logging.Warnf("replica %s flush failed, dropping: %v", rc.id, err)
			_ = rc.conn.Close()
			continue
		}
		alive = append(alive, rc)
	}
	m.replicas = alive
	m.offset += int64(len(wire))
}

// attachReplica adds conn to the replica list at the end of a PSYNC
// handshake; the client handler must stop reading it as a client
// connection the moment this is called.
func (m *master) attachReplica(conn net.Conn, r *bufio.Reader) {
	rc := &replicaConn{
		id:   uuid.NewString(),
		conn: conn,
		w:    bufio.NewWriter(conn),
		r:    r,
	}
	m.mu.Lock()
	m.replicas = append(m.replicas, rc)
	m.mu.Unlock()
	logging.Infof("replica %s attached (%s)", rc.id, conn.RemoteAddr())
}

// wait implements WAIT n timeoutMs: if the offset is still zero, no
// mutation has ever been propagated and the current replica count
// satisfies trivially. Otherwise it fans out REPLCONF GETACK * to every
// replica concurrently and counts ACK replies against the deadline.
func (m *master) wait(ctx context.Context, n int, timeoutMs int64) int {
	m.mu.Lock()
	replicas := append([]*replicaConn{}, m.replicas...)
	offset := m.offset
	m.mu.Unlock()

	if offset == 0 {
		return len(replicas)
	}

	deadline := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer deadline.Stop()

	acks := make(chan struct{}, len(replicas))
	g, gctx := errgroup.WithContext(ctx)
	for _, rc := range replicas {
		rc := rc
		g.Go(func() error {
			m.mu.Lock()
			wire := protocol.Encode(command.Encode(command.Command{Kind: command.ReplConfGetAck}))
			_, werr := rc.w.Write(wire)
			if werr == nil {
				werr = rc.w.Flush()
			}
			m.mu.Unlock()
			if werr != nil {
				return nil
			}

			_ = rc.conn.SetReadDeadline(time.Now().Add(time.Duration(timeoutMs) * time.Millisecond))
			v, rerr := protocol.ReadValue(rc.r)
			_ = rc.conn.SetReadDeadline(time.Time{})
			if rerr != nil {
				return nil
			}
			if c, derr := command.Decode(v); derr != nil || c.Kind != command.ReplConfAck {
				return nil
			}
			select {
			case acks <- struct{}{}:
			case <-gctx.Done():
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	count := 0
	for {
		select {
		case <-acks:
			count++
			if count >= n {
				return count
			}
		case <-deadline.C:
			return count
		case <-done:
			for {
				select {
				case <-acks:
					count++
				default:
					return count
				}
			}
		}
	}
}
