package server

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"redis/internal/command"
	"redis/internal/logging"
	"redis/internal/protocol"
	"redis/internal/rdb"
	"redis/internal/storage"
	"redis/internal/stream"
)

// countingConn counts every byte actually read off the underlying
// connection, so the byte offset can be recovered exactly even though
// bufio.Reader buffers ahead of whatever ReadValue has consumed so far.
type countingConn struct {
	net.Conn
	n int64
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.n += int64(n)
	return n, err
}

// replica holds this instance's state when it is running as a replica:
// the master's identity (learned during handshake) and a byte offset
// advanced by exactly the bytes consumed from the master stream.
type replica struct {
	masterReplID string

	mu     sync.Mutex
	offset int64
}

// connectToMaster performs the replication handshake against addr and, on
// success, returns the parsed snapshot databases and a replica handle
// whose applyLoop should be run in a dedicated goroutine.
func connectToMaster(addr MasterAddr, listeningPort int) (*replica, net.Conn, *bufio.Reader, map[uint64]*storage.Database, error) {
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", addr.Host, addr.Port))
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("dialing master: %w", err)
	}

	cc := &countingConn{Conn: conn}
	br := bufio.NewReader(cc)
	bw := bufio.NewWriter(cc)

	send := func(cmd command.Command) error {
		if _, err := bw.Write(protocol.Encode(command.Encode(cmd))); err != nil {
			return err
		}
		return bw.Flush()
	}
	expectSimple := func(want string) error {
		v, err := protocol.ReadValue(br)
		if err != nil {
			return err
		}
		if v.Kind != protocol.SimpleString || !strings.EqualFold(v.Str, want) {
			return fmt.Errorf("expected +%s, got %+v", want, v)
		}
		return nil
	}

	if err := send(command.Command{Kind: command.Ping}); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("handshake PING: %w", err)
	}
	if err := expectSimple("PONG"); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("handshake PING: %w", err)
	}

	if err := send(command.Command{Kind: command.ReplConfListeningPort, ListeningPort: listeningPort}); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("handshake REPLCONF listening-port: %w", err)
	}
	if err := expectSimple("OK"); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("handshake REPLCONF listening-port: %w", err)
	}

	if err := send(command.Command{Kind: command.ReplConfCapa, Capa: "psync2"}); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("handshake REPLCONF capa: %w", err)
	}
	if err := expectSimple("OK"); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("handshake REPLCONF capa: %w", err)
	}

	if err := send(command.Command{Kind: command.Psync, ReplID: "?", Offset: -1}); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("handshake PSYNC: %w", err)
	}
	fullresync, err := protocol.ReadValue(br)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("handshake PSYNC reply: %w", err)
	}
	if fullresync.Kind != protocol.SimpleString || !strings.HasPrefix(fullresync.Str, "FULLRESYNC ") {
		return nil, nil, nil, nil, fmt.Errorf("expected FULLRESYNC, got %+v", fullresync)
	}
	fields := strings.Fields(fullresync.Str)
	if len(fields) != 3 {
		return nil, nil, nil, nil, fmt.Errorf("malformed FULLRESYNC line %q", fullresync.Str)
	}
	masterReplID := fields[1]

	snapshot, err := protocol.ReadSnapshotBulk(br)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("reading snapshot: %w", err)
	}
	dbs, err := rdb.Load(bytes.NewReader(snapshot))
	if err != nil {
		logging.Warnf("replica: snapshot parse failed, starting empty: %v", err)
		dbs = nil
	}

	r := &replica{masterReplID: masterReplID}
	return r, cc, br, dbs, nil
}

// ackOffset reports the replica's current byte offset, non-decreasing
// over time.
func (r *replica) ackOffset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset
}

// applyLoop reads commands from the master stream forever, advancing the
// byte offset by exactly the bytes consumed per command and applying SET
// and XADD mutations locally; it answers REPLCONF GETACK with the
// post-increment offset and ignores every other command for application
// purposes.
func (r *replica) applyLoop(conn net.Conn, cc *countingConn, br *bufio.Reader, db *storage.Database) {
	bw := bufio.NewWriter(conn)
	for {
		before := cc.n - int64(br.Buffered())
		v, err := protocol.ReadValue(br)
		if err != nil {
			if err != io.EOF {
				logging.Warnf("replica: master connection read failed: %v", err)
			}
			return
		}
		after := cc.n - int64(br.Buffered())
		consumed := after - before

		r.mu.Lock()
		r.offset += consumed
		offsetNow := r.offset
		r.mu.Unlock()

		cmd, err := command.Decode(v)
		if err != nil {
			logging.Warnf("replica: ignoring undecodable command from master: %v", err)
			continue
		}

		switch cmd.Kind {
		case command.Set:
			var expiry *time.Time
			if cmd.HasPX {
				t := time.Now().Add(time.Duration(cmd.PXMs) * time.Millisecond)
				expiry = &t
			}
			db.Set(cmd.Key, cmd.Value, expiry)
		case command.XAdd:
			req, err := stream.ParseRequestID(cmd.StreamID)
			if err != nil {
				logging.Warnf("replica: master propagated unparseable stream ID %q: %v", cmd.StreamID, err)
				continue
			}
			fields := make(stream.Fields, len(cmd.FieldValues))
			for i, fv := range cmd.FieldValues {
				fields[i] = stream.FieldValue{Field: fv[0], Value: fv[1]}
			}
			if _, err := db.XAdd(cmd.StreamKey, req, fields); err != nil {
				logging.Warnf("replica: applying propagated XADD failed: %v", err)
			}
		case command.ReplConfGetAck:
			ack := command.Command{Kind: command.ReplConfAck, Offset: offsetNow}
			if _, err := bw.Write(protocol.Encode(command.Encode(ack))); err != nil {
				logging.Warnf("replica: writing ACK failed: %v", err)
				return
			}
			if err := bw.Flush(); err != nil {
				logging.Warnf("replica: flushing ACK failed: %v", err)
				return
			}
		default:
			// Every other command is ignored for application purposes but
			// still advances the offset, accounted for above.
		}
	}
}
