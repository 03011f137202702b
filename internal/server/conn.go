package server

import (
	"bufio"
	"fmt"
	"net"
	"reflect"
	"strconv"
	"strings"
	"time"

	"redis/internal/command"
	"redis/internal/logging"
	"redis/internal/protocol"
	"redis/internal/rdb"
	"redis/internal/storage"
	"redis/internal/stream"
)

// handleConnection runs the per-connection task: read a framed command,
// dispatch it, write the response, loop — until a decode error or peer
// close, or until PSYNC transfers the connection into the replica list.
func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		logging.Debugf("connection from %s closed", conn.RemoteAddr())
	}()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		v, err := protocol.ReadValue(r)
		if err != nil {
			return
		}
		cmd, err := command.Decode(v)
		if err != nil {
			writeValue(w, protocol.NewError("ERR "+err.Error()))
			continue
		}

		resp, transferred := s.dispatch(conn, r, w, cmd)
		if transferred {
			return
		}
		writeValue(w, resp)
	}
}

func writeValue(w *bufio.Writer, v protocol.Value) {
	_, _ = w.Write(protocol.Encode(v))
	_ = w.Flush()
}

// dispatch executes cmd and returns its response, or transferred=true if
// the connection has been handed off to the replica list (PSYNC) and must
// no longer be read as a client connection.
func (s *Server) dispatch(conn net.Conn, r *bufio.Reader, w *bufio.Writer, cmd command.Command) (protocol.Value, bool) {
	db := s.store.Current()

	switch cmd.Kind {
	case command.Ping:
		return protocol.NewSimpleString("PONG"), false

	case command.Echo:
		return protocol.NewBulkString(cmd.Value), false

	case command.Set:
		var expiry *time.Time
		if cmd.HasPX {
			t := time.Now().Add(time.Duration(cmd.PXMs) * time.Millisecond)
			expiry = &t
		}
		apply := func() (command.Command, bool) { db.Set(cmd.Key, cmd.Value, expiry); return cmd, true }
		if s.master != nil {
			s.master.applyAndPropagate(apply)
		} else {
			apply()
		}
		return protocol.NewSimpleString("OK"), false

	case command.Get:
		v, ok := db.Get(cmd.Key)
		if !ok {
			return protocol.NewNullBulk(), false
		}
		return protocol.NewBulkString(v), false

	case command.Info:
		return s.infoResponse(), false

	case command.ReplConfListeningPort, command.ReplConfCapa:
		if s.master == nil {
			return protocol.NewError("ERR REPLCONF not supported on a replica"), false
		}
		return protocol.NewSimpleString("OK"), false

	case command.ReplConfGetAck, command.ReplConfAck:
		return protocol.NewError("ERR unexpected REPLCONF from client"), false

	case command.Psync:
		if s.master == nil {
			return protocol.NewError("ERR PSYNC not supported on a replica"), false
		}
		writeValue(w, protocol.NewSimpleString(fmt.Sprintf("FULLRESYNC %s 0", s.master.replID)))
		_, _ = w.Write(protocol.EncodeSnapshotBulk(rdb.EmptySnapshot))
		_ = w.Flush()
		s.master.attachReplica(conn, r)
		return protocol.Value{}, true

	case command.Wait:
		if s.master == nil {
			return protocol.NewInteger(0), false
		}
		count := s.master.wait(s.ctx, cmd.NumReplicas, cmd.TimeoutMs)
		return protocol.NewInteger(int64(count)), false

	case command.ConfigGet:
		var val string
		switch cmd.ConfigKey {
		case "dir":
			val = s.cfg.Dir
		case "dbfilename":
			val = s.cfg.DBFilename
		}
		return protocol.NewArray([]protocol.Value{
			protocol.NewBulkString([]byte(cmd.ConfigKey)),
			protocol.NewBulkString([]byte(val)),
		}), false

	case command.Keys:
		keys := db.Keys()
		items := make([]protocol.Value, len(keys))
		for i, k := range keys {
			items[i] = protocol.NewBulkString(k)
		}
		return protocol.NewArray(items), false

	case command.Type:
		return protocol.NewSimpleString(db.Type(cmd.Key)), false

	case command.XAdd:
		return s.dispatchXAdd(db, cmd), false

	case command.XRange:
		return s.dispatchXRange(db, cmd), false

	case command.XRead:
		return s.dispatchXRead(db, cmd), false

	default:
		return protocol.NewError("ERR unsupported command"), false
	}
}

func (s *Server) infoResponse() protocol.Value {
	var lines []string
	if s.master != nil {
		s.master.mu.Lock()
		offset := s.master.offset
		replID := s.master.replID
		s.master.mu.Unlock()
		lines = []string{
			"role:master",
			"master_replid:" + replID,
			"master_repl_offset:" + strconv.FormatInt(offset, 10),
		}
	} else {
		lines = []string{
			"role:slave",
			"master_replid:" + s.replica.masterReplID,
			"master_repl_offset:" + strconv.FormatInt(s.replica.ackOffset(), 10),
		}
	}
	return protocol.NewBulkString([]byte(strings.Join(lines, "\n")))
}

func (s *Server) dispatchXAdd(db *storage.Database, cmd command.Command) protocol.Value {
	req, err := stream.ParseRequestID(cmd.StreamID)
	if err != nil {
		return protocol.NewError("ERR " + err.Error())
	}
	fields := make(stream.Fields, len(cmd.FieldValues))
	for i, fv := range cmd.FieldValues {
		fields[i] = stream.FieldValue{Field: fv[0], Value: fv[1]}
	}
	var id stream.ID
	var xerr error
	apply := func() (command.Command, bool) {
		id, xerr = db.XAdd(cmd.StreamKey, req, fields)
		if xerr != nil {
			return cmd, false
		}
		// Propagate the resolved ID, not the client's raw "*"/partial
		// request: a replica decoding a literal "*" would mint its own
		// new ID instead of replaying the one the master just assigned.
		propagated := cmd
		propagated.StreamID = id.String()
		return propagated, true
	}
	if s.master != nil {
		s.master.applyAndPropagate(apply)
	} else {
		apply()
	}
	if xerr != nil {
		return protocol.NewError(xerr.Error())
	}
	return protocol.NewBulkString([]byte(id.String()))
}

func (s *Server) dispatchXRange(db *storage.Database, cmd command.Command) protocol.Value {
	start, err := stream.ParseRangeBound(cmd.RangeStart, true)
	if err != nil {
		return protocol.NewError("ERR " + err.Error())
	}
	end, err := stream.ParseRangeBound(cmd.RangeEnd, false)
	if err != nil {
		return protocol.NewError("ERR " + err.Error())
	}
	entries := db.XRange(cmd.StreamKey, start, end)
	return encodeStreamEntries(entries)
}

func (s *Server) dispatchXRead(db *storage.Database, cmd command.Command) protocol.Value {
	cursors := make([]stream.ID, len(cmd.StreamKeys))
	for i, idArg := range cmd.StreamIDs {
		id, err := stream.ParseRangeBound(idArg, false)
		if err != nil {
			return protocol.NewError("ERR " + err.Error())
		}
		cursors[i] = id
	}

	// Subscribe before checking for data, not after: an XADD that lands
	// between "check" and "subscribe" would close a wake channel nobody is
	// listening to yet, stranding a blocked reader until its timeout even
	// though the data it wants already exists. Subscribing first means any
	// such append either already shows up in the check below or still wakes
	// the channel we're holding.
	var waiters []<-chan struct{}
	if cmd.HasBlock {
		waiters = make([]<-chan struct{}, len(cmd.StreamKeys))
		for i, key := range cmd.StreamKeys {
			waiters[i] = db.StreamWaiter(key)
		}
	}

	results := make([][]stream.Entry, len(cmd.StreamKeys))
	any := false
	for i, key := range cmd.StreamKeys {
		results[i] = db.XReadAfter(key, cursors[i])
		if len(results[i]) > 0 {
			any = true
		}
	}

	if !any && cmd.HasBlock {
		if awaitAny(waiters, cmd.BlockMs) {
			for i, key := range cmd.StreamKeys {
				results[i] = db.XReadAfter(key, cursors[i])
				if len(results[i]) > 0 {
					any = true
				}
			}
		}
	}

	if !any {
		return protocol.NewNullBulk()
	}

	var perStream []protocol.Value
	for i, key := range cmd.StreamKeys {
		if len(results[i]) == 0 {
			continue
		}
		perStream = append(perStream, protocol.NewArray([]protocol.Value{
			protocol.NewBulkString(key),
			encodeStreamEntries(results[i]),
		}))
	}
	return protocol.NewArray(perStream)
}

// awaitAny blocks until any of the already-subscribed waiters fires, or
// blockMs elapses, returning whether it woke from a signal (not a
// timeout). The broadcast channels carry no payload; callers must
// re-consult the store afterward.
func awaitAny(waiters []<-chan struct{}, blockMs int64) bool {
	cases := make([]reflect.SelectCase, 0, len(waiters)+1)
	for _, ch := range waiters {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ch)})
	}
	timeout := time.NewTimer(time.Duration(blockMs) * time.Millisecond)
	defer timeout.Stop()
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timeout.C)})

	chosen, _, _ := reflect.Select(cases)
	return chosen != len(cases)-1
}

func encodeStreamEntries(entries []stream.Entry) protocol.Value {
	items := make([]protocol.Value, len(entries))
	for i, e := range entries {
		fvs := make([]protocol.Value, 0, len(e.Fields)*2)
		for _, fv := range e.Fields {
			fvs = append(fvs, protocol.NewBulkString(fv.Field), protocol.NewBulkString(fv.Value))
		}
		items[i] = protocol.NewArray([]protocol.Value{
			protocol.NewBulkString([]byte(e.ID.String())),
			protocol.NewArray(fvs),
		})
	}
	return protocol.NewArray(items)
}
