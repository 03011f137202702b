// Package command enumerates every supported command as a tagged variant
// and encodes/decodes each against the wire codec's array-of-bulk-strings
// shape.
package command

import (
	"fmt"
	"strconv"
	"strings"

	"redis/internal/protocol"
)

type Kind int

const (
	Ping Kind = iota
	Echo
	Set
	Get
	Info
	ReplConfListeningPort
	ReplConfCapa
	ReplConfGetAck
	ReplConfAck
	Psync
	Wait
	ConfigGet
	Keys
	Type
	XAdd
	XRange
	XRead
)

// Command is a tagged union over every in-scope command. Only the fields
// relevant to Kind are meaningful.
type Command struct {
	Kind Kind

	Key   []byte
	Value []byte
	HasPX bool
	PXMs  int64

	InfoSection string // "" or "replication"

	ListeningPort int
	Capa          string

	ReplID string // PSYNC request repl-id ("?" when unknown)
	Offset int64

	NumReplicas int
	TimeoutMs   int64

	ConfigKey string

	StreamKey   []byte
	StreamID    string // raw request ID: "*", "ms", or "ms-seq"
	FieldValues [][2][]byte

	RangeStart string
	RangeEnd   string

	HasBlock   bool
	BlockMs    int64
	StreamKeys []([]byte)
	StreamIDs  []string
}

// DecodeError is a CommandSemantic failure: well-formed wire bytes, invalid
// command shape or arguments.
type DecodeError struct {
	Msg string
}

func (e *DecodeError) Error() string { return e.Msg }

func decodeErrorf(format string, args ...interface{}) error {
	return &DecodeError{Msg: fmt.Sprintf(format, args...)}
}

// Decode parses a command out of an Array-of-BulkString protocol value.
func Decode(v protocol.Value) (Command, error) {
	if v.Kind != protocol.Array {
		return Command{}, decodeErrorf("command must be an array")
	}
	if len(v.Items) == 0 {
		return Command{}, decodeErrorf("empty command array")
	}
	args := make([][]byte, len(v.Items))
	for i, item := range v.Items {
		if item.Kind != protocol.BulkString {
			return Command{}, decodeErrorf("command element %d is not a bulk string", i)
		}
		args[i] = item.Bulk
	}

	verb := strings.ToUpper(string(args[0]))
	rest := args[1:]

	switch verb {
	case "PING":
		return decodeNoArgs(Ping, rest)
	case "ECHO":
		return decodeOneArg(Echo, rest, func(c *Command, a []byte) { c.Value = a })
	case "SET":
		return decodeSet(rest)
	case "GET":
		return decodeOneArg(Get, rest, func(c *Command, a []byte) { c.Key = a })
	case "INFO":
		return decodeInfo(rest)
	case "REPLCONF":
		return decodeReplConf(rest)
	case "PSYNC":
		return decodePsync(rest)
	case "WAIT":
		return decodeWait(rest)
	case "CONFIG":
		return decodeConfig(rest)
	case "KEYS":
		return decodeKeys(rest)
	case "TYPE":
		return decodeOneArg(Type, rest, func(c *Command, a []byte) { c.Key = a })
	case "XADD":
		return decodeXAdd(rest)
	case "XRANGE":
		return decodeXRange(rest)
	case "XREAD":
		return decodeXRead(rest)
	default:
		return Command{}, decodeErrorf("unknown command %q", verb)
	}
}

func decodeNoArgs(kind Kind, rest [][]byte) (Command, error) {
	if len(rest) != 0 {
		return Command{}, decodeErrorf("unexpected trailing arguments")
	}
	return Command{Kind: kind}, nil
}

func decodeOneArg(kind Kind, rest [][]byte, set func(*Command, []byte)) (Command, error) {
	if len(rest) != 1 {
		return Command{}, decodeErrorf("expected exactly one argument")
	}
	c := Command{Kind: kind}
	set(&c, rest[0])
	return c, nil
}

func decodeSet(rest [][]byte) (Command, error) {
	if len(rest) != 2 && len(rest) != 4 {
		return Command{}, decodeErrorf("wrong number of arguments for SET")
	}
	c := Command{Kind: Set, Key: rest[0], Value: rest[1]}
	if len(rest) == 4 {
		if !strings.EqualFold(string(rest[2]), "px") {
			return Command{}, decodeErrorf("unsupported SET option %q", rest[2])
		}
		ms, err := strconv.ParseInt(string(rest[3]), 10, 64)
		if err != nil {
			return Command{}, decodeErrorf("invalid px value %q", rest[3])
		}
		c.HasPX = true
		c.PXMs = ms
	}
	return c, nil
}

func decodeInfo(rest [][]byte) (Command, error) {
	c := Command{Kind: Info}
	switch len(rest) {
	case 0:
	case 1:
		if !strings.EqualFold(string(rest[0]), "replication") {
			return Command{}, decodeErrorf("unknown INFO section %q", rest[0])
		}
		c.InfoSection = "replication"
	default:
		return Command{}, decodeErrorf("unexpected trailing arguments for INFO")
	}
	return c, nil
}

func decodeReplConf(rest [][]byte) (Command, error) {
	if len(rest) == 0 {
		return Command{}, decodeErrorf("REPLCONF requires a sub-form")
	}
	sub := strings.ToUpper(string(rest[0]))
	switch sub {
	case "LISTENING-PORT":
		if len(rest) != 2 {
			return Command{}, decodeErrorf("REPLCONF listening-port requires a port")
		}
		port, err := strconv.Atoi(string(rest[1]))
		if err != nil {
			return Command{}, decodeErrorf("invalid listening-port %q", rest[1])
		}
		return Command{Kind: ReplConfListeningPort, ListeningPort: port}, nil
	case "CAPA":
		if len(rest) != 2 {
			return Command{}, decodeErrorf("REPLCONF capa requires exactly one capability")
		}
		return Command{Kind: ReplConfCapa, Capa: string(rest[1])}, nil
	case "GETACK":
		if len(rest) != 2 || string(rest[1]) != "*" {
			return Command{}, decodeErrorf("REPLCONF GETACK requires \"*\"")
		}
		return Command{Kind: ReplConfGetAck}, nil
	case "ACK":
		if len(rest) != 2 {
			return Command{}, decodeErrorf("REPLCONF ACK requires an offset")
		}
		offset, err := strconv.ParseInt(string(rest[1]), 10, 64)
		if err != nil {
			return Command{}, decodeErrorf("invalid ACK offset %q", rest[1])
		}
		return Command{Kind: ReplConfAck, Offset: offset}, nil
	default:
		return Command{}, decodeErrorf("unknown REPLCONF sub-form %q", rest[0])
	}
}

func decodePsync(rest [][]byte) (Command, error) {
	if len(rest) != 2 {
		return Command{}, decodeErrorf("PSYNC requires replid and offset")
	}
	replID := string(rest[0])
	offsetStr := string(rest[1])
	var offset int64
	if offsetStr == "-1" {
		offset = -1
	} else {
		n, err := strconv.ParseInt(offsetStr, 10, 64)
		if err != nil {
			return Command{}, decodeErrorf("invalid PSYNC offset %q", rest[1])
		}
		offset = n
	}
	return Command{Kind: Psync, ReplID: replID, Offset: offset}, nil
}

func decodeWait(rest [][]byte) (Command, error) {
	if len(rest) != 2 {
		return Command{}, decodeErrorf("WAIT requires numreplicas and timeout")
	}
	n, err := strconv.Atoi(string(rest[0]))
	if err != nil {
		return Command{}, decodeErrorf("invalid WAIT numreplicas %q", rest[0])
	}
	ms, err := strconv.ParseInt(string(rest[1]), 10, 64)
	if err != nil {
		return Command{}, decodeErrorf("invalid WAIT timeout %q", rest[1])
	}
	return Command{Kind: Wait, NumReplicas: n, TimeoutMs: ms}, nil
}

func decodeConfig(rest [][]byte) (Command, error) {
	if len(rest) != 2 || !strings.EqualFold(string(rest[0]), "GET") {
		return Command{}, decodeErrorf("only CONFIG GET is supported")
	}
	key := strings.ToLower(string(rest[1]))
	if key != "dir" && key != "dbfilename" {
		return Command{}, decodeErrorf("unknown CONFIG GET key %q", rest[1])
	}
	return Command{Kind: ConfigGet, ConfigKey: key}, nil
}

func decodeKeys(rest [][]byte) (Command, error) {
	if len(rest) != 1 || string(rest[0]) != "*" {
		return Command{}, decodeErrorf("only KEYS * is supported")
	}
	return Command{Kind: Keys}, nil
}

func decodeXAdd(rest [][]byte) (Command, error) {
	if len(rest) < 4 {
		return Command{}, decodeErrorf("wrong number of arguments for XADD")
	}
	key := rest[0]
	id := string(rest[1])
	fvs := rest[2:]
	if len(fvs)%2 != 0 {
		return Command{}, decodeErrorf("wrong number of field/value arguments for XADD")
	}
	pairs := make([][2][]byte, 0, len(fvs)/2)
	for i := 0; i < len(fvs); i += 2 {
		pairs = append(pairs, [2][]byte{fvs[i], fvs[i+1]})
	}
	return Command{Kind: XAdd, StreamKey: key, StreamID: id, FieldValues: pairs}, nil
}

func decodeXRange(rest [][]byte) (Command, error) {
	if len(rest) != 3 {
		return Command{}, decodeErrorf("wrong number of arguments for XRANGE")
	}
	return Command{Kind: XRange, StreamKey: rest[0], RangeStart: string(rest[1]), RangeEnd: string(rest[2])}, nil
}

func decodeXRead(rest [][]byte) (Command, error) {
	i := 0
	c := Command{Kind: XRead}
	if i < len(rest) && strings.EqualFold(string(rest[i]), "block") {
		if i+1 >= len(rest) {
			return Command{}, decodeErrorf("XREAD block requires a timeout")
		}
		ms, err := strconv.ParseInt(string(rest[i+1]), 10, 64)
		if err != nil {
			return Command{}, decodeErrorf("invalid XREAD block timeout %q", rest[i+1])
		}
		c.HasBlock = true
		c.BlockMs = ms
		i += 2
	}
	if i >= len(rest) || !strings.EqualFold(string(rest[i]), "streams") {
		return Command{}, decodeErrorf("XREAD requires a streams clause")
	}
	i++
	remaining := rest[i:]
	if len(remaining)%2 != 0 || len(remaining) == 0 {
		return Command{}, decodeErrorf("XREAD streams clause must have matching keys and IDs")
	}
	half := len(remaining) / 2
	c.StreamKeys = append([][]byte{}, remaining[:half]...)
	for _, idArg := range remaining[half:] {
		c.StreamIDs = append(c.StreamIDs, string(idArg))
	}
	return c, nil
}

// Encode serializes c back to its wire shape: an array of bulk strings.
func Encode(c Command) protocol.Value {
	switch c.Kind {
	case Ping:
		return bulkArray("PING")
	case Echo:
		return bulkArray("ECHO", c.Value)
	case Set:
		if c.HasPX {
			return bulkArray("SET", c.Key, c.Value, "px", strconv.FormatInt(c.PXMs, 10))
		}
		return bulkArray("SET", c.Key, c.Value)
	case Get:
		return bulkArray("GET", c.Key)
	case Info:
		if c.InfoSection != "" {
			return bulkArray("INFO", c.InfoSection)
		}
		return bulkArray("INFO")
	case ReplConfListeningPort:
		return bulkArray("REPLCONF", "listening-port", strconv.Itoa(c.ListeningPort))
	case ReplConfCapa:
		return bulkArray("REPLCONF", "capa", c.Capa)
	case ReplConfGetAck:
		return bulkArray("REPLCONF", "GETACK", "*")
	case ReplConfAck:
		return bulkArray("REPLCONF", "ACK", strconv.FormatInt(c.Offset, 10))
	case Psync:
		offset := "-1"
		if c.Offset != -1 {
			offset = strconv.FormatInt(c.Offset, 10)
		}
		return bulkArray("PSYNC", c.ReplID, offset)
	case Wait:
		return bulkArray("WAIT", strconv.Itoa(c.NumReplicas), strconv.FormatInt(c.TimeoutMs, 10))
	case ConfigGet:
		return bulkArray("CONFIG", "GET", c.ConfigKey)
	case Keys:
		return bulkArray("KEYS", "*")
	case Type:
		return bulkArray("TYPE", c.Key)
	case XAdd:
		items := []interface{}{"XADD", c.StreamKey, c.StreamID}
		for _, fv := range c.FieldValues {
			items = append(items, fv[0], fv[1])
		}
		return bulkArray(items...)
	case XRange:
		return bulkArray("XRANGE", c.StreamKey, c.RangeStart, c.RangeEnd)
	case XRead:
		items := []interface{}{"XREAD"}
		if c.HasBlock {
			items = append(items, "block", strconv.FormatInt(c.BlockMs, 10))
		}
		items = append(items, "streams")
		for _, k := range c.StreamKeys {
			items = append(items, k)
		}
		for _, id := range c.StreamIDs {
			items = append(items, id)
		}
		return bulkArray(items...)
	default:
		panic(fmt.Sprintf("command: unknown Kind %d", c.Kind))
	}
}

// bulkArray builds an Array of BulkString values from a mix of strings and
// byte slices, the shape every in-scope command takes on the wire.
func bulkArray(parts ...interface{}) protocol.Value {
	items := make([]protocol.Value, len(parts))
	for i, p := range parts {
		switch v := p.(type) {
		case string:
			items[i] = protocol.NewBulkString([]byte(v))
		case []byte:
			items[i] = protocol.NewBulkString(v)
		default:
			panic(fmt.Sprintf("command: unsupported bulkArray element type %T", p))
		}
	}
	return protocol.NewArray(items)
}
