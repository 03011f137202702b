// Package rdb implements the binary snapshot reader: it loads an existing
// snapshot into one or more in-memory databases. Writing a snapshot is out
// of scope.
package rdb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"redis/internal/storage"
)

// EmptySnapshot is the fixed byte sequence transmitted on full resync when
// the master's store holds no databases worth snapshotting: a minimal
// valid snapshot with just the redis-ver AUX field and no databases, per
// spec.md §6.2.
var EmptySnapshot = []byte{
	'R', 'E', 'D', 'I', 'S', '0', '0', '1', '1',
	0xfa, 0x09, 'r', 'e', 'd', 'i', 's', '-', 'v', 'e', 'r',
	0x05, '7', '.', '2', '.', '0',
	0xff,
	0, 0, 0, 0, 0, 0, 0, 0,
}

const (
	opAux        = 0xFA
	opSelectDB   = 0xFE
	opResizeDB   = 0xFB
	opExpireSec  = 0xFD
	opExpireMs   = 0xFC
	opEOF        = 0xFF

	valueTypeString = 0
)

// ErrorKind names one of the failure modes a malformed snapshot can hit.
type ErrorKind int

const (
	BadMagic ErrorKind = iota
	UnexpectedOpcode
	UnsupportedValueType
	Truncated
	BadLengthEncoding
)

// ParseError reports a snapshot load failure, tagged with the failure mode
// so callers can distinguish them without string-matching.
type ParseError struct {
	Kind ErrorKind
	Msg  string
}

func (e *ParseError) Error() string { return e.Msg }

func parseErrorf(kind ErrorKind, format string, args ...interface{}) error {
	return &ParseError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Load parses a snapshot from r into a set of databases keyed by database
// number. A malformed snapshot returns an error and no databases; the
// caller falls back to starting empty.
func Load(r io.Reader) (map[uint64]*storage.Database, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, 5)
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, parseErrorf(Truncated, "reading magic: %v", err)
	}
	if string(magic) != "REDIS" {
		return nil, parseErrorf(BadMagic, "bad magic %q", magic)
	}
	version := make([]byte, 4)
	if _, err := io.ReadFull(br, version); err != nil {
		return nil, parseErrorf(Truncated, "reading version: %v", err)
	}

	dbs := make(map[uint64]*storage.Database)
	var current *storage.Database
	var currentNum uint64

	for {
		opcode, err := br.ReadByte()
		if err != nil {
			return nil, parseErrorf(Truncated, "reading opcode: %v", err)
		}

		switch opcode {
		case opEOF:
			// The checksum may be absent; if present it must be whole. Its
			// value is not validated in scope.
			checksum := make([]byte, 8)
			if _, err := io.ReadFull(br, checksum); err != nil && err != io.EOF {
				return nil, parseErrorf(Truncated, "reading checksum: %v", err)
			}
			return dbs, nil

		case opAux:
			if _, err := readLengthPrefixedString(br); err != nil {
				return nil, err
			}
			if _, err := readLengthPrefixedString(br); err != nil {
				return nil, err
			}

		case opSelectDB:
			num, err := readLength(br)
			if err != nil {
				return nil, err
			}
			currentNum = num
			current = storage.NewDatabase()
			dbs[currentNum] = current

			peeked, err := br.Peek(1)
			if err == nil && len(peeked) == 1 && peeked[0] == opResizeDB {
				_, _ = br.ReadByte()
				if _, err := readLength(br); err != nil {
					return nil, err
				}
				if _, err := readLength(br); err != nil {
					return nil, err
				}
			}

		case opExpireSec, opExpireMs:
			var expiry time.Time
			if opcode == opExpireSec {
				buf := make([]byte, 4)
				if _, err := io.ReadFull(br, buf); err != nil {
					return nil, parseErrorf(Truncated, "reading expiretime: %v", err)
				}
				expiry = time.Unix(int64(binary.LittleEndian.Uint32(buf)), 0)
			} else {
				buf := make([]byte, 8)
				if _, err := io.ReadFull(br, buf); err != nil {
					return nil, parseErrorf(Truncated, "reading expiretimems: %v", err)
				}
				ms := int64(binary.LittleEndian.Uint64(buf))
				expiry = time.UnixMilli(ms)
			}
			valueType, err := br.ReadByte()
			if err != nil {
				return nil, parseErrorf(Truncated, "reading value type: %v", err)
			}
			if err := readKeyValue(br, current, valueType, &expiry); err != nil {
				return nil, err
			}

		case valueTypeString:
			if err := readKeyValue(br, current, opcode, nil); err != nil {
				return nil, err
			}

		default:
			return nil, parseErrorf(UnexpectedOpcode, "unexpected opcode 0x%02x", opcode)
		}
	}
}

// readKeyValue reads a length-prefixed key and value for the already-read
// valueType byte, inserting into db unless the entry is already expired.
func readKeyValue(br *bufio.Reader, db *storage.Database, valueType byte, expiry *time.Time) error {
	if valueType != valueTypeString {
		return parseErrorf(UnsupportedValueType, "unsupported value type %d", valueType)
	}
	key, err := readLengthPrefixedString(br)
	if err != nil {
		return err
	}
	value, err := readLengthPrefixedString(br)
	if err != nil {
		return err
	}
	if expiry != nil && !time.Now().Before(*expiry) {
		return nil
	}
	if db == nil {
		return parseErrorf(UnexpectedOpcode, "key/value record before any SELECTDB")
	}
	db.Set(key, value, expiry)
	return nil
}

// readLength decodes a length-encoded integer from the first byte's top
// two bits: 00 -> low 6 bits; 01 -> low 6 bits plus next byte (14-bit,
// big-endian); 10 -> next four bytes, big-endian.
func readLength(br *bufio.Reader) (uint64, error) {
	b0, err := br.ReadByte()
	if err != nil {
		return 0, parseErrorf(Truncated, "reading length: %v", err)
	}
	switch b0 >> 6 {
	case 0b00:
		return uint64(b0 & 0x3f), nil
	case 0b01:
		b1, err := br.ReadByte()
		if err != nil {
			return 0, parseErrorf(Truncated, "reading 14-bit length: %v", err)
		}
		return (uint64(b0&0x3f) << 8) | uint64(b1), nil
	case 0b10:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(br, buf); err != nil {
			return 0, parseErrorf(Truncated, "reading 32-bit length: %v", err)
		}
		return uint64(binary.BigEndian.Uint32(buf)), nil
	default:
		return 0, parseErrorf(BadLengthEncoding, "length-encoded value used where a plain length was expected")
	}
}

// readLengthPrefixedString decodes a length-encoded string. The `11`-tag
// format byte selects an integer-encoded string (formats 0/1/2, for 1/2/4
// byte integers) or an LZF-compressed string (format 3).
func readLengthPrefixedString(br *bufio.Reader) ([]byte, error) {
	b0, err := br.ReadByte()
	if err != nil {
		return nil, parseErrorf(Truncated, "reading string length: %v", err)
	}
	switch b0 >> 6 {
	case 0b00:
		return readExact(br, uint64(b0&0x3f))
	case 0b01:
		b1, err := br.ReadByte()
		if err != nil {
			return nil, parseErrorf(Truncated, "reading 14-bit string length: %v", err)
		}
		n := (uint64(b0&0x3f) << 8) | uint64(b1)
		return readExact(br, n)
	case 0b10:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, parseErrorf(Truncated, "reading 32-bit string length: %v", err)
		}
		return readExact(br, uint64(binary.BigEndian.Uint32(buf)))
	case 0b11:
		return readSpecialString(br, b0&0x3f)
	}
	return nil, parseErrorf(BadLengthEncoding, "unreachable length tag")
}

func readExact(br *bufio.Reader, n uint64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, parseErrorf(Truncated, "reading %d string bytes: %v", n, err)
	}
	return buf, nil
}

func readSpecialString(br *bufio.Reader, format byte) ([]byte, error) {
	switch format {
	case 0:
		b, err := br.ReadByte()
		if err != nil {
			return nil, parseErrorf(Truncated, "reading int8 string: %v", err)
		}
		return []byte(fmt.Sprintf("%d", int8(b))), nil
	case 1:
		buf := make([]byte, 2)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, parseErrorf(Truncated, "reading int16 string: %v", err)
		}
		return []byte(fmt.Sprintf("%d", int16(binary.LittleEndian.Uint16(buf)))), nil
	case 2:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, parseErrorf(Truncated, "reading int32 string: %v", err)
		}
		return []byte(fmt.Sprintf("%d", int32(binary.LittleEndian.Uint32(buf)))), nil
	case 3:
		compressedLen, err := readLength(br)
		if err != nil {
			return nil, err
		}
		uncompressedLen, err := readLength(br)
		if err != nil {
			return nil, err
		}
		compressed, err := readExact(br, compressedLen)
		if err != nil {
			return nil, err
		}
		return lzfDecompress(compressed, uncompressedLen)
	default:
		return nil, parseErrorf(BadLengthEncoding, "unknown special string format %d", format)
	}
}

// lzfDecompress implements the LZF decompression algorithm used by RDB's
// compressed-string encoding.
func lzfDecompress(in []byte, outLen uint64) ([]byte, error) {
	out := make([]byte, 0, outLen)
	i := 0
	for i < len(in) {
		ctrl := int(in[i])
		i++
		if ctrl < 32 {
			length := ctrl + 1
			if i+length > len(in) {
				return nil, parseErrorf(Truncated, "lzf literal run overruns input")
			}
			out = append(out, in[i:i+length]...)
			i += length
			continue
		}
		length := ctrl >> 5
		if length == 7 {
			if i >= len(in) {
				return nil, parseErrorf(Truncated, "lzf long-match length overruns input")
			}
			length += int(in[i])
			i++
		}
		if i >= len(in) {
			return nil, parseErrorf(Truncated, "lzf match reference overruns input")
		}
		ref := len(out) - ((ctrl&0x1f)<<8 | int(in[i])) - 1
		i++
		if ref < 0 {
			return nil, parseErrorf(Truncated, "lzf back-reference before start of output")
		}
		for n := 0; n < length+2; n++ {
			out = append(out, out[ref+n])
		}
	}
	if uint64(len(out)) != outLen {
		return nil, parseErrorf(Truncated, "lzf decompressed length mismatch: got %d, want %d", len(out), outLen)
	}
	return out, nil
}
