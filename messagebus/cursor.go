package messagebus

import (
	"fmt"
	"strings"
)

// Cursor is a subscription's read position in one topic: the next id it
// expects from that topic's store, plus a cached topic handle for fast
// lookup during pumping. The handle is nil on freshly decoded cursors;
// Subscribe attaches it during setup.
type Cursor struct {
	Key   string
	ID    uint64
	Topic *Topic
}

// EncodeCursors serializes an ordered cursor list to the opaque wire form:
// escape(key) + "," + 16 uppercase hex digits of the id, cursors joined by
// "|" with no trailing delimiter. An empty list encodes to "". The format
// is bit-exact across library versions; cursor strings round-trip through
// untrusted storage and transport.
func EncodeCursors(cursors []Cursor) string {
	if len(cursors) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, c := range cursors {
		if i > 0 {
			sb.WriteByte('|')
		}
		writeEscapedKey(&sb, c.Key)
		sb.WriteByte(',')
		writeHex16(&sb, c.ID)
	}
	return sb.String()
}

// writeEscapedKey writes key with `\`, `|` and `,` each prefixed by `\`.
// Keys containing none of these are written in one call.
func writeEscapedKey(sb *strings.Builder, key string) {
	if !strings.ContainsAny(key, `\|,`) {
		sb.WriteString(key)
		return
	}
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '\\', '|', ',':
			sb.WriteByte('\\')
		}
		sb.WriteByte(key[i])
	}
}

const hexDigits = "0123456789ABCDEF"

// writeHex16 writes id as exactly 16 uppercase hex characters, zero padded,
// most significant nibble first.
func writeHex16(sb *strings.Builder, id uint64) {
	var buf [16]byte
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[id&0xF]
		id >>= 4
	}
	sb.Write(buf[:])
}

// DecodeCursors parses a cursor string back into an ordered cursor list
// with nil topic handles. The empty string decodes to an empty list. A
// trailing id without a closing "|" is accepted. Malformed ids (non-hex or
// wrong width) fail the whole decode.
func DecodeCursors(s string) ([]Cursor, error) {
	if s == "" {
		return nil, nil
	}

	var (
		cursors []Cursor
		key     strings.Builder
		id      uint64
		idLen   int
		inID    bool
		escaped bool
	)

	flush := func() error {
		if !inID {
			return fmt.Errorf("messagebus: cursor %q missing id separator", key.String())
		}
		if idLen != 16 {
			return fmt.Errorf("messagebus: cursor id must be 16 hex digits, got %d", idLen)
		}
		cursors = append(cursors, Cursor{Key: key.String(), ID: id})
		key.Reset()
		id = 0
		idLen = 0
		inID = false
		return nil
	}

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			key.WriteByte(ch)
			escaped = false
			continue
		}
		switch {
		case !inID && ch == '\\':
			escaped = true
		case !inID && ch == ',':
			inID = true
		case inID && ch == '|':
			if err := flush(); err != nil {
				return nil, err
			}
		case inID:
			v := hexValue(ch)
			if v < 0 {
				return nil, fmt.Errorf("messagebus: invalid cursor id character %q", ch)
			}
			id = id<<4 | uint64(v)
			idLen++
			if idLen > 16 {
				return nil, fmt.Errorf("messagebus: cursor id longer than 16 hex digits")
			}
		default:
			key.WriteByte(ch)
		}
	}
	if escaped {
		return nil, fmt.Errorf("messagebus: cursor string ends in dangling escape")
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return cursors, nil
}

func hexValue(ch byte) int {
	switch {
	case ch >= '0' && ch <= '9':
		return int(ch - '0')
	case ch >= 'A' && ch <= 'F':
		return int(ch-'A') + 10
	case ch >= 'a' && ch <= 'f':
		return int(ch-'a') + 10
	}
	return -1
}
