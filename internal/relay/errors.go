// Package relay implements the session and relay engine: the session
// table and its weak-reference graph of streams, the port allocator,
// the packet pump, the idle-TTL reaper, the command processor, and the
// timed task wheel that drives periodic work.
package relay

import "errors"

// Error taxonomy used throughout the relay engine. Command handlers map
// these (via errors.Is) onto the wire-protocol E<code> reply codes.
var (
	ErrSyntax            = errors.New("relay: syntax error")
	ErrNotFound          = errors.New("relay: not found")
	ErrPermission        = errors.New("relay: permission denied")
	ErrOverload          = errors.New("relay: overload")
	ErrIO                = errors.New("relay: io error")
	ErrResourceExhausted = errors.New("relay: resource exhausted")
	ErrInternal          = errors.New("relay: internal error")
)

// ReplyCode is the single-character code used in an E<code> reply line.
type ReplyCode byte

const (
	CodeOverload          ReplyCode = '1'
	CodeNotFound          ReplyCode = '2'
	CodeSyntax            ReplyCode = '3'
	CodePermission        ReplyCode = '4'
	CodeOutOfMemory       ReplyCode = '5'
	CodeInternal          ReplyCode = '6'
	CodeResourceExhausted ReplyCode = '7'
)

// ReplyCodeFor maps a relay error onto the wire-protocol reply code for
// an E<code> error reply (spec §6.2, §7). Unrecognized errors map to
// CodeInternal.
func ReplyCodeFor(err error) ReplyCode {
	switch {
	case errors.Is(err, ErrOverload):
		return CodeOverload
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrSyntax):
		return CodeSyntax
	case errors.Is(err, ErrPermission):
		return CodePermission
	case errors.Is(err, ErrResourceExhausted):
		return CodeResourceExhausted
	case errors.Is(err, ErrIO), errors.Is(err, ErrInternal):
		return CodeInternal
	default:
		return CodeInternal
	}
}
