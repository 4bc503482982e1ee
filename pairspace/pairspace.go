package pairspace

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// Logging convention in the `pairspace` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation, with the exception of one time (infrequent)
//     initialization data that is useful for monitoring
//     this includes:
//     - dropped frames, heartbeat evictions, reconnect exhaustion
// V(1):
//     session lifecycle events with ids that can be used to filter
// V(2):
//     frequent per-message events - send, receive, apply, suppress

// Id is the local session identity. It crosses the wire only in its string
// form; the protocol types user ids as opaque strings so peers with foreign
// id schemes are not rejected.
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) String() string {
	return encodeUuid(self)
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// use this type when counting bytes
type ByteCount = int64

func kib(c ByteCount) ByteCount {
	return c * ByteCount(1024)
}
