package connections

import "encoding/base64"

// Id is the opaque byte identity of a node in the overlay. It is held in
// string form so it compares by value and keys maps; the bytes themselves
// carry no structure the manager interprets.
type Id string

// IdFromBytes wraps raw identity bytes.
func IdFromBytes(b []byte) Id { return Id(b) }

// Bytes returns the raw identity bytes for wire payloads.
func (id Id) Bytes() []byte { return []byte(id) }

// String renders the id for logs. The raw bytes are rarely printable.
func (id Id) String() string { return base64.RawURLEncoding.EncodeToString([]byte(id)) }
