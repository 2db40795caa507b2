package codec

import (
	"reflect"

	cbor "github.com/fxamacker/cbor/v2"
)

// mapStringAny makes nested maps decode as map[string]any instead of
// map[any]any so payload fields are addressable by key.
var mapStringAny = reflect.TypeOf(map[string]any(nil))

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a deterministic CBOR codec (RFC 8949) using the canonical
// encoding profile. CBOR distinguishes byte strings from text strings, which
// the wire protocol relies on for peer id payloads.
func CBOR() (Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{DefaultMapType: mapStringAny}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (c cborCodec) ContentType() string             { return "application/cbor" }
func (c cborCodec) Marshal(v any) ([]byte, error)   { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(b []byte, v any) error { return c.dec.Unmarshal(b, v) }
