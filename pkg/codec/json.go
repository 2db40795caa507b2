package codec

import "encoding/json"

type jsonCodec struct{}

// JSON returns a codec backed by encoding/json. Byte-string values do not
// survive a round-trip untouched (they come back base64 encoded), so JSON is
// for debugging surfaces, not the wire.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string             { return "application/json" }
func (jsonCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
