package proxy

// Codec defines the interface used to marshal and unmarshal JSON-RPC
// envelopes and tool payloads. The wire format is always JSON (the
// worker protocol mandates it); the codec only selects which JSON
// implementation performs the encoding.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	Name() string
}

// defaultCodec is selected at build time via the json_goccy /
// json_segmentio build tags; see codec_json_*.go.
var defaultCodec Codec = &JSONCodec{}

// DefaultCodec returns the build-selected Codec implementation.
func DefaultCodec() Codec {
	return defaultCodec
}
