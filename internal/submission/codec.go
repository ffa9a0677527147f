package submission

import "encoding/json"

// jsonCodec lets the RPC transport invoke the backend's submission service without
// generated protobuf stubs: it marshals request/response values as JSON over the same
// length-prefixed gRPC framing a protobuf codec would use. Selected per-call via
// grpc.ForceCodec so it never needs to be registered globally or matched against other
// codecs the process might use elsewhere.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "json"
}
