package remote

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype of the gob wire codec. Clients
// select it per call; servers find it through the codec registry.
const CodecName = "gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// gobCodec marshals wire messages with encoding/gob. Run records sit
// gob-encoded in the record store already, so the wire and the store
// share one format.
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string {
	return CodecName
}
