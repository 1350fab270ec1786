package codec

import (
	"encoding/json"
	"io"
)

// JSON implements Codec using encoding/json. The realtime wire protocol
// and the durable queue records are both JSON, so this is the codec the
// rest of the module uses unless a caller swaps in another one.
type JSON struct{}

func NewJSON() JSON { return JSON{} }

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Unmarshal(data []byte, dst any) error {
	return json.Unmarshal(data, dst)
}

func (JSON) NewEncoder(w io.Writer) Encoder {
	return json.NewEncoder(w)
}

func (JSON) NewDecoder(r io.Reader) Decoder {
	return json.NewDecoder(r)
}
