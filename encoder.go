package audtext

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder defines the interface for wire serialization of requests, journal
// entries and service responses.
type Encoder interface {
	// Encode serializes a value to bytes.
	Encode(any) ([]byte, error)
	// Decode deserializes bytes to a value.
	Decode([]byte, any) error
}

var strictJSON = sonic.Config{DisallowUnknownFields: true}.Froze()

// JSONEncoder is the default Encoder. Request bodies and journal entries are
// encoded with the standard library; status polls, live messages and results
// are decoded with sonic.
type JSONEncoder struct {
	// Strict rejects payloads carrying fields the target type does not know.
	// Leave it off against a service that may add fields.
	Strict bool
}

func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (e *JSONEncoder) Decode(data []byte, v any) error {
	if e.Strict {
		return strictJSON.Unmarshal(data, v)
	}
	return sonic.Unmarshal(data, v)
}
