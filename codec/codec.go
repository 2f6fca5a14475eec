// Package codec defines the serialization boundary between in-memory sync
// state and the durable store. The queue and repositories are codec-agnostic;
// JSON is the default, msgpack is available where blob size matters.
package codec

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes and decodes values persisted to the durable store.
type Codec interface {
	// Name returns the unique identifier for this codec.
	Name() string
	// Marshal converts a value to bytes.
	Marshal(v any) ([]byte, error)
	// Unmarshal parses bytes into the value pointed to by v.
	Unmarshal(data []byte, v any) error
}

// JSON is a Codec backed by encoding/json.
type JSON struct{}

var _ Codec = JSON{}

func (JSON) Name() string { return "json" }

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Msgpack is a Codec backed by vmihailenco/msgpack. It produces noticeably
// smaller blobs than JSON for queue snapshots with binary payloads.
type Msgpack struct{}

var _ Codec = Msgpack{}

func (Msgpack) Name() string { return "msgpack" }

func (Msgpack) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (Msgpack) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
