package cacheaside

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/golang/snappy"
)

// Codec converts cached values to and from their stored form. Encode must
// never return an empty slice for a real value because the empty string is
// the negative marker.
type Codec[V any] interface {
	Encode(v V) ([]byte, error)
	Decode(data []byte) (V, error)
}

// JSONCodec stores values as JSON.
type JSONCodec[V any] struct{}

// Encode marshals v.
func (JSONCodec[V]) Encode(v V) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cacheaside: encode json: %w", err)
	}
	return data, nil
}

// Decode unmarshals data.
func (JSONCodec[V]) Decode(data []byte) (V, error) {
	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("cacheaside: decode json: %w", err)
	}
	return v, nil
}

// SnappyCodec compresses the output of Inner with snappy block encoding. Use it
// for large values such as type lists.
type SnappyCodec[V any] struct {
	Inner Codec[V]
}

// Encode encodes v with Inner and compresses the result.
func (c SnappyCodec[V]) Encode(v V) ([]byte, error) {
	raw, err := c.inner().Encode(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

// Decode decompresses data and decodes it with Inner.
func (c SnappyCodec[V]) Decode(data []byte) (V, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		var zero V
		return zero, fmt.Errorf("cacheaside: decode snappy: %w", err)
	}
	return c.inner().Decode(raw)
}

func (c SnappyCodec[V]) inner() Codec[V] {
	if c.Inner == nil {
		return JSONCodec[V]{}
	}
	return c.Inner
}
