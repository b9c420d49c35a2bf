// Package codec defines the marshaling contract shared by the transport and the
// persistence layer, and the CBOR implementation both use.
package codec

import "io"

type Encoder interface {
	Encode(v any) error
}

type Decoder interface {
	Decode(v any) error
}

// Marshaler turns wire frames and cached entries into bytes. The persistence layer sizes
// remote document cache entries by the length Marshal returns.
type Marshaler interface {
	Marshal(v any) ([]byte, error)
	NewEncoder(w io.Writer) Encoder
}

// Unmarshaler decodes what the matching Marshaler produced into dst, which must be a
// pointer.
type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
	NewDecoder(r io.Reader) Decoder
}
