package codec

import (
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

var (
	modesOnce sync.Once
	encMode   cbor.EncMode
	decMode   cbor.DecMode
)

func modes() (cbor.EncMode, cbor.DecMode) {
	modesOnce.Do(func() {
		var err error
		encMode, err = cbor.EncOptions{
			Sort:    cbor.SortCanonical,
			Time:    cbor.TimeRFC3339Nano,
			TimeTag: cbor.EncTagRequired,
		}.EncMode()
		if err != nil {
			panic(err)
		}
		decMode, err = cbor.DecOptions{
			TimeTag:      cbor.DecTagOptional,
			TimeTagToAny: cbor.TimeTagToTime,
		}.DecMode()
		if err != nil {
			panic(err)
		}
	})
	return encMode, decMode
}

// CBOR marshals with canonical map ordering so equal values encode to equal bytes.
type CBOR struct{}

var (
	_ Marshaler   = CBOR{}
	_ Unmarshaler = CBOR{}
)

func NewCBOR() CBOR {
	return CBOR{}
}

func (CBOR) Marshal(v any) ([]byte, error) {
	em, _ := modes()
	return em.Marshal(v)
}

func (CBOR) NewEncoder(w io.Writer) Encoder {
	em, _ := modes()
	return em.NewEncoder(w)
}

func (CBOR) Unmarshal(data []byte, dst any) error {
	_, dm := modes()
	return dm.Unmarshal(data, dst)
}

func (CBOR) NewDecoder(r io.Reader) Decoder {
	_, dm := modes()
	return dm.NewDecoder(r)
}

// EncodedSize returns the length of the CBOR encoding of v, or 0 if v cannot be encoded.
func EncodedSize(v any) int64 {
	em, _ := modes()
	data, err := em.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(data))
}
