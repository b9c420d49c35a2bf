// Package bundle reads data bundles: a stream of length-prefixed JSON elements holding
// bundle metadata, named queries and documents, built ahead of time so a client can
// populate its cache without listening.
//
// Each element is the decimal byte length of its JSON followed by the JSON itself. The
// first element is always the bundle metadata.
package bundle

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/docsync/docsync.go/pkg/constants"
	"github.com/docsync/docsync.go/pkg/wire"
)

const maxLengthPrefixDigits = 16

// Metadata is the first element of a bundle.
type Metadata struct {
	ID             string                 `json:"id"`
	CreateTime     *timestamppb.Timestamp `json:"createTime"`
	Version        int                    `json:"version"`
	TotalDocuments int                    `json:"totalDocuments"`
	TotalBytes     int64                  `json:"totalBytes"`
}

// BundledQuery is the query of a NamedQuery. LimitType is "FIRST" or "LAST".
type BundledQuery struct {
	Parent          string                `json:"parent"`
	StructuredQuery *wire.StructuredQuery `json:"structuredQuery"`
	LimitType       string                `json:"limitType"`
}

type NamedQuery struct {
	Name         string                 `json:"name"`
	BundledQuery BundledQuery           `json:"bundledQuery"`
	ReadTime     *timestamppb.Timestamp `json:"readTime"`
}

// DocumentMetadata precedes each document. A document that does not exist has metadata
// with Exists unset and no document element.
type DocumentMetadata struct {
	Name     string                 `json:"name"`
	ReadTime *timestamppb.Timestamp `json:"readTime"`
	Exists   bool                   `json:"exists"`
	Queries  []string               `json:"queries"`
}

// Element is one decoded bundle element. Exactly one field besides ByteLength is set.
type Element struct {
	Metadata         *Metadata
	NamedQuery       *NamedQuery
	DocumentMetadata *DocumentMetadata
	Document         *wire.Document

	// ByteLength is the size of the element including its length prefix.
	ByteLength int64
}

// Reader decodes the elements of a bundle.
type Reader struct {
	r         *bufio.Reader
	metadata  *Metadata
	bytesRead int64
}

// NewReader reads the metadata element of the bundle in r.
func NewReader(r io.Reader) (*Reader, error) {
	br := &Reader{r: bufio.NewReader(r)}
	first, err := br.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty bundle", constants.ErrInvalidBundle)
		}
		return nil, err
	}
	if first.Metadata == nil {
		return nil, fmt.Errorf("%w: the first element is not the bundle metadata", constants.ErrInvalidBundle)
	}
	br.metadata = first.Metadata
	return br, nil
}

func (r *Reader) Metadata() *Metadata {
	return r.metadata
}

// BytesRead is the number of bytes consumed so far.
func (r *Reader) BytesRead() int64 {
	return r.bytesRead
}

// Next returns the next element, or io.EOF after the last one.
func (r *Reader) Next() (*Element, error) {
	prefix, err := r.readLengthPrefix()
	if err != nil {
		return nil, err
	}
	length, err := strconv.Atoi(prefix)
	if err != nil || length <= 0 {
		return nil, fmt.Errorf("%w: bad length prefix %q", constants.ErrInvalidBundle, prefix)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return nil, fmt.Errorf("%w: reached the end of the bundle inside an element: %v", constants.ErrInvalidBundle, err)
	}
	n := int64(len(prefix) + length)
	r.bytesRead += n

	e, err := decodeElement(data)
	if err != nil {
		return nil, err
	}
	e.ByteLength = n
	return e, nil
}

// readLengthPrefix reads the digits before the next '{'. It returns io.EOF only when
// the bundle ends cleanly between elements.
func (r *Reader) readLengthPrefix() (string, error) {
	var digits []byte
	for {
		b, err := r.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && len(digits) == 0 {
				return "", io.EOF
			}
			return "", fmt.Errorf("%w: reached the end of the bundle in a length prefix", constants.ErrInvalidBundle)
		}
		if b == '{' {
			if err := r.r.UnreadByte(); err != nil {
				return "", err
			}
			return string(digits), nil
		}
		if b < '0' || b > '9' || len(digits) == maxLengthPrefixDigits {
			return "", fmt.Errorf("%w: unexpected byte %q in a length prefix", constants.ErrInvalidBundle, b)
		}
		digits = append(digits, b)
	}
}

func decodeElement(data []byte) (*Element, error) {
	e := &Element{}
	found := 0
	err := jsonparser.ObjectEach(data, func(key, value []byte, dataType jsonparser.ValueType, _ int) error {
		if dataType != jsonparser.Object {
			return fmt.Errorf("%w: element %q is not an object", constants.ErrInvalidBundle, key)
		}
		found++
		switch string(key) {
		case "metadata":
			e.Metadata = &Metadata{}
			return json.Unmarshal(value, e.Metadata)
		case "namedQuery":
			e.NamedQuery = &NamedQuery{}
			return json.Unmarshal(value, e.NamedQuery)
		case "documentMetadata":
			e.DocumentMetadata = &DocumentMetadata{}
			return json.Unmarshal(value, e.DocumentMetadata)
		case "document":
			e.Document = &wire.Document{}
			return json.Unmarshal(value, e.Document)
		}
		return fmt.Errorf("%w: unknown element %q", constants.ErrInvalidBundle, key)
	})
	if err != nil {
		if errors.Is(err, constants.ErrInvalidBundle) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", constants.ErrInvalidBundle, err)
	}
	if found != 1 {
		return nil, fmt.Errorf("%w: element has %d kinds", constants.ErrInvalidBundle, found)
	}
	return e, nil
}

// Bundle is a fully read bundle.
type Bundle struct {
	Metadata *Metadata
	Elements []*Element
	// Bytes is the total size read, metadata included.
	Bytes int64
}

// ReadAll reads every element of the bundle in r.
func ReadAll(r io.Reader) (*Bundle, error) {
	br, err := NewReader(r)
	if err != nil {
		return nil, err
	}
	b := &Bundle{Metadata: br.Metadata()}
	for {
		e, err := br.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		b.Elements = append(b.Elements, e)
	}
	b.Bytes = br.BytesRead()
	return b, nil
}
