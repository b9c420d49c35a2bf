package wire

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/docsync/docsync.go/pkg/model"
)

// DatabaseID names one database of a project.
type DatabaseID struct {
	ProjectID string
	Database  string
}

// Name is the resource name of the database.
func (d DatabaseID) Name() string {
	return "projects/" + d.ProjectID + "/databases/" + d.Database
}

// DocumentsRoot is the resource name under which document names live.
func (d DatabaseID) DocumentsRoot() string {
	return d.Name() + "/documents"
}

// Serializer converts between model types and wire messages for one database.
type Serializer struct {
	db DatabaseID
}

func NewSerializer(db DatabaseID) *Serializer {
	return &Serializer{db: db}
}

func (s *Serializer) DatabaseID() DatabaseID {
	return s.db
}

// EncodeKey returns the fully qualified name of a document.
func (s *Serializer) EncodeKey(key model.DocumentKey) string {
	return s.encodePath(key.Path())
}

func (s *Serializer) encodePath(p model.ResourcePath) string {
	if p.IsEmpty() {
		return s.db.DocumentsRoot()
	}
	return s.db.DocumentsRoot() + "/" + p.String()
}

func (s *Serializer) decodePath(name string) (model.ResourcePath, error) {
	root := s.db.DocumentsRoot()
	if name == root {
		return nil, nil
	}
	rest, ok := strings.CutPrefix(name, root+"/")
	if !ok {
		return nil, fmt.Errorf("resource name %q is not in database %s", name, s.db.Name())
	}
	return model.ResourcePathFromString(rest), nil
}

func (s *Serializer) DecodeKey(name string) (model.DocumentKey, error) {
	p, err := s.decodePath(name)
	if err != nil {
		return model.DocumentKey{}, err
	}
	return model.NewDocumentKey(p)
}

func EncodeVersion(v model.SnapshotVersion) *timestamppb.Timestamp {
	return v.Timestamp.ToProto()
}

// DecodeVersion maps a missing timestamp to the minimum version.
func DecodeVersion(ts *timestamppb.Timestamp) model.SnapshotVersion {
	if ts == nil {
		return model.MinVersion
	}
	return model.NewSnapshotVersion(model.TimestampFromProto(ts))
}

// EncodeValue converts a model value. Pending server timestamps and sentinels have no
// wire form and encode as null.
func (s *Serializer) EncodeValue(v model.Value) Value {
	switch v.Kind() {
	case model.KindBoolean:
		return Value{Kind: KindBoolean, Boolean: v.BooleanValue()}
	case model.KindInteger:
		return Value{Kind: KindInteger, Integer: v.IntegerValue()}
	case model.KindDouble:
		return Value{Kind: KindDouble, Double: v.DoubleValue()}
	case model.KindTimestamp:
		return Value{Kind: KindTimestamp, Timestamp: v.TimestampValue().ToProto()}
	case model.KindString:
		return Value{Kind: KindString, String: v.StringValue()}
	case model.KindBytes:
		return Value{Kind: KindBytes, Bytes: v.BytesValue()}
	case model.KindReference:
		return Value{Kind: KindReference, String: s.EncodeKey(v.ReferenceValue())}
	case model.KindGeoPoint:
		g := v.GeoPointValue()
		return Value{Kind: KindGeoPoint, GeoPoint: &LatLng{Latitude: g.Latitude, Longitude: g.Longitude}}
	case model.KindArray, model.KindVector:
		kind := KindArray
		if v.Kind() == model.KindVector {
			kind = KindVector
		}
		return Value{Kind: kind, Array: s.encodeValues(v.ArrayValue())}
	case model.KindMap:
		return Value{Kind: KindMap, Map: s.EncodeFields(v.MapValue())}
	}
	return Value{Kind: KindNull}
}

func (s *Serializer) encodeValues(values []model.Value) []Value {
	if len(values) == 0 {
		return nil
	}
	out := make([]Value, len(values))
	for i, v := range values {
		out[i] = s.EncodeValue(v)
	}
	return out
}

func (s *Serializer) EncodeFields(fields map[string]model.Value) map[string]Value {
	out := make(map[string]Value, len(fields))
	for k, v := range fields {
		out[k] = s.EncodeValue(v)
	}
	return out
}

func (s *Serializer) DecodeValue(v Value) (model.Value, error) {
	switch v.Kind {
	case KindNull, "":
		return model.NullValue, nil
	case KindBoolean:
		return model.BoolValue(v.Boolean), nil
	case KindInteger:
		return model.IntegerValue(v.Integer), nil
	case KindDouble:
		return model.DoubleValue(v.Double), nil
	case KindTimestamp:
		return model.TimestampValue(model.TimestampFromProto(v.Timestamp)), nil
	case KindString:
		return model.StringValue(v.String), nil
	case KindBytes:
		return model.BytesValue(v.Bytes), nil
	case KindReference:
		key, err := s.DecodeKey(v.String)
		if err != nil {
			return model.Value{}, err
		}
		return model.ReferenceValue(key), nil
	case KindGeoPoint:
		if v.GeoPoint == nil {
			return model.Value{}, fmt.Errorf("geo point value without coordinates")
		}
		return model.GeoPointValue(model.GeoPoint{Latitude: v.GeoPoint.Latitude, Longitude: v.GeoPoint.Longitude}), nil
	case KindArray:
		values, err := s.decodeValues(v.Array)
		if err != nil {
			return model.Value{}, err
		}
		return model.ArrayValue(values...), nil
	case KindVector:
		components := make([]float64, len(v.Array))
		for i, e := range v.Array {
			switch e.Kind {
			case KindDouble:
				components[i] = e.Double
			case KindInteger:
				components[i] = float64(e.Integer)
			default:
				return model.Value{}, fmt.Errorf("vector component %d has kind %q", i, e.Kind)
			}
		}
		return model.VectorValue(components...), nil
	case KindMap:
		fields, err := s.DecodeFields(v.Map)
		if err != nil {
			return model.Value{}, err
		}
		return model.MapValue(fields), nil
	}
	return model.Value{}, fmt.Errorf("unknown value kind %q", v.Kind)
}

func (s *Serializer) decodeValues(values []Value) ([]model.Value, error) {
	out := make([]model.Value, len(values))
	for i, v := range values {
		mv, err := s.DecodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		out[i] = mv
	}
	return out, nil
}

func (s *Serializer) DecodeFields(fields map[string]Value) (map[string]model.Value, error) {
	out := make(map[string]model.Value, len(fields))
	for k, v := range fields {
		mv, err := s.DecodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = mv
	}
	return out, nil
}

// EncodeDocument converts a found document.
func (s *Serializer) EncodeDocument(doc *model.MutableDocument) *Document {
	return &Document{
		Name:       s.EncodeKey(doc.Key()),
		Fields:     s.EncodeFields(doc.Data().Fields()),
		CreateTime: EncodeVersion(doc.CreateTime()),
		UpdateTime: EncodeVersion(doc.Version()),
	}
}

// DecodeDocument converts a server document into a found document at its update time.
func (s *Serializer) DecodeDocument(d *Document) (*model.MutableDocument, error) {
	key, err := s.DecodeKey(d.Name)
	if err != nil {
		return nil, err
	}
	fields, err := s.DecodeFields(d.Fields)
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", key, err)
	}
	doc := model.NewFoundDocument(key, DecodeVersion(d.UpdateTime), model.ObjectValueFromMap(fields))
	if d.CreateTime != nil {
		doc.SetCreateTime(DecodeVersion(d.CreateTime))
	}
	return doc, nil
}
