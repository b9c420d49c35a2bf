package wire

import (
	"fmt"

	"github.com/docsync/docsync.go/pkg/model"
)

func (s *Serializer) EncodeMutation(m model.Mutation) Write {
	var w Write
	switch m.Kind {
	case model.MutationSet:
		w.Update = &Document{Name: s.EncodeKey(m.Key), Fields: s.EncodeFields(m.Value.Fields())}
	case model.MutationPatch:
		w.Update = &Document{Name: s.EncodeKey(m.Key), Fields: s.EncodeFields(m.Value.Fields())}
		mask := &DocumentMask{FieldPaths: [][]string{}}
		for _, p := range m.Mask.Paths() {
			mask.FieldPaths = append(mask.FieldPaths, p)
		}
		w.UpdateMask = mask
	case model.MutationDelete:
		w.Delete = s.EncodeKey(m.Key)
	case model.MutationVerify:
		w.Verify = s.EncodeKey(m.Key)
	}
	for _, t := range m.Transforms {
		w.UpdateTransforms = append(w.UpdateTransforms, s.encodeTransform(t))
	}
	if !m.Precondition.IsNone() {
		w.CurrentDocument = &Precondition{Exists: m.Precondition.Exists}
		if m.Precondition.UpdateTime != nil {
			w.CurrentDocument.UpdateTime = EncodeVersion(*m.Precondition.UpdateTime)
		}
	}
	return w
}

func (s *Serializer) encodeTransform(t model.FieldTransform) FieldTransform {
	ft := FieldTransform{FieldPath: t.Field}
	switch t.Kind {
	case model.TransformServerTimestamp:
		ft.SetToServerValue = ServerValueRequestTime
	case model.TransformArrayUnion:
		ft.AppendMissingElements = &ArrayValue{Values: s.encodeValues(t.Elements)}
	case model.TransformArrayRemove:
		ft.RemoveAllFromArray = &ArrayValue{Values: s.encodeValues(t.Elements)}
	case model.TransformNumericIncrement:
		v := s.EncodeValue(t.Operand)
		ft.Increment = &v
	}
	return ft
}

func (s *Serializer) DecodeMutation(w Write) (model.Mutation, error) {
	precondition := model.PreconditionNone()
	if w.CurrentDocument != nil {
		switch {
		case w.CurrentDocument.UpdateTime != nil:
			precondition = model.PreconditionUpdateTime(DecodeVersion(w.CurrentDocument.UpdateTime))
		case w.CurrentDocument.Exists != nil:
			precondition = model.PreconditionExists(*w.CurrentDocument.Exists)
		}
	}
	transforms := make([]model.FieldTransform, 0, len(w.UpdateTransforms))
	for _, ft := range w.UpdateTransforms {
		t, err := s.decodeTransform(ft)
		if err != nil {
			return model.Mutation{}, err
		}
		transforms = append(transforms, t)
	}
	switch {
	case w.Update != nil:
		key, err := s.DecodeKey(w.Update.Name)
		if err != nil {
			return model.Mutation{}, err
		}
		fields, err := s.DecodeFields(w.Update.Fields)
		if err != nil {
			return model.Mutation{}, err
		}
		value := model.ObjectValueFromMap(fields)
		if w.UpdateMask == nil {
			return model.NewSetMutation(key, value, transforms...), nil
		}
		paths := make([]model.FieldPath, len(w.UpdateMask.FieldPaths))
		for i, p := range w.UpdateMask.FieldPaths {
			paths[i] = model.NewFieldPath(p...)
		}
		return model.NewPatchMutation(key, value, model.NewFieldMask(paths...), precondition, transforms...), nil
	case w.Delete != "":
		key, err := s.DecodeKey(w.Delete)
		if err != nil {
			return model.Mutation{}, err
		}
		return model.NewDeleteMutation(key, precondition), nil
	case w.Verify != "":
		key, err := s.DecodeKey(w.Verify)
		if err != nil {
			return model.Mutation{}, err
		}
		return model.NewVerifyMutation(key, precondition), nil
	}
	return model.Mutation{}, fmt.Errorf("write has no operation")
}

func (s *Serializer) decodeTransform(ft FieldTransform) (model.FieldTransform, error) {
	field := model.NewFieldPath(ft.FieldPath...)
	switch {
	case ft.SetToServerValue == ServerValueRequestTime:
		return model.ServerTimestampTransform(field), nil
	case ft.Increment != nil:
		v, err := s.DecodeValue(*ft.Increment)
		if err != nil {
			return model.FieldTransform{}, err
		}
		return model.NumericIncrementTransform(field, v), nil
	case ft.AppendMissingElements != nil:
		values, err := s.decodeValues(ft.AppendMissingElements.Values)
		if err != nil {
			return model.FieldTransform{}, err
		}
		return model.ArrayUnionTransform(field, values...), nil
	case ft.RemoveAllFromArray != nil:
		values, err := s.decodeValues(ft.RemoveAllFromArray.Values)
		if err != nil {
			return model.FieldTransform{}, err
		}
		return model.ArrayRemoveTransform(field, values...), nil
	}
	return model.FieldTransform{}, fmt.Errorf("unknown transform for field %s", field)
}

// DecodeWriteResults converts the results of one write response. A result without an
// update time was a no-op and takes the commit time.
func (s *Serializer) DecodeWriteResults(results []WriteResult, commitTime model.SnapshotVersion) ([]model.MutationResult, error) {
	out := make([]model.MutationResult, len(results))
	for i, r := range results {
		version := DecodeVersion(r.UpdateTime)
		if version.IsMin() {
			version = commitTime
		}
		transformResults, err := s.decodeValues(r.TransformResults)
		if err != nil {
			return nil, fmt.Errorf("write result %d: %w", i, err)
		}
		out[i] = model.MutationResult{Version: version, TransformResults: transformResults}
	}
	return out, nil
}

// EncodeWriteResult is the server side of DecodeWriteResults.
func (s *Serializer) EncodeWriteResult(r model.MutationResult) WriteResult {
	return WriteResult{UpdateTime: EncodeVersion(r.Version), TransformResults: s.encodeValues(r.TransformResults)}
}
