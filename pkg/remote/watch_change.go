package remote

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/wire"
)

// WatchChange is one decoded message of the Listen stream: a *DocumentWatchChange, a
// *WatchTargetChange or an *ExistenceFilterChange.
type WatchChange interface {
	isWatchChange()
}

// DocumentWatchChange reports a document entering, changing in or leaving targets.
type DocumentWatchChange struct {
	UpdatedTargetIDs []model.TargetID
	RemovedTargetIDs []model.TargetID
	Key              model.DocumentKey
	// NewDoc is a found document, a no-document for deletes, or nil when the document
	// only left some targets.
	NewDoc *model.MutableDocument
}

// WatchTargetChangeState is the kind of a WatchTargetChange.
type WatchTargetChangeState int

const (
	TargetNoChange WatchTargetChangeState = iota
	TargetAdded
	TargetRemoved
	TargetCurrent
	TargetReset
)

func (s WatchTargetChangeState) String() string {
	switch s {
	case TargetNoChange:
		return "no-change"
	case TargetAdded:
		return "added"
	case TargetRemoved:
		return "removed"
	case TargetCurrent:
		return "current"
	case TargetReset:
		return "reset"
	}
	return "unknown"
}

// WatchTargetChange reports a state change of targets. An empty TargetIDs applies to
// every active target.
type WatchTargetChange struct {
	State       WatchTargetChangeState
	TargetIDs   []model.TargetID
	ResumeToken []byte
	// Cause is set when the server removed the targets because of an error.
	Cause error
}

// ExistenceFilter is the server's count of documents in a target, optionally with a bloom
// filter of the names it still holds.
type ExistenceFilter struct {
	Count          int32
	UnchangedNames *wire.BloomFilter
}

type ExistenceFilterChange struct {
	TargetID model.TargetID
	Filter   ExistenceFilter
}

func (*DocumentWatchChange) isWatchChange()   {}
func (*WatchTargetChange) isWatchChange()     {}
func (*ExistenceFilterChange) isWatchChange() {}

// DecodeWatchChange converts a Listen response into a WatchChange.
func DecodeWatchChange(s *wire.Serializer, resp *wire.ListenResponse) (WatchChange, error) {
	switch {
	case resp.TargetChange != nil:
		tc := resp.TargetChange
		change := &WatchTargetChange{
			TargetIDs:   decodeTargetIDs(tc.TargetIDs),
			ResumeToken: tc.ResumeToken,
		}
		switch tc.TargetChangeType {
		case wire.TargetChangeNoChange:
			change.State = TargetNoChange
		case wire.TargetChangeAdd:
			change.State = TargetAdded
		case wire.TargetChangeRemove:
			change.State = TargetRemoved
			if tc.Cause != nil {
				change.Cause = status.Error(codes.Code(tc.Cause.Code), tc.Cause.Message)
			}
		case wire.TargetChangeCurrent:
			change.State = TargetCurrent
		case wire.TargetChangeReset:
			change.State = TargetReset
		default:
			return nil, fmt.Errorf("unknown target change type %d", tc.TargetChangeType)
		}
		return change, nil

	case resp.DocumentChange != nil:
		dc := resp.DocumentChange
		if dc.Document == nil {
			return nil, fmt.Errorf("document change without a document")
		}
		doc, err := s.DecodeDocument(dc.Document)
		if err != nil {
			return nil, err
		}
		return &DocumentWatchChange{
			UpdatedTargetIDs: decodeTargetIDs(dc.TargetIDs),
			RemovedTargetIDs: decodeTargetIDs(dc.RemovedTargetIDs),
			Key:              doc.Key(),
			NewDoc:           doc,
		}, nil

	case resp.DocumentDelete != nil:
		dd := resp.DocumentDelete
		key, err := s.DecodeKey(dd.Document)
		if err != nil {
			return nil, err
		}
		return &DocumentWatchChange{
			RemovedTargetIDs: decodeTargetIDs(dd.RemovedTargetIDs),
			Key:              key,
			NewDoc:           model.NewNoDocument(key, wire.DecodeVersion(dd.ReadTime)),
		}, nil

	case resp.DocumentRemove != nil:
		dr := resp.DocumentRemove
		key, err := s.DecodeKey(dr.Document)
		if err != nil {
			return nil, err
		}
		return &DocumentWatchChange{
			RemovedTargetIDs: decodeTargetIDs(dr.RemovedTargetIDs),
			Key:              key,
		}, nil

	case resp.Filter != nil:
		return &ExistenceFilterChange{
			TargetID: model.TargetID(resp.Filter.TargetID),
			Filter: ExistenceFilter{
				Count:          resp.Filter.Count,
				UnchangedNames: resp.Filter.UnchangedNames,
			},
		}, nil
	}
	return nil, fmt.Errorf("empty listen response")
}

// SnapshotVersionFromListenResponse returns the global snapshot version a response
// carries: the read time of a target change that names no targets. Anything else is
// MinVersion.
func SnapshotVersionFromListenResponse(resp *wire.ListenResponse) model.SnapshotVersion {
	tc := resp.TargetChange
	if tc == nil || len(tc.TargetIDs) != 0 || tc.ReadTime == nil {
		return model.MinVersion
	}
	return wire.DecodeVersion(tc.ReadTime)
}

func decodeTargetIDs(ids []int32) []model.TargetID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]model.TargetID, len(ids))
	for i, id := range ids {
		out[i] = model.TargetID(id)
	}
	return out
}
