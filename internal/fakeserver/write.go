package fakeserver

import (
	"fmt"
	"strconv"

	"github.com/lxzan/gws"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/remote/wsconn"
	"github.com/docsync/docsync.go/pkg/wire"
)

type writeSession struct {
	handshaken bool
	streamID   string
}

func (s *Server) handleWrite(socket *gws.Conn, ws *writeSession, req *wire.WriteRequest) {
	if !ws.handshaken {
		if len(req.StreamToken) > 0 {
			if _, err := strconv.ParseInt(string(req.StreamToken), 10, 64); err != nil {
				s.closeWithStatus(socket, codes.InvalidArgument, "invalid stream token")
				return
			}
		}
		ws.handshaken = true
		ws.streamID = newStreamID()
		s.mu.Lock()
		token := resumeToken(s.clock)
		s.mu.Unlock()
		s.send(socket, &wsconn.Frame{Write: &wire.WriteResponse{StreamID: ws.streamID, StreamToken: token}})
		return
	}
	if len(req.Writes) == 0 {
		return
	}

	muts := make([]model.Mutation, len(req.Writes))
	for i, w := range req.Writes {
		m, err := s.serializer.DecodeMutation(w)
		if err != nil {
			s.closeWithStatus(socket, codes.InvalidArgument, err.Error())
			return
		}
		muts[i] = m
	}

	v, results, err := s.commit(muts)
	if err != nil {
		s.closeWithStatus(socket, status.Code(err), err.Error())
		return
	}
	res := &wire.WriteResponse{
		StreamID:    ws.streamID,
		StreamToken: resumeToken(v.Timestamp.Seconds*1e6 + int64(v.Timestamp.Nanos)/1e3),
		CommitTime:  wire.EncodeVersion(v),
	}
	for _, r := range results {
		res.WriteResults = append(res.WriteResults, s.serializer.EncodeWriteResult(r))
	}
	s.send(socket, &wsconn.Frame{Write: res})
}

// commit applies muts atomically at the next clock tick and notifies listeners. It fails
// with FAILED_PRECONDITION, leaving the store untouched, when any precondition does not
// hold.
func (s *Server) commit(muts []model.Mutation) (model.SnapshotVersion, []model.MutationResult, error) {
	s.mu.Lock()

	working := map[model.DocumentKey]*model.MutableDocument{}
	written := map[model.DocumentKey]bool{}
	lookup := func(key model.DocumentKey) *model.MutableDocument {
		if doc, ok := working[key]; ok {
			return doc
		}
		if doc, ok := s.docs[key]; ok {
			return doc.Clone()
		}
		return model.NewInvalidDocument(key)
	}

	s.clock++
	v := model.Version(s.clock)
	results := make([]model.MutationResult, len(muts))
	for i, m := range muts {
		doc := lookup(m.Key)
		if !m.Precondition.IsValidFor(doc) {
			s.clock--
			s.mu.Unlock()
			return model.MinVersion, nil, status.Error(codes.FailedPrecondition,
				fmt.Sprintf("precondition failed for %s", m.Key))
		}
		results[i] = model.MutationResult{Version: v, TransformResults: transformResults(m, doc, v.Timestamp)}
		if m.Kind != model.MutationVerify {
			created := !doc.IsFoundDocument()
			if err := m.ApplyToRemoteDocument(doc, results[i]); err != nil {
				s.clock--
				s.mu.Unlock()
				return model.MinVersion, nil, status.Error(codes.Internal, err.Error())
			}
			if created {
				doc.SetCreateTime(v)
			}
			written[m.Key] = true
		}
		working[m.Key] = doc
	}

	changed := make([]*model.MutableDocument, 0, len(written))
	for key := range written {
		doc := working[key]
		if doc.IsFoundDocument() {
			stored := model.NewFoundDocument(key, doc.Version(), doc.Data()).SetCreateTime(doc.CreateTime())
			s.docs[key] = stored
			changed = append(changed, stored)
		} else {
			delete(s.docs, key)
			changed = append(changed, model.NewNoDocument(key, v))
		}
	}
	s.commits++
	out := s.changeFrames(changed, v)

	s.sendMu.Lock()
	s.mu.Unlock()
	defer s.sendMu.Unlock()
	for _, o := range out {
		s.send(o.socket, o.frame)
	}
	return v, results, nil
}

// transformResults evaluates m's transforms against doc the way the server does, with
// server timestamps resolved to the commit time.
func transformResults(m model.Mutation, doc *model.MutableDocument, commitTime model.Timestamp) []model.Value {
	if len(m.Transforms) == 0 {
		return nil
	}
	local := doc.Clone()
	m.ApplyToLocalView(local, nil, commitTime)
	out := make([]model.Value, len(m.Transforms))
	for i, t := range m.Transforms {
		v, _ := local.Field(t.Field)
		if v.Kind() == model.KindServerTimestamp {
			v = model.TimestampValue(commitTime)
		}
		out[i] = v
	}
	return out
}
