package fakeserver

import (
	"sort"
	"strconv"

	"github.com/lxzan/gws"
	"google.golang.org/grpc/codes"

	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/remote"
	"github.com/docsync/docsync.go/pkg/remote/wsconn"
	"github.com/docsync/docsync.go/pkg/wire"
)

// Bloom filters sent by the server use at least this many bits, which keeps false
// positives out of small test data sets.
const (
	minBloomBits   = 1024
	bloomHashCount = 7
)

type listenSession struct {
	targets map[int32]*serverTarget
}

// serverTarget is a target a listener added. keys holds the documents the listener was
// told match it. Limits only apply to the initial result.
type serverTarget struct {
	id    int32
	query model.Query
	keys  map[model.DocumentKey]bool
}

type outgoing struct {
	socket *gws.Conn
	frame  *wsconn.Frame
}

func listenFrame(r *wire.ListenResponse) *wsconn.Frame {
	return &wsconn.Frame{Listen: r}
}

func targetChange(kind wire.TargetChangeType, token []byte, ids ...int32) *wsconn.Frame {
	return listenFrame(&wire.ListenResponse{TargetChange: &wire.TargetChange{
		TargetChangeType: kind,
		TargetIDs:        ids,
		ResumeToken:      token,
	}})
}

// globalSnapshot tells the listener it is consistent with every commit up to v.
func globalSnapshot(v model.SnapshotVersion) *wsconn.Frame {
	return listenFrame(&wire.ListenResponse{TargetChange: &wire.TargetChange{
		TargetChangeType: wire.TargetChangeNoChange,
		ReadTime:         wire.EncodeVersion(v),
	}})
}

// resumeToken encodes the clock. Resuming restarts a target from scratch, so the token only
// needs to be opaque to the client.
func resumeToken(clock int64) []byte {
	return []byte(strconv.FormatInt(clock, 10))
}

func (s *Server) handleListen(socket *gws.Conn, ls *listenSession, req *wire.ListenRequest) {
	if req.AddTarget == nil && req.RemoveTarget == 0 {
		return
	}

	s.mu.Lock()
	var frames []*wsconn.Frame
	if req.RemoveTarget != 0 {
		delete(ls.targets, req.RemoveTarget)
		frames = append(frames, targetChange(wire.TargetChangeRemove, nil, req.RemoveTarget))
	}
	if add := req.AddTarget; add != nil {
		target, err := s.serializer.DecodeTarget(add)
		if err != nil {
			s.mu.Unlock()
			s.closeWithStatus(socket, codes.InvalidArgument, err.Error())
			return
		}
		st := &serverTarget{id: add.TargetID, query: wire.QueryFromTarget(target), keys: map[model.DocumentKey]bool{}}
		ls.targets[st.id] = st

		matches := s.matching(st.query)
		if st.query.HasLimit() && len(matches) > st.query.Limit {
			matches = matches[:st.query.Limit]
		}
		frames = append(frames, targetChange(wire.TargetChangeAdd, nil, st.id))
		for _, doc := range matches {
			st.keys[doc.Key()] = true
			frames = append(frames, listenFrame(&wire.ListenResponse{DocumentChange: &wire.DocumentChange{
				Document:  s.serializer.EncodeDocument(doc),
				TargetIDs: []int32{st.id},
			}}))
		}
		if len(add.ResumeToken) > 0 || add.ReadTime != nil {
			frames = append(frames, s.existenceFilter(st, matches))
		}
		frames = append(frames, targetChange(wire.TargetChangeCurrent, resumeToken(s.clock), st.id))
	}
	frames = append(frames, globalSnapshot(model.Version(s.clock)))

	s.sendMu.Lock()
	s.mu.Unlock()
	defer s.sendMu.Unlock()
	for _, f := range frames {
		s.send(socket, f)
	}
}

// matching returns the stored documents q matches in query order. Callers hold mu.
func (s *Server) matching(q model.Query) []*model.MutableDocument {
	var out []*model.MutableDocument
	for _, doc := range s.docs {
		if q.Matches(doc) {
			out = append(out, doc)
		}
	}
	cmp := q.Comparator()
	sort.Slice(out, func(i, j int) bool { return cmp(out[i], out[j]) < 0 })
	return out
}

func (s *Server) existenceFilter(st *serverTarget, matches []*model.MutableDocument) *wsconn.Frame {
	names := make([]string, len(matches))
	for i, doc := range matches {
		names[i] = s.serializer.EncodeKey(doc.Key())
	}
	bits := len(names) * 10
	if bits < minBloomBits {
		bits = minBloomBits
	}
	return listenFrame(&wire.ListenResponse{Filter: &wire.ExistenceFilter{
		TargetID:       st.id,
		Count:          int32(len(matches)),
		UnchangedNames: remote.BuildBloomFilter(names, bits, bloomHashCount),
	}})
}

// SendExistenceFilters pushes the current count of every listened target, with a bloom
// filter of the matching document names, followed by a global snapshot. Listeners that
// missed a delete use the filter to find it.
func (s *Server) SendExistenceFilters() {
	s.mu.Lock()
	var out []outgoing
	for socket, ls := range s.listens {
		for _, st := range ls.targets {
			matches := s.matching(st.query)
			st.keys = map[model.DocumentKey]bool{}
			for _, doc := range matches {
				st.keys[doc.Key()] = true
			}
			out = append(out, outgoing{socket, s.existenceFilter(st, matches)})
		}
		out = append(out, outgoing{socket, globalSnapshot(model.Version(s.clock))})
	}

	s.sendMu.Lock()
	s.mu.Unlock()
	defer s.sendMu.Unlock()
	for _, o := range out {
		s.send(o.socket, o.frame)
	}
}

// changeFrames builds the listen frames announcing changed documents committed at v.
// Callers hold mu.
func (s *Server) changeFrames(changed []*model.MutableDocument, v model.SnapshotVersion) []outgoing {
	var out []outgoing
	for socket, ls := range s.listens {
		if len(ls.targets) == 0 {
			continue
		}
		ids := make([]int32, 0, len(ls.targets))
		for id := range ls.targets {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			st := ls.targets[id]
			touched := false
			for _, doc := range changed {
				key := doc.Key()
				switch {
				case st.query.Matches(doc):
					st.keys[key] = true
					out = append(out, outgoing{socket, listenFrame(&wire.ListenResponse{DocumentChange: &wire.DocumentChange{
						Document:  s.serializer.EncodeDocument(doc),
						TargetIDs: []int32{id},
					}})})
				case st.keys[key] && doc.IsFoundDocument():
					delete(st.keys, key)
					out = append(out, outgoing{socket, listenFrame(&wire.ListenResponse{DocumentChange: &wire.DocumentChange{
						Document:         s.serializer.EncodeDocument(doc),
						RemovedTargetIDs: []int32{id},
					}})})
				case st.keys[key]:
					delete(st.keys, key)
					out = append(out, outgoing{socket, listenFrame(&wire.ListenResponse{DocumentDelete: &wire.DocumentDelete{
						Document:         s.serializer.EncodeKey(key),
						RemovedTargetIDs: []int32{id},
						ReadTime:         wire.EncodeVersion(v),
					}})})
				default:
					continue
				}
				touched = true
			}
			if touched {
				out = append(out, outgoing{socket, targetChange(wire.TargetChangeNoChange, resumeToken(s.clock), id)})
			}
		}
		out = append(out, outgoing{socket, globalSnapshot(v)})
	}
	return out
}
