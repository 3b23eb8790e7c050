package replication

import (
	"fmt"
	"sort"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/protocol"
	"github.com/zeusync/scenesync/internal/core/scene"
)

// Writes reports whether this process owns the transform of e: it holds
// exclusive authority, or e is free and this is the authoritative process.
func (s *Session) Writes(e *scene.Entity) bool {
	if s.localID == "" {
		return false
	}
	holder, _ := e.Authority()
	return holder == s.localID || (holder == "" && s.role == RoleAuthority)
}

// accepts reports whether a transform of e reported by origin is applied.
func (s *Session) accepts(e *scene.Entity, origin string) bool {
	holder, _ := e.Authority()
	if holder != "" {
		return origin == holder
	}
	return s.role == RoleObserver && origin == protocol.ServerID
}

// Flush sends one report with the local transform of every owned entity
// written since the previous flush. It returns the number of entries sent.
func (s *Session) Flush() int {
	if !s.ready {
		return 0
	}
	var reports []protocol.TransformReport
	s.tree.Walk(func(e *scene.Entity) bool {
		if e.Pending() || !s.Writes(e) {
			return true
		}
		v := e.TransformVersion()
		if last, ok := s.flushed[e.Ref()]; ok && last == v {
			return true
		}
		s.flushed[e.Ref()] = v
		reports = append(reports, protocol.NewTransformReport(e.Ref(), e.Transform()))
		return true
	})
	if len(reports) == 0 {
		return 0
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].EntityRef < reports[j].EntityRef })
	s.emitLocal(&protocol.ReportEntityTransforms{Reports: reports})
	return len(reports)
}

func (s *Session) handleReport(origin string, p *protocol.ReportEntityTransforms) error {
	accepted := make([]protocol.TransformReport, 0, len(p.Reports))
	var rejected, missing int
	for _, r := range p.Reports {
		e, ok := s.tree.Lookup(r.EntityRef)
		if !ok {
			missing++
			continue
		}
		if !s.accepts(e, origin) {
			rejected++
			continue
		}
		err := s.suppress([]scene.Ref{e.Ref()}, func() error {
			e.ApplyRemoteTransform(r.Transform())
			return nil
		})
		if err != nil {
			return err
		}
		s.flushed[e.Ref()] = e.TransformVersion()
		accepted = append(accepted, r)
	}

	if missing > 0 {
		s.logger.Debug("reports for unknown entities", log.Connection(origin), log.Int("count", missing))
	}
	if len(accepted) > 0 && s.role == RoleAuthority {
		fwd := &protocol.ReportEntityTransforms{Reports: accepted}
		fwd.SetOrigin(origin)
		s.broadcast(protocol.Stamp(fwd), origin)
	}
	if rejected > 0 {
		return fmt.Errorf("%d of %d reports from a non holder: %w", rejected, len(p.Reports), ErrAuthorityLoss)
	}
	return nil
}
