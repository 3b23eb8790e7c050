package replication

import (
	"fmt"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/protocol"
	"github.com/zeusync/scenesync/internal/core/scene"
)

// Arbitrate decides whether requester, asking at clock requested, takes the
// authority of an entity currently held by holder at clock. A higher clock
// wins; on equal clocks the lower connection id wins and a free entity loses
// to everyone.
func Arbitrate(holder string, clock uint64, requester string, requested uint64) bool {
	if requested != clock {
		return requested > clock
	}
	return holder == "" || requester < holder
}

// RequestAuthority asks for exclusive authority over ref. On the
// authoritative side it is arbitrated at once; an observer sends the request
// and learns the result from the announce.
func (s *Session) RequestAuthority(ref scene.Ref) error {
	e, ok := s.tree.Lookup(ref)
	if !ok {
		return fmt.Errorf("request %s: %w", ref, scene.ErrMissingReference)
	}
	_, clock := e.Authority()
	if s.role == RoleAuthority {
		return s.grant(e, s.localID, clock+1)
	}
	if !s.ready {
		return ErrNotReady
	}
	s.emitLocal(&protocol.RequestExclusiveAuthority{EntityRef: ref, Clock: clock + 1})
	return nil
}

// RelinquishAuthority gives up authority over ref held by this process.
func (s *Session) RelinquishAuthority(ref scene.Ref) error {
	e, ok := s.tree.Lookup(ref)
	if !ok {
		return fmt.Errorf("relinquish %s: %w", ref, scene.ErrMissingReference)
	}
	if holder, _ := e.Authority(); holder != s.localID || s.localID == "" {
		return fmt.Errorf("relinquish %s: held by %q: %w", ref, holder, ErrAuthorityLoss)
	}
	if s.role == RoleAuthority {
		s.release(e)
		return nil
	}
	s.emitLocal(&protocol.RelinquishExclusiveAuthority{EntityRef: ref})
	return nil
}

// Holds reports whether this process holds exclusive authority over e.
func (s *Session) Holds(e *scene.Entity) bool {
	holder, _ := e.Authority()
	return s.localID != "" && holder == s.localID
}

func (s *Session) handleRequest(origin string, p *protocol.RequestExclusiveAuthority) error {
	if s.role != RoleAuthority {
		return protocol.Violation(fmt.Errorf("%s sent to an observer", p.Type()))
	}
	e, ok := s.tree.Lookup(p.EntityRef)
	if !ok {
		return fmt.Errorf("request %s: %w", p.EntityRef, scene.ErrMissingReference)
	}
	return s.grant(e, origin, p.Clock)
}

func (s *Session) handleRelinquish(origin string, p *protocol.RelinquishExclusiveAuthority) error {
	if s.role != RoleAuthority {
		return protocol.Violation(fmt.Errorf("%s sent to an observer", p.Type()))
	}
	e, ok := s.tree.Lookup(p.EntityRef)
	if !ok {
		return fmt.Errorf("relinquish %s: %w", p.EntityRef, scene.ErrMissingReference)
	}
	if holder, _ := e.Authority(); holder != origin {
		return fmt.Errorf("relinquish %s: held by %q: %w", p.EntityRef, holder, ErrAuthorityLoss)
	}
	s.release(e)
	return nil
}

func (s *Session) handleAnnounce(p *protocol.AnnounceExclusiveAuthority) error {
	if s.role != RoleObserver {
		return protocol.Violation(fmt.Errorf("%s sent to the authority", p.Type()))
	}
	e, ok := s.tree.Lookup(p.EntityRef)
	if !ok {
		return fmt.Errorf("announce %s: %w", p.EntityRef, scene.ErrMissingReference)
	}
	if _, clock := e.Authority(); p.Clock < clock {
		return fmt.Errorf("announce %s: clock %d behind %d: %w", p.EntityRef, p.Clock, clock, ErrStaleOperation)
	}
	s.setAuthority(e, p.Holder, p.Clock)
	return nil
}

// grant arbitrates a request on the authoritative side and announces a win to
// every peer. A repeated request of the current holder is answered to it alone.
func (s *Session) grant(e *scene.Entity, requester string, clock uint64) error {
	holder, current := e.Authority()
	if holder == requester && clock <= current {
		if requester != s.localID {
			s.out.Send(requester, s.announce(e))
		}
		return nil
	}
	if !Arbitrate(holder, current, requester, clock) {
		return fmt.Errorf("request %s by %s at %d: held by %q at %d: %w",
			e.Ref(), requester, clock, holder, current, ErrAuthorityLoss)
	}
	s.setAuthority(e, requester, clock)
	s.logger.Debug("authority granted",
		log.Ref(string(e.Ref())),
		log.String("holder", requester),
		log.Uint64("clock", clock),
	)
	s.broadcast(s.announce(e), "")
	return nil
}

// release frees e with a bumped clock and announces it.
func (s *Session) release(e *scene.Entity) {
	_, clock := e.Authority()
	s.setAuthority(e, "", clock+1)
	s.broadcast(s.announce(e), "")
}

func (s *Session) releaseAll(holder string) int {
	var held []*scene.Entity
	s.tree.Walk(func(e *scene.Entity) bool {
		if h, _ := e.Authority(); h == holder {
			held = append(held, e)
		}
		return true
	})
	for _, e := range held {
		s.release(e)
	}
	return len(held)
}

func (s *Session) setAuthority(e *scene.Entity, holder string, clock uint64) {
	e.SetAuthority(holder, clock)
	// a new holder reports changes made from now on
	s.flushed[e.Ref()] = e.TransformVersion()
}

func (s *Session) announce(e *scene.Entity) protocol.Packet {
	holder, clock := e.Authority()
	a := &protocol.AnnounceExclusiveAuthority{EntityRef: e.Ref(), Holder: holder, Clock: clock}
	a.SetOrigin(s.localID)
	return protocol.Stamp(a)
}
