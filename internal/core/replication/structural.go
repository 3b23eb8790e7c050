package replication

import (
	"fmt"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/protocol"
	"github.com/zeusync/scenesync/internal/core/scene"
)

// Local structural signals. Only the root of an operation is sent; the
// definition of a spawn carries its whole subtree.

func (s *Session) onSpawned(ev scene.DescendantSpawned) error {
	ref := ev.Entity.Ref()
	s.flushed[ref] = ev.Entity.TransformVersion()
	if !ev.Root || s.ignored(ref) {
		return nil
	}
	s.emitLocal(&protocol.SpawnEntity{Definition: ev.Entity.Definition(), ParentRef: ev.Entity.ParentRef()})
	return nil
}

func (s *Session) onDestroyed(ev scene.DescendantDestroyed) error {
	ref := ev.Entity.Ref()
	delete(s.flushed, ref)
	if !ev.Root || s.ignored(ref) {
		return nil
	}
	s.emitLocal(&protocol.DeleteEntity{EntityRef: ref})
	return nil
}

func (s *Session) onReparented(ev scene.DescendantReparented) error {
	ref := ev.Entity.Ref()
	if s.ignored(ref) {
		return nil
	}
	s.emitLocal(&protocol.ReparentEntity{
		EntityRef:    ref,
		OldParentRef: ev.OldParent,
		NewParentRef: ev.NewParent,
		KeepGlobal:   ev.KeepGlobal,
	})
	return nil
}

func (s *Session) onRenamed(ev scene.DescendantRenamed) error {
	ref := ev.Entity.Ref()
	if s.ignored(ref) {
		return nil
	}
	s.emitLocal(&protocol.RenameEntity{EntityRef: ref, OldName: ev.OldName, NewName: ev.NewName})
	return nil
}

// Remote structural packets.

func (s *Session) handleSpawn(origin string, p *protocol.SpawnEntity) error {
	ref := p.Definition.Ref
	if _, exists := s.tree.Lookup(ref); exists {
		s.logger.Debug("spawn of known entity ignored", log.Ref(string(ref)), log.Connection(origin))
		return nil
	}
	parent, ok := s.tree.Lookup(p.ParentRef)
	if !ok {
		return fmt.Errorf("spawn %s under %s: %w", ref, p.ParentRef, scene.ErrMissingReference)
	}

	// authority is only ever granted through a request
	var revoked []scene.Ref
	if s.role == RoleAuthority {
		revoked = clearHolders(&p.Definition, nil)
	}

	err := s.suppress(definitionRefs(p.Definition, nil), func() error {
		_, err := s.tree.Spawn(parent, p.Definition)
		return err
	})
	if err != nil {
		return fmt.Errorf("spawn %s: %w", ref, err)
	}
	for _, r := range revoked {
		if e, ok := s.tree.Lookup(r); ok {
			s.out.Send(origin, s.announce(e))
		}
	}
	if len(revoked) > 0 {
		s.logger.Warn("authority in remote spawn ignored",
			log.Ref(string(ref)), log.Connection(origin), log.Int("entities", len(revoked)))
	}
	s.relay(origin, p)
	return nil
}

// clearHolders drops every holder in def and returns the refs that had one.
func clearHolders(def *scene.Definition, into []scene.Ref) []scene.Ref {
	if def.Authority != "" {
		def.Authority = ""
		into = append(into, def.Ref)
	}
	for i := range def.Children {
		into = clearHolders(&def.Children[i], into)
	}
	return into
}

func (s *Session) handleDelete(origin string, p *protocol.DeleteEntity) error {
	e, ok := s.tree.Lookup(p.EntityRef)
	if !ok {
		return fmt.Errorf("delete %s: %w", p.EntityRef, scene.ErrMissingReference)
	}
	err := s.suppress([]scene.Ref{e.Ref()}, func() error { return s.tree.Destroy(e) })
	if err != nil {
		return fmt.Errorf("delete %s: %w", p.EntityRef, err)
	}
	s.relay(origin, p)
	return nil
}

func (s *Session) handleReparent(origin string, p *protocol.ReparentEntity) error {
	e, ok := s.tree.Lookup(p.EntityRef)
	if !ok {
		return fmt.Errorf("reparent %s: %w", p.EntityRef, scene.ErrMissingReference)
	}
	if e.ParentRef() != p.OldParentRef {
		return fmt.Errorf("reparent %s: parent is %s, not %s: %w", p.EntityRef, e.ParentRef(), p.OldParentRef, ErrStaleOperation)
	}
	parent, ok := s.tree.Lookup(p.NewParentRef)
	if !ok {
		return fmt.Errorf("reparent %s under %s: %w", p.EntityRef, p.NewParentRef, scene.ErrMissingReference)
	}

	err := s.suppress([]scene.Ref{e.Ref()}, func() error {
		if p.KeepGlobal {
			return s.tree.ReparentKeepGlobal(e, parent)
		}
		return s.tree.Reparent(e, parent)
	})
	if err != nil {
		return fmt.Errorf("reparent %s: %w", p.EntityRef, err)
	}
	// a keep-global reparent rewrote the local transform; it came from the
	// wire, not from a local write
	s.flushed[e.Ref()] = e.TransformVersion()
	s.relay(origin, p)
	return nil
}

func (s *Session) handleRename(origin string, p *protocol.RenameEntity) error {
	e, ok := s.tree.Lookup(p.EntityRef)
	if !ok {
		return fmt.Errorf("rename %s: %w", p.EntityRef, scene.ErrMissingReference)
	}
	if e.Name() != p.OldName {
		return fmt.Errorf("rename %s: name is %q, not %q: %w", p.EntityRef, e.Name(), p.OldName, ErrStaleOperation)
	}

	err := s.suppress([]scene.Ref{e.Ref()}, func() error { return s.tree.Rename(e, p.NewName) })
	if err != nil {
		return fmt.Errorf("rename %s: %w", p.EntityRef, err)
	}
	s.relay(origin, p)
	return nil
}
