package replication

import (
	"fmt"
	"strings"

	"github.com/zeusync/scenesync/internal/core/protocol"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/core/values"
)

// GenerationPolicy decides whether a received value older than the local one
// is applied.
type GenerationPolicy uint8

const (
	// GenerationPolicyApply applies every received value.
	GenerationPolicyApply GenerationPolicy = iota
	// GenerationPolicyRejectStale drops values whose generation is not newer
	// than the local one.
	GenerationPolicyRejectStale
)

func (p GenerationPolicy) String() string {
	if p == GenerationPolicyRejectStale {
		return "reject-stale"
	}
	return "apply"
}

func ParseGenerationPolicy(s string) (GenerationPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "apply":
		return GenerationPolicyApply, nil
	case "reject-stale", "reject_stale":
		return GenerationPolicyRejectStale, nil
	}
	return GenerationPolicyApply, fmt.Errorf("unknown generation policy %q", s)
}

func (s *Session) onValueChanged(c values.Changed) error {
	if c.Remote || !c.Value.Replicated() {
		return nil
	}
	if e, ok := s.valueOwner(c.Value); ok && e.Pending() {
		return nil
	}
	s.emitLocal(&protocol.SetValue{Identifier: c.Value.ID(), Generation: c.Generation, Value: c.New})
	return nil
}

func (s *Session) handleSetValue(origin string, p *protocol.SetValue) error {
	v, ok := s.tree.Values().Lookup(p.Identifier)
	if !ok {
		return fmt.Errorf("value %s: %w", p.Identifier, scene.ErrMissingReference)
	}
	if !v.Replicated() {
		return protocol.Violation(fmt.Errorf("value %s is not replicated", p.Identifier))
	}
	if s.policy == GenerationPolicyRejectStale && p.Generation <= v.Generation() {
		return fmt.Errorf("value %s: generation %d not after %d: %w", p.Identifier, p.Generation, v.Generation(), ErrStaleOperation)
	}
	if err := v.Apply(p.Value, p.Generation, origin); err != nil {
		return protocol.Violation(err)
	}
	s.relay(origin, p)
	return nil
}

// SendCustom publishes an opaque message on channel to every other process.
func (s *Session) SendCustom(channel string, payload []byte) error {
	if !s.ready {
		return ErrNotReady
	}
	if channel == "" {
		return fmt.Errorf("%w: custom message without channel", protocol.ErrInvalidPacket)
	}
	s.emitLocal(&protocol.CustomMessage{Channel: channel, Payload: payload})
	return nil
}

func (s *Session) handleCustom(origin string, p *protocol.CustomMessage) error {
	s.relay(origin, p)
	s.emit(CustomReceived{From: origin, Channel: p.Channel, Payload: p.Payload})
	return nil
}
