package protocol

import (
	"fmt"

	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/core/systems/physics"
)

// MessageType is the "t" discriminator of every packet.
type MessageType string

const (
	TypeHandshake           MessageType = "handshake"
	TypeSpawnEntity         MessageType = "spawn_entity"
	TypeDeleteEntity        MessageType = "delete_entity"
	TypeReparentEntity      MessageType = "reparent_entity"
	TypeRenameEntity        MessageType = "rename_entity"
	TypeSetValue            MessageType = "set_value"
	TypeRequestAuthority    MessageType = "request_authority"
	TypeRelinquishAuthority MessageType = "relinquish_authority"
	TypeAnnounceAuthority   MessageType = "announce_authority"
	TypeReportTransforms    MessageType = "report_transforms"
	TypeCustomMessage       MessageType = "custom_message"
)

// Packet is one message of the replication protocol.
type Packet interface {
	Type() MessageType
	// Origin is the connection id of the process that produced the change.
	Origin() string
	SetOrigin(from string)
	Validate() error

	header() *Header
}

// Header is embedded in every packet.
type Header struct {
	T    MessageType `json:"t"`
	From string      `json:"from,omitempty"`
}

func (h *Header) Origin() string        { return h.From }
func (h *Header) SetOrigin(from string) { h.From = from }
func (h *Header) header() *Header       { return h }

// Stamp sets the discriminator of p from its Go type.
func Stamp(p Packet) Packet {
	p.header().T = p.Type()
	return p
}

// New returns an empty packet for t.
func New(t MessageType) (Packet, error) {
	var p Packet
	switch t {
	case TypeHandshake:
		p = &Handshake{}
	case TypeSpawnEntity:
		p = &SpawnEntity{}
	case TypeDeleteEntity:
		p = &DeleteEntity{}
	case TypeReparentEntity:
		p = &ReparentEntity{}
	case TypeRenameEntity:
		p = &RenameEntity{}
	case TypeSetValue:
		p = &SetValue{}
	case TypeRequestAuthority:
		p = &RequestExclusiveAuthority{}
	case TypeRelinquishAuthority:
		p = &RelinquishExclusiveAuthority{}
	case TypeAnnounceAuthority:
		p = &AnnounceExclusiveAuthority{}
	case TypeReportTransforms:
		p = &ReportEntityTransforms{}
	case TypeCustomMessage:
		p = &CustomMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPacket, t)
	}
	return Stamp(p), nil
}

func invalid(t MessageType, field string) error {
	return fmt.Errorf("%w: %s: missing %s", ErrInvalidPacket, t, field)
}

// Handshake opens a session. Observers send it first; the authoritative
// process answers with the assigned connection id and the scene snapshot.
type Handshake struct {
	Header
	Version      uint32             `json:"version"`
	ConnectionID string             `json:"connection_id,omitempty"`
	Nickname     string             `json:"nickname,omitempty"`
	PlayerID     string             `json:"player_id,omitempty"`
	Snapshot     []scene.Definition `json:"snapshot,omitempty"`
}

func (*Handshake) Type() MessageType { return TypeHandshake }
func (*Handshake) Validate() error   { return nil }

type SpawnEntity struct {
	Header
	Definition scene.Definition `json:"definition"`
	ParentRef  scene.Ref        `json:"parent"`
}

func (*SpawnEntity) Type() MessageType { return TypeSpawnEntity }

func (p *SpawnEntity) Validate() error {
	switch {
	case p.Definition.Ref == "":
		return invalid(p.Type(), "definition.ref")
	case p.Definition.Name == "":
		return invalid(p.Type(), "definition.name")
	case p.ParentRef == "":
		return invalid(p.Type(), "parent")
	}
	return missingChildRef(p.Type(), p.Definition, "definition")
}

// missingChildRef requires every entity and behavior of a replicated subtree
// to carry its ref, otherwise processes would assign different ones.
func missingChildRef(t MessageType, def scene.Definition, path string) error {
	for i, b := range def.Behaviors {
		if b.Ref == "" {
			return invalid(t, fmt.Sprintf("%s.behaviors[%d].ref", path, i))
		}
	}
	for i, c := range def.Children {
		at := fmt.Sprintf("%s.children[%d]", path, i)
		if c.Ref == "" {
			return invalid(t, at+".ref")
		}
		if err := missingChildRef(t, c, at); err != nil {
			return err
		}
	}
	return nil
}

type DeleteEntity struct {
	Header
	EntityRef scene.Ref `json:"entity"`
}

func (*DeleteEntity) Type() MessageType { return TypeDeleteEntity }

func (p *DeleteEntity) Validate() error {
	if p.EntityRef == "" {
		return invalid(p.Type(), "entity")
	}
	return nil
}

// ReparentEntity applies only if the entity's parent is still OldParentRef.
type ReparentEntity struct {
	Header
	EntityRef    scene.Ref `json:"entity"`
	OldParentRef scene.Ref `json:"old_parent"`
	NewParentRef scene.Ref `json:"new_parent"`
	KeepGlobal   bool      `json:"keep_global,omitempty"`
}

func (*ReparentEntity) Type() MessageType { return TypeReparentEntity }

func (p *ReparentEntity) Validate() error {
	switch {
	case p.EntityRef == "":
		return invalid(p.Type(), "entity")
	case p.OldParentRef == "":
		return invalid(p.Type(), "old_parent")
	case p.NewParentRef == "":
		return invalid(p.Type(), "new_parent")
	}
	return nil
}

// RenameEntity applies only if the entity is still named OldName.
type RenameEntity struct {
	Header
	EntityRef scene.Ref `json:"entity"`
	OldName   string    `json:"old_name"`
	NewName   string    `json:"new_name"`
}

func (*RenameEntity) Type() MessageType { return TypeRenameEntity }

func (p *RenameEntity) Validate() error {
	switch {
	case p.EntityRef == "":
		return invalid(p.Type(), "entity")
	case p.OldName == "":
		return invalid(p.Type(), "old_name")
	case p.NewName == "":
		return invalid(p.Type(), "new_name")
	}
	return nil
}

type SetValue struct {
	Header
	Identifier string `json:"id"`
	Generation uint64 `json:"generation"`
	Value      any    `json:"value"`
}

func (*SetValue) Type() MessageType { return TypeSetValue }

func (p *SetValue) Validate() error {
	if p.Identifier == "" {
		return invalid(p.Type(), "id")
	}
	switch p.Value.(type) {
	case nil, bool, float64, string:
		return nil
	default:
		return fmt.Errorf("%w: set_value: %T is not a primitive", ErrInvalidPacket, p.Value)
	}
}

type RequestExclusiveAuthority struct {
	Header
	EntityRef scene.Ref `json:"entity"`
	Clock     uint64    `json:"clock"`
}

func (*RequestExclusiveAuthority) Type() MessageType { return TypeRequestAuthority }

func (p *RequestExclusiveAuthority) Validate() error {
	if p.EntityRef == "" {
		return invalid(p.Type(), "entity")
	}
	return nil
}

type RelinquishExclusiveAuthority struct {
	Header
	EntityRef scene.Ref `json:"entity"`
}

func (*RelinquishExclusiveAuthority) Type() MessageType { return TypeRelinquishAuthority }

func (p *RelinquishExclusiveAuthority) Validate() error {
	if p.EntityRef == "" {
		return invalid(p.Type(), "entity")
	}
	return nil
}

// AnnounceExclusiveAuthority publishes the arbitration result. An empty
// Holder means the entity is free.
type AnnounceExclusiveAuthority struct {
	Header
	EntityRef scene.Ref `json:"entity"`
	Holder    string    `json:"holder"`
	Clock     uint64    `json:"clock"`
}

func (*AnnounceExclusiveAuthority) Type() MessageType { return TypeAnnounceAuthority }

func (p *AnnounceExclusiveAuthority) Validate() error {
	if p.EntityRef == "" {
		return invalid(p.Type(), "entity")
	}
	return nil
}

// TransformReport carries the absolute local transform of one entity.
type TransformReport struct {
	EntityRef scene.Ref    `json:"entity"`
	Position  physics.Vec2 `json:"position"`
	Rotation  float64      `json:"rotation"`
	Scale     physics.Vec2 `json:"scale"`
}

func (r TransformReport) Transform() physics.Transform {
	return physics.Transform{Position: r.Position, Rotation: r.Rotation, Scale: r.Scale}
}

func NewTransformReport(ref scene.Ref, t physics.Transform) TransformReport {
	return TransformReport{EntityRef: ref, Position: t.Position, Rotation: t.Rotation, Scale: t.Scale}
}

type ReportEntityTransforms struct {
	Header
	Reports []TransformReport `json:"reports"`
}

func (*ReportEntityTransforms) Type() MessageType { return TypeReportTransforms }

func (p *ReportEntityTransforms) Validate() error {
	for i, r := range p.Reports {
		if r.EntityRef == "" {
			return invalid(p.Type(), fmt.Sprintf("reports[%d].entity", i))
		}
	}
	return nil
}

// CustomMessage is relayed untouched to every other peer.
type CustomMessage struct {
	Header
	Channel string `json:"channel"`
	Payload []byte `json:"payload,omitempty"`
}

func (*CustomMessage) Type() MessageType { return TypeCustomMessage }

func (p *CustomMessage) Validate() error {
	if p.Channel == "" {
		return invalid(p.Type(), "channel")
	}
	return nil
}
