package codec

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/scenesync/internal/core/protocol"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/core/systems/physics"
)

func tr(x, y, rot, sx, sy float64) *physics.Transform {
	return &physics.Transform{Position: physics.V(x, y), Rotation: rot, Scale: physics.V(sx, sy)}
}

func withOrigin(p protocol.Packet, from string) protocol.Packet {
	p.SetOrigin(from)
	return protocol.Stamp(p)
}

func samplePackets() map[string]protocol.Packet {
	return map[string]protocol.Packet{
		"handshake": withOrigin(&protocol.Handshake{
			Version:      protocol.Version,
			ConnectionID: "c1",
			Nickname:     "alice",
			PlayerID:     "p-7",
			Snapshot: []scene.Definition{{
				Ref:            "e1",
				Type:           "entity",
				Name:           "crate",
				Transform:      tr(1, 2, 0.5, 1, 1),
				Authority:      "c1",
				AuthorityClock: 4,
				Values:         map[string]any{"hp": 3.0, "label": "box", "open": true},
				Generations:    map[string]uint64{"hp": 2},
				Children: []scene.Definition{{
					Ref:       "e2",
					Type:      "entity",
					Name:      "lid",
					Transform: tr(0, 1, 0, 1, 1),
				}},
			}},
		}, protocol.ServerID),
		"spawn_entity": withOrigin(&protocol.SpawnEntity{
			Definition: scene.Definition{
				Ref:       "e1",
				Type:      "entity",
				Name:      "crate",
				Transform: tr(1, 2, 0, 1, 1),
				Body:      true,
				Behaviors: []scene.BehaviorDefinition{{Ref: "b1", Type: "spin", Values: map[string]any{"speed": 2.5}}},
			},
			ParentRef: scene.RootRef,
		}, "c1"),
		"delete_entity":   withOrigin(&protocol.DeleteEntity{EntityRef: "e1"}, "c1"),
		"reparent_entity": withOrigin(&protocol.ReparentEntity{EntityRef: "e2", OldParentRef: "e1", NewParentRef: scene.RootRef, KeepGlobal: true}, "c2"),
		"rename_entity":   withOrigin(&protocol.RenameEntity{EntityRef: "e2", OldName: "lid", NewName: "top"}, "c2"),
		"set_value":       withOrigin(&protocol.SetValue{Identifier: "e1:hp", Generation: 9, Value: 2.0}, "c1"),
		"set_value_nil":   withOrigin(&protocol.SetValue{Identifier: "e1:label", Generation: 1, Value: nil}, "c1"),
		"request_authority": withOrigin(&protocol.RequestExclusiveAuthority{
			EntityRef: "e1",
			Clock:     5,
		}, "c2"),
		"relinquish_authority": withOrigin(&protocol.RelinquishExclusiveAuthority{EntityRef: "e1"}, "c2"),
		"announce_authority":   withOrigin(&protocol.AnnounceExclusiveAuthority{EntityRef: "e1", Holder: "c2", Clock: 5}, protocol.ServerID),
		"report_transforms": withOrigin(&protocol.ReportEntityTransforms{Reports: []protocol.TransformReport{
			protocol.NewTransformReport("e1", *tr(-4, 0.5, 1.5, 2, 1)),
			protocol.NewTransformReport("e2", *tr(0, 0, 0, 1, 1)),
		}}, "c2"),
		"custom_message": withOrigin(&protocol.CustomMessage{Channel: "chat", Payload: []byte("hello")}, "c1"),
	}
}

func allCodecs(t *testing.T) []Codec {
	t.Helper()
	out := make([]Codec, 0, 3)
	for _, name := range []string{NameJSON, NameCBOR, NameCBORZstd} {
		c, err := Lookup(name)
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	for _, c := range allCodecs(t) {
		for name, p := range samplePackets() {
			t.Run(c.Name()+"/"+name, func(t *testing.T) {
				data, err := c.Encode(p)
				require.NoError(t, err)

				got, err := c.Decode(data)
				require.NoError(t, err)
				assert.Equal(t, p, got)
				assert.Equal(t, p.Type(), got.Type())
				assert.Equal(t, p.Origin(), got.Origin())
			})
		}
	}
}

func TestJSONGolden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)

	spawn := withOrigin(&protocol.SpawnEntity{
		Definition: scene.Definition{
			Ref:       "e1",
			Type:      "entity",
			Name:      "crate",
			Transform: tr(1, 2, 0, 1, 1),
			Values:    map[string]any{"hp": 3.0},
		},
		ParentRef: scene.RootRef,
	}, "c1")
	data, err := JSON{}.Encode(spawn)
	require.NoError(t, err)
	g.Assert(t, "spawn_entity", data)

	report := withOrigin(&protocol.ReportEntityTransforms{Reports: []protocol.TransformReport{
		protocol.NewTransformReport("e1", *tr(-4, 0.5, 1.5, 2, 1)),
	}}, "c2")
	data, err = JSON{}.Encode(report)
	require.NoError(t, err)
	g.Assert(t, "report_transforms", data)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		cause error
	}{
		{name: "malformed", frame: `{"t":`, cause: protocol.ErrDeserializationFailed},
		{name: "unknown tag", frame: `{"t":"teleport"}`, cause: protocol.ErrUnknownPacket},
		{name: "missing tag", frame: `{"entity":"e1"}`, cause: protocol.ErrUnknownPacket},
		{name: "wrong field type", frame: `{"t":"delete_entity","entity":7}`, cause: protocol.ErrDeserializationFailed},
		{name: "failed validation", frame: `{"t":"delete_entity"}`, cause: protocol.ErrInvalidPacket},
		{name: "non primitive value", frame: `{"t":"set_value","id":"e1:hp","generation":1,"value":{"a":1}}`, cause: protocol.ErrInvalidPacket},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := JSON{}.Decode([]byte(tt.frame))
			require.Error(t, err)
			assert.ErrorIs(t, err, protocol.ErrProtocolViolation)
			assert.ErrorIs(t, err, tt.cause)
			assert.Equal(t, protocol.ErrorCodeProtocolViolation, protocol.GetErrorCode(err))
		})
	}
}

func TestCompressedRejectsGarbage(t *testing.T) {
	c, err := NewCompressedCBOR()
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Decode([]byte("definitely not zstd"))
	assert.ErrorIs(t, err, protocol.ErrProtocolViolation)
}

func TestLookup(t *testing.T) {
	assert.Equal(t, []string{NameCBOR, NameCBORZstd, NameJSON}, Names())

	_, err := Lookup("msgpack")
	assert.ErrorIs(t, err, protocol.ErrUnknownCodec)

	c, err := Lookup(NameCBORZstd)
	require.NoError(t, err)
	assert.Equal(t, NameCBORZstd, c.Name())
}
