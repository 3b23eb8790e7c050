package replication

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/protocol"
	"github.com/zeusync/scenesync/internal/core/protocol/codec"
	"github.com/zeusync/scenesync/internal/core/scene"
)

// cluster connects one authoritative session and any number of observers
// through an in-order queue of encoded frames.
type cluster struct {
	t         *testing.T
	codec     codec.Codec
	registry  func(*scene.Registry)
	queue     []envelope
	nodes     map[string]*node
	delivered []delivery
	errs      []error
}

type envelope struct {
	from, to string
	frame    []byte
}

type delivery struct {
	from, to string
	packet   protocol.Packet
}

type node struct {
	id      string
	tree    *scene.Tree
	session *Session
}

func newCluster(t *testing.T, opts ...Option) *cluster {
	t.Helper()
	c := &cluster{t: t, codec: codec.JSON{}, nodes: make(map[string]*node)}
	c.add(protocol.ServerID, RoleAuthority, opts...)
	return c
}

func (c *cluster) newTree() *scene.Tree {
	reg := scene.NewRegistry()
	if c.registry != nil {
		c.registry(reg)
	}
	return scene.NewTree(reg, scene.WithLogger(log.Nop()))
}

func (c *cluster) add(id string, role Role, opts ...Option) *node {
	tree := c.newTree()
	out := OutboundFunc(func(to string, p protocol.Packet) {
		frame, err := c.codec.Encode(p)
		require.NoError(c.t, err)
		c.queue = append(c.queue, envelope{from: id, to: to, frame: frame})
	})
	opts = append([]Option{WithLogger(log.Nop())}, opts...)
	n := &node{id: id, tree: tree, session: New(tree, out, role, opts...)}
	c.nodes[id] = n
	return n
}

func (c *cluster) server() *node { return c.nodes[protocol.ServerID] }

// join connects an observer under the connection id id and completes its
// handshake.
func (c *cluster) join(id string) *node {
	n := c.add(id, RoleObserver, WithIdentity(id+"-nick", id+"-player"))
	c.server().session.Connect(id)
	n.session.Start()
	c.pump()
	require.True(c.t, n.session.Ready())
	return n
}

// pump delivers queued frames until the network is quiet and returns how many
// frames were delivered.
func (c *cluster) pump() int {
	count := 0
	for len(c.queue) > 0 {
		env := c.queue[0]
		c.queue = c.queue[1:]
		count++
		require.Less(c.t, count, 10000, "replication does not converge")

		p, err := c.codec.Decode(env.frame)
		require.NoError(c.t, err)
		c.delivered = append(c.delivered, delivery{from: env.from, to: env.to, packet: p})

		target, ok := c.nodes[env.to]
		require.True(c.t, ok, "no node %q", env.to)
		if err := target.session.Handle(env.from, p); err != nil {
			c.errs = append(c.errs, err)
		}
	}
	return count
}

// received returns the packets of type t delivered to node id.
func (c *cluster) received(id string, t protocol.MessageType) []protocol.Packet {
	var out []protocol.Packet
	for _, d := range c.delivered {
		if d.to == id && d.packet.Type() == t {
			out = append(out, d.packet)
		}
	}
	return out
}

func (c *cluster) reset() {
	c.delivered = nil
	c.errs = nil
}

func (n *node) lookup(t *testing.T, ref scene.Ref) *scene.Entity {
	t.Helper()
	e, ok := n.tree.Lookup(ref)
	require.True(t, ok, "%s: no entity %s", n.id, ref)
	return e
}
