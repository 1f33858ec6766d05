package routing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arqonbus/arqonbus/internal/protocol"
)

// fakePeer collects sent envelopes.
type fakePeer struct {
	mu   sync.Mutex
	sent []*protocol.Envelope
	fail bool
}

func (p *fakePeer) SendEnvelope(e *protocol.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return assert.AnError
	}
	p.sent = append(p.sent, e)
	return nil
}

func (p *fakePeer) received() []*protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*protocol.Envelope(nil), p.sent...)
}

type fixture struct {
	registry *ClientRegistry
	topology *Topology
	router   *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := NewClientRegistry(nil, nil)
	topo := NewTopology(nil)
	topo.EnsureDefaults()
	return &fixture{
		registry: reg,
		topology: topo,
		router:   NewRouter(reg, topo, nil, nil),
	}
}

func (f *fixture) connect(t *testing.T, room, channel string) (*ClientInfo, *fakePeer) {
	t.Helper()
	peer := &fakePeer{}
	info := f.registry.Register(peer, room, channel, nil)
	if room != "" && channel != "" {
		if _, ok := f.topology.Channel(room, channel); !ok {
			_, err := f.topology.CreateChannel(room, channel, "")
			require.NoError(t, err)
		}
		ch, _ := f.topology.Channel(room, channel)
		ch.AddMember(info.ClientID)
	}
	return info, peer
}

func TestRegistryMembership(t *testing.T) {
	f := newFixture(t)
	info, _ := f.connect(t, "lobby", "general")

	got, ok := f.registry.Get(info.ClientID)
	require.True(t, ok)
	assert.Equal(t, "lobby", got.Room)
	assert.Len(t, f.registry.ClientsIn("lobby", "general"), 1)

	require.NoError(t, f.registry.Join(info.ClientID, "ops", "alerts"))
	assert.Len(t, f.registry.ClientsIn("ops", "alerts"), 1)
	assert.Len(t, f.registry.ClientsIn("lobby", "general"), 1, "join adds a subscription, does not move")

	f.registry.Leave(info.ClientID, "lobby", "general")
	assert.Empty(t, f.registry.ClientsIn("lobby", "general"))

	f.registry.Unregister(info.ClientID)
	assert.Empty(t, f.registry.ClientsIn("ops", "alerts"))
	assert.Equal(t, 0, f.registry.Count())
}

func TestRouteToRoomChannel(t *testing.T) {
	f := newFixture(t)
	sender, senderPeer := f.connect(t, "lobby", "general")
	_, receiverPeer := f.connect(t, "lobby", "general")
	_, outsiderPeer := f.connect(t, "ops", "alerts")

	msg := protocol.NewMessage("lobby", "general", map[string]interface{}{"text": "hello"})
	msg.Sender = sender.ClientID

	sent, err := f.router.Route(msg, sender.ClientID)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Len(t, receiverPeer.received(), 1)
	assert.Empty(t, senderPeer.received(), "sender is excluded")
	assert.Empty(t, outsiderPeer.received())
}

func TestRouteToRoomFansOutAcrossChannels(t *testing.T) {
	f := newFixture(t)
	sender, _ := f.connect(t, "lobby", "general")
	_, generalPeer := f.connect(t, "lobby", "general")
	_, randomPeer := f.connect(t, "lobby", "random")

	msg := protocol.NewMessage("lobby", "", map[string]interface{}{"text": "room-wide"})
	sent, err := f.router.Route(msg, sender.ClientID)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Len(t, generalPeer.received(), 1)
	assert.Len(t, randomPeer.received(), 1)
}

func TestRouteGlobal(t *testing.T) {
	f := newFixture(t)
	sender, _ := f.connect(t, "lobby", "general")
	_, a := f.connect(t, "lobby", "general")
	_, b := f.connect(t, "ops", "alerts")

	msg := protocol.NewMessage("", "", map[string]interface{}{"text": "everyone"})
	sent, err := f.router.Route(msg, sender.ClientID)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Len(t, a.received(), 1)
	assert.Len(t, b.received(), 1)
}

func TestRouteDirectPrecedence(t *testing.T) {
	f := newFixture(t)
	sender, _ := f.connect(t, "lobby", "general")
	target, targetPeer := f.connect(t, "lobby", "general")
	_, bystanderPeer := f.connect(t, "lobby", "general")

	msg := protocol.NewMessage("lobby", "general", map[string]interface{}{"text": "for you"})
	msg.ToClient = target.ClientID

	sent, err := f.router.Route(msg, sender.ClientID)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Len(t, targetPeer.received(), 1)
	assert.Empty(t, bystanderPeer.received(), "to_client beats room/channel")
}

func TestRouteUnknownRoomFails(t *testing.T) {
	f := newFixture(t)
	sender, senderPeer := f.connect(t, "lobby", "general")

	msg := protocol.NewMessage("nowhere", "general", nil)
	msg.Sender = sender.ClientID
	_, err := f.router.Route(msg, sender.ClientID)
	require.ErrorIs(t, err, ErrRouting)

	require.True(t, f.router.RouteError(msg, "ROUTING_ERROR", err.Error()))
	got := senderPeer.received()
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeError, got[0].Type)
	assert.Equal(t, msg.ID, got[0].RequestID)
	assert.Equal(t, SystemSender, got[0].Sender)
}

func TestRouterHealthDegradesOnErrors(t *testing.T) {
	f := newFixture(t)
	sender, _ := f.connect(t, "lobby", "general")

	for i := 0; i < 19; i++ {
		msg := protocol.NewMessage("lobby", "general", nil)
		_, err := f.router.Route(msg, sender.ClientID)
		require.NoError(t, err)
	}
	assert.Equal(t, "healthy", f.router.Health()["status"])

	for i := 0; i < 2; i++ {
		bad := protocol.NewMessage("missing-room", "x", nil)
		_, err := f.router.Route(bad, sender.ClientID)
		require.Error(t, err)
	}
	assert.Equal(t, "degraded", f.router.Health()["status"])
}

func TestTopologyLifecycle(t *testing.T) {
	topo := NewTopology(nil)

	ch, err := topo.CreateChannel("lobby", "general", "main")
	require.NoError(t, err)
	assert.Equal(t, "lobby", ch.Room)

	_, err = topo.CreateChannel("lobby", "general", "")
	assert.ErrorIs(t, err, ErrChannelExists)

	_, err = topo.CreateChannel("lobby", "random", "")
	require.NoError(t, err)

	listed := topo.ListChannels("lobby")
	assert.ElementsMatch(t, []string{"general", "random"}, listed["lobby"])

	require.NoError(t, topo.DeleteChannel("lobby", "random"))
	assert.ErrorIs(t, topo.DeleteChannel("lobby", "random"), ErrChannelNotFound)

	require.NoError(t, topo.DeleteChannel("lobby", "general"))
	assert.False(t, topo.RoomExists("lobby"), "room goes with its last channel")
	assert.ErrorIs(t, topo.DeleteChannel("lobby", "general"), ErrRoomNotFound)
}

func TestChannelMembershipAndStats(t *testing.T) {
	ch := newChannel("lobby", "general", "")
	ch.AddMember("c1")
	ch.AddMember("c2")
	assert.True(t, ch.HasMember("c1"))
	assert.Equal(t, 2, ch.MemberCount())

	assert.True(t, ch.RemoveMember("c1"))
	assert.False(t, ch.RemoveMember("c1"))

	ch.RecordMessage()
	ch.RecordMessage()
	stats := ch.Stats()
	assert.Equal(t, int64(2), stats["total_messages"])
	assert.Greater(t, ch.MessageRate(time.Hour), 0.0)
}
