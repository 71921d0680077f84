package app

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/marketchat/internal/core"
	"github.com/dkeye/marketchat/internal/domain"
)

func TestRelay_SendMessageReachesJoinedConnections(t *testing.T) {
	h := newTestHub(t)
	room := h.directRoom(t, "u1", "u2")
	sender := h.connect(t, "u1", "a")
	senderTablet := h.connect(t, "u1", "b")
	peer := h.connect(t, "u2", "c")
	muted := h.connect(t, "u2", "d")
	conn, _ := h.reg.Lookup("d")
	conn.LeaveRoom(room.ID)

	d, err := h.relay.SendMessage("a", room.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, 2, d.SendTo)
	assert.Equal(t, "hello", d.Message.Content)
	assert.Equal(t, domain.IdentityID("u1"), d.Message.SenderID)
	assert.Equal(t, h.clk.Now().UnixMilli(), d.Message.Timestamp)
	assert.NotEmpty(t, d.Message.ID)

	got := peer.ofType(t, core.EvMessage)
	require.Len(t, got, 1)
	msg := decodeData[domain.Message](t, got[0])
	assert.Equal(t, d.Message.ID, msg.ID)
	assert.Equal(t, "name-u1", msg.SenderName)
	assert.Equal(t, room.ID, msg.RoomID)

	assert.Len(t, senderTablet.ofType(t, core.EvMessage), 1)
	assert.Empty(t, sender.ofType(t, core.EvMessage))
	assert.Empty(t, muted.ofType(t, core.EvMessage))
}

func TestRelay_SendMessageValidation(t *testing.T) {
	h := newTestHub(t)
	room := h.directRoom(t, "u1", "u2")
	other := h.directRoom(t, "u2", "u3")
	h.connect(t, "u1", "a")

	_, err := h.relay.SendMessage("a", room.ID, "   ")
	assert.ErrorIs(t, err, domain.ErrBadRequest)
	_, err = h.relay.SendMessage("a", room.ID, strings.Repeat("x", domain.MaxMessageLen+1))
	assert.ErrorIs(t, err, domain.ErrBadRequest)
	_, err = h.relay.SendMessage("a", other.ID, "hi")
	assert.ErrorIs(t, err, domain.ErrNotAMember)
	_, err = h.relay.SendMessage("a", "missing", "hi")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.relay.SendMessage("ghost", room.ID, "hi")
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
}

func TestRelay_OfflineMembersGetNothing(t *testing.T) {
	h := newTestHub(t)
	room := h.directRoom(t, "u1", "u2")
	h.connect(t, "u1", "a")

	d, err := h.relay.SendMessage("a", room.ID, "anyone?")
	require.NoError(t, err)
	assert.Zero(t, d.SendTo)
}

func TestRelay_TypingSuppressesRepeats(t *testing.T) {
	h := newTestHub(t)
	room := h.directRoom(t, "u1", "u2")
	h.connect(t, "u1", "a")
	peer := h.connect(t, "u2", "b")

	_, err := h.relay.SetTyping("a", room.ID, true)
	require.NoError(t, err)
	_, err = h.relay.SetTyping("a", room.ID, true)
	require.NoError(t, err)
	_, err = h.relay.SetTyping("a", room.ID, false)
	require.NoError(t, err)

	got := peer.ofType(t, core.EvTyping)
	require.Len(t, got, 2)
	first := decodeData[core.TypingData](t, got[0])
	assert.True(t, first.IsTyping)
	assert.Equal(t, domain.IdentityID("u1"), first.IdentityID)
	assert.Equal(t, "name-u1", first.Name)
	assert.False(t, decodeData[core.TypingData](t, got[1]).IsTyping)
}

func TestRelay_ForgetConnectionStopsTyping(t *testing.T) {
	h := newTestHub(t)
	room := h.directRoom(t, "u1", "u2")
	h.connect(t, "u1", "a")
	peer := h.connect(t, "u2", "b")

	_, err := h.relay.SetTyping("a", room.ID, true)
	require.NoError(t, err)

	dep, ok := h.reg.Unregister("a")
	require.True(t, ok)
	h.relay.ForgetConnection(dep.Conn)

	got := peer.ofType(t, core.EvTyping)
	require.Len(t, got, 2)
	assert.False(t, decodeData[core.TypingData](t, got[1]).IsTyping)
}

func TestRelay_MarkReadOncePerReader(t *testing.T) {
	h := newTestHub(t)
	room := h.directRoom(t, "u1", "u2")
	sender := h.connect(t, "u1", "a")
	h.connect(t, "u2", "b")

	d, err := h.relay.SendMessage("a", room.ID, "read me")
	require.NoError(t, err)

	res, err := h.relay.MarkRead("b", d.Message.ID, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SendTo)
	res, err = h.relay.MarkRead("b", d.Message.ID, room.ID)
	require.NoError(t, err)
	assert.Zero(t, res.SendTo)

	got := sender.ofType(t, core.EvMessageRead)
	require.Len(t, got, 1)
	data := decodeData[core.MessageReadData](t, got[0])
	assert.Equal(t, d.Message.ID, data.MessageID)
	assert.Equal(t, domain.IdentityID("u2"), data.IdentityID)
	assert.Equal(t, "name-u2", data.ReadBy)
	assert.Equal(t, room.ID, data.RoomID)
}
