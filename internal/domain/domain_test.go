package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoom(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r, err := NewRoom("r1", "", []IdentityID{"b", "a", "b", ""}, true, now)
	require.NoError(t, err)
	assert.Equal(t, []IdentityID{"a", "b"}, r.Members)
	assert.Equal(t, now, r.CreatedAt)
	assert.True(t, r.HasMember("a"))
	assert.False(t, r.HasMember("c"))
	assert.Equal(t, []IdentityID{"b"}, r.Others("a"))

	_, err = NewRoom("r2", "", []IdentityID{"a", "a"}, false, now)
	assert.ErrorIs(t, err, ErrInvalidMembership)

	_, err = NewRoom("r3", "", []IdentityID{"a", "b", "c"}, true, now)
	assert.ErrorIs(t, err, ErrInvalidMembership)
}

func TestRoomClone(t *testing.T) {
	r, err := NewRoom("r1", "team", []IdentityID{"a", "b", "c"}, false, time.Now())
	require.NoError(t, err)
	c := r.Clone()
	c.Members[0] = "z"
	assert.Equal(t, IdentityID("a"), r.Members[0])
}

func TestDirectKeyIsOrderIndependent(t *testing.T) {
	assert.Equal(t, DirectKey("a", "b"), DirectKey("b", "a"))
	assert.NotEqual(t, DirectKey("a", "bc"), DirectKey("ab", "c"))
}

func TestErrorsMatchByCode(t *testing.T) {
	err := fmt.Errorf("accept: %w", Errorf(ErrInvalidState, "call is %s", CallActive))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.NotErrorIs(t, err, ErrNoActiveCall)
	assert.Equal(t, CodeInvalidState, CodeOf(err))
	assert.Equal(t, "accept: call is active", err.Error())

	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
}

func TestNewIdentity(t *testing.T) {
	id, err := NewIdentity(" u1 ", "Ann", "", RoleSeller)
	require.NoError(t, err)
	assert.Equal(t, IdentityID("u1"), id.ID)

	_, err = NewIdentity("", "Ann", "", RoleSeller)
	assert.ErrorIs(t, err, ErrIdentityIDEmpty)
	_, err = NewIdentity("u1", "Ann", "", Role("root"))
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestCallStateTerminal(t *testing.T) {
	for _, s := range []CallState{CallEnded, CallRejected, CallTimedOut, CallFailed} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []CallState{CallIdle, CallRinging, CallActive} {
		assert.False(t, s.Terminal(), s)
	}
	assert.True(t, SignalICECandidate.Valid())
	assert.False(t, SignalKind("renegotiate").Valid())
}

func TestNewMessageIDsSortByTime(t *testing.T) {
	sender := &Identity{ID: "u1", Name: "Ann"}
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewMessage("r1", sender, "first", t0)
	b := NewMessage("r1", sender, "second", t0.Add(time.Millisecond))
	assert.Less(t, string(a.ID), string(b.ID))
	assert.Equal(t, t0.UnixMilli(), a.Timestamp)
	assert.Equal(t, "Ann", a.SenderName)
}
