package direction

import (
	"testing"

	"github.com/stretchr/testify/assert"

	mt "github.com/arzzra/sip_negotiation/pkg/media_types"
)

func TestSetDirection(t *testing.T) {
	tests := []struct {
		name        string
		state       State
		dir         mt.Direction
		mask        mt.PendingSend
		want        State
		wantChanged bool
	}{
		{
			name:        "new send waits for local client",
			state:       State{Direction: mt.DirectionReceive},
			dir:         mt.DirectionBidirectional,
			mask:        mt.PendingLocalSend,
			want:        State{Direction: mt.DirectionReceive, Pending: mt.PendingLocalSend},
			wantChanged: true,
		},
		{
			name:        "new send waits for remote side",
			state:       State{Direction: mt.DirectionReceive},
			dir:         mt.DirectionBidirectional,
			mask:        mt.PendingRemoteSend,
			want:        State{Direction: mt.DirectionBidirectional, PendingRemoteReceive: true},
			wantChanged: true,
		},
		{
			name:        "remote waits only when local does not",
			state:       State{Direction: mt.DirectionReceive, Pending: mt.PendingLocalSend},
			dir:         mt.DirectionBidirectional,
			mask:        mt.PendingAll,
			want:        State{Direction: mt.DirectionReceive, Pending: mt.PendingLocalSend},
			wantChanged: false,
		},
		{
			name:        "dropping send clears local wait",
			state:       State{Direction: mt.DirectionReceive, Pending: mt.PendingLocalSend},
			dir:         mt.DirectionReceive,
			mask:        mt.PendingAll,
			want:        State{Direction: mt.DirectionReceive},
			wantChanged: true,
		},
		{
			name:        "new receive waits for remote send",
			state:       State{Direction: mt.DirectionSend},
			dir:         mt.DirectionBidirectional,
			mask:        mt.PendingRemoteSend,
			want:        State{Direction: mt.DirectionBidirectional, Pending: mt.PendingRemoteSend},
			wantChanged: true,
		},
		{
			name:        "dropping receive clears remote wait",
			state:       State{Direction: mt.DirectionBidirectional, Pending: mt.PendingRemoteSend},
			dir:         mt.DirectionSend,
			mask:        mt.PendingAll,
			want:        State{Direction: mt.DirectionSend},
			wantChanged: true,
		},
		{
			name:        "flags outside mask are cleared",
			state:       State{Direction: mt.DirectionBidirectional, Pending: mt.PendingRemoteSend},
			dir:         mt.DirectionBidirectional,
			mask:        mt.PendingLocalSend,
			want:        State{Direction: mt.DirectionBidirectional},
			wantChanged: true,
		},
		{
			name:        "repeated apply is a no-op",
			state:       State{Direction: mt.DirectionBidirectional},
			dir:         mt.DirectionBidirectional,
			mask:        mt.PendingAll,
			want:        State{Direction: mt.DirectionBidirectional},
			wantChanged: false,
		},
		{
			name:        "without mask direction applies at once",
			state:       State{Direction: mt.DirectionNone},
			dir:         mt.DirectionBidirectional,
			mask:        mt.PendingNone,
			want:        State{Direction: mt.DirectionBidirectional},
			wantChanged: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := SetDirection(tt.state, tt.dir, tt.mask)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantChanged, changed)
		})
	}
}

func TestApplyPending(t *testing.T) {
	t.Run("local confirmation enables send", func(t *testing.T) {
		s := State{Direction: mt.DirectionReceive, Pending: mt.PendingLocalSend}
		got, changed := ApplyPending(s, mt.PendingLocalSend)
		assert.True(t, changed)
		assert.Equal(t, State{Direction: mt.DirectionBidirectional}, got)
	})

	t.Run("remote confirmation unblocks send", func(t *testing.T) {
		s := State{Direction: mt.DirectionBidirectional, PendingRemoteReceive: true}
		got, changed := ApplyPending(s, mt.PendingRemoteSend)
		assert.False(t, changed, "флаги не менялись")
		assert.False(t, got.PendingRemoteReceive)
	})

	t.Run("flags outside mask are kept", func(t *testing.T) {
		s := State{Direction: mt.DirectionReceive, Pending: mt.PendingAll}
		got, changed := ApplyPending(s, mt.PendingRemoteSend)
		assert.True(t, changed)
		assert.Equal(t, mt.PendingLocalSend, got.Pending)
		assert.Equal(t, mt.DirectionReceive, got.Direction)
	})
}

func TestSending(t *testing.T) {
	assert.True(t, Sending(State{Direction: mt.DirectionSend}, true))
	assert.False(t, Sending(State{Direction: mt.DirectionSend}, false), "сессия не принята")
	assert.False(t, Sending(State{Direction: mt.DirectionReceive}, true))
	assert.False(t, Sending(State{Direction: mt.DirectionSend, PendingRemoteReceive: true}, true))
	assert.False(t, Sending(State{Direction: mt.DirectionSend, Pending: mt.PendingLocalSend}, true))
}

func TestRequested(t *testing.T) {
	s := State{Direction: mt.DirectionReceive, Pending: mt.PendingLocalSend}
	assert.Equal(t, mt.DirectionBidirectional, s.Requested())
	assert.Equal(t, mt.DirectionReceive, State{Direction: mt.DirectionReceive}.Requested())
}
