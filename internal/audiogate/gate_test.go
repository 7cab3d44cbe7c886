package audiogate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/fancall/internal/call"
	"github.com/antoniostano/fancall/internal/rtc"
)

type flagSink struct{ values []bool }

func (f *flagSink) SetAudioPermitted(v bool) { f.values = append(f.values, v) }

func TestGateBlockedUntilStatusChanged(t *testing.T) {
	s := rtc.NewMockSession("room-1", "me")
	s.StartAudioFunc = func(context.Context) error { return nil }
	sink := &flagSink{}
	g := New(sink, Options{})
	g.Attach(s)
	defer g.Release()

	assert.False(t, g.Permitted())
	require.NoError(t, g.Enable(context.Background()))
	assert.False(t, g.Permitted(), "gate must wait for the status event")

	s.SetCanPlaybackAudio(true)
	assert.True(t, g.Permitted())
	assert.Equal(t, []bool{false, true}, sink.values)
}

func TestGateFollowsMachine(t *testing.T) {
	m := call.NewMachine()
	require.NoError(t, m.BeginTokenRequest())
	require.NoError(t, m.TokenReceived())
	require.NoError(t, m.Connected())

	s := rtc.NewMockSession("room-1", "me")
	g := New(m, Options{})
	g.Attach(s)
	assert.False(t, m.Snapshot().Ready())

	require.NoError(t, g.Enable(context.Background()))
	assert.True(t, g.Permitted())
	assert.True(t, m.Snapshot().Ready())
	assert.Equal(t, 1, s.StartAudioCalls())
}

func TestGateAlreadyPermitted(t *testing.T) {
	s := rtc.NewMockSession("room-1", "me")
	s.SetCanPlaybackAudio(true)
	g := New(nil, Options{})
	g.Attach(s)
	assert.True(t, g.Permitted())
}

func TestGateEnableFailure(t *testing.T) {
	s := rtc.NewMockSession("room-1", "me")
	s.StartAudioFunc = func(context.Context) error { return errors.New("no gesture") }
	g := New(nil, Options{})
	g.Attach(s)

	err := g.Enable(context.Background())
	require.Error(t, err)
	assert.True(t, call.IsKind(err, call.KindAudioPermissionDenied))
	assert.False(t, g.Permitted())
}

func TestGateEnableWithoutSession(t *testing.T) {
	g := New(nil, Options{})
	require.ErrorIs(t, g.Enable(context.Background()), ErrNotAttached)
}

func TestGateReleaseUnsubscribes(t *testing.T) {
	s := rtc.NewMockSession("room-1", "me")
	g := New(nil, Options{})
	g.Attach(s)
	require.Equal(t, 1, s.Subscribers())

	g.Release()
	g.Release()
	assert.Equal(t, 0, s.Subscribers())

	s.SetCanPlaybackAudio(true)
	assert.False(t, g.Permitted())
}

func TestGateReattachReleasesPrevious(t *testing.T) {
	first := rtc.NewMockSession("room-1", "me")
	second := rtc.NewMockSession("room-2", "me")
	g := New(nil, Options{})
	g.Attach(first)
	g.Attach(second)
	defer g.Release()

	assert.Equal(t, 0, first.Subscribers())
	assert.Equal(t, 1, second.Subscribers())
}
