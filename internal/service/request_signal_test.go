package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestSignal_FirstEventWins(t *testing.T) {
	signal := NewRequestSignal()

	var events []SignalEvent
	signal.Subscribe(func(e SignalEvent) { events = append(events, e) })

	signal.Fire(SignalResponseFinish)
	signal.Fire(SignalRequestClose) // 迟到事件被忽略

	assert.Equal(t, SignalResponseFinish, signal.Event())
	assert.Equal(t, []SignalEvent{SignalResponseFinish}, events)

	select {
	case <-signal.Done():
	default:
		t.Fatal("done channel must be closed after first event")
	}
}

func TestRequestSignal_LateSubscriberNotified(t *testing.T) {
	signal := NewRequestSignal()
	signal.Fire(SignalResponseError)

	fired := false
	signal.Subscribe(func(e SignalEvent) {
		fired = true
		assert.Equal(t, SignalResponseError, e)
	})
	assert.True(t, fired)
}

func TestRequestSignal_CancelRemovesListener(t *testing.T) {
	signal := NewRequestSignal()

	called := false
	cancel := signal.Subscribe(func(SignalEvent) { called = true })
	cancel()
	signal.Fire(SignalRequestClose)
	assert.False(t, called)
}

func TestRequestSignal_BindContext(t *testing.T) {
	signal := NewRequestSignal()
	ctx, cancel := context.WithCancel(context.Background())
	stop := signal.BindContext(ctx)
	defer stop()

	cancel()
	select {
	case <-signal.Done():
		assert.Equal(t, SignalRequestClose, signal.Event())
	case <-time.After(time.Second):
		t.Fatal("context cancellation did not fire the signal")
	}
}

func TestRequestSignal_NilReceiverBlocksForever(t *testing.T) {
	var signal *RequestSignal
	require.Nil(t, signal.Done())
	assert.Equal(t, SignalEvent(""), signal.Event())
	signal.Fire(SignalRequestClose) // no-op，不能 panic
}

func TestSignalEvent_IsClientDisconnect(t *testing.T) {
	assert.True(t, SignalRequestClose.IsClientDisconnect())
	assert.True(t, SignalRequestAborted.IsClientDisconnect())
	assert.True(t, SignalResponseClose.IsClientDisconnect())
	assert.False(t, SignalResponseFinish.IsClientDisconnect())
	assert.False(t, SignalResponseError.IsClientDisconnect())
}
