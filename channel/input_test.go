package channel_test

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanterhall/httpengine/channel"
)

func TestInput_BlockingReadReturnsQueuedContent(t *testing.T) {
	in := channel.NewInput(nil, channel.InputHooks{})

	var succeeded bool
	in.AddContent(channel.NewContent([]byte("hello"), func(err error) {
		succeeded = err == nil
	}))

	buf := make([]byte, 5)
	n, err := in.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))
	assert.True(t, succeeded)
}

func TestInput_ReadBlocksUntilContentArrives(t *testing.T) {
	in := channel.NewInput(nil, channel.InputHooks{})

	done := make(chan struct{})
	var n int
	var err error
	go func() {
		buf := make([]byte, 3)
		n, err = in.Read(buf)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Read returned before content was available")
	case <-time.After(20 * time.Millisecond):
	}

	in.AddContent(channel.NewContent([]byte("abc"), func(error) {}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Read never unblocked after AddContent")
	}
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestInput_EOFAfterContentDrained(t *testing.T) {
	in := channel.NewInput(nil, channel.InputHooks{})
	in.AddContent(channel.NewContent([]byte("hi"), func(error) {}))
	in.SetEOF()

	buf := make([]byte, 2)
	n, err := in.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = in.Read(buf)
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, channel.EOFState, in.State())
}

func TestInput_EarlyEOFSurfacesAsError(t *testing.T) {
	in := channel.NewInput(nil, channel.InputHooks{})
	in.SetEarlyEOF()

	buf := make([]byte, 1)
	n, err := in.Read(buf)
	assert.Equal(t, 0, n)
	assert.Error(t, err)
	assert.Equal(t, channel.EarlyEOFState, in.State())
}

func TestInput_AddContentAfterTerminalStateFails(t *testing.T) {
	in := channel.NewInput(nil, channel.InputHooks{})
	in.SetEOF()

	var failErr error
	in.AddContent(channel.NewContent([]byte("late"), func(err error) {
		failErr = err
	}))
	assert.Error(t, failErr)
}

func TestInput_SetReadListenerDeliversOnAllDataReadAfterEOF(t *testing.T) {
	in := channel.NewInput(nil, channel.InputHooks{})
	in.SetEOF()

	var gotAllRead bool
	in.SetReadListener(recordingReadListener{
		onAllDataRead: func() { gotAllRead = true },
	})
	assert.True(t, gotAllRead)
}

func TestInput_SetReadListenerRegistersInterestWhenNoDataYet(t *testing.T) {
	var registered bool
	in := channel.NewInput(nil, channel.InputHooks{
		RegisterReadInterest: func() { registered = true },
	})
	in.SetReadListener(recordingReadListener{})
	assert.True(t, registered)
}

func TestInput_RunDeliversOnDataAvailableThenOnAllDataRead(t *testing.T) {
	in := channel.NewInput(nil, channel.InputHooks{})

	var dataAvailable, allRead int
	in.SetReadListener(recordingReadListener{
		onDataAvailable: func() { dataAvailable++ },
		onAllDataRead:   func() { allRead++ },
	})

	in.AddContent(channel.NewContent([]byte("x"), func(error) {}))
	in.Run()
	assert.Equal(t, 1, dataAvailable)

	buf := make([]byte, 1)
	_, _ = in.Read(buf)
	in.SetEOF()
	in.Run()
	assert.Equal(t, 1, allRead)
}

func TestInput_CountersTrackArrivedAndConsumed(t *testing.T) {
	in := channel.NewInput(nil, channel.InputHooks{})
	in.AddContent(channel.NewContent([]byte("abcdef"), func(error) {}))

	buf := make([]byte, 3)
	_, err := in.Read(buf)
	require.NoError(t, err)

	arrived, consumed := in.Counters()
	assert.EqualValues(t, 6, arrived)
	assert.EqualValues(t, 3, consumed)
}

func TestInput_MinimumDataRateAbortsSlowBody(t *testing.T) {
	var aborted error
	in := channel.NewInput(nil, channel.InputHooks{
		IsCommitted: func() bool { return true },
		Abort:       func(err error) { aborted = err },
	})
	in.Configure(1_000_000, 0) // require 1MB/s
	in.AddContent(channel.NewContent([]byte("x"), func(error) {}))
	time.Sleep(5 * time.Millisecond)

	buf := make([]byte, 1)
	_, err := in.Read(buf)
	assert.Error(t, err)
	assert.Error(t, aborted)
}

type recordingReadListener struct {
	onDataAvailable func()
	onAllDataRead   func()
	onError         func(error)
}

func (r recordingReadListener) OnDataAvailable() {
	if r.onDataAvailable != nil {
		r.onDataAvailable()
	}
}

func (r recordingReadListener) OnAllDataRead() {
	if r.onAllDataRead != nil {
		r.onAllDataRead()
	}
}

func (r recordingReadListener) OnError(err error) {
	if r.onError != nil {
		r.onError(err)
	}
}
