package channel_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanterhall/httpengine/channel"
)

type flushRecord struct {
	buf  []byte
	last bool
}

func syncFlusher(records *[]flushRecord, mu *sync.Mutex) func([]byte, bool, func(error)) {
	return func(buf []byte, last bool, cb func(error)) {
		mu.Lock()
		*records = append(*records, flushRecord{buf: append([]byte(nil), buf...), last: last})
		mu.Unlock()
		cb(nil)
	}
}

func TestOutput_SmallWritesAggregateUntilFull(t *testing.T) {
	var records []flushRecord
	var mu sync.Mutex
	out := channel.NewOutput(16, 16, channel.OutputHooks{Flush: syncFlusher(&records, &mu)})

	require.NoError(t, out.Write([]byte("abcd"), false))
	require.NoError(t, out.Write([]byte("efgh"), false))
	assert.Empty(t, records, "writes below bufferSize must not flush yet")

	require.NoError(t, out.Write([]byte("ijklmnop"), true))
	require.Len(t, records, 1)
	assert.Equal(t, "abcdefghijklmnop", string(records[0].buf))
	assert.True(t, records[0].last)
}

func TestOutput_LargeWriteBypassesAggregateAndSlices(t *testing.T) {
	var records []flushRecord
	var mu sync.Mutex
	out := channel.NewOutput(16, 8, channel.OutputHooks{Flush: syncFlusher(&records, &mu)})

	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	require.NoError(t, out.Write(payload, true))

	require.Len(t, records, 3)
	assert.Equal(t, 16, len(records[0].buf))
	assert.Equal(t, 16, len(records[1].buf))
	assert.Equal(t, 8, len(records[2].buf))
	assert.True(t, records[2].last)
	assert.False(t, records[0].last)
}

func TestOutput_WriteAfterCloseFails(t *testing.T) {
	var records []flushRecord
	var mu sync.Mutex
	out := channel.NewOutput(16, 16, channel.OutputHooks{Flush: syncFlusher(&records, &mu)})
	require.NoError(t, out.Close())
	assert.Error(t, out.Write([]byte("x"), false))
}

func TestOutput_EmptyResponseStillFlushesFinalMarker(t *testing.T) {
	var records []flushRecord
	var mu sync.Mutex
	out := channel.NewOutput(16, 16, channel.OutputHooks{Flush: syncFlusher(&records, &mu)})
	require.NoError(t, out.Close())
	require.Len(t, records, 1)
	assert.Empty(t, records[0].buf)
	assert.True(t, records[0].last)
}

func TestOutput_AsyncWriteLifecycle(t *testing.T) {
	var pending func(error)
	out := channel.NewOutput(1024, 1024, channel.OutputHooks{
		Flush: func(buf []byte, last bool, cb func(error)) { pending = cb },
	})

	type fakeListener struct {
		possible int
		errs     []error
	}
	fl := &fakeListener{}

	require.NoError(t, out.SetWriteListener(writeListenerFunc{
		possible: func() error { fl.possible++; return nil },
		onErr:    func(err error) { fl.errs = append(fl.errs, err) },
	}))
	assert.Equal(t, channel.OutReady, out.State())

	require.NoError(t, out.WriteAsync([]byte("hi"), false))
	assert.Equal(t, channel.OutPending, out.State())
	assert.False(t, out.IsReady())
	assert.Equal(t, channel.OutUnready, out.State())

	require.NotNil(t, pending)
	pending(nil)
	assert.Equal(t, channel.OutReady, out.State())
}

type writeListenerFunc struct {
	possible func() error
	onErr    func(error)
}

func (w writeListenerFunc) OnWritePossible() error { return w.possible() }
func (w writeListenerFunc) OnError(err error)      { w.onErr(err) }
