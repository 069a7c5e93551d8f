package connector

import (
	"sync"

	engine "github.com/vanterhall/httpengine"
	"github.com/vanterhall/httpengine/channel"
)

// wireTransport adapts one exchange's engine.Response into channel.Transport:
// the first Send call commits the status/header line (from the Channel's
// ExchangeResponse), subsequent calls stream body bytes, and Completed
// flushes/finalizes the underlying connection's write buffer.
type wireTransport struct {
	mu            sync.Mutex
	resp          engine.Response
	ch            *channel.Channel
	headerWritten bool
	aborted       error
	onAbort       func(error)
}

func newWireTransport(resp engine.Response, onAbort func(error)) *wireTransport {
	return &wireTransport{resp: resp, onAbort: onAbort}
}

// bind attaches the Channel whose ExchangeResponse supplies the status and
// headers for the head line. Channel and Transport are constructed
// together by the caller, each needing a reference to the other.
func (t *wireTransport) bind(ch *channel.Channel) { t.ch = ch }

func (t *wireTransport) Send(buf []byte, last bool, cb func(error)) {
	t.mu.Lock()
	if t.aborted != nil {
		err := t.aborted
		t.mu.Unlock()
		cb(err)
		return
	}
	if !t.headerWritten {
		t.writeHeadLocked()
		t.headerWritten = true
	}
	t.mu.Unlock()

	if len(buf) > 0 {
		if _, err := t.resp.Write(buf); err != nil {
			cb(err)
			return
		}
	}
	if last {
		t.resp.Flush()
	}
	cb(nil)
}

func (t *wireTransport) writeHeadLocked() {
	exResp := t.ch.Response()
	h := t.resp.Header()
	for k, vv := range exResp.Headers {
		for _, v := range vv {
			h.Add(k, v)
		}
	}
	t.resp.WriteHeader(exResp.Status)
}

func (t *wireTransport) Abort(err error) {
	t.mu.Lock()
	t.aborted = err
	t.mu.Unlock()
	if t.onAbort != nil {
		t.onAbort(err)
	}
}

func (t *wireTransport) Completed() {
	t.mu.Lock()
	aborted := t.aborted != nil
	t.mu.Unlock()
	if aborted {
		return
	}
	t.resp.FinishResponse()
}

func (t *wireTransport) keepAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted == nil && t.resp.KeepAlive()
}
