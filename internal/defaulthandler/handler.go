// Package defaulthandler provides a minimal channel.Handler used by the
// standalone binary when no application handler is wired in: it echoes
// the request method and target back as plain text, exercising the full
// dispatch path (request parsing, Output commit, connection reuse) end
// to end.
package defaulthandler

import (
	"fmt"

	"github.com/vanterhall/httpengine/channel"
)

// New returns a channel.Handler that writes a short plain-text summary
// of the incoming request.
func New() channel.Handler {
	return channel.HandlerFunc(func(ch *channel.Channel) {
		req := ch.Request()
		resp := ch.Response()
		resp.Status = 200
		resp.Headers["Content-Type"] = []string{"text/plain; charset=utf-8"}

		body := fmt.Sprintf("%s %s %s\n", req.Method, req.Target, req.Proto)
		if err := ch.Output.Write([]byte(body), true); err != nil {
			ch.OnBadMessage(err)
		}
	})
}
