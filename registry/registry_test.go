package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanterhall/httpengine/registry"
)

type stubFactory struct {
	protocol  string
	protocols []string
}

func (s stubFactory) Protocol() string   { return s.protocol }
func (s stubFactory) Protocols() []string {
	if len(s.protocols) > 0 {
		return s.protocols
	}
	return []string{s.protocol}
}

func TestRegistry_AddFirstBecomesDefault(t *testing.T) {
	var r registry.Registry

	require.NoError(t, r.Add(stubFactory{protocol: "http/1.1"}))
	require.NoError(t, r.AddFirst(stubFactory{protocol: "alpn", protocols: []string{"alpn"}}))

	assert.Equal(t, "alpn", r.DefaultProtocol())
	assert.Equal(t, []string{"alpn", "http/1.1"}, r.Protocols())

	require.NoError(t, r.Remove("alpn"))
	assert.Equal(t, "", r.DefaultProtocol(), "default clears until next insert")

	require.NoError(t, r.Add(stubFactory{protocol: "h2c"}))
	assert.Equal(t, "http/1.1", r.DefaultProtocol(), "first remaining insertion order wins")
}

func TestRegistry_CaseInsensitiveLookup(t *testing.T) {
	var r registry.Registry
	require.NoError(t, r.Add(stubFactory{protocol: "HTTP/1.1"}))

	f, ok := r.Get("http/1.1")
	require.True(t, ok)
	assert.Equal(t, "HTTP/1.1", f.Protocol())
}

func TestRegistry_AddIfAbsentSkipsExisting(t *testing.T) {
	var r registry.Registry
	first := stubFactory{protocol: "http/1.1"}
	require.NoError(t, r.Add(first))

	second := stubFactory{protocol: "http/1.1"}
	require.NoError(t, r.AddIfAbsent(second))

	f, _ := r.Get("http/1.1")
	assert.Equal(t, first, f)
}

func TestRegistry_MutationRejectedWhileRunning(t *testing.T) {
	var r registry.Registry
	r.SetRunning(true)
	err := r.Add(stubFactory{protocol: "http/1.1"})
	assert.ErrorIs(t, err, registry.ErrInvalidState)
}

func TestRegistry_RemoveUnknownIsNoop(t *testing.T) {
	var r registry.Registry
	require.NoError(t, r.Remove("nope"))
}
