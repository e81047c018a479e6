package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticRegistry(t *testing.T) {
	reg := NewStaticRegistryWith("Tuyacordovaplugin", "127.0.0.1:9001")
	updates := reg.Watch("Tuyacordovaplugin")

	require.NoError(t, reg.Register("Tuyacordovaplugin", ServiceInstance{Addr: "127.0.0.1:9002", Weight: 3}, 10))
	require.NoError(t, reg.Register("Tuyacordovaplugin", ServiceInstance{Addr: "127.0.0.1:9002", Weight: 5}, 10))

	instances, err := reg.Discover("Tuyacordovaplugin")
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, 5, instances[1].Weight)

	// Watchers only keep the latest snapshot.
	latest := <-updates
	assert.Len(t, latest, 2)

	require.NoError(t, reg.Deregister("Tuyacordovaplugin", "127.0.0.1:9001"))
	latest = <-updates
	require.Len(t, latest, 1)
	assert.Equal(t, "127.0.0.1:9002", latest[0].Addr)

	// Discover returns a copy.
	instances, _ = reg.Discover("Tuyacordovaplugin")
	instances[0].Addr = "mutated"
	again, _ := reg.Discover("Tuyacordovaplugin")
	assert.Equal(t, "127.0.0.1:9002", again[0].Addr)

	other, err := reg.Discover("other")
	require.NoError(t, err)
	assert.Empty(t, other)
}
