package proxyvisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgehive/fleetd/pkg/applications"
	"github.com/edgehive/fleetd/pkg/types"
)

func TestHookEndpointResolution(t *testing.T) {
	p, store := newTestProxyvisor(t, "")
	require.NoError(t, store.UpsertApp(&types.DependentApp{AppID: 1, ParentApp: 2000}))
	resolver := p.apps.(*applications.StaticResolver)

	// Unknown app, unknown parent: the compile-time default.
	assert.Equal(t, defaultHookAddress, p.hookEndpoint(99))
	assert.Equal(t, defaultHookAddress, p.hookEndpoint(1))

	// Parent app config is consulted when the environment names nothing.
	resolver.Set(&applications.App{
		AppID:  2000,
		Config: map[string]string{hookAddressConfigKey: "http://config:1337/"},
	})
	assert.Equal(t, "http://config:1337/", p.hookEndpoint(1))

	// The legacy environment variable beats config.
	resolver.Set(&applications.App{
		AppID:    2000,
		Config:   map[string]string{hookAddressConfigKey: "http://config:1337/"},
		ImageEnv: map[string]string{hookAddressEnvVarLegacy: "http://legacy:1337/"},
	})
	assert.Equal(t, "http://legacy:1337/", p.hookEndpoint(1))

	// The current environment variable beats everything.
	resolver.Set(&applications.App{
		AppID: 2000,
		ImageEnv: map[string]string{
			hookAddressEnvVar:       "http://current:1337/",
			hookAddressEnvVarLegacy: "http://legacy:1337/",
		},
	})
	assert.Equal(t, "http://current:1337/", p.hookEndpoint(1))
}
