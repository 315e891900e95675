package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleApp(t *testing.T) {
	target := &DeviceTarget{
		UUID: "dev-1",
		Apps: map[int]*DeviceAppState{1: {Commit: "c1"}},
	}
	appID, state, err := target.SingleApp()
	require.NoError(t, err)
	assert.Equal(t, 1, appID)
	assert.Equal(t, "c1", state.Commit)
}

func TestSingleAppNone(t *testing.T) {
	target := &DeviceTarget{UUID: "dev-1"}
	_, _, err := target.SingleApp()
	assert.ErrorIs(t, err, ErrNoAppAssigned)
}

func TestSingleAppMultiple(t *testing.T) {
	target := &DeviceTarget{
		UUID: "dev-1",
		Apps: map[int]*DeviceAppState{1: {}, 2: {}},
	}
	_, _, err := target.SingleApp()
	assert.ErrorIs(t, err, ErrMultiAppUnsupported)
}

func TestCloneIndependence(t *testing.T) {
	device := &DependentDevice{
		UUID:  "dev-1",
		AppID: 1,
		Apps: map[int]*DeviceAppState{
			1: {Commit: "c1", Environment: map[string]string{"MODE": "fast"}},
		},
		Target: &DeviceAppState{Commit: "c1"},
	}

	clone := device.Clone()
	clone.Apps[1].Environment["MODE"] = "slow"
	clone.Target.Commit = "c2"

	assert.Equal(t, "fast", device.Apps[1].Environment["MODE"])
	assert.Equal(t, "c1", device.Target.Commit)
}

func TestCloneNil(t *testing.T) {
	var app *DependentApp
	assert.Nil(t, app.Clone())
	var state *DeviceAppState
	assert.Nil(t, state.Clone())
	var device *DependentDevice
	assert.Nil(t, device.Clone())
	var target *DeviceTarget
	assert.Nil(t, target.Clone())
}

func TestNormalize(t *testing.T) {
	device := &DependentDevice{
		UUID: "dev-1",
		Apps: map[int]*DeviceAppState{1: {}},
	}
	device.Normalize()
	assert.NotNil(t, device.Apps[1].Config)
	assert.NotNil(t, device.Apps[1].Environment)

	target := &DeviceTarget{UUID: "dev-1"}
	target.Normalize()
	assert.NotNil(t, target.Apps)
}
