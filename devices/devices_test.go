package devices

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/tinypacs/config"
	"github.com/caio-sobreiro/tinypacs/eventbus"
	"github.com/caio-sobreiro/tinypacs/interfaces"
)

func TestStaticDevicesFromConfig(t *testing.T) {
	bus := eventbus.New()
	New(bus, config.ComponentConfig{
		"on": true,
		"devices": map[string]any{
			"SCANNER": map[string]any{"address": "10.0.0.5", "port": float64(104)},
			"VIEWER":  map[string]any{"address": "10.0.0.9"},
		},
	})
	_, err := bus.Broadcast(eventbus.OnStart)
	require.NoError(t, err)

	v, err := bus.SendAny(eventbus.DeviceByAE, "SCANNER")
	require.NoError(t, err)
	dev := v.(*Device)
	assert.Equal(t, "10.0.0.5:104", dev.Endpoint())

	v, err = bus.SendAny(eventbus.DeviceByAE, "VIEWER")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9:11112", v.(*Device).Endpoint())
}

func TestUnknownDeviceIsNil(t *testing.T) {
	bus := eventbus.New()
	New(bus, config.ComponentConfig{"on": true})
	_, err := bus.Broadcast(eventbus.OnStart)
	require.NoError(t, err)

	v, err := bus.SendAny(eventbus.DeviceByAE, "NOBODY")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestAutoAddOnAssociation(t *testing.T) {
	bus := eventbus.New()
	New(bus, config.ComponentConfig{"on": true, "default_port": float64(4006)})

	_, err := bus.Broadcast(eventbus.OnAssocRequest, &interfaces.AssociationInfo{
		CallingAETitle: "WORKSTATION",
		CalledAETitle:  "TINY_PACS",
		RemoteHost:     "192.168.1.20",
	})
	require.NoError(t, err)

	v, err := bus.SendAny(eventbus.DeviceByAE, "WORKSTATION")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20:4006", v.(*Device).Endpoint())
}

func TestAutoAddDoesNotClobberStaticEntry(t *testing.T) {
	bus := eventbus.New()
	New(bus, config.ComponentConfig{
		"on": true,
		"devices": map[string]any{
			"SCANNER": map[string]any{"address": "10.0.0.5", "port": float64(104)},
		},
	})
	_, err := bus.Broadcast(eventbus.OnStart)
	require.NoError(t, err)

	_, err = bus.Broadcast(eventbus.OnAssocRequest, &interfaces.AssociationInfo{
		CallingAETitle: "SCANNER",
		RemoteHost:     "172.16.0.1",
	})
	require.NoError(t, err)

	v, err := bus.SendAny(eventbus.DeviceByAE, "SCANNER")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:104", v.(*Device).Endpoint())
}

func TestAutoAddDisabled(t *testing.T) {
	bus := eventbus.New()
	New(bus, config.ComponentConfig{"on": true, "auto_add": false})

	_, err := bus.Broadcast(eventbus.OnAssocRequest, &interfaces.AssociationInfo{
		CallingAETitle: "WORKSTATION",
		RemoteHost:     "192.168.1.20",
	})
	require.NoError(t, err)

	v, err := bus.SendAny(eventbus.DeviceByAE, "WORKSTATION")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestMissingAddressFailsStart(t *testing.T) {
	bus := eventbus.New()
	New(bus, config.ComponentConfig{
		"on":      true,
		"devices": map[string]any{"BROKEN": map[string]any{"port": float64(104)}},
	})
	_, err := bus.Broadcast(eventbus.OnStart)
	require.Error(t, err)
}
