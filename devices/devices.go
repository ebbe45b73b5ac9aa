// Package devices keeps the registry of remote application entities. C-MOVE
// needs it to turn a destination AE title into a network endpoint; unknown
// callers can be learned automatically from incoming associations.
package devices

import (
	"fmt"
	"sync"

	"github.com/caio-sobreiro/tinypacs/component"
	"github.com/caio-sobreiro/tinypacs/config"
	"github.com/caio-sobreiro/tinypacs/eventbus"
	"github.com/caio-sobreiro/tinypacs/interfaces"
)

// DefaultPort is the DICOM registered port used for auto-added devices.
const DefaultPort = 11112

// Device is a remote application entity.
type Device struct {
	AETitle string
	Address string
	Port    int
}

// Endpoint returns the host:port to dial.
func (d *Device) Endpoint() string {
	return fmt.Sprintf("%s:%d", d.Address, d.Port)
}

// Devices is the device registry component.
//
// Static devices come from the component config:
//
//	"Devices": {
//	    "on": true,
//	    "auto_add": true,
//	    "default_port": 11112,
//	    "devices": {"SCANNER": {"address": "10.0.0.5", "port": 104}}
//	}
type Devices struct {
	*component.Base

	mu          sync.RWMutex
	byAET       map[string]*Device
	autoAdd     bool
	defaultPort int
}

// New creates the device registry and registers its channels.
func New(bus *eventbus.Bus, cfg config.ComponentConfig) *Devices {
	d := &Devices{
		byAET:       make(map[string]*Device),
		autoAdd:     cfg.GetBool("auto_add", true),
		defaultPort: cfg.GetInt("default_port", DefaultPort),
	}
	d.Base = component.New(config.ComponentDevices, bus, cfg, component.Hooks{
		OnStart: d.start,
	})

	d.Subscribe(eventbus.DeviceByAE, "device-by-ae", func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("devices: device-by-ae expects an AE title")
		}
		aet, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("devices: device-by-ae expects an AE title")
		}
		// A nil result lets other registries on the channel answer.
		if dev := d.Get(aet); dev != nil {
			return dev, nil
		}
		return nil, nil
	})
	d.Subscribe(eventbus.OnAssocRequest, "auto-add", func(args ...any) (any, error) {
		if !d.autoAdd || len(args) != 1 {
			return nil, nil
		}
		info, ok := args[0].(*interfaces.AssociationInfo)
		if !ok {
			return nil, nil
		}
		d.learn(info)
		return nil, nil
	})
	return d
}

func (d *Devices) start() error {
	static := d.Config.GetStringMap("devices")
	for aet, raw := range static {
		entry, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("devices: device %q: expected an object", aet)
		}
		dev := &Device{AETitle: aet, Port: d.defaultPort}
		if addr, ok := entry["address"].(string); ok {
			dev.Address = addr
		}
		if dev.Address == "" {
			return fmt.Errorf("devices: device %q: address is required", aet)
		}
		switch p := entry["port"].(type) {
		case int:
			dev.Port = p
		case float64:
			dev.Port = int(p)
		}
		d.Add(dev)
	}
	return nil
}

// Add registers or replaces a device.
func (d *Devices) Add(dev *Device) {
	d.mu.Lock()
	d.byAET[dev.AETitle] = dev
	d.mu.Unlock()
	d.Logger.Debug("Device registered", "aet", dev.AETitle, "endpoint", dev.Endpoint())
}

// Get returns the device for the AE title, or nil.
func (d *Devices) Get(aet string) *Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.byAET[aet]
}

// learn records the calling AE of an incoming association, keeping an
// existing (possibly hand-configured) entry untouched.
func (d *Devices) learn(info *interfaces.AssociationInfo) {
	if info.CallingAETitle == "" || info.RemoteHost == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, known := d.byAET[info.CallingAETitle]; known {
		return
	}
	d.byAET[info.CallingAETitle] = &Device{
		AETitle: info.CallingAETitle,
		Address: info.RemoteHost,
		Port:    d.defaultPort,
	}
	d.Logger.Info("Device auto-added", "aet", info.CallingAETitle, "address", info.RemoteHost)
}
