// Package device holds the read-only device model consumed by the session
// and execution layers
package device

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	nderrors "github.com/davidroman0O/netdoc/errors"
	"github.com/davidroman0O/netdoc/pkg/config"
)

// Credentials holds what is needed to log into a device
type Credentials struct {
	Username       string
	Password       string
	KeyFile        string
	EnablePassword string
}

// Device identifies one network device
type Device struct {
	ID          string
	Name        string
	Address     string
	Port        int
	Family      Family
	Vendor      string
	Role        string
	Credentials Credentials
}

// Addr returns host:port, using defaultPort when the device has none
func (d *Device) Addr(defaultPort int) string {
	port := d.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(d.Address, strconv.Itoa(port))
}

// Info is the credential-free view of a device
type Info struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Address   string `json:"ip"`
	Port      int    `json:"port,omitempty"`
	Family    Family `json:"device_type"`
	Vendor    string `json:"vendor,omitempty"`
	Role      string `json:"role,omitempty"`
	Username  string `json:"username"`
	HasEnable bool   `json:"has_enable_password"`
}

// Info returns the device with credentials redacted
func (d *Device) Info() Info {
	return Info{
		ID:        d.ID,
		Name:      d.Name,
		Address:   d.Address,
		Port:      d.Port,
		Family:    d.Family,
		Vendor:    d.Vendor,
		Role:      d.Role,
		Username:  d.Credentials.Username,
		HasEnable: d.Credentials.EnablePassword != "",
	}
}

// Inventory is the read side of the device registry
type Inventory interface {
	Get(ctx context.Context, id string) (*Device, error)
	List(ctx context.Context) ([]*Device, error)
}

// MemoryInventory is an Inventory backed by a map, usually filled from the
// devices section of the configuration file
type MemoryInventory struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// NewMemoryInventory creates an inventory holding the given devices
func NewMemoryInventory(devices ...*Device) *MemoryInventory {
	inv := &MemoryInventory{devices: make(map[string]*Device, len(devices))}
	for _, d := range devices {
		inv.devices[d.ID] = d
	}
	return inv
}

// FromConfig builds an inventory from device configuration entries
func FromConfig(entries []config.DeviceConfig) *MemoryInventory {
	devices := make([]*Device, 0, len(entries))
	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = e.ID
		}
		devices = append(devices, &Device{
			ID:      e.ID,
			Name:    name,
			Address: e.Address,
			Port:    e.Port,
			Family:  ParseFamily(e.Family),
			Vendor:  e.Vendor,
			Role:    e.Role,
			Credentials: Credentials{
				Username:       e.Username,
				Password:       e.Password,
				KeyFile:        e.KeyFile,
				EnablePassword: e.EnablePassword,
			},
		})
	}
	return NewMemoryInventory(devices...)
}

// Get returns a copy of the device so callers cannot mutate the registry
func (m *MemoryInventory) Get(ctx context.Context, id string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[id]
	if !ok {
		return nil, nderrors.WithContext(
			nderrors.Wrap(nderrors.ErrDeviceNotFound, nderrors.ErrNotFound, fmt.Sprintf("device %s", id)),
			map[string]interface{}{"device_id": id},
		)
	}
	cp := *d
	return &cp, nil
}

// List returns every device sorted by id
func (m *MemoryInventory) List(ctx context.Context) ([]*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Put adds or replaces a device
func (m *MemoryInventory) Put(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.devices[d.ID] = &cp
}
