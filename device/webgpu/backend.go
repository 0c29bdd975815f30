// Package webgpu is a device backend that runs float32 GEMM in a WGSL compute
// shader. Double precision is not available on WebGPU, so Dgemm reports
// device.ErrUnsupportedPrecision. The elementwise launch runs on the host.
package webgpu

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/sirupsen/logrus"

	"github.com/openfluke/gru/device"
)

// Backend enumerates WebGPU adapters once and opens one logical device per
// adapter.
type Backend struct {
	cfg Config
	log *logrus.Logger

	once     sync.Once
	instance *wgpu.Instance
	adapters []*wgpu.Adapter
	infos    []device.Info
	err      error
}

// New returns a WebGPU backend. A nil log means logrus.StandardLogger().
func New(cfg Config, log *logrus.Logger) *Backend {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Backend{cfg: cfg, log: log}
}

func (b *Backend) Name() string { return "webgpu" }

// Devices lists the usable adapters, preferred vendor first. Software
// adapters are skipped.
func (b *Backend) Devices() ([]device.Info, error) {
	b.once.Do(b.discover)
	if b.err != nil {
		return nil, b.err
	}
	return append([]device.Info(nil), b.infos...), nil
}

func (b *Backend) Open(id int) (device.Handle, error) {
	if _, err := b.Devices(); err != nil {
		return nil, err
	}
	if id < 0 || id >= len(b.adapters) {
		return nil, fmt.Errorf("webgpu: device %d: %w", id, device.ErrNoDevice)
	}
	return openHandle(b.cfg, b.infos[id], b.adapters[id], b.log)
}

// Release frees the adapters and the instance. Handles must be closed first.
func (b *Backend) Release() {
	for _, a := range b.adapters {
		a.Release()
	}
	b.adapters = nil
	if b.instance != nil {
		b.instance.Release()
		b.instance = nil
	}
}

func (b *Backend) discover() {
	b.instance = wgpu.CreateInstance(nil)
	if b.instance == nil {
		b.err = fmt.Errorf("webgpu: failed to create instance: %w", device.ErrNoDevice)
		return
	}

	var usable []*wgpu.Adapter
	for _, a := range b.instance.EnumerateAdapters(nil) {
		info := a.GetInfo()
		b.log.WithFields(logrus.Fields{
			"adapter": info.Name,
			"vendor":  info.VendorName,
			"type":    fmt.Sprintf("%v", info.AdapterType),
		}).Debug("webgpu adapter found")
		if fmt.Sprintf("%v", info.AdapterType) == "cpu" {
			a.Release()
			continue
		}
		usable = append(usable, a)
	}

	// Some drivers enumerate nothing but still answer a direct request.
	if len(usable) == 0 {
		for _, opts := range []*wgpu.RequestAdapterOptions{
			{PowerPreference: wgpu.PowerPreferenceHighPerformance},
			{PowerPreference: wgpu.PowerPreferenceLowPower},
			nil,
		} {
			a, err := b.instance.RequestAdapter(opts)
			if err == nil && a != nil {
				usable = append(usable, a)
				break
			}
			b.log.WithError(err).Debug("webgpu adapter request failed, falling back")
		}
	}
	if len(usable) == 0 {
		b.err = fmt.Errorf("webgpu: no adapter: %w", device.ErrNoDevice)
		return
	}

	preferred := make(map[*wgpu.Adapter]bool, len(usable))
	for _, a := range usable {
		info := a.GetInfo()
		preferred[a] = matchesVendor(info.Name, info.VendorName, b.cfg.PreferVendor)
	}
	sort.SliceStable(usable, func(i, j int) bool {
		return preferred[usable[i]] && !preferred[usable[j]]
	})

	b.adapters = usable
	for id, a := range usable {
		info := a.GetInfo()
		var feats []string
		for _, f := range a.EnumerateFeatures() {
			feats = append(feats, f.String())
		}
		b.infos = append(b.infos, device.Info{
			ID:      id,
			Name:    strings.TrimSpace(info.Name),
			Vendor:  info.VendorName,
			Backend: "webgpu/" + info.BackendType.String(),
			// One queue per device, so GEMMs are serialized by the handle.
			Concurrent: false,
			Features:   feats,
		})
	}
	b.log.WithFields(logrus.Fields{
		"adapter": b.infos[0].Name,
		"vendor":  b.infos[0].Vendor,
		"count":   len(b.infos),
	}).Info("webgpu adapters ready")
}

func matchesVendor(name, vendorName, vendor string) bool {
	if vendor == "" {
		return false
	}
	vendor = strings.ToLower(vendor)
	return strings.Contains(strings.ToLower(name), vendor) ||
		strings.Contains(strings.ToLower(vendorName), vendor)
}
