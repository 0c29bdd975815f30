package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Pool owns one lazily opened Handle per device of a Backend.
//
// Build it once at process start and hand it to the passes that need a
// provider. Handle(id) opens the device on first use and returns the same
// handle on every later call.
type Pool struct {
	backend Backend
	log     *logrus.Logger
	devices []Info

	mu     sync.Mutex
	slots  []*slot
	closed bool
}

type slot struct {
	once   sync.Once
	handle Handle
	err    error
}

// NewPool enumerates the backend's devices. No handle is opened yet.
// A nil logger selects logrus.StandardLogger().
func NewPool(b Backend, log *logrus.Logger) (*Pool, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	devices, err := b.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate %s devices: %w", b.Name(), err)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("%s: %w", b.Name(), ErrNoDevice)
	}

	p := &Pool{
		backend: b,
		log:     log,
		devices: devices,
		slots:   make([]*slot, len(devices)),
	}
	for i := range p.slots {
		p.slots[i] = &slot{}
	}
	log.WithFields(logrus.Fields{
		"backend": b.Name(),
		"devices": len(devices),
	}).Debug("device pool ready")
	return p, nil
}

// Devices returns the devices known to the pool.
func (p *Pool) Devices() []Info {
	out := make([]Info, len(p.devices))
	copy(out, p.devices)
	return out
}

// Handle returns the handle for device id, opening it on first use.
// A failed open is remembered and returned on every later call.
func (p *Pool) Handle(id int) (Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if id < 0 || id >= len(p.slots) {
		p.mu.Unlock()
		return nil, fmt.Errorf("device %d of %d: %w", id, len(p.slots), ErrNoDevice)
	}
	s := p.slots[id]
	p.mu.Unlock()

	s.once.Do(func() {
		s.handle, s.err = p.backend.Open(id)
		entry := p.log.WithFields(logrus.Fields{
			"backend": p.backend.Name(),
			"device":  id,
			"name":    p.devices[id].Name,
		})
		if s.err != nil {
			entry.WithError(s.err).Error("open device handle")
			return
		}
		entry.Info("opened device handle")
	})
	if s.err != nil {
		return nil, s.err
	}

	// Close may have run while the handle was opening.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	return s.handle, nil
}

// Close releases every handle opened so far. Later calls to Handle fail
// with ErrClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for id, s := range p.slots {
		// Blocks on an open still in flight; untouched slots stay closed.
		s.once.Do(func() { s.err = ErrClosed })
		if s.handle == nil {
			continue
		}
		if err := s.handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close device %d: %w", id, err))
			continue
		}
		p.log.WithField("device", id).Debug("closed device handle")
	}
	return errors.Join(errs...)
}
