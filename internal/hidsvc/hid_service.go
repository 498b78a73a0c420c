// Package hidsvc tracks devices across transport backends, attaches a bus
// to each one and keeps a persistent registry of everything it has seen.
package hidsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/myfreeweb/iichid/hid"
	"github.com/myfreeweb/iichid/hidbus"
	"github.com/myfreeweb/iichid/pkg/bus"
)

type Service struct {
	log     *zap.Logger
	db      *badger.DB
	options serviceOptions
	now     func() time.Time
	stats   *hid.Stats
	ready   chan struct{}

	backendBus *BackendBus
	deviceBus  *DeviceBus
	attached   *xsync.MapOf[Address, *AttachedDevice]
	rates      *xsync.MapOf[Address, int]
}

type (
	BackendBus       = bus.Bus[string, BackendEvent]
	BackendPublisher = bus.Publisher[BackendEvent]

	DeviceEventType uint8
	DeviceBusKey    struct {
		Type DeviceEventType
		Addr Address
	}
	DeviceBus   = bus.Bus[DeviceBusKey, DeviceEvent]
	DeviceEvent struct{}
)

const (
	DeviceConnected DeviceEventType = iota
	DeviceDisconnected
)

var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDeviceNotConnected = errors.New("device not connected")
)

var defaultOptions = serviceOptions{
	backends:       make(map[string]Backend),
	backoffTimeout: 5 * time.Second,
}

type serviceOptions struct {
	backends       map[string]Backend
	backoffTimeout time.Duration
	stats          *hid.Stats
}

type Option func(*serviceOptions)

func WithBackend(name string, backend Backend) Option {
	return func(o *serviceOptions) {
		o.backends[name] = backend
	}
}

func WithBackoffTimeout(d time.Duration) Option {
	return func(o *serviceOptions) {
		o.backoffTimeout = d
	}
}

func WithStats(stats *hid.Stats) Option {
	return func(o *serviceOptions) {
		o.stats = stats
	}
}

// Backend discovers devices on one transport and opens their capability
// contract.
type Backend interface {
	Start(ctx context.Context, pub BackendPublisher) error
	Ready() <-chan struct{}
	OpenDevice(id string) (hid.Transport, error)
}

type BackendEvent struct {
	DevicesChanged *BackendEventDevicesChanged
}

type BackendEventDevicesChanged struct {
	Connected    []BackendDevice
	Disconnected []string
}

type BackendDevice struct {
	ID   string
	Name string
}

// AttachedDevice is one live device with its bus attached.
type AttachedDevice struct {
	Address Address
	Bus     *hidbus.Bus
}

// DeviceRecord is the persisted registry entry for a device, surviving
// disconnects.
type DeviceRecord struct {
	Address          Address        `json:"address"`
	Name             string         `json:"name"`
	Info             hid.DeviceInfo `json:"info"`
	ReportDescriptor []byte         `json:"reportDescriptor"`
	FirstSeenAt      time.Time      `json:"firstSeenAt"`
	LastSeenAt       time.Time      `json:"lastSeenAt"`
}

func New(db *badger.DB, log *zap.Logger, now func() time.Time, opts ...Option) *Service {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		db:         db,
		log:        log,
		options:    options,
		now:        now,
		stats:      options.stats,
		ready:      make(chan struct{}),
		backendBus: bus.NewBus[string, BackendEvent](log),
		deviceBus:  bus.NewBus[DeviceBusKey, DeviceEvent](log),
		attached:   xsync.NewMapOf[Address, *AttachedDevice](),
		rates:      xsync.NewMapOf[Address, int](),
	}
}

func (s *Service) Start(ctx context.Context) error {
	err := s.backendBus.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start backend bus: %w", err)
	}
	select {
	case <-ctx.Done():
		return nil
	case <-s.backendBus.Ready():
	}

	err = s.deviceBus.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start device bus: %w", err)
	}
	select {
	case <-ctx.Done():
		return nil
	case <-s.deviceBus.Ready():
	}

	s.consumeEvents(ctx)

	for backendID := range s.options.backends {
		go s.runBackend(ctx, backendID)
	}
	for _, backend := range s.options.backends {
		select {
		case <-ctx.Done():
			return nil
		case <-backend.Ready():
		}
	}
	close(s.ready)
	s.log.Info("Service started")
	<-ctx.Done()

	s.attached.Range(func(addr Address, dev *AttachedDevice) bool {
		dev.Bus.Detach()
		s.attached.Delete(addr)
		return true
	})
	return nil
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

func (s *Service) consumeEvents(ctx context.Context) {
	go func() {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch := s.backendBus.Subscribe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-ch:
				s.handleBackendEvent(ctx, msg.Key, msg.Message)
			}
		}
	}()
}

func (s *Service) runBackend(ctx context.Context, backendID string) {
	backend := s.options.backends[backendID]
	for {
		err := backend.Start(ctx, s.backendBus.CreatePublisher(backendID))
		if err != nil {
			s.log.Error("failed to start the backend", zap.String("backend", backendID), zap.Error(err))
		}
		t := time.NewTimer(s.options.backoffTimeout)
		// retry after backoff
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		case <-t.C:
		}
	}
}

func (s *Service) handleBackendEvent(ctx context.Context, backendID string, event BackendEvent) {
	if event.DevicesChanged == nil {
		return
	}
	s.log.Debug("devices changed", zap.String("backend", backendID))
	for _, id := range event.DevicesChanged.Disconnected {
		s.onDeviceDisconnected(ctx, backendID, id)
	}
	for _, dev := range event.DevicesChanged.Connected {
		s.onDeviceConnected(ctx, backendID, dev)
	}
}

func (s *Service) onDeviceConnected(ctx context.Context, backendID string, bdev BackendDevice) {
	addr := Address{Backend: backendID, ID: bdev.ID}
	tr, err := s.options.backends[backendID].OpenDevice(bdev.ID)
	if err != nil {
		s.log.Error("failed to open device", zap.Stringer("addr", addr), zap.Error(err))
		return
	}

	b := hidbus.New(s.log.Named("bus"), tr, hidbus.WithStats(s.stats))
	if err := b.Attach(); err != nil {
		if errors.Is(err, hid.ErrNoCollections) {
			s.log.Warn("device has no top level collections", zap.Stringer("addr", addr))
		} else {
			s.log.Error("failed to attach device", zap.Stringer("addr", addr), zap.Error(err))
		}
		return
	}

	rec, err := s.persistDevice(addr, bdev.Name, tr.Info(), b.RawDescriptor())
	if err != nil {
		s.log.Error("failed to persist device", zap.Stringer("addr", addr), zap.Error(err))
	}

	if rate, ok := s.rates.Load(addr); ok {
		if err := setTransportRate(tr, rate); err != nil {
			s.log.Warn("failed to apply sampling rate", zap.Stringer("addr", addr), zap.Error(err))
		}
	}

	s.attached.Store(addr, &AttachedDevice{Address: addr, Bus: b})
	s.log.Debug("device connected",
		zap.Stringer("addr", addr), zap.String("name", rec.Name),
		zap.Time("firstSeenAt", rec.FirstSeenAt))
	s.deviceBus.Publish(ctx, DeviceBusKey{Type: DeviceConnected, Addr: addr}, DeviceEvent{})
}

func (s *Service) onDeviceDisconnected(ctx context.Context, backendID, id string) {
	addr := Address{Backend: backendID, ID: id}
	dev, ok := s.attached.LoadAndDelete(addr)
	if !ok {
		return
	}
	dev.Bus.Detach()
	s.log.Debug("device disconnected", zap.Stringer("addr", addr))
	s.deviceBus.Publish(ctx, DeviceBusKey{Type: DeviceDisconnected, Addr: addr}, DeviceEvent{})
}

func (s *Service) deviceKey(addr Address) []byte {
	return []byte(fmt.Sprintf("hid/devices/%s/%s", addr.Backend, addr.ID))
}

func (s *Service) persistDevice(addr Address, name string, info hid.DeviceInfo, rdesc []byte) (DeviceRecord, error) {
	var rec DeviceRecord
	now := s.now()
	err := s.db.Update(func(txn *badger.Txn) error {
		key := s.deviceKey(addr)
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			rec = DeviceRecord{Name: name}
		case err != nil:
			return err
		default:
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal device: %w", err)
			}
		}
		rec.Address = addr
		rec.Info = info
		rec.ReportDescriptor = rdesc
		if name != "" {
			rec.Name = name
		}
		if rec.FirstSeenAt.IsZero() {
			rec.FirstSeenAt = now
		}
		rec.LastSeenAt = now
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal device: %w", err)
		}
		return txn.Set(key, b)
	})
	if err != nil {
		return DeviceRecord{}, fmt.Errorf("failed to store device: %w", err)
	}
	return rec, nil
}

// ListDevices returns every device the registry has ever seen.
func (s *Service) ListDevices() ([]DeviceRecord, error) {
	var devices []DeviceRecord
	err := s.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()
		prefix := []byte("hid/devices/")
		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			item := iter.Item()
			var rec DeviceRecord
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			devices = append(devices, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

func (s *Service) GetDevice(addr Address) (DeviceRecord, error) {
	var rec DeviceRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.deviceKey(addr))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrDeviceNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return DeviceRecord{}, fmt.Errorf("failed to get device: %w", err)
	}
	return rec, nil
}

func (s *Service) IsConnected(addr Address) bool {
	_, ok := s.attached.Load(addr)
	return ok
}

// OpenDevice returns the live bus of a connected device.
func (s *Service) OpenDevice(addr Address) (*hidbus.Bus, error) {
	dev, ok := s.attached.Load(addr)
	if !ok {
		return nil, ErrDeviceNotConnected
	}
	return dev.Bus, nil
}

// ReportDescriptor returns the raw report descriptor of a connected
// device.
func (s *Service) ReportDescriptor(addr Address) ([]byte, error) {
	dev, ok := s.attached.Load(addr)
	if !ok {
		return nil, ErrDeviceNotConnected
	}
	return dev.Bus.RawDescriptor(), nil
}

func (s *Service) GetReport(addr Address, buf []byte, typ hid.ReportType, id uint8) (int, error) {
	dev, ok := s.attached.Load(addr)
	if !ok {
		return 0, ErrDeviceNotConnected
	}
	return dev.Bus.Transport().GetReport(buf, typ, id)
}

func (s *Service) SetReport(addr Address, buf []byte, typ hid.ReportType, id uint8) error {
	dev, ok := s.attached.Load(addr)
	if !ok {
		return ErrDeviceNotConnected
	}
	return dev.Bus.Transport().SetReport(buf, typ, id)
}

// rateSetter is implemented by transports with a tunable acquisition rate.
type rateSetter interface {
	SetSamplingRate(rate int) error
}

func setTransportRate(tr hid.Transport, rate int) error {
	rs, ok := tr.(rateSetter)
	if !ok {
		return hid.ErrNotSupported
	}
	return rs.SetSamplingRate(rate)
}

// SetSamplingRate adjusts the acquisition rate of a connected device. Only
// sampled transports support it.
func (s *Service) SetSamplingRate(addr Address, rate int) error {
	s.rates.Store(addr, rate)
	dev, ok := s.attached.Load(addr)
	if !ok {
		return ErrDeviceNotConnected
	}
	return setTransportRate(dev.Bus.Transport(), rate)
}

// ApplySamplingRates records desired rates per device and applies them to
// the ones currently attached. Used by the config reload path.
func (s *Service) ApplySamplingRates(rates map[string]int) {
	for key, rate := range rates {
		addr, err := ParseAddress(key)
		if err != nil {
			s.log.Warn("invalid device address in config", zap.String("address", key))
			continue
		}
		s.rates.Store(addr, rate)
		dev, ok := s.attached.Load(addr)
		if !ok {
			continue
		}
		if err := setTransportRate(dev.Bus.Transport(), rate); err != nil {
			s.log.Warn("failed to apply sampling rate",
				zap.Stringer("addr", addr), zap.Int("rate", rate), zap.Error(err))
		}
	}
}

// SubscribeEvents delivers connect and disconnect notifications until ctx
// ends.
func (s *Service) SubscribeEvents(ctx context.Context, keys ...DeviceBusKey) <-chan bus.Message[DeviceBusKey, DeviceEvent] {
	return s.deviceBus.Subscribe(ctx, keys...)
}
