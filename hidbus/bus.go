// Package hidbus fans one physical HID transport out to the logical
// sub-devices described by its report descriptor. Each top level collection
// becomes an independently openable subscriber; the shared interrupt pipe is
// started when the first subscriber opens and stopped when the last one
// closes.
package hidbus

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/myfreeweb/iichid/hid"
	"github.com/myfreeweb/iichid/hiddesc"
)

// IndexNone marks a subscriber registered explicitly rather than discovered
// during enumeration.
const IndexNone = -1

// Subscriber is one top level collection's endpoint on the bus. All fields
// are owned by the bus and guarded by the bus lock.
type Subscriber struct {
	index int
	usage hid.Usage
	open  bool
	intr  hid.IntrFunc
}

// Index is the discovery ordinal, starting at 0, or IndexNone for
// explicitly registered subscribers.
func (s *Subscriber) Index() int {
	return s.index
}

func (s *Subscriber) Usage() hid.Usage {
	return s.usage
}

type options struct {
	stats *hid.Stats
}

type Option func(*options)

// WithStats attaches a counter sink to the bus.
func WithStats(stats *hid.Stats) Option {
	return func(o *options) {
		o.stats = stats
	}
}

// Bus owns the subscriber set of one transport instance.
type Bus struct {
	log   *zap.Logger
	tr    hid.Transport
	stats *hid.Stats

	mu       sync.Mutex
	tlcs     []*Subscriber
	desc     *hiddesc.Info
	rdesc    []byte
	attached bool
}

func New(log *zap.Logger, tr hid.Transport, opts ...Option) *Bus {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Bus{
		log:   log,
		tr:    tr,
		stats: o.stats,
	}
}

// Attach fetches the report descriptor, binds the interrupt pipe and
// enumerates top level collections. A descriptor without TLCs fails the
// attach with hid.ErrNoCollections.
func (b *Bus) Attach() error {
	rdesc, err := b.tr.ReportDescriptor()
	if err != nil {
		return fmt.Errorf("failed to fetch report descriptor: %w", err)
	}
	desc, err := hiddesc.Parse(rdesc)
	if err != nil {
		return fmt.Errorf("failed to parse report descriptor: %w", err)
	}

	sizes := hid.TransferSizes{
		Input:   desc.MaxReportSize(hiddesc.KindInput),
		Output:  desc.MaxReportSize(hiddesc.KindOutput),
		Feature: desc.MaxReportSize(hiddesc.KindFeature),
	}
	err = b.tr.IntrSetup(&b.mu, b.dispatch, sizes)
	if err != nil {
		return fmt.Errorf("failed to set up interrupt pipe: %w", err)
	}

	tlcs := desc.TopLevelCollections()
	if len(tlcs) == 0 {
		b.tr.IntrUnsetup()
		return hid.ErrNoCollections
	}

	b.mu.Lock()
	b.rdesc = rdesc
	b.desc = desc
	for i, tlc := range tlcs {
		usage := hid.NewUsage(tlc.UsagePage, tlc.UsageID)
		b.tlcs = append(b.tlcs, &Subscriber{index: i, usage: usage})
		b.log.Debug("discovered TLC",
			zap.Int("index", i), zap.Stringer("usage", usage))
	}
	b.attached = true
	b.mu.Unlock()
	return nil
}

// Detach closes all subscribers, stops the interrupt pipe and releases the
// subscriber set.
func (b *Bus) Detach() {
	b.mu.Lock()
	wasOpen := b.anyOpenLocked()
	for _, tlc := range b.tlcs {
		tlc.open = false
	}
	if wasOpen {
		if err := b.tr.IntrStop(); err != nil {
			b.log.Warn("failed to stop interrupt pipe", zap.Error(err))
		}
	}
	b.tlcs = nil
	b.attached = false
	b.mu.Unlock()

	b.tr.IntrUnsetup()
}

// Register adds a subscriber that was not discovered through enumeration.
// It carries the IndexNone sentinel instead of an ordinal.
func (b *Bus) Register(usage hid.Usage) *Subscriber {
	s := &Subscriber{index: IndexNone, usage: usage}
	b.mu.Lock()
	b.tlcs = append(b.tlcs, s)
	b.mu.Unlock()
	return s
}

// Subscribers returns a snapshot of the subscriber set in discovery order.
func (b *Bus) Subscribers() []*Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Subscriber, len(b.tlcs))
	copy(out, b.tlcs)
	return out
}

// FindByUsage returns the first subscriber with the given usage, or nil.
func (b *Bus) FindByUsage(usage hid.Usage) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tlc := range b.tlcs {
		if tlc.usage == usage {
			return tlc
		}
	}
	return nil
}

// SetIntr registers the report callback for a subscriber. Must be called
// before Open.
func (b *Bus) SetIntr(s *Subscriber, fn hid.IntrFunc) {
	b.mu.Lock()
	s.intr = fn
	b.mu.Unlock()
}

// Open marks the subscriber as interested in input reports. The underlying
// acquisition engine is started only on the transition from zero open
// subscribers to one; its running state is shared by all subscribers.
func (b *Bus) Open(s *Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.intr == nil {
		return fmt.Errorf("hidbus: open of %s without interrupt handler", s.usage)
	}
	wasOpen := b.anyOpenLocked()
	s.open = true
	if wasOpen {
		return nil
	}
	if err := b.tr.IntrStart(); err != nil {
		s.open = false
		return fmt.Errorf("failed to start interrupt pipe: %w", err)
	}
	return nil
}

// Close drops the subscriber's interest. The engine is stopped only when
// the last open subscriber closes.
func (b *Bus) Close(s *Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s.open = false
	if b.anyOpenLocked() {
		return nil
	}
	return b.tr.IntrStop()
}

// The "any subscriber open" aggregate is always recomputed from the records
// so it cannot drift.
func (b *Bus) anyOpenLocked() bool {
	for _, tlc := range b.tlcs {
		if tlc.open {
			return true
		}
	}
	return false
}

// dispatch broadcasts one input report to every open subscriber, in
// subscriber order. The transport invokes it with the bus lock held, so the
// open-set snapshot is consistent for the whole broadcast.
func (b *Bus) dispatch(buf []byte) {
	for _, tlc := range b.tlcs {
		if !tlc.open {
			continue
		}
		if tlc.intr == nil {
			// Open implies a callback was registered first.
			b.log.DPanic("open subscriber without interrupt handler",
				zap.Stringer("usage", tlc.usage))
			continue
		}
		tlc.intr(buf)
	}
	if b.stats != nil {
		b.stats.ReportsDispatched.Inc()
	}
}

// Lock exposes the bus-wide lock for subscriber drivers that need to
// coordinate with dispatch.
func (b *Bus) Lock() *sync.Mutex {
	return &b.mu
}

// Descriptor returns the parsed report descriptor summary.
func (b *Bus) Descriptor() *hiddesc.Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.desc
}

// RawDescriptor returns the raw report descriptor fetched during attach.
func (b *Bus) RawDescriptor() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rdesc
}

// Transport exposes the capability contract for report exchanges.
func (b *Bus) Transport() hid.Transport {
	return b.tr
}
