package discovery

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// BrowserConfig configures browse behavior.
type BrowserConfig struct {
	// Timeout is the default timeout for bounded operations like Find.
	// Default: BrowseTimeout.
	Timeout time.Duration

	// Interface restricts browsing to one network interface.
	// Empty string means all interfaces.
	Interface string
}

// Browser browses for instrument announcements.
type Browser struct {
	config BrowserConfig

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewBrowser creates a browser.
func NewBrowser(config BrowserConfig) *Browser {
	if config.Timeout <= 0 {
		config.Timeout = BrowseTimeout
	}
	return &Browser{config: config}
}

// Browse searches for instruments announcing the given service type
// (e.g. ServiceLXI). The returned channel yields each instrument once,
// aggregated by instance name across interfaces, and closes when the
// context is cancelled.
func (b *Browser) Browse(ctx context.Context, service string) (<-chan *Service, error) {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	out := make(chan *Service)
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	go func() {
		defer close(out)

		// Aggregate by instance name: the same instrument may be
		// announced on several interfaces.
		services := make(map[string]*Service)

		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				svc := entryToService(entry)

				existing, found := services[svc.InstanceName]
				if found {
					existing.Addresses = mergeAddresses(existing.Addresses, svc.Addresses)
					continue
				}
				services[svc.InstanceName] = svc
				select {
				case out <- svc:
				case <-ctx.Done():
					return
				}

			case entry, ok := <-removed:
				if !ok {
					continue
				}
				if existing, found := services[entry.Instance]; found {
					existing.Addresses = removeAddresses(existing.Addresses, entryAddresses(entry))
					if len(existing.Addresses) == 0 {
						delete(services, entry.Instance)
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		_ = zeroconf.Browse(ctx, service, Domain, entries, removed, b.browserOptions()...)
	}()

	return out, nil
}

// Find searches for an instrument whose model matches the given string.
// Returns the first match, or an error when the timeout elapses.
func (b *Browser) Find(ctx context.Context, service, model string) (*Service, error) {
	ctx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	results, err := b.Browse(ctx, service)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case svc, ok := <-results:
			if !ok {
				return nil, ctx.Err()
			}
			if svc.Model == model {
				return svc, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Stop cancels any active browse.
func (b *Browser) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}

func (b *Browser) browserOptions() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if b.config.Interface != "" {
		iface, err := net.InterfaceByName(b.config.Interface)
		if err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		}
	}
	return opts
}

func entryToService(entry *zeroconf.ServiceEntry) *Service {
	svc := &Service{
		InstanceName: entry.Instance,
		Host:         entry.HostName,
		Port:         uint16(entry.Port),
		Addresses:    entryAddresses(entry),
	}
	DecodeTXT(entry.Text, svc)
	return svc
}

func entryAddresses(entry *zeroconf.ServiceEntry) []string {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return addrs
}
