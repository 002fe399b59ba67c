package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name relays advertise.
	DefaultService = "_relaychat._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
)

// ErrNoRelay is returned when a scan finds no usable relay.
var ErrNoRelay = errors.New("discovery: no relay found")

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls relay lookup.
type Config struct {
	Service     string
	Domain      string
	Version     int
	ScanTimeout time.Duration
	Logger      *slog.Logger

	browseFn browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Relay is one relay endpoint advertised on the LAN.
//
// TXT records: version=<n>, path=<websocket path>, tls=<0|1>.
type Relay struct {
	Instance  string
	HostName  string
	Port      int
	Addresses []string
	Path      string
	TLS       bool
	Version   int
}

// URL returns the WebSocket URL of the relay, preferring an IPv4 address.
func (r Relay) URL() string {
	scheme := "ws"
	if r.TLS {
		scheme = "wss"
	}
	host := strings.TrimSuffix(r.HostName, ".")
	if len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	path := r.Path
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(r.Port)) + path
}

// Browse scans for relays for one ScanTimeout window and returns them sorted
// by instance name.
func Browse(ctx context.Context, config Config) ([]Relay, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Relay)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				relay, ok := parseEntry(entry, cfg.Version)
				if !ok {
					cfg.Logger.Debug("relay advertisement ignored", "instance", entry.Instance)
					continue
				}
				collectedMu.Lock()
				collected[relay.Instance] = relay
				collectedMu.Unlock()
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return nil, fmt.Errorf("browse %s: %w", cfg.Service, err)
	}

	<-scanCtx.Done()
	<-collectorDone
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	collectedMu.Lock()
	defer collectedMu.Unlock()
	out := make([]Relay, 0, len(collected))
	for _, relay := range collected {
		out = append(out, relay)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

// LookupRelay returns the WebSocket URL of the first relay found.
func LookupRelay(ctx context.Context, config Config) (string, error) {
	relays, err := Browse(ctx, config)
	if err != nil {
		return "", err
	}
	if len(relays) == 0 {
		return "", ErrNoRelay
	}
	url := relays[0].URL()
	config.withDefaults().Logger.Info("relay discovered", "instance", relays[0].Instance, "url", url, "candidates", len(relays))
	return url, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, wantVersion int) (Relay, bool) {
	if entry.Port <= 0 {
		return Relay{}, false
	}
	txt := txtToMap(entry.Text)

	version := 0
	if txt["version"] != "" {
		parsed, err := strconv.Atoi(txt["version"])
		if err != nil {
			return Relay{}, false
		}
		version = parsed
	}
	if version != 0 && version != wantVersion {
		return Relay{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, group := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		sorted := make([]string, 0, len(group))
		for _, ip := range group {
			if ip == nil {
				continue
			}
			raw := ip.String()
			if _, exists := seen[raw]; exists {
				continue
			}
			seen[raw] = struct{}{}
			sorted = append(sorted, raw)
		}
		sort.Strings(sorted)
		addresses = append(addresses, sorted...)
	}
	if len(addresses) == 0 && strings.TrimSpace(entry.HostName) == "" {
		return Relay{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}

	tls := false
	switch strings.ToLower(txt["tls"]) {
	case "1", "true", "yes":
		tls = true
	}

	return Relay{
		Instance:  name,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
		Path:      txt["path"],
		TLS:       tls,
		Version:   version,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
