package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func relayEntry(instance string, port int, ips []net.IP, txt ...string) *zeroconf.ServiceEntry {
	entry := zeroconf.NewServiceEntry(instance, DefaultService, DefaultDomain)
	entry.HostName = instance + ".local."
	entry.Port = port
	entry.AddrIPv4 = ips
	entry.Text = txt
	return entry
}

func staticBrowse(entries ...*zeroconf.ServiceEntry) browseFunc {
	return func(ctx context.Context, service, domain string, out chan<- *zeroconf.ServiceEntry) error {
		for _, entry := range entries {
			select {
			case out <- entry:
			case <-ctx.Done():
				return nil
			}
		}
		return nil
	}
}

func TestBrowseCollectsAndSortsRelays(t *testing.T) {
	var gotService, gotDomain string
	browse := staticBrowse(
		relayEntry("zeta", 8443, []net.IP{net.ParseIP("10.0.0.9")}, "version=1", "path=/ws", "tls=1"),
		relayEntry("alpha", 7000, []net.IP{net.ParseIP("10.0.0.2"), net.ParseIP("10.0.0.1")}, "version=1"),
		relayEntry("legacy", 7001, []net.IP{net.ParseIP("10.0.0.3")}, "version=7"),
		relayEntry("portless", 0, []net.IP{net.ParseIP("10.0.0.4")}),
	)

	cfg := Config{
		ScanTimeout: 100 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, out chan<- *zeroconf.ServiceEntry) error {
			gotService, gotDomain = service, domain
			return browse(ctx, service, domain, out)
		},
	}

	relays, err := Browse(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Browse failed: %v", err)
	}
	if gotService != DefaultService || gotDomain != DefaultDomain {
		t.Fatalf("unexpected browse target %q %q", gotService, gotDomain)
	}
	if len(relays) != 2 {
		t.Fatalf("expected 2 relays, got %d: %+v", len(relays), relays)
	}
	if relays[0].Instance != "alpha" || relays[1].Instance != "zeta" {
		t.Fatalf("unexpected relay order: %+v", relays)
	}
	if got := relays[0].URL(); got != "ws://10.0.0.1:7000/" {
		t.Fatalf("unexpected alpha url %q", got)
	}
	if got := relays[1].URL(); got != "wss://10.0.0.9:8443/ws" {
		t.Fatalf("unexpected zeta url %q", got)
	}
}

func TestLookupRelayReturnsFirstURL(t *testing.T) {
	cfg := Config{
		ScanTimeout: 50 * time.Millisecond,
		browseFn:    staticBrowse(relayEntry("home", 9000, []net.IP{net.ParseIP("192.168.1.5")}, "path=relay")),
	}

	url, err := LookupRelay(context.Background(), cfg)
	if err != nil {
		t.Fatalf("LookupRelay failed: %v", err)
	}
	if url != "ws://192.168.1.5:9000/relay" {
		t.Fatalf("unexpected url %q", url)
	}
}

func TestLookupRelayWithoutAdvertisements(t *testing.T) {
	cfg := Config{
		ScanTimeout: 20 * time.Millisecond,
		browseFn:    staticBrowse(),
	}

	if _, err := LookupRelay(context.Background(), cfg); !errors.Is(err, ErrNoRelay) {
		t.Fatalf("expected ErrNoRelay, got %v", err)
	}
}

func TestBrowseErrorIsReturned(t *testing.T) {
	cfg := Config{
		ScanTimeout: 20 * time.Millisecond,
		browseFn: func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
			return errors.New("no multicast interface")
		},
	}

	if _, err := Browse(context.Background(), cfg); err == nil {
		t.Fatalf("expected browse error")
	}
}

func TestRelayURLFallsBackToHostName(t *testing.T) {
	relay := Relay{HostName: "relay.local.", Port: 7000, Path: "ws"}
	if got := relay.URL(); got != "ws://relay.local:7000/ws" {
		t.Fatalf("unexpected url %q", got)
	}

	v6 := Relay{Addresses: []string{"fe80::1"}, Port: 7000, TLS: true}
	if got := v6.URL(); got != "wss://[fe80::1]:7000/" {
		t.Fatalf("unexpected url %q", got)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Service != DefaultService || cfg.Domain != DefaultDomain {
		t.Fatalf("unexpected defaults %q %q", cfg.Service, cfg.Domain)
	}
	if cfg.ScanTimeout != DefaultScanTimeout {
		t.Fatalf("expected default scan timeout, got %s", cfg.ScanTimeout)
	}
	if cfg.Version != DefaultVersion {
		t.Fatalf("expected default version, got %d", cfg.Version)
	}
}
