// Command seedstub serves DNS seed records for local test networks so nodes
// can be pointed at it through p2p.DNSServer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"gopkg.in/yaml.v3"

	"github.com/hxuchen/snarkOS/observability/logging"
)

// Zone maps seed names to the peer IPs they resolve to.
type Zone struct {
	TTL   uint32              `yaml:"ttl"`
	Seeds map[string][]string `yaml:"seeds"`
}

func main() {
	var (
		zonePath   = flag.String("zone", "seeds.yaml", "YAML file mapping seed names to peer IPs")
		listenAddr = flag.String("listen", "127.0.0.1:8053", "Address to listen on (ip:port)")
		logLevel   = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	logger := logging.Setup(logging.Options{Service: "seedstub", Level: *logLevel})
	zone, err := loadZone(*zonePath)
	if err != nil {
		logger.Error("failed to load zone", slog.Any("error", err))
		os.Exit(1)
	}

	handler, err := newHandler(zone, logger)
	if err != nil {
		logger.Error("invalid zone", slog.Any("error", err))
		os.Exit(1)
	}

	servers := []*dns.Server{
		{Addr: *listenAddr, Net: "udp", Handler: handler},
		{Addr: *listenAddr, Net: "tcp", Handler: handler},
	}
	errs := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *dns.Server) { errs <- srv.ListenAndServe() }(srv)
	}
	logger.Info("seed DNS stub listening", slog.String("address", *listenAddr), slog.Int("names", len(zone.Seeds)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case <-ctx.Done():
	case err := <-errs:
		logger.Error("dns server error", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.ShutdownContext(shutdownCtx)
	}
	logger.Info("seed DNS stub shut down")
}

func loadZone(path string) (*Zone, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	var zone Zone
	if err := dec.Decode(&zone); err != nil {
		return nil, fmt.Errorf("decode zone: %w", err)
	}
	return &zone, nil
}

// seedHandler answers A and AAAA queries for the configured names.
type seedHandler struct {
	ttl     uint32
	mu      sync.RWMutex
	records map[string][]net.IP
	logger  *slog.Logger
}

func newHandler(zone *Zone, logger *slog.Logger) (*seedHandler, error) {
	if zone == nil || len(zone.Seeds) == 0 {
		return nil, errors.New("zone has no seeds")
	}
	ttl := zone.TTL
	if ttl == 0 {
		ttl = 60
	}
	h := &seedHandler{ttl: ttl, records: make(map[string][]net.IP, len(zone.Seeds)), logger: logger}
	for name, raw := range zone.Seeds {
		fqdn := strings.ToLower(dns.Fqdn(strings.TrimSpace(name)))
		if fqdn == "." {
			return nil, errors.New("empty seed name")
		}
		for _, entry := range raw {
			ip := net.ParseIP(strings.TrimSpace(entry))
			if ip == nil {
				return nil, fmt.Errorf("seed %s: %q is not an IP", name, entry)
			}
			h.records[fqdn] = append(h.records[fqdn], ip)
		}
		sort.Slice(h.records[fqdn], func(i, j int) bool {
			return h.records[fqdn][i].String() < h.records[fqdn][j].String()
		})
	}
	return h, nil
}

func (h *seedHandler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true

	if len(r.Question) > 0 {
		q := r.Question[0]
		h.mu.RLock()
		ips, ok := h.records[strings.ToLower(q.Name)]
		h.mu.RUnlock()
		switch {
		case !ok:
			msg.Rcode = dns.RcodeNameError
		case q.Qtype == dns.TypeA || q.Qtype == dns.TypeAAAA:
			msg.Answer = h.answer(q, ips)
		default:
			msg.Rcode = dns.RcodeNotImplemented
		}
	}
	if err := w.WriteMsg(msg); err != nil {
		h.logger.Warn("failed to write DNS response", slog.Any("error", err))
	}
}

func (h *seedHandler) answer(q dns.Question, ips []net.IP) []dns.RR {
	hdr := func(rrtype uint16) dns.RR_Header {
		return dns.RR_Header{Name: q.Name, Rrtype: rrtype, Class: dns.ClassINET, Ttl: h.ttl}
	}
	var out []dns.RR
	for _, ip := range ips {
		v4 := ip.To4()
		switch {
		case q.Qtype == dns.TypeA && v4 != nil:
			out = append(out, &dns.A{Hdr: hdr(dns.TypeA), A: v4})
		case q.Qtype == dns.TypeAAAA && v4 == nil:
			out = append(out, &dns.AAAA{Hdr: hdr(dns.TypeAAAA), AAAA: ip})
		}
	}
	return out
}
