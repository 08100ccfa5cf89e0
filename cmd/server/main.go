package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"strings"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dns-bridge/internal/controller"
	"dns-bridge/internal/tunnel"
)

// stringSlice is a custom flag type for multiple string values.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// errConfigUnsupported is returned by loadConfig; this bridge has no config
// file format of its own, so --config always fails rather than silently
// ignoring the flag.
var errConfigUnsupported = errors.New("cmd/server: --config is not implemented, use flags")

func loadConfig(string) error {
	return errConfigUnsupported
}

func main() {
	var domains stringSlice
	flag.Var(&domains, "domain", "Tunnel domain, repeatable (required)")
	flag.Var(&domains, "D", "Shorthand for --domain")
	dnsAddr := flag.String("dnsaddr", ":53", "DNS listen address ([addr:]port)")
	lAddr := flag.String("laddr", ":4444", "Controller listen address ([addr:]port)")
	ipAddr := flag.String("ipaddr", "", "Static IPv4 address answered for A queries (required)")
	configPath := flag.String("config", "", "Config file path (unsupported, kept for CLI parity)")
	logLevel := flag.String("log-level", "info", "Log level: debug/info/warn/error")
	memoryLimit := flag.Int("memory-limit", 400, "Memory limit in MB")

	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch *logLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		log.Fatal().Str("level", *logLevel).Msg("invalid log level")
	}

	debug.SetMemoryLimit(int64(*memoryLimit) * 1024 * 1024)

	if *configPath != "" {
		if err := loadConfig(*configPath); err != nil {
			log.Fatal().Err(err).Msg("cmd/server: --config failed")
		}
	}

	if len(domains) == 0 {
		log.Fatal().Msg("at least one --domain/-D is required")
	}
	if *ipAddr == "" {
		log.Fatal().Msg("--ipaddr is required")
	}
	if net.ParseIP(*ipAddr) == nil {
		log.Fatal().Str("ipaddr", *ipAddr).Msg("--ipaddr is not a valid IP address")
	}

	normalized := make([]string, 0, len(domains))
	for _, d := range domains {
		n := strings.ToLower(strings.TrimSuffix(d, "."))
		normalized = append(normalized, n)
		log.Info().Str("domain", n).Msg("registered tunnel domain")
	}

	reg := tunnel.NewRegistry()
	dnsHandler := tunnel.NewHandler(reg, normalized, *ipAddr)

	dnsServer := &dns.Server{
		Addr:    normalizeAddr(*dnsAddr, "53"),
		Net:     "udp",
		Handler: dns.HandlerFunc(dnsHandler.ServeDNS),
	}
	tcpDNSServer := &dns.Server{
		Addr:    normalizeAddr(*dnsAddr, "53"),
		Net:     "tcp",
		Handler: dns.HandlerFunc(dnsHandler.ServeDNS),
	}

	go func() {
		log.Info().Str("addr", dnsServer.Addr).Int("domains", len(normalized)).Msg("starting DNS server (udp)")
		if err := dnsServer.ListenAndServe(); err != nil {
			log.Fatal().Err(err).Msg("DNS server (udp) failed")
		}
	}()
	go func() {
		log.Info().Str("addr", tcpDNSServer.Addr).Msg("starting DNS server (tcp)")
		if err := tcpDNSServer.ListenAndServe(); err != nil {
			log.Fatal().Err(err).Msg("DNS server (tcp) failed")
		}
	}()

	ctrlListener := controller.NewListener(reg)
	ctrlAddr := normalizeAddr(*lAddr, "4444")
	log.Info().Str("addr", ctrlAddr).Msg("starting controller listener")
	if err := ctrlListener.Serve(ctrlAddr); err != nil {
		log.Fatal().Err(err).Msg("controller listener failed")
	}
}

// normalizeAddr turns a bare port ("53") into ":53" and leaves an
// already-qualified addr:port untouched, matching the teacher's -D flag
// ergonomics for [addr:]port style values.
func normalizeAddr(addr, defaultPort string) string {
	if addr == "" {
		return ":" + defaultPort
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	if _, err := fmt.Sscanf(addr, "%d", new(int)); err == nil {
		return ":" + addr
	}
	return addr
}
