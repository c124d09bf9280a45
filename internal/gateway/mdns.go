package gateway

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_punchsync._tcp"
	mdnsDomain      = "local."
)

// startMDNS advertises the push endpoint so terminals on the LAN can find it.
func (srv *Server) startMDNS() error {
	port, err := listenPort(srv.cfg.ListenAddr)
	if err != nil {
		return err
	}

	srv.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "punchsync"
	}
	instance := sanitizeMDNSInstance(srv.cfg.MDNS.Instance, hostname)

	txt := []string{
		"path=/biometric/events",
		"heartbeat=/biometric/heartbeat",
		"proto=v1",
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return err
	}
	srv.mdns = server
	srv.log.Info("mDNS advertisement started", "instance", instance, "port", port)
	return nil
}

func (srv *Server) stopMDNS() {
	if srv.mdns == nil {
		return
	}
	srv.mdns.Shutdown()
	srv.log.Info("mDNS advertisement stopped")
	srv.mdns = nil
}

func listenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("listen address %q: invalid port", addr)
	}
	return port, nil
}

// sanitizeMDNSInstance builds a DNS-SD instance label of at most 63 runes.
func sanitizeMDNSInstance(name, hostname string) string {
	if name == "" {
		name = "punchsync"
	}
	cleaned := strings.TrimSpace(fmt.Sprintf("%s (%s)", name, hostname))
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(cleaned)
	runes := []rune(cleaned)
	const maxLen = 63
	if len(runes) > maxLen {
		cleaned = string(runes[:maxLen])
	}
	return cleaned
}
