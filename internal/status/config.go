package status

import (
	"net"
	"net/netip"
	"strings"
	"time"
)

const DefaultAddr = "127.0.0.1:7070"

// Config controls the optional status HTTP server.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

// listenerKey is the part of Config a running listener depends on.
func (c Config) listenerKey() Config {
	c.Enabled = false
	c.Addr = c.addr()
	return c
}

func needsRestart(prev, next Config) bool {
	return prev.listenerKey() != next.listenerKey()
}

// isLoopbackAddr reports whether host:port binds to loopback only. An empty
// host binds every interface.
func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	switch host = strings.TrimSpace(host); {
	case host == "":
		return false
	case strings.EqualFold(host, "localhost"):
		return true
	}
	ip, err := netip.ParseAddr(host)
	return err == nil && ip.Unmap().IsLoopback()
}
