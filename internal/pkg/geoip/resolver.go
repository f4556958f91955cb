package geoip

import (
	"net"
	"strings"
)

// Resolver maps client IPs to coarse locations for the risk engine.
type Resolver interface {
	Country(ip string) (string, error)
	City(ip string) (string, error)
}

// StaticResolver is used when no MaxMind database is configured. Private
// and loopback ranges resolve to a stable pseudo-country so local logins
// don't trip the new-country signal.
type StaticResolver struct {
	Default string
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{Default: "US"}
}

func (r *StaticResolver) Country(ip string) (string, error) {
	host := ip
	if h, _, err := net.SplitHostPort(ip); err == nil {
		host = h
	}
	parsed := net.ParseIP(strings.TrimSpace(host))
	if parsed != nil && (parsed.IsLoopback() || parsed.IsPrivate()) {
		return "LOCAL", nil
	}
	return r.Default, nil
}

func (r *StaticResolver) City(ip string) (string, error) {
	return "", nil
}
