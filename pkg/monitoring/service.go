package monitoring

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// Service locates a running monitoring service instance. It is created once
// per run and never modified.
type Service struct {
	Schema string
	Addr   string
	Port   int
}

// Local is the handle of a monitoring service listening on this host.
func Local(port int) Service {
	return Service{Schema: "http", Addr: "localhost", Port: port}
}

// ParseService builds a handle from a base URL such as http://10.0.0.1:8080.
// Any path in raw is ignored.
func ParseService(raw string) (Service, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Service{}, fmt.Errorf("parse monitoring url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Service{}, fmt.Errorf("monitoring url %q: schema must be http or https", raw)
	}
	host := u.Hostname()
	if host == "" {
		return Service{}, fmt.Errorf("monitoring url %q: missing host", raw)
	}
	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Service{}, fmt.Errorf("monitoring url %q: invalid port", raw)
		}
	}
	return Service{Schema: u.Scheme, Addr: host, Port: port}, nil
}

// URL returns the machines collection endpoint.
func (s Service) URL() string {
	u := url.URL{
		Scheme: s.Schema,
		Host:   net.JoinHostPort(s.Addr, strconv.Itoa(s.Port)),
		Path:   "/machines",
	}
	return u.String()
}

func (s Service) String() string {
	return fmt.Sprintf("%s://%s", s.Schema, net.JoinHostPort(s.Addr, strconv.Itoa(s.Port)))
}
