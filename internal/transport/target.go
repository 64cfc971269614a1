package transport

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

const defaultBase = "/api"

// Query parameters presented at handshake time.
const (
	QueryToken = "x-afb-token"
	QueryUUID  = "x-afb-uuid"
)

// Target is the location of the binder's WebSocket endpoint.
type Target struct {
	Scheme string // ws or wss
	Host   string
	Port   string
	Base   string // path, always with a leading slash
}

// ParseTarget accepts "ws://host:port/base", "http(s)://..." (mapped to
// ws(s)), or a bare "host:port/base".
func ParseTarget(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, fmt.Errorf("empty base location")
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("parse base location: %w", err)
	}

	t := Target{Host: u.Hostname(), Port: u.Port(), Base: u.Path}
	switch u.Scheme {
	case "ws", "http":
		t.Scheme = "ws"
	case "wss", "https":
		t.Scheme = "wss"
	default:
		return Target{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if t.Host == "" {
		return Target{}, fmt.Errorf("missing host in %q", raw)
	}
	if t.Base == "" || t.Base == "/" {
		t.Base = defaultBase
	}
	return t, nil
}

// WithLocation returns t pointed at another host. location may carry its own
// port; a non-empty port argument wins.
func (t Target) WithLocation(location, port string) Target {
	location = strings.TrimSpace(location)
	if h, p, err := net.SplitHostPort(location); err == nil {
		location = h
		if port == "" {
			port = p
		}
	}
	if location != "" {
		t.Host = location
	}
	t.Port = strings.TrimSpace(port)
	return t
}

// URL renders the handshake URL, adding credentials when known.
func (t Target) URL(token, sessionID string) string {
	host := t.Host
	if t.Port != "" {
		host = net.JoinHostPort(t.Host, t.Port)
	}
	u := url.URL{Scheme: t.Scheme, Host: host, Path: t.Base}

	q := url.Values{}
	if token != "" {
		q.Set(QueryToken, token)
	}
	if sessionID != "" {
		q.Set(QueryUUID, sessionID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (t Target) String() string {
	return t.URL("", "")
}
