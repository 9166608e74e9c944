package launcher

import (
	"fmt"
	"net"
	"strconv"
)

// DefaultHost is the only host the backend is reached on
const DefaultHost = "localhost"

// Endpoint is where the backend listens once its port is known
type Endpoint struct {
	Host string
	Port int
}

// NewEndpoint returns the localhost endpoint for port
func NewEndpoint(port int) Endpoint {
	return Endpoint{Host: DefaultHost, Port: port}
}

// BaseURL returns the http base URL, e.g. http://localhost:9321
func (e Endpoint) BaseURL() string {
	host := e.Host
	if host == "" {
		host = DefaultHost
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(e.Port))
}

// ValidPort reports whether port is a usable TCP port
func ValidPort(port int) bool {
	return port > 0 && port <= 65535
}

// PortArg renders the port hint flag understood by the backend
func PortArg(port int) string {
	return "--port=" + strconv.Itoa(port)
}

// PortPolicy selects how the backend port is agreed for a deployment.
// The two policies are exclusive.
type PortPolicy string

const (
	// PortPolicyAnnounce lets the backend pick its port and print it on stdout
	PortPolicyAnnounce PortPolicy = "announce"
	// PortPolicyFixed passes --port=<N> and polls N directly
	PortPolicyFixed PortPolicy = "fixed"
)

// ParsePortPolicy converts a configuration value into a PortPolicy
func ParsePortPolicy(s string) (PortPolicy, error) {
	switch p := PortPolicy(s); p {
	case PortPolicyAnnounce, PortPolicyFixed:
		return p, nil
	case "":
		return PortPolicyAnnounce, nil
	default:
		return "", fmt.Errorf("unknown port policy %q (want %q or %q)", s, PortPolicyAnnounce, PortPolicyFixed)
	}
}
