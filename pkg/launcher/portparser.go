package launcher

import (
	"regexp"
	"strconv"
	"sync"
)

// DefaultAnnouncePrefix is the stdout marker the backend prints once bound
const DefaultAnnouncePrefix = "Backend started on port"

// PortParser watches stdout for the port announcement and captures the
// first valid port. Later announcements are ignored.
type PortParser struct {
	pattern *regexp.Regexp

	mu    sync.Mutex
	port  int
	found chan struct{}
}

// NewPortParser builds a parser for lines containing prefix followed by a
// decimal port, optionally separated by a colon.
func NewPortParser(prefix string) *PortParser {
	if prefix == "" {
		prefix = DefaultAnnouncePrefix
	}
	return &PortParser{
		pattern: regexp.MustCompile(regexp.QuoteMeta(prefix) + `\s*:?\s*(\d+)`),
		found:   make(chan struct{}),
	}
}

// Feed inspects one output line. It satisfies LineHandler.
func (p *PortParser) Feed(stream Stream, line string) {
	if stream != StreamStdout {
		return
	}

	port, ok := p.Match(line)
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.port != 0 {
		return
	}
	p.port = port
	close(p.found)
}

// Match extracts the announced port from line without recording it
func (p *PortParser) Match(line string) (int, bool) {
	m := p.pattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	port, err := strconv.Atoi(m[1])
	if err != nil || !ValidPort(port) {
		return 0, false
	}
	return port, true
}

// Found is closed when the first port has been captured
func (p *PortParser) Found() <-chan struct{} {
	return p.found
}

// Port returns the captured port, if any
func (p *PortParser) Port() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port, p.port != 0
}
