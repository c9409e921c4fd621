package handler

import (
	"strings"
	"sync"

	"OpenWallet-Core/internal/port"
)

// Phishing is a host denylist. A host is denied when it or any parent
// domain is listed.
type Phishing struct {
	mu     sync.RWMutex
	denied map[string]bool
}

// NewPhishing builds a denylist from host names or urls.
func NewPhishing(hosts []string) *Phishing {
	p := &Phishing{}
	p.Replace(hosts)
	return p
}

// Replace swaps the whole list.
func (p *Phishing) Replace(hosts []string) {
	denied := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		if key := port.OriginKey(h); key != "" {
			denied[key] = true
		}
	}
	p.mu.Lock()
	p.denied = denied
	p.mu.Unlock()
}

// Denied reports whether url belongs to a listed host.
func (p *Phishing) Denied(url string) bool {
	host := port.OriginKey(url)
	if host == "" {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for {
		if p.denied[host] {
			return true
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return false
		}
		host = host[i+1:]
	}
}
