// Package peerresolver discovers federation peer registry endpoints through
// DNS SRV records. Each federation publishes a _registry._tcp SRV record
// under its domain; the targets point at its registry API servers.
package peerresolver

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// Service is the SRV service label for federation registries.
const Service = "_registry._tcp"

// Endpoint is one peer registry endpoint.
type Endpoint struct {
	Host string
	Port uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Resolver queries DNS for peer registry SRV records.
type Resolver struct {
	// Server is the DNS server address, host:port.
	Server string
}

// New creates a resolver against the local stub resolver.
func New() *Resolver {
	return &Resolver{Server: "127.0.0.53:53"}
}

// Resolve returns the registry endpoints published under domain.
func (r *Resolver) Resolve(domain string) ([]Endpoint, error) {
	name := dns.Fqdn(Service + "." + domain)

	m := new(dns.Msg)
	m.Id = dns.Id()
	m.RecursionDesired = true
	m.Question = []dns.Question{{Name: name, Qtype: dns.TypeSRV, Qclass: dns.ClassINET}}

	c := new(dns.Client)
	in, _, err := c.Exchange(m, r.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to query %q: %w", name, err)
	}

	endpoints := EndpointsFromAnswer(in.Answer)
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no registry SRV records under %q", domain)
	}
	return endpoints, nil
}

// EndpointsFromAnswer extracts registry endpoints from SRV answer records.
func EndpointsFromAnswer(answer []dns.RR) []Endpoint {
	endpoints := make([]Endpoint, 0, len(answer))
	for _, rr := range answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		endpoints = append(endpoints, Endpoint{
			Host: strings.TrimSuffix(srv.Target, "."),
			Port: srv.Port,
		})
	}
	return endpoints
}
