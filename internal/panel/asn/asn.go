// Package asn resolves an IP address to its origin ASN via the Team
// Cymru DNS whois service (a reversed-octet query against
// origin.asn.cymru.com, answered as a TXT record), and memoizes the
// result for 7 days in the panel store. Grounded on activecm-rita, the
// only repo in the pack built around miekg/dns lookups for threat-intel
// style enrichment.
package asn

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"gorm.io/gorm"

	store "github.com/nodewatch/fleetctl/internal/store/panel"
)

const (
	cacheTTL   = 7 * 24 * time.Hour
	queryZone  = "origin.asn.cymru.com."
	dnsTimeout = 3 * time.Second
)

// Resolver looks up and caches IP -> ASN/prefix mappings.
type Resolver struct {
	db     *gorm.DB
	server string // resolver address, e.g. "1.1.1.1:53"
	client *dns.Client
}

func New(db *gorm.DB, resolverAddr string) *Resolver {
	if resolverAddr == "" {
		resolverAddr = "8.8.8.8:53"
	}
	return &Resolver{
		db:     db,
		server: resolverAddr,
		client: &dns.Client{Timeout: dnsTimeout},
	}
}

// Lookup returns (asn, prefix) for ip, using the 7-day cache where
// possible and falling back to a live Cymru DNS query on miss.
func (r *Resolver) Lookup(ctx context.Context, ip string) (string, string, error) {
	var cached store.ASNCache
	if err := r.db.WithContext(ctx).First(&cached, "ip = ?", ip).Error; err == nil {
		if time.Since(cached.CachedAt) < cacheTTL {
			return cached.ASN, cached.Prefix, nil
		}
	}

	asnStr, prefix, err := r.queryCymru(ip)
	if err != nil {
		if cached.IP != "" {
			// serve stale cache over a failed live lookup
			return cached.ASN, cached.Prefix, nil
		}
		return "", "", err
	}

	row := store.ASNCache{IP: ip, ASN: asnStr, Prefix: prefix, CachedAt: time.Now()}
	r.db.Save(&row)
	return asnStr, prefix, nil
}

func (r *Resolver) queryCymru(ip string) (string, string, error) {
	name, err := reverseQueryName(ip)
	if err != nil {
		return "", "", err
	}

	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeTXT)
	resp, _, err := r.client.Exchange(m, r.server)
	if err != nil {
		return "", "", err
	}
	for _, ans := range resp.Answer {
		txt, ok := ans.(*dns.TXT)
		if !ok || len(txt.Txt) == 0 {
			continue
		}
		// Cymru TXT format: "ASN | prefix | country | registry | allocated"
		fields := strings.Split(txt.Txt[0], "|")
		if len(fields) < 2 {
			continue
		}
		return strings.TrimSpace(fields[0]), strings.TrimSpace(fields[1]), nil
	}
	return "", "", fmt.Errorf("no ASN record for %s", ip)
}

// reverseQueryName builds "d.c.b.a.origin.asn.cymru.com." for IPv4.
func reverseQueryName(ipStr string) (string, error) {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "", fmt.Errorf("invalid IP %q", ipStr)
	}
	v4 := ip.To4()
	if v4 == nil {
		return "", fmt.Errorf("ASN lookup only supports IPv4: %q", ipStr)
	}
	return fmt.Sprintf("%d.%d.%d.%d.%s", v4[3], v4[2], v4[1], v4[0], queryZone), nil
}

// ResolveHostAddrs resolves host's A/AAAA records via the same resolver,
// used to build an infrastructure-IP set from known-infra domain names.
func (r *Resolver) ResolveHostAddrs(ctx context.Context, host string) ([]string, error) {
	var out []string
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		resp, _, err := r.client.ExchangeContext(ctx, m, r.server)
		if err != nil {
			continue
		}
		for _, ans := range resp.Answer {
			switch rr := ans.(type) {
			case *dns.A:
				out = append(out, rr.A.String())
			case *dns.AAAA:
				out = append(out, rr.AAAA.String())
			}
		}
	}
	return out, nil
}
