package conn

import (
	"context"
	"fmt"
	"net"
	"sort"

	"go.uber.org/zap"
)

// SRVDiscovery locates directory servers through DNS SRV records.
type SRVDiscovery struct {
	resolver *net.Resolver
	log      *zap.Logger
}

// NewSRVDiscovery returns a discovery helper using the default resolver.
func NewSRVDiscovery(log *zap.Logger) *SRVDiscovery {
	if log == nil {
		log = zap.NewNop()
	}
	return &SRVDiscovery{resolver: net.DefaultResolver, log: log}
}

// DiscoverServers resolves the _ldaps and _ldap SRV records for domain and
// returns the advertised servers ordered by priority (ascending) and weight
// (descending). LDAPS records are preferred when both exist.
func (d *SRVDiscovery) DiscoverServers(ctx context.Context, domain string) ([]*ServerInfo, error) {
	if domain == "" {
		return nil, fmt.Errorf("domain cannot be empty")
	}

	services := []struct {
		service string
		useTLS  bool
	}{
		{"ldaps", true},
		{"ldap", false},
	}

	var servers []*ServerInfo
	var lastErr error
	for _, svc := range services {
		_, records, err := d.resolver.LookupSRV(ctx, svc.service, "tcp", domain)
		if err != nil {
			lastErr = err
			d.log.Debug("SRV lookup failed",
				zap.String("service", svc.service),
				zap.String("domain", domain),
				zap.Error(err))
			continue
		}
		for _, rec := range records {
			servers = append(servers, &ServerInfo{
				Host:     trimTrailingDot(rec.Target),
				Port:     int(rec.Port),
				UseTLS:   svc.useTLS,
				Priority: int(rec.Priority),
				Weight:   int(rec.Weight),
				Source:   "srv",
			})
		}
		if len(servers) > 0 {
			break
		}
	}

	if len(servers) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("SRV discovery for %s: %w", domain, lastErr)
		}
		return nil, fmt.Errorf("no SRV records found for %s", domain)
	}

	SortServers(servers)
	d.log.Debug("discovered servers via SRV",
		zap.String("domain", domain),
		zap.Int("count", len(servers)))
	return servers, nil
}

// SortServers orders servers by priority ascending, then weight descending.
func SortServers(servers []*ServerInfo) {
	sort.SliceStable(servers, func(i, j int) bool {
		if servers[i].Priority != servers[j].Priority {
			return servers[i].Priority < servers[j].Priority
		}
		return servers[i].Weight > servers[j].Weight
	})
}

func trimTrailingDot(host string) string {
	if len(host) > 0 && host[len(host)-1] == '.' {
		return host[:len(host)-1]
	}
	return host
}
