package clients

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ResolveAdminURL looks up an SRV record such as "_vhdadmin._tcp.example.net"
// and returns "http://target:port" of the best record. nameserver is a
// host:port; when empty the system resolver configuration is used.
func ResolveAdminURL(ctx context.Context, srvName, nameserver string) (string, error) {
	if nameserver == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || len(conf.Servers) == 0 {
			return "", fmt.Errorf("no nameserver configured for SRV lookup of %s", srvName)
		}
		nameserver = net.JoinHostPort(conf.Servers[0], conf.Port)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(srvName), dns.TypeSRV)
	client := &dns.Client{Timeout: 5 * time.Second}

	in, _, err := client.ExchangeContext(ctx, msg, nameserver)
	if err != nil {
		return "", fmt.Errorf("SRV lookup of %s failed: %w", srvName, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("SRV lookup of %s: %s", srvName, dns.RcodeToString[in.Rcode])
	}

	var records []*dns.SRV
	for _, rr := range in.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	if len(records) == 0 {
		return "", errors.New("no SRV records for " + srvName)
	}

	// Lowest priority first, then highest weight.
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})
	best := records[0]
	host := strings.TrimSuffix(best.Target, ".")
	return "http://" + net.JoinHostPort(host, strconv.Itoa(int(best.Port))), nil
}
