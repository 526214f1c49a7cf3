package mcp

import (
	"net"
	"strings"
)

// hostBlocklist names hosts rejected regardless of DNS resolution, for the
// common cloud metadata endpoints attackers target via SSRF.
var hostBlocklist = map[string]bool{
	"metadata.google.internal": true,
	"169.254.169.254":          true,
}

// isBlockedHost rejects hostnames on the blocklist, or that resolve to a
// private/loopback/link-local/reserved address, before any outbound dial.
func isBlockedHost(host string) bool {
	h := strings.ToLower(host)
	if hostBlocklist[h] {
		return true
	}
	if ip := net.ParseIP(h); ip != nil {
		return isReservedIP(ip)
	}
	ips, err := net.LookupIP(h)
	if err != nil {
		// Unresolvable hosts fail at dial time; connect() doesn't pre-block them.
		return false
	}
	for _, ip := range ips {
		if isReservedIP(ip) {
			return true
		}
	}
	return false
}

func isReservedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
