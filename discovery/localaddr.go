package discovery

import (
	"fmt"
	"net"
	"sort"
	"strings"
)

// LocalAddresses lists the non-loopback IPv4 addresses of every interface
// that is up.
func LocalAddresses() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || ip.IsLoopback() {
				continue
			}
			out = append(out, ip.String())
		}
	}
	sort.Strings(out)
	return out, nil
}

// PreferredLocalAddress picks the address to show the user: a 192.168 one
// when present, then any private one, then the first found.
func PreferredLocalAddress() string {
	addrs, err := LocalAddresses()
	if err != nil || len(addrs) == 0 {
		return ""
	}
	return preferAddress(addrs)
}

func preferAddress(addrs []string) string {
	for _, addr := range addrs {
		if strings.HasPrefix(addr, "192.") {
			return addr
		}
	}
	for _, addr := range addrs {
		if ip := net.ParseIP(addr); ip != nil && ip.IsPrivate() {
			return addr
		}
	}
	return addrs[0]
}
