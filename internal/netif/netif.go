// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package netif resolves network interface names to the addresses on
// which bigcomm ranks listen for their peers.
package netif

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	psnet "github.com/shirou/gopsutil/net"
)

// Addr returns the first IPv4 address of the named interface, falling
// back to its first IPv6 address.
func Addr(name string) (net.IP, error) {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return nil, errors.E(errors.Unavailable, "list network interfaces", err)
	}
	return pick(ifaces, name)
}

func pick(ifaces []psnet.InterfaceStat, name string) (net.IP, error) {
	for _, iface := range ifaces {
		if iface.Name != name {
			continue
		}
		var v6 net.IP
		for _, addr := range iface.Addrs {
			ip, _, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				ip = net.ParseIP(addr.Addr)
			}
			if ip == nil {
				continue
			}
			if ip.To4() != nil {
				return ip, nil
			}
			if v6 == nil {
				v6 = ip
			}
		}
		if v6 != nil {
			return v6, nil
		}
		return nil, errors.E(errors.NotExist, fmt.Sprintf("interface %s has no addresses", name))
	}
	var names []string
	for _, iface := range ifaces {
		if len(iface.Addrs) > 0 {
			names = append(names, iface.Name)
		}
	}
	sort.Strings(names)
	return nil, errors.E(errors.NotExist, fmt.Sprintf("no such interface %s (have %s)", name, strings.Join(names, ", ")))
}
