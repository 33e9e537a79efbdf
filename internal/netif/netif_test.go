// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package netif

import (
	"testing"

	"github.com/grailbio/base/errors"
	psnet "github.com/shirou/gopsutil/net"
)

func TestPick(t *testing.T) {
	ifaces := []psnet.InterfaceStat{
		{Name: "lo", Addrs: []psnet.InterfaceAddr{{Addr: "127.0.0.1/8"}, {Addr: "::1/128"}}},
		{Name: "eth0", Addrs: []psnet.InterfaceAddr{{Addr: "fe80::1/64"}, {Addr: "10.1.2.3/16"}}},
		{Name: "tun0", Addrs: []psnet.InterfaceAddr{{Addr: "fd00::2/64"}}},
		{Name: "down"},
	}
	for _, c := range []struct {
		name, want string
	}{
		{"lo", "127.0.0.1"},
		{"eth0", "10.1.2.3"},
		{"tun0", "fd00::2"},
	} {
		ip, err := pick(ifaces, c.name)
		if err != nil {
			t.Errorf("%s: %v", c.name, err)
			continue
		}
		if got, want := ip.String(), c.want; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	for _, name := range []string{"down", "wlan0"} {
		if _, err := pick(ifaces, name); !errors.Is(errors.NotExist, err) {
			t.Errorf("%s: got %v, want NotExist", name, err)
		}
	}
}
