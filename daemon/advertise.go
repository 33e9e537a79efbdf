// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package daemon

import (
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/errors"
	"gopkg.in/yaml.v2"
)

// An Advertisement is written by a running daemon so that clients on
// the same node can find it by identity.
type Advertisement struct {
	Partition string `yaml:"partition"`
	Name      string `yaml:"name"`
	Addr      string `yaml:"addr"`
	Pid       int    `yaml:"pid"`
	Started   string `yaml:"started"`
}

// DefaultDir returns the default advertisement directory:
// $XDG_CONFIG_HOME/bigcomm, or $HOME/.config/bigcomm if XDG_CONFIG_HOME
// is not set.
func DefaultDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "bigcomm")
	}
	home := os.Getenv("HOME")
	if home == "" {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "bigcomm")
}

// AdvertisementPath returns the path of the advertisement of the daemon
// with the provided identity.
func AdvertisementPath(dir string, id Identity) string {
	return filepath.Join(dir, id.Partition, id.Name)
}

// Advertise writes the advertisement into dir, replacing any previous
// advertisement of the same identity. It returns the path of the
// advertisement file.
func Advertise(dir string, ad Advertisement) (string, error) {
	path := AdvertisementPath(dir, Identity{ad.Partition, ad.Name})
	b, err := yaml.Marshal(ad)
	if err != nil {
		return "", errors.E(errors.Invalid, "marshal advertisement", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return "", errors.E("advertise "+path, err)
	}
	f, err := ioutil.TempFile(filepath.Dir(path), "."+ad.Name+".")
	if err != nil {
		return "", errors.E("advertise "+path, err)
	}
	_, err = f.Write(b)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(f.Name(), path)
	}
	if err != nil {
		os.Remove(f.Name())
		return "", errors.E("advertise "+path, err)
	}
	return path, nil
}

// Lookup reads the advertisement of the daemon with the provided
// identity from dir.
func Lookup(dir string, id Identity) (Advertisement, error) {
	var ad Advertisement
	path := AdvertisementPath(dir, id)
	b, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ad, errors.E(errors.NotExist, fmt.Sprintf("daemon %s is not advertised in %s", id, dir), err)
		}
		return ad, errors.E("lookup "+path, err)
	}
	if err := yaml.Unmarshal(b, &ad); err != nil {
		return ad, errors.E(errors.Invalid, "parse advertisement "+path, err)
	}
	if ad.Partition != id.Partition || ad.Name != id.Name || ad.Addr == "" {
		return ad, errors.E(errors.Invalid, fmt.Sprintf("advertisement %s does not describe daemon %s", path, id))
	}
	return ad, nil
}

// dialAddr returns an address that local clients can dial for the
// provided listen address: unspecified hosts are replaced by the
// loopback address.
func dialAddr(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		return net.JoinHostPort("127.0.0.1", fmt.Sprint(tcp.Port))
	}
	return tcp.String()
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}
