// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package config loads the per-instance INI configuration file consumed by
// cmd/xvcd. The wire format of the file itself is this bridge's own
// concern, not part of XVC or MPSSE interoperability.
package config

import (
	"fmt"
	"net"

	"github.com/go-ini/ini"

	"github.com/anshi233/xvc-server-d2xx/internal/ftditransport"
	"github.com/anshi233/xvc-server-d2xx/internal/instance"
)

const (
	defaultFrequencyHz    = 30_000_000
	defaultLatencyMs      = 2
	defaultVectorCapBytes = 2048
	maxVectorCapBytes     = 262144
)

// Instance mirrors one "[instance.*]" section of the config file, already
// validated and defaulted.
type Instance struct {
	Name string
	instance.Config
}

// Load reads path and returns one instance.Config per "[instance.*]"
// section. A file-wide "[defaults]" section, if present, supplies values
// any instance section doesn't override.
func Load(path string) ([]Instance, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	defaults := f.Section("defaults")
	var out []Instance
	for _, sec := range f.Sections() {
		if !isInstanceSection(sec.Name()) {
			continue
		}
		inst, err := parseInstance(sec, defaults)
		if err != nil {
			return nil, fmt.Errorf("config: section %s: %w", sec.Name(), err)
		}
		out = append(out, inst)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("config: %s defines no [instance.*] sections", path)
	}
	return out, nil
}

func isInstanceSection(name string) bool {
	return len(name) > len("instance.") && name[:len("instance.")] == "instance."
}

func parseInstance(sec, defaults *ini.Section) (Instance, error) {
	port, err := sec.Key("port").Int()
	if err != nil {
		return Instance{}, fmt.Errorf("port: %w", err)
	}
	if port <= 0 || port > 65535 {
		return Instance{}, fmt.Errorf("port %d out of range", port)
	}

	selector, err := parseSelector(sec)
	if err != nil {
		return Instance{}, err
	}

	freq := sec.Key("frequency_hz").MustUint64(fallbackUint64(defaults, "frequency_hz", defaultFrequencyHz))
	latency := sec.Key("latency_ms").MustInt(fallbackInt(defaults, "latency_ms", defaultLatencyMs))
	vectorCap := sec.Key("vector_cap_bytes").MustInt(fallbackInt(defaults, "vector_cap_bytes", defaultVectorCapBytes))
	if vectorCap > maxVectorCapBytes {
		vectorCap = maxVectorCapBytes
	}
	if vectorCap <= 0 {
		vectorCap = defaultVectorCapBytes
	}
	lockTimeout := sec.Key("client_lock_timeout_s").MustInt(fallbackInt(defaults, "client_lock_timeout_s", 0))

	var staticFreq *uint32
	if sec.HasKey("static_frequency_hz") {
		v := uint32(sec.Key("static_frequency_hz").MustUint64(uint64(freq)))
		staticFreq = &v
	}

	cfg := instance.Config{
		ListenPort:         port,
		DeviceSelector:     selector,
		FrequencyHz:        uint32(freq),
		StaticFrequencyHz:  staticFreq,
		LatencyMs:          latency,
		VectorCapBytes:     vectorCap,
		ClientLockTimeoutS: lockTimeout,
	}
	if allow := sec.Key("allow_ips").Strings(","); len(allow) > 0 {
		cfg.IPFilter = newWhitelist(allow)
	}

	return Instance{Name: sec.Name(), Config: cfg}, nil
}

// parseSelector reads exactly one of device_serial, device_index, or
// device_bus/device_addr to identify which adapter an instance binds to.
// Note that the d2xx driver this bridge targets can only open a device by
// serial number or enumeration index; device_bus/device_addr is accepted
// here for config-file completeness but ftditransport.Open rejects it.
func parseSelector(sec *ini.Section) (ftditransport.Selector, error) {
	switch {
	case sec.HasKey("device_serial"):
		return ftditransport.Selector{Serial: sec.Key("device_serial").String()}, nil
	case sec.HasKey("device_index"):
		i, err := sec.Key("device_index").Int()
		if err != nil {
			return ftditransport.Selector{}, fmt.Errorf("device_index: %w", err)
		}
		return ftditransport.Selector{Index: &i}, nil
	case sec.HasKey("device_bus") && sec.HasKey("device_addr"):
		bus, err := sec.Key("device_bus").Int()
		if err != nil {
			return ftditransport.Selector{}, fmt.Errorf("device_bus: %w", err)
		}
		addr, err := sec.Key("device_addr").Int()
		if err != nil {
			return ftditransport.Selector{}, fmt.Errorf("device_addr: %w", err)
		}
		return ftditransport.Selector{Bus: &bus, Addr: &addr}, nil
	default:
		return ftditransport.Selector{}, fmt.Errorf("must set device_serial, device_index, or device_bus+device_addr")
	}
}

func newWhitelist(cidrsOrIPs []string) func(net.IP) bool {
	var nets []*net.IPNet
	var ips []net.IP
	for _, s := range cidrsOrIPs {
		if _, n, err := net.ParseCIDR(s); err == nil {
			nets = append(nets, n)
			continue
		}
		if ip := net.ParseIP(s); ip != nil {
			ips = append(ips, ip)
		}
	}
	return func(peer net.IP) bool {
		for _, ip := range ips {
			if ip.Equal(peer) {
				return true
			}
		}
		for _, n := range nets {
			if n.Contains(peer) {
				return true
			}
		}
		return false
	}
}

func fallbackInt(defaults *ini.Section, key string, def int) int {
	if defaults == nil {
		return def
	}
	return defaults.Key(key).MustInt(def)
}

func fallbackUint64(defaults *ini.Section, key string, def uint64) uint64 {
	if defaults == nil {
		return def
	}
	return defaults.Key(key).MustUint64(def)
}
