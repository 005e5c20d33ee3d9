// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package config loads and validates the proxy's YAML configuration
// and exposes the immutable per-listener descriptor / upstream data
// model. Duplicate listen addresses are rejected, every upstream name
// referenced by sni/default must exist, and unreferenced upstreams
// only warn.
package config

import (
	"fmt"
	"net/url"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Reserved upstream names. Every upstream table implicitly carries
// both regardless of what the user declares.
const (
	UpstreamBan  = "ban"
	UpstreamEcho = "echo"
)

// UpstreamKind tags the variant of an Upstream.
type UpstreamKind int

const (
	KindBan UpstreamKind = iota
	KindEcho
	KindCustom
)

// Upstream is the tagged-variant Ban | Echo | Custom{addr, protocol}.
type Upstream struct {
	Name     string
	Kind     UpstreamKind
	Addr     string // host:port, only meaningful for KindCustom
	Protocol string // always "tcp" today; validated at load
}

// ServerEntry is one named entry under the top-level "servers" map.
type ServerEntry struct {
	Listen   []string          `yaml:"listen"`
	Protocol string            `yaml:"protocol"`
	TLS      bool              `yaml:"tls"`
	SNI      map[string]string `yaml:"sni"`
	Default  string            `yaml:"default"`
}

// rawConfig mirrors the on-disk YAML document exactly.
type rawConfig struct {
	Version  int                    `yaml:"version"`
	Log      string                 `yaml:"log"`
	Upstream map[string]string      `yaml:"upstream"`
	Servers  map[string]ServerEntry `yaml:"servers"`
}

// Config is the parsed, validated configuration. Upstream already
// carries the implicit "ban"/"echo" entries.
type Config struct {
	Version  int
	Log      string
	Upstream map[string]*Upstream
	Servers  map[string]ServerEntry

	unusedUpstreams []string
}

// Load reads and validates the YAML configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	var raw rawConfig
	if err := yaml.NewDecoder(f).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	if raw.Version != 1 {
		return nil, errors.Errorf("unsupported config version %d", raw.Version)
	}

	upstream, err := parseUpstreams(raw.Upstream)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Version:  raw.Version,
		Log:      raw.Log,
		Upstream: upstream,
		Servers:  raw.Servers,
	}

	if err := verify(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseUpstreams(raw map[string]string) (map[string]*Upstream, error) {
	out := make(map[string]*Upstream, len(raw)+2)

	for name, target := range raw {
		if name == UpstreamBan || name == UpstreamEcho {
			return nil, errors.Errorf("upstream name %q is reserved", name)
		}

		u, err := url.Parse(target)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid upstream url %q", target)
		}
		if u.Scheme != "tcp" {
			return nil, errors.Errorf("invalid upstream scheme %q for %q (only tcp is supported)", u.Scheme, target)
		}
		host := u.Hostname()
		if host == "" {
			return nil, errors.Errorf("invalid upstream url %q: missing host", target)
		}
		port := u.Port()
		if port == "" {
			return nil, errors.Errorf("invalid upstream url %q: missing port", target)
		}

		out[name] = &Upstream{
			Name:     name,
			Kind:     KindCustom,
			Addr:     fmt.Sprintf("%s:%s", host, port),
			Protocol: u.Scheme,
		}
	}

	out[UpstreamBan] = &Upstream{Name: UpstreamBan, Kind: KindBan}
	out[UpstreamEcho] = &Upstream{Name: UpstreamEcho, Kind: KindEcho}
	return out, nil
}

// verify checks duplicate listen addresses across all servers and
// dangling sni/default upstream references, and collects (without
// failing) the set of upstreams nobody references, which the caller
// logs as a warning.
func verify(cfg *Config) error {
	seenListen := make(map[string]string) // addr -> owning server
	referenced := make(map[string]bool)

	for serverName, entry := range cfg.Servers {
		for _, listen := range entry.Listen {
			if owner, dup := seenListen[listen]; dup {
				return errors.Errorf("duplicate listen address %q (servers %q and %q)", listen, owner, serverName)
			}
			seenListen[listen] = serverName
		}

		def := entry.Default
		if def == "" {
			def = UpstreamBan
		}
		referenced[def] = true
		if _, ok := cfg.Upstream[def]; !ok {
			return errors.Errorf("server %q: default upstream %q not found", serverName, def)
		}

		for host, target := range entry.SNI {
			referenced[target] = true
			if _, ok := cfg.Upstream[target]; !ok {
				return errors.Errorf("server %q: sni %q references unknown upstream %q", serverName, host, target)
			}
		}

		proto := entry.Protocol
		if proto == "" {
			proto = "tcp"
		}
		if proto != "tcp" && proto != "kcp" {
			return errors.Errorf("server %q: unsupported protocol %q", serverName, proto)
		}
	}

	cfg.unusedUpstreams = nil
	for name := range cfg.Upstream {
		if name == UpstreamBan || name == UpstreamEcho {
			continue
		}
		if !referenced[name] {
			cfg.unusedUpstreams = append(cfg.unusedUpstreams, name)
		}
	}
	return nil
}

// UnusedUpstreams returns upstream names declared but never referenced
// by any server's sni map or default. Populated by Load; callers log
// these as warnings rather than treating them as an error.
func (c *Config) UnusedUpstreams() []string { return c.unusedUpstreams }
