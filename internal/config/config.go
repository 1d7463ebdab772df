// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package config defines the in-memory configuration struct the core is
// constructed from. Reading and writing the YAML file on disk is a UI
// concern (see spec Non-goals); this package only decodes a struct from
// bytes the caller already has, and supplies defaults.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hashicorp/vmanager-core/internal/vmerrors"
)

// Server names one hypervisor host the UI can connect to.
type Server struct {
	Name string `yaml:"name"`
	URI  string `yaml:"uri"`
}

// Config is the full set of tunables the VM service layer accepts. The UI
// owns parsing this out of $HOME/.config/<app>/config.yaml (falling back
// to /etc/<app>/config.yaml) and handing the decoded struct to vmcore.New.
type Config struct {
	VMsPerPage           int           `yaml:"vms_per_page"`
	CacheTTL             time.Duration `yaml:"cache_ttl"`
	XMLCacheTTL          time.Duration `yaml:"xml_cache_ttl"`
	AutoconnectOnStartup bool          `yaml:"autoconnect_on_startup"`
	RemoteWebConsole     bool          `yaml:"remote_webconsole"`
	WebsockifyPath       string        `yaml:"websockify_path"`
	NoVNCPath            string        `yaml:"novnc_path"`
	WebConsolePortStart  int           `yaml:"wc_port_range_start"`
	WebConsolePortEnd    int           `yaml:"wc_port_range_end"`
	VNCQuality           int           `yaml:"vnc_quality"`
	VNCCompression       int           `yaml:"vnc_compression"`
	TLSCertPath          string        `yaml:"tls_cert_path"`
	TLSKeyPath           string        `yaml:"tls_key_path"`
	LogPath              string        `yaml:"log_path"`
	Servers              []Server      `yaml:"servers"`
}

// Default returns the configuration spec.md documents as defaults.
func Default() *Config {
	return &Config{
		VMsPerPage:           4,
		CacheTTL:             time.Second,
		XMLCacheTTL:          10 * time.Minute,
		AutoconnectOnStartup: false,
		RemoteWebConsole:     false,
		WebsockifyPath:       "/usr/bin/websockify",
		NoVNCPath:            "/usr/share/novnc/",
		WebConsolePortStart:  40000,
		WebConsolePortEnd:    40050,
		VNCQuality:           0,
		VNCCompression:       9,
	}
}

// Decode parses YAML bytes into a Config seeded with Default() values,
// so any field the caller's file omits keeps its documented default.
func Decode(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, vmerrors.Invalidf("config: unable to parse yaml: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports whether the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.VMsPerPage <= 0 {
		return vmerrors.Invalidf("config: vms_per_page must be positive, got %d", c.VMsPerPage)
	}
	if c.WebConsolePortStart <= 0 || c.WebConsolePortEnd <= c.WebConsolePortStart {
		return vmerrors.Invalidf("config: invalid web console port range [%d, %d]",
			c.WebConsolePortStart, c.WebConsolePortEnd)
	}
	for _, s := range c.Servers {
		if s.Name == "" || s.URI == "" {
			return vmerrors.Invalidf("config: server entries require both name and uri, got %+v", s)
		}
	}
	return nil
}

// HasTLS reports whether both a cert and key path are configured, used to
// pick the ws/wss scheme for web console URLs.
func (c *Config) HasTLS() bool {
	return c.TLSCertPath != "" && c.TLSKeyPath != ""
}

// String renders the config for debug logs without secrets.
func (c *Config) String() string {
	return fmt.Sprintf("Config{VMsPerPage:%d CacheTTL:%s Servers:%d}", c.VMsPerPage, c.CacheTTL, len(c.Servers))
}
