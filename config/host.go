// Package config holds the per-registry settings consumed by the client.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TLSConf specifies whether TLS is enabled for a host
type TLSConf int

const (
	// TLSUndefined indicates TLS is not passed, defaults to Enabled
	TLSUndefined TLSConf = iota
	// TLSEnabled uses TLS (https) for the connection
	TLSEnabled
	// TLSInsecure uses TLS but does not verify CA
	TLSInsecure
	// TLSDisabled does not use TLS (http)
	TLSDisabled
)

const (
	// DockerRegistry is the name resolved in docker images on Hub
	DockerRegistry = "docker.io"
	// DockerRegistryAuth is the name provided in docker's config for Hub
	DockerRegistryAuth = "https://index.docker.io/v1/"
	// DockerRegistryDNS is the host to connect to for Hub
	DockerRegistryDNS = "registry-1.docker.io"
)

// MarshalJSON converts to a json string using MarshalText
func (t TLSConf) MarshalJSON() ([]byte, error) {
	s, err := t.MarshalText()
	if err != nil {
		return []byte(""), err
	}
	return json.Marshal(string(s))
}

// MarshalText converts TLSConf to a string
func (t TLSConf) MarshalText() ([]byte, error) {
	var s string
	switch t {
	default:
		s = ""
	case TLSEnabled:
		s = "enabled"
	case TLSInsecure:
		s = "insecure"
	case TLSDisabled:
		s = "disabled"
	}
	return []byte(s), nil
}

// UnmarshalJSON converts TLSConf from a json string
func (t *TLSConf) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return t.UnmarshalText([]byte(s))
}

// UnmarshalText converts TLSConf from a string
func (t *TLSConf) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	default:
		return fmt.Errorf("unknown TLS value \"%s\"", b)
	case "":
		*t = TLSUndefined
	case "enabled":
		*t = TLSEnabled
	case "insecure":
		*t = TLSInsecure
	case "disabled":
		*t = TLSDisabled
	}
	return nil
}

// Host defines the settings for connecting to a registry.
// Credentials are supplied by the caller, the library never reads the
// environment or docker config files itself.
type Host struct {
	Name     string  `yaml:"registry,omitempty" json:"registry,omitempty"`
	Hostname string  `yaml:"hostname,omitempty" json:"hostname,omitempty"`
	TLS      TLSConf `yaml:"tls,omitempty" json:"tls,omitempty"`
	User     string  `yaml:"user,omitempty" json:"user,omitempty"`
	Pass     string  `yaml:"pass,omitempty" json:"pass,omitempty"`
	Token    string  `yaml:"token,omitempty" json:"token,omitempty"`
	// RepoAuth requests tokens per repository scope rather than a shared scope
	RepoAuth bool `yaml:"repoAuth,omitempty" json:"repoAuth,omitempty"`
	// ReqPerSec limits the rate of requests to the registry (0 = unlimited)
	ReqPerSec float64 `yaml:"reqPerSec,omitempty" json:"reqPerSec,omitempty"`
}

// HostNew creates a default host entry
func HostNew() *Host {
	return &Host{
		TLS: TLSEnabled,
	}
}

// HostNewName creates a host entry with default settings, resolving the
// Docker Hub aliases to the canonical name and DNS hostname.
func HostNewName(name string) *Host {
	h := HostNew()
	if name == DockerRegistry || name == DockerRegistryDNS || name == DockerRegistryAuth {
		h.Name = DockerRegistry
		h.Hostname = DockerRegistryDNS
	} else {
		h.Name = name
		h.Hostname = name
	}
	return h
}

// Merge adds non-zero fields from a new host entry onto an existing one
func (host *Host) Merge(newHost Host) error {
	if newHost.Name != "" && host.Name != "" && newHost.Name != host.Name {
		return fmt.Errorf("host name mismatch: %s != %s", host.Name, newHost.Name)
	}
	if newHost.Name != "" {
		host.Name = newHost.Name
	}
	if newHost.Hostname != "" {
		host.Hostname = newHost.Hostname
	}
	if newHost.TLS != TLSUndefined {
		host.TLS = newHost.TLS
	}
	if newHost.User != "" {
		host.User = newHost.User
	}
	if newHost.Pass != "" {
		host.Pass = newHost.Pass
	}
	if newHost.Token != "" {
		host.Token = newHost.Token
	}
	if newHost.RepoAuth {
		host.RepoAuth = true
	}
	if newHost.ReqPerSec > 0 {
		host.ReqPerSec = newHost.ReqPerSec
	}
	return nil
}
