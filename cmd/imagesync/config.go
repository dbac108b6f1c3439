package main

import (
	"errors"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/dierbei/imagesync/config"
	"github.com/dierbei/imagesync/pkg/template"
)

// Config is the parsed configuration file for imagesync
type Config struct {
	Version  int            `yaml:"version" json:"version"`
	Creds    []ConfigCreds  `yaml:"creds" json:"creds"`
	Defaults ConfigDefaults `yaml:"defaults" json:"defaults"`
	Sync     []ConfigSync   `yaml:"sync" json:"sync"`
}

// ConfigCreds allows the registry login to be passed in the config file
type ConfigCreds struct {
	Registry  string         `yaml:"registry" json:"registry"`
	Hostname  string         `yaml:"hostname" json:"hostname"`
	User      string         `yaml:"user" json:"user"`
	Pass      string         `yaml:"pass" json:"pass"`
	Token     string         `yaml:"token" json:"token"`
	TLS       config.TLSConf `yaml:"tls" json:"tls"`
	RepoAuth  bool           `yaml:"repoAuth" json:"repoAuth"`
	ReqPerSec float64        `yaml:"reqPerSec" json:"reqPerSec"`
}

func credsToHost(c ConfigCreds) config.Host {
	return config.Host{
		Name:      c.Registry,
		Hostname:  c.Hostname,
		User:      c.User,
		Pass:      c.Pass,
		Token:     c.Token,
		TLS:       c.TLS,
		RepoAuth:  c.RepoAuth,
		ReqPerSec: c.ReqPerSec,
	}
}

// ConfigDefaults is used for general options and defaults for ConfigSync entries
type ConfigDefaults struct {
	Interval  time.Duration `yaml:"interval" json:"interval"`
	Schedule  string        `yaml:"schedule" json:"schedule"`
	Parallel  int           `yaml:"parallel" json:"parallel"`
	Platform  string        `yaml:"platform" json:"platform"`
	BlobLimit int           `yaml:"blobLimit" json:"blobLimit"`
	Attempts  int           `yaml:"attempts" json:"attempts"`
	RetryInit time.Duration `yaml:"retryInit" json:"retryInit"`
	RetryMax  time.Duration `yaml:"retryMax" json:"retryMax"`
	UserAgent string        `yaml:"userAgent" json:"userAgent"`
}

// ConfigSync defines a source/target to sync
type ConfigSync struct {
	Source   string        `yaml:"source" json:"source"`
	Target   string        `yaml:"target" json:"target"`
	Type     string        `yaml:"type" json:"type"`
	Tags     ConfigTags    `yaml:"tags" json:"tags"`
	Platform string        `yaml:"platform" json:"platform"`
	Interval time.Duration `yaml:"interval" json:"interval"`
	Schedule string        `yaml:"schedule" json:"schedule"`
}

// ConfigTags is an allow and deny list of tag regex strings
type ConfigTags struct {
	Allow []string `yaml:"allow" json:"allow"`
	Deny  []string `yaml:"deny" json:"deny"`
}

// ConfigNew creates an empty configuration
func ConfigNew() *Config {
	c := Config{
		Creds: []ConfigCreds{},
		Sync:  []ConfigSync{},
	}
	return &c
}

// ConfigLoadReader reads the config from an io.Reader
func ConfigLoadReader(r io.Reader) (*Config, error) {
	c := ConfigNew()
	if err := yaml.NewDecoder(r).Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	// verify loaded version is not higher than supported version
	if c.Version > 1 {
		return c, ErrUnsupportedConfigVersion
	}
	// apply defaults to each step
	for i := range c.Sync {
		syncSetDefaults(&c.Sync[i], c.Defaults)
	}
	if err := configExpandTemplates(c); err != nil {
		return nil, err
	}
	return c, nil
}

// ConfigLoadFile loads the config from a specified filename
func ConfigLoadFile(filename string) (*Config, error) {
	_, err := os.Stat(filename)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ConfigLoadReader(file)
}

// ConfigWrite outputs the parsed configuration
func ConfigWrite(c *Config, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(c)
}

// expand templates in various parts of the config, allowing credentials
// to be pulled from the environment or a mounted file
func configExpandTemplates(c *Config) error {
	for i := range c.Creds {
		val, err := template.String(c.Creds[i].Registry, nil)
		if err != nil {
			return err
		}
		c.Creds[i].Registry = val
		val, err = template.String(c.Creds[i].User, nil)
		if err != nil {
			return err
		}
		c.Creds[i].User = val
		val, err = template.String(c.Creds[i].Pass, nil)
		if err != nil {
			return err
		}
		c.Creds[i].Pass = val
		val, err = template.String(c.Creds[i].Token, nil)
		if err != nil {
			return err
		}
		c.Creds[i].Token = val
	}
	for i := range c.Sync {
		val, err := template.String(c.Sync[i].Source, nil)
		if err != nil {
			return err
		}
		c.Sync[i].Source = val
		val, err = template.String(c.Sync[i].Target, nil)
		if err != nil {
			return err
		}
		c.Sync[i].Target = val
	}
	return nil
}

// updates sync entry with defaults
func syncSetDefaults(s *ConfigSync, d ConfigDefaults) {
	if s.Schedule == "" && d.Schedule != "" {
		s.Schedule = d.Schedule
	}
	if s.Interval == 0 && s.Schedule == "" && d.Interval != 0 {
		s.Interval = d.Interval
	}
	if s.Platform == "" && d.Platform != "" {
		s.Platform = d.Platform
	}
}
