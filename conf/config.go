// Package conf loads the ldapper configuration file: the directory
// connection settings plus logging preferences, with ${VAR} references
// expanded from the environment.
package conf

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/isometry/ldapper/conn"
)

var (
	Path string

	global *Config
)

// G returns the loaded global configuration.
func G() *Config {
	if global == nil {
		panic("configuration not loaded")
	}

	return global
}

// ReplaceGlobals installs cfg as the global configuration.
func ReplaceGlobals(cfg *Config) {
	global = cfg
}

// LoadEnv resolves the working directory from CLI flags.
func LoadEnv(cli *cli.Context) error {
	path := cli.String("path")
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return err
		}

		path = homeDir + "/.ldapper"
	}

	Path = path
	return nil
}

// LoadConfig reads and parses config.yaml from the working directory.
func LoadConfig() (*Config, error) {
	f, err := os.Open(Path + "/config.yaml")
	if err != nil {
		return nil, fmt.Errorf("no config.yaml found in %s: %w", Path, err)
	}
	defer f.Close()

	r, err := NewEnvExpandedReader(f)
	if err != nil {
		return nil, err
	}

	var cfg *Config
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Directory.Normalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// NewEnvExpandedReader wraps r, expanding ${VAR} and $VAR references from
// the environment.
func NewEnvExpandedReader(r io.Reader) (io.Reader, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	expanded := os.Expand(string(raw), os.Getenv)
	return bytes.NewReader([]byte(expanded)), nil
}

type Config struct {
	Name      string      `yaml:"name"`
	Directory conn.Config `yaml:"directory"`
	Logging   Logging     `yaml:"logging"`
}

type Logging struct {
	Level       string
	Development bool
}

func (cfg *Logging) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Level       string
		Development bool
	}

	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.Level == "" {
		raw.Level = "info"
	}

	cfg.Level = raw.Level
	cfg.Development = raw.Development
	return nil
}

// UnmarshalYAML decodes the directory section, accepting durations as
// strings like "30s".
func (cfg *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name      string       `yaml:"name"`
		Directory rawDirectory `yaml:"directory"`
		Logging   Logging      `yaml:"logging"`
	}

	if err := value.Decode(&raw); err != nil {
		return err
	}

	directory, err := raw.Directory.config()
	if err != nil {
		return err
	}

	cfg.Name = raw.Name
	cfg.Directory = *directory
	cfg.Logging = raw.Logging
	return nil
}

type rawDirectory struct {
	URLs              []string `yaml:"urls"`
	Domain            string   `yaml:"domain"`
	BaseDN            string   `yaml:"base_dn"`
	BindDN            string   `yaml:"bind_dn"`
	Password          string   `yaml:"password"`
	KerberosRealm     string   `yaml:"kerberos_realm"`
	KerberosKeytab    string   `yaml:"kerberos_keytab"`
	KerberosCCache    string   `yaml:"kerberos_ccache"`
	KerberosConfig    string   `yaml:"kerberos_config"`
	KerberosSPN       string   `yaml:"kerberos_spn"`
	UseTLS            *bool    `yaml:"use_tls"`
	SkipTLS           bool     `yaml:"skip_tls"`
	TLSClientCertFile string   `yaml:"tls_client_cert_file"`
	TLSClientKeyFile  string   `yaml:"tls_client_key_file"`
	Timeout           string   `yaml:"timeout"`
	MaxConnections    int      `yaml:"max_connections"`
	MaxIdleTime       string   `yaml:"max_idle_time"`
	HealthCheck       string   `yaml:"health_check"`
	MaxRetries        int      `yaml:"max_retries"`
}

func (raw *rawDirectory) config() (*conn.Config, error) {
	cfg := conn.DefaultConfig()

	cfg.URLs = raw.URLs
	cfg.Domain = raw.Domain
	cfg.BaseDN = raw.BaseDN
	cfg.BindDN = raw.BindDN
	cfg.Password = raw.Password
	cfg.KerberosRealm = raw.KerberosRealm
	cfg.KerberosKeytab = raw.KerberosKeytab
	cfg.KerberosCCache = raw.KerberosCCache
	cfg.KerberosSPN = raw.KerberosSPN
	cfg.SkipTLS = raw.SkipTLS
	cfg.TLSClientCertFile = raw.TLSClientCertFile
	cfg.TLSClientKeyFile = raw.TLSClientKeyFile

	if raw.KerberosConfig != "" {
		cfg.KerberosConfig = raw.KerberosConfig
	}
	if raw.UseTLS != nil {
		cfg.UseTLS = *raw.UseTLS
	}
	if raw.MaxConnections > 0 {
		cfg.MaxConnections = raw.MaxConnections
	}
	if raw.MaxRetries > 0 {
		cfg.MaxRetries = raw.MaxRetries
	}

	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{raw.Timeout, &cfg.Timeout},
		{raw.MaxIdleTime, &cfg.MaxIdleTime},
		{raw.HealthCheck, &cfg.HealthCheck},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, err
		}
		*d.dst = parsed
	}

	return cfg, nil
}
