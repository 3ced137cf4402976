package conn

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-ldap/ldap/v3"
)

// MaxPoolLimit caps the connection pool size. It keeps a misconfigured
// client well below the concurrent-connection limits of typical directory
// servers.
const MaxPoolLimit = 100

// Config holds everything needed to reach and authenticate against a
// directory. Zero values are filled in by Normalize.
type Config struct {
	// Connection settings. Either URLs or Domain must be set; URLs win.
	URLs    []string      `yaml:"urls"`
	Domain  string        `yaml:"domain"` // SRV discovery when no URLs given
	BaseDN  string        `yaml:"basedn"`
	Timeout time.Duration `yaml:"timeout" default:"30s"`

	// Authentication settings.
	BindDN   string `yaml:"binddn"` // DN, UPN, or plain username
	Password string `yaml:"password"`

	// Kerberos settings (GSSAPI bind).
	KerberosRealm  string `yaml:"kerberos_realm"`
	KerberosKeytab string `yaml:"kerberos_keytab"`
	KerberosCCache string `yaml:"kerberos_ccache"`
	KerberosConfig string `yaml:"kerberos_config" default:"/etc/krb5.conf"`
	KerberosSPN    string `yaml:"kerberos_spn"`

	// TLS settings.
	TLSConfig         *tls.Config `yaml:"-"`
	UseTLS            bool        `yaml:"use_tls" default:"true"`
	SkipTLS           bool        `yaml:"skip_tls"`
	TLSClientCertFile string      `yaml:"tls_client_cert_file"`
	TLSClientKeyFile  string      `yaml:"tls_client_key_file"`

	// Pool settings.
	MaxConnections int           `yaml:"max_connections" default:"10"`
	MaxIdleTime    time.Duration `yaml:"max_idle_time" default:"5m"`
	HealthCheck    time.Duration `yaml:"health_check" default:"30s"`

	// Retry settings.
	MaxRetries     int           `yaml:"max_retries" default:"3"`
	InitialBackoff time.Duration `yaml:"initial_backoff" default:"500ms"`
	MaxBackoff     time.Duration `yaml:"max_backoff" default:"30s"`
	BackoffFactor  float64       `yaml:"backoff_factor" default:"2.0"`
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := cfg.Normalize(); err != nil {
		panic(err) // static defaults cannot fail
	}
	return cfg
}

// Normalize fills unset fields with their defaults.
func (c *Config) Normalize() error {
	if err := defaults.Set(c); err != nil {
		return fmt.Errorf("apply config defaults: %w", err)
	}
	if c.TLSConfig == nil {
		c.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return nil
}

// Validate checks the configuration for values the pool cannot work with.
func (c *Config) Validate() error {
	if len(c.URLs) == 0 && c.Domain == "" {
		return fmt.Errorf("either urls or domain must be specified")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive")
	}
	if c.MaxConnections > MaxPoolLimit {
		return fmt.Errorf("max_connections too high (max %d)", MaxPoolLimit)
	}
	if c.MaxIdleTime <= 0 {
		return fmt.Errorf("max_idle_time must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if c.BackoffFactor <= 1.0 {
		return fmt.Errorf("backoff_factor must be greater than 1.0")
	}
	return nil
}

// AuthMethod selects how connections authenticate.
type AuthMethod int

const (
	AuthSimpleBind AuthMethod = iota // bind DN + password
	AuthKerberos                     // GSSAPI
	AuthExternal                     // TLS client certificate
	AuthAnonymous
)

func (a AuthMethod) String() string {
	switch a {
	case AuthSimpleBind:
		return "simple"
	case AuthKerberos:
		return "kerberos"
	case AuthExternal:
		return "external"
	case AuthAnonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

// AuthMethod determines the authentication method from the configuration.
// Kerberos takes precedence, then simple bind, then external certificates.
func (c *Config) AuthMethod() AuthMethod {
	if c.KerberosRealm != "" && (c.KerberosKeytab != "" || c.BindDN != "") {
		return AuthKerberos
	}
	if c.BindDN != "" {
		return AuthSimpleBind
	}
	if c.TLSClientCertFile != "" && c.TLSClientKeyFile != "" {
		return AuthExternal
	}
	return AuthAnonymous
}

// HasAuthentication reports whether any credentials are configured.
func (c *Config) HasAuthentication() bool {
	return c.AuthMethod() != AuthAnonymous
}

// ServerInfo describes one directory server endpoint.
type ServerInfo struct {
	Host     string
	Port     int
	UseTLS   bool
	Priority int
	Weight   int
	Source   string // "srv" or "config"
}

// URL renders the server back into an LDAP URL.
func (s *ServerInfo) URL() string {
	scheme := "ldap"
	if s.UseTLS {
		scheme = "ldaps"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, s.Host, s.Port)
}

// ParseURL parses an ldap:// or ldaps:// URL into a ServerInfo, applying the
// scheme's default port when none is given.
func ParseURL(raw string) (*ServerInfo, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid LDAP URL %q: %w", raw, err)
	}

	var useTLS bool
	var port int
	switch strings.ToLower(u.Scheme) {
	case "ldap":
		useTLS, port = false, 389
	case "ldaps":
		useTLS, port = true, 636
	default:
		return nil, fmt.Errorf("unsupported scheme %q in LDAP URL %q", u.Scheme, raw)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("no hostname in LDAP URL %q", raw)
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port in LDAP URL %q", raw)
		}
	}

	return &ServerInfo{Host: host, Port: port, UseTLS: useTLS, Source: "config"}, nil
}

// SearchScope defines the LDAP search scope.
type SearchScope int

const (
	ScopeBaseObject SearchScope = iota
	ScopeSingleLevel
	ScopeWholeSubtree
)

func (s SearchScope) String() string {
	switch s {
	case ScopeBaseObject:
		return "base"
	case ScopeSingleLevel:
		return "one"
	case ScopeWholeSubtree:
		return "sub"
	default:
		return "unknown"
	}
}

// SearchRequest encapsulates the parameters of one search operation.
type SearchRequest struct {
	BaseDN     string
	Scope      SearchScope
	Filter     string
	Attributes []string
	SizeLimit  int
	TimeLimit  time.Duration
	Paged      bool // transparently follow the simple paged results control
}

// SearchResult carries entries plus truncation metadata.
type SearchResult struct {
	Entries []*ldap.Entry
	HasMore bool
}

// PoolStats provides a snapshot of pool activity.
type PoolStats struct {
	Idle    int
	Active  int64
	Created int64
	Errors  int64
	Uptime  time.Duration
}

// WhoAmIResult is the parsed response of the Who Am I? extended operation.
type WhoAmIResult struct {
	AuthzID string // raw authorization identity
	Format  string // "dn", "uid", "empty", or "unknown"
	DN      string
	UserID  string
}

// Anonymous reports whether the bound identity is the anonymous user.
func (w *WhoAmIResult) Anonymous() bool {
	return w.Format == "empty"
}

// Short returns the value of the first RDN of a DN identity, the bare user
// ID of a uid identity, and "" for anonymous binds.
func (w *WhoAmIResult) Short() string {
	switch w.Format {
	case "uid":
		return w.UserID
	case "dn":
		head := w.DN
		if idx := strings.Index(head, ","); idx >= 0 {
			head = head[:idx]
		}
		if idx := strings.Index(head, "="); idx >= 0 {
			return head[idx+1:]
		}
		return head
	default:
		return ""
	}
}
