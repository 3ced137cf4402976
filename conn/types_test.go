package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 10, cfg.MaxConnections)
	assert.Equal(t, 5*time.Minute, cfg.MaxIdleTime)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 2.0, cfg.BackoffFactor)
	assert.True(t, cfg.UseTLS)
	assert.Equal(t, "/etc/krb5.conf", cfg.KerberosConfig)
	require.NotNil(t, cfg.TLSConfig)
}

func TestConfig_Normalize_keepsExplicitValues(t *testing.T) {
	cfg := &Config{MaxConnections: 2, Timeout: time.Second}
	require.NoError(t, cfg.Normalize())

	assert.Equal(t, 2, cfg.MaxConnections)
	assert.Equal(t, time.Second, cfg.Timeout)
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.URLs = []string{"ldap://localhost"}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "no servers",
			mutate:  func(c *Config) { c.URLs = nil },
			wantErr: "urls or domain",
		},
		{
			name:    "pool too large",
			mutate:  func(c *Config) { c.MaxConnections = MaxPoolLimit + 1 },
			wantErr: "max_connections",
		},
		{
			name:    "zero timeout",
			mutate:  func(c *Config) { c.Timeout = 0 },
			wantErr: "timeout",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.MaxRetries = -1 },
			wantErr: "max_retries",
		},
		{
			name:    "backoff factor too small",
			mutate:  func(c *Config) { c.BackoffFactor = 1.0 },
			wantErr: "backoff_factor",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_AuthMethod(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		expected AuthMethod
	}{
		{
			name:     "anonymous",
			cfg:      Config{},
			expected: AuthAnonymous,
		},
		{
			name:     "simple bind",
			cfg:      Config{BindDN: "cn=admin,dc=example,dc=com", Password: "secret"},
			expected: AuthSimpleBind,
		},
		{
			name:     "kerberos wins over simple",
			cfg:      Config{BindDN: "user", KerberosRealm: "EXAMPLE.COM"},
			expected: AuthKerberos,
		},
		{
			name:     "kerberos keytab without principal",
			cfg:      Config{KerberosRealm: "EXAMPLE.COM", KerberosKeytab: "/etc/svc.keytab"},
			expected: AuthKerberos,
		},
		{
			name: "external",
			cfg: Config{
				TLSClientCertFile: "/tls/client.crt",
				TLSClientKeyFile:  "/tls/client.key",
			},
			expected: AuthExternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.cfg.AuthMethod())
			assert.Equal(t, tt.expected != AuthAnonymous, tt.cfg.HasAuthentication())
		})
	}
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    ServerInfo
		wantErr bool
	}{
		{
			name: "ldap default port",
			raw:  "ldap://ldap.example.com",
			want: ServerInfo{Host: "ldap.example.com", Port: 389, UseTLS: false},
		},
		{
			name: "ldaps default port",
			raw:  "ldaps://ldap.example.com",
			want: ServerInfo{Host: "ldap.example.com", Port: 636, UseTLS: true},
		},
		{
			name: "explicit port",
			raw:  "ldap://dc1.example.com:3268",
			want: ServerInfo{Host: "dc1.example.com", Port: 3268, UseTLS: false},
		},
		{
			name:    "unsupported scheme",
			raw:     "http://example.com",
			wantErr: true,
		},
		{
			name:    "missing host",
			raw:     "ldap://",
			wantErr: true,
		},
		{
			name:    "bad port",
			raw:     "ldap://example.com:99999",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, err := ParseURL(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Host, server.Host)
			assert.Equal(t, tt.want.Port, server.Port)
			assert.Equal(t, tt.want.UseTLS, server.UseTLS)
			assert.Equal(t, "config", server.Source)
		})
	}
}

func TestServerInfo_URL(t *testing.T) {
	s := &ServerInfo{Host: "dc1.example.com", Port: 636, UseTLS: true}
	assert.Equal(t, "ldaps://dc1.example.com:636", s.URL())

	s.UseTLS = false
	s.Port = 389
	assert.Equal(t, "ldap://dc1.example.com:389", s.URL())
}

func TestWhoAmIResult_Short(t *testing.T) {
	dn := &WhoAmIResult{Format: "dn", DN: "uid=liam,ou=people,dc=example,dc=com"}
	assert.Equal(t, "liam", dn.Short())
	assert.False(t, dn.Anonymous())

	uid := &WhoAmIResult{Format: "uid", UserID: "liam"}
	assert.Equal(t, "liam", uid.Short())

	anon := &WhoAmIResult{Format: "empty"}
	assert.Equal(t, "", anon.Short())
	assert.True(t, anon.Anonymous())
}
