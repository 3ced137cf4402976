package conf

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const exampleYAML = `
name: corp-directory
directory:
  urls:
    - ldaps://ldap.example.com
  base_dn: dc=example,dc=com
  bind_dn: cn=admin,dc=example,dc=com
  password: ${LDAPPER_TEST_PASSWORD}
  timeout: 10s
  max_connections: 4
logging:
  level: debug
  development: true
`

func TestConfig_Unmarshal(t *testing.T) {
	t.Setenv("LDAPPER_TEST_PASSWORD", "hunter2")

	r, err := NewEnvExpandedReader(strings.NewReader(exampleYAML))
	require.NoError(t, err)

	var cfg *Config
	require.NoError(t, yaml.NewDecoder(r).Decode(&cfg))

	assert.Equal(t, "corp-directory", cfg.Name)
	assert.Equal(t, []string{"ldaps://ldap.example.com"}, cfg.Directory.URLs)
	assert.Equal(t, "dc=example,dc=com", cfg.Directory.BaseDN)
	assert.Equal(t, "hunter2", cfg.Directory.Password, "env references are expanded")
	assert.Equal(t, 10*time.Second, cfg.Directory.Timeout)
	assert.Equal(t, 4, cfg.Directory.MaxConnections)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)

	// unset settings come back as defaults
	assert.Equal(t, 5*time.Minute, cfg.Directory.MaxIdleTime)
	assert.Equal(t, 3, cfg.Directory.MaxRetries)
	assert.True(t, cfg.Directory.UseTLS)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("LDAPPER_TEST_PASSWORD", "hunter2")

	dir := t.TempDir()
	Path = dir

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no config.yaml")

	require.NoError(t, os.WriteFile(dir+"/config.yaml", []byte(exampleYAML), 0o644))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "corp-directory", cfg.Name)
	assert.Equal(t, "hunter2", cfg.Directory.Password)
}

func TestConfig_Unmarshal_badDuration(t *testing.T) {
	var cfg *Config
	err := yaml.Unmarshal([]byte("directory:\n  timeout: soon\n"), &cfg)
	assert.Error(t, err)
}

func TestConfig_Unmarshal_defaultLogging(t *testing.T) {
	var cfg *Config
	require.NoError(t, yaml.Unmarshal([]byte("name: x\nlogging: {}\n"), &cfg))
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)
}
