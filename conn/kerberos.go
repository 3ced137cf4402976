package conn

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
)

// kerberosBind performs a GSSAPI bind on conn using the credentials named in
// cfg, resolved in order: explicit ccache, default ccache, explicit keytab,
// default keytab, password.
func kerberosBind(conn *ldap.Conn, cfg *Config, server *ServerInfo) error {
	if err := prepareKerberosConfig(cfg); err != nil {
		return fmt.Errorf("kerberos configuration: %w", err)
	}

	client, err := newGSSAPIClient(cfg)
	if err != nil {
		return fmt.Errorf("create GSSAPI client: %w", err)
	}
	defer func() {
		_ = client.DeleteSecContext()
	}()

	spn, err := servicePrincipal(cfg, server)
	if err != nil {
		return fmt.Errorf("build service principal: %w", err)
	}

	if err := conn.GSSAPIBind(client, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind: %w", err)
	}
	return nil
}

func newGSSAPIClient(cfg *Config) (ldap.GSSAPIClient, error) {
	krb5conf := cfg.KerberosConfig
	if krb5conf == "" {
		krb5conf = "/etc/krb5.conf"
	}
	if !fileExists(krb5conf) {
		return nil, fmt.Errorf("kerberos configuration file not found at %s", krb5conf)
	}

	if cfg.KerberosCCache != "" && fileExists(cfg.KerberosCCache) {
		return gssapi.NewClientFromCCache(cfg.KerberosCCache, krb5conf, krb5client.DisablePAFXFAST(true))
	}
	if ccache := defaultCCachePath(); fileExists(ccache) {
		return gssapi.NewClientFromCCache(ccache, krb5conf, krb5client.DisablePAFXFAST(true))
	}
	if cfg.KerberosKeytab != "" && fileExists(cfg.KerberosKeytab) {
		return gssapi.NewClientWithKeytab(cfg.BindDN, cfg.KerberosRealm, cfg.KerberosKeytab, krb5conf, krb5client.DisablePAFXFAST(true))
	}
	if cfg.BindDN != "" {
		if keytab := defaultKeytabPath(); fileExists(keytab) {
			return gssapi.NewClientWithKeytab(cfg.BindDN, cfg.KerberosRealm, keytab, krb5conf, krb5client.DisablePAFXFAST(true))
		}
	}
	if cfg.BindDN != "" && cfg.Password != "" {
		return gssapi.NewClientWithPassword(cfg.BindDN, cfg.KerberosRealm, cfg.Password, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	return nil, fmt.Errorf("no suitable credentials for Kerberos authentication")
}

// servicePrincipal constructs the LDAP SPN from server info, unless the
// configuration overrides it.
func servicePrincipal(cfg *Config, server *ServerInfo) (string, error) {
	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}
	if server == nil || server.Host == "" {
		return "", fmt.Errorf("server hostname is required for service principal")
	}
	host := server.Host
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return "ldap/" + host, nil
}

// prepareKerberosConfig validates the Kerberos settings and derives the realm
// from a user@REALM principal when needed.
func prepareKerberosConfig(cfg *Config) error {
	if cfg.KerberosRealm == "" && strings.Contains(cfg.BindDN, "@") {
		parts := strings.SplitN(cfg.BindDN, "@", 2)
		cfg.BindDN = parts[0]
		cfg.KerberosRealm = parts[1]
	}
	if cfg.KerberosRealm == "" {
		return fmt.Errorf("kerberos realm is required (set kerberos_realm or use a user@REALM principal)")
	}
	if cfg.BindDN == "" {
		return fmt.Errorf("principal is required for Kerberos authentication")
	}

	hasCredentials := (cfg.KerberosCCache != "" && fileExists(cfg.KerberosCCache)) ||
		fileExists(defaultCCachePath()) ||
		(cfg.KerberosKeytab != "" && fileExists(cfg.KerberosKeytab)) ||
		fileExists(defaultKeytabPath()) ||
		cfg.Password != ""
	if !hasCredentials {
		return fmt.Errorf("no Kerberos credentials found: provide kerberos_ccache, kerberos_keytab, or a password")
	}
	return nil
}

func defaultCCachePath() string {
	if ccache := os.Getenv("KRB5CCNAME"); ccache != "" {
		return strings.TrimPrefix(ccache, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

func defaultKeytabPath() string {
	if keytab := os.Getenv("KRB5_KTNAME"); keytab != "" {
		return strings.TrimPrefix(keytab, "FILE:")
	}
	return "/etc/krb5.keytab"
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
