// Package conn provides the pooled, retrying connection layer between the
// object mapper and a directory server. It delegates all wire protocol work
// to go-ldap and adds server discovery, authentication, retry with backoff,
// and a small directory-operations surface (search, add, per-attribute
// modify, delete, whoami).
package conn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

// pageSize is the page size used when a search requests paging.
const pageSize = 1000

// Conn is a handle on a directory. It is safe for concurrent use; every
// operation borrows a pooled connection for its duration.
type Conn struct {
	pool   *pool
	config *Config
	log    *zap.Logger
}

// Option configures a Conn at dial time.
type Option func(*Conn)

// WithLogger routes the connection's structured logs through log.
func WithLogger(log *zap.Logger) Option {
	return func(c *Conn) {
		if log != nil {
			c.log = log
		}
	}
}

// Dial validates cfg, resolves servers, and returns a Conn. No connection is
// established until the first operation; use Ping to test reachability.
func Dial(ctx context.Context, cfg *Config, opts ...Option) (*Conn, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	} else if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	c := &Conn{config: cfg, log: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}

	pool, err := newPool(ctx, cfg, c.log)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	c.pool = pool

	c.log.Debug("directory handle created",
		zap.String("basedn", cfg.BaseDN),
		zap.String("auth_method", cfg.AuthMethod().String()),
		zap.Int("max_connections", cfg.MaxConnections))
	return c, nil
}

// BaseDN returns the configured base DN of the directory tree.
func (c *Conn) BaseDN() string { return c.config.BaseDN }

// Close shuts down the pool and all its connections.
func (c *Conn) Close() error { return c.pool.close() }

// Stats returns a snapshot of pool activity.
func (c *Conn) Stats() PoolStats { return c.pool.stats() }

// Ping verifies that the directory is reachable and accepting operations.
func (c *Conn) Ping(ctx context.Context) error {
	pc, err := c.pool.get(ctx)
	if err != nil {
		return fmt.Errorf("get connection: %w", err)
	}
	defer pc.Close()

	req := ldap.NewSearchRequest(
		"", ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		1, 5, false,
		"(objectClass=*)",
		[]string{"supportedLDAPVersion"},
		nil,
	)
	_, err = pc.Conn().Search(req)
	return WrapError("ping", "", err)
}

// Bind authenticates with explicit credentials on a pooled connection. Most
// callers configure credentials on Config instead and never call this.
func (c *Conn) Bind(ctx context.Context, bindDN, password string) error {
	pc, err := c.pool.get(ctx)
	if err != nil {
		return fmt.Errorf("get connection: %w", err)
	}
	defer pc.Close()

	return c.withRetry(ctx, "bind", func() error {
		return pc.Conn().Bind(bindDN, password)
	})
}

// Search performs a search. When req.Paged is set the simple paged results
// control is followed until exhaustion.
func (c *Conn) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req == nil {
		return nil, errors.New("search request cannot be nil")
	}

	pc, err := c.pool.get(ctx)
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	defer pc.Close()

	start := time.Now()
	var result *SearchResult
	if req.Paged {
		result, err = c.searchPaged(ctx, pc, req)
	} else {
		result, err = c.searchOnce(ctx, pc, req)
	}
	if err != nil {
		return nil, err
	}

	c.log.Debug("search completed",
		zap.String("basedn", req.BaseDN),
		zap.String("filter", req.Filter),
		zap.Int("entries", len(result.Entries)),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}

func (c *Conn) searchOnce(ctx context.Context, pc *pooledConn, req *SearchRequest) (*SearchResult, error) {
	ldapReq := ldap.NewSearchRequest(
		req.BaseDN,
		int(req.Scope),
		ldap.NeverDerefAliases,
		req.SizeLimit,
		int(req.TimeLimit.Seconds()),
		false,
		req.Filter,
		req.Attributes,
		nil,
	)

	var result *ldap.SearchResult
	err := c.withRetry(ctx, "search", func() error {
		var searchErr error
		result, searchErr = pc.Conn().Search(ldapReq)
		return searchErr
	})
	if err != nil {
		// the server returns what it found before hitting its limit
		if ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) && result != nil {
			return &SearchResult{Entries: result.Entries, HasMore: true}, nil
		}
		return nil, WrapError("search", req.BaseDN, err)
	}

	return &SearchResult{
		Entries: result.Entries,
		HasMore: req.SizeLimit > 0 && len(result.Entries) >= req.SizeLimit,
	}, nil
}

func (c *Conn) searchPaged(ctx context.Context, pc *pooledConn, req *SearchRequest) (*SearchResult, error) {
	var entries []*ldap.Entry
	paging := ldap.NewControlPaging(pageSize)

	for {
		select {
		case <-ctx.Done():
			return &SearchResult{Entries: entries, HasMore: true}, ctx.Err()
		default:
		}

		ldapReq := ldap.NewSearchRequest(
			req.BaseDN,
			int(req.Scope),
			ldap.NeverDerefAliases,
			0, // no size limit while paging
			int(req.TimeLimit.Seconds()),
			false,
			req.Filter,
			req.Attributes,
			[]ldap.Control{paging},
		)

		var result *ldap.SearchResult
		err := c.withRetry(ctx, "search", func() error {
			var searchErr error
			result, searchErr = pc.Conn().Search(ldapReq)
			return searchErr
		})
		if err != nil {
			return nil, WrapError("paged search", req.BaseDN, err)
		}

		entries = append(entries, result.Entries...)

		control := ldap.FindControl(result.Controls, ldap.ControlTypePaging)
		response, ok := control.(*ldap.ControlPaging)
		if !ok || len(response.Cookie) == 0 {
			break
		}
		paging.SetCookie(response.Cookie)
	}

	return &SearchResult{Entries: entries}, nil
}

// Exists reports whether dn names an entry in the directory.
func (c *Conn) Exists(ctx context.Context, dn string) (bool, error) {
	if _, err := ldap.ParseDN(dn); err != nil {
		return false, nil
	}

	result, err := c.Search(ctx, &SearchRequest{
		BaseDN:     dn,
		Scope:      ScopeBaseObject,
		Filter:     "(objectClass=*)",
		Attributes: []string{"1.1"}, // no attributes, presence only
		SizeLimit:  1,
	})
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return len(result.Entries) > 0, nil
}

// AddEntry creates a new entry at dn with the given attributes.
func (c *Conn) AddEntry(ctx context.Context, dn string, attrs map[string][]string) error {
	pc, err := c.pool.get(ctx)
	if err != nil {
		return fmt.Errorf("get connection: %w", err)
	}
	defer pc.Close()

	req := ldap.NewAddRequest(dn, nil)
	for attr, values := range attrs {
		req.Attribute(attr, values)
	}

	err = c.withRetry(ctx, "add", func() error {
		return pc.Conn().Add(req)
	})
	if err != nil {
		return WrapError("add", dn, err)
	}
	c.log.Debug("entry added", zap.String("dn", dn))
	return nil
}

// DeleteEntry removes the entry at dn.
func (c *Conn) DeleteEntry(ctx context.Context, dn string) error {
	pc, err := c.pool.get(ctx)
	if err != nil {
		return fmt.Errorf("get connection: %w", err)
	}
	defer pc.Close()

	err = c.withRetry(ctx, "delete", func() error {
		return pc.Conn().Del(ldap.NewDelRequest(dn, nil))
	})
	if err != nil {
		return WrapError("delete", dn, err)
	}
	c.log.Debug("entry deleted", zap.String("dn", dn))
	return nil
}

// ReplaceAttr replaces all values of attr on dn.
func (c *Conn) ReplaceAttr(ctx context.Context, dn, attr string, values []string) error {
	return c.modify(ctx, dn, attr, func(req *ldap.ModifyRequest) {
		req.Replace(attr, values)
	})
}

// AddAttr adds values to attr on dn, creating the attribute if absent.
func (c *Conn) AddAttr(ctx context.Context, dn, attr string, values []string) error {
	return c.modify(ctx, dn, attr, func(req *ldap.ModifyRequest) {
		req.Add(attr, values)
	})
}

// DeleteAttr removes attr from dn. With values, only those values are
// removed; without, the whole attribute goes.
func (c *Conn) DeleteAttr(ctx context.Context, dn, attr string, values ...string) error {
	return c.modify(ctx, dn, attr, func(req *ldap.ModifyRequest) {
		req.Delete(attr, values)
	})
}

func (c *Conn) modify(ctx context.Context, dn, attr string, build func(*ldap.ModifyRequest)) error {
	pc, err := c.pool.get(ctx)
	if err != nil {
		return fmt.Errorf("get connection: %w", err)
	}
	defer pc.Close()

	req := ldap.NewModifyRequest(dn, nil)
	build(req)

	err = c.withRetry(ctx, "modify", func() error {
		return pc.Conn().Modify(req)
	})
	if err != nil {
		return WrapError("modify", dn, err)
	}
	c.log.Debug("entry modified", zap.String("dn", dn), zap.String("attr", attr))
	return nil
}

// ModifyDN renames or moves the entry at dn.
func (c *Conn) ModifyDN(ctx context.Context, dn, newRDN, newSuperior string, deleteOldRDN bool) error {
	if dn == "" || newRDN == "" {
		return errors.New("dn and new RDN are required")
	}

	pc, err := c.pool.get(ctx)
	if err != nil {
		return fmt.Errorf("get connection: %w", err)
	}
	defer pc.Close()

	req := ldap.NewModifyDNRequest(dn, newRDN, deleteOldRDN, newSuperior)
	err = c.withRetry(ctx, "modify DN", func() error {
		return pc.Conn().ModifyDN(req)
	})
	return WrapError("modify DN", dn, err)
}

// WhoAmI performs the Who Am I? extended operation and parses the returned
// authorization identity.
func (c *Conn) WhoAmI(ctx context.Context) (*WhoAmIResult, error) {
	pc, err := c.pool.get(ctx)
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	defer pc.Close()

	var raw *ldap.WhoAmIResult
	err = c.withRetry(ctx, "whoami", func() error {
		var whoamiErr error
		raw, whoamiErr = pc.Conn().WhoAmI(nil)
		return whoamiErr
	})
	if err != nil {
		return nil, WrapError("whoami", "", err)
	}
	if raw == nil {
		return nil, errors.New("whoami returned no result")
	}

	return ParseAuthzID(raw.AuthzID), nil
}

// ParseAuthzID interprets an authorization identity per RFC 4532: "dn:"- and
// "u:"-prefixed forms, with an empty string meaning the anonymous user.
func ParseAuthzID(authzID string) *WhoAmIResult {
	result := &WhoAmIResult{AuthzID: authzID}
	switch {
	case authzID == "":
		result.Format = "empty"
	case strings.HasPrefix(authzID, "dn:"):
		result.Format = "dn"
		result.DN = strings.TrimPrefix(authzID, "dn:")
	case strings.HasPrefix(authzID, "u:"):
		result.Format = "uid"
		result.UserID = strings.TrimPrefix(authzID, "u:")
	default:
		result.Format = "unknown"
	}
	return result
}

// LDIF searches the whole tree with filter and renders the results as a
// human-readable LDIF-style dump.
func (c *Conn) LDIF(ctx context.Context, filter string) (string, error) {
	result, err := c.Search(ctx, &SearchRequest{
		BaseDN: c.config.BaseDN,
		Scope:  ScopeWholeSubtree,
		Filter: filter,
		Paged:  true,
	})
	if err != nil {
		return "", err
	}

	c.log.Info("ldif dump", zap.String("filter", filter), zap.Int("entries", len(result.Entries)))

	var b strings.Builder
	for _, entry := range result.Entries {
		b.WriteString(strings.Repeat("-", 72) + "\n")
		fmt.Fprintf(&b, "DN: %s\n", entry.DN)

		width := 0
		for _, attr := range entry.Attributes {
			if len(attr.Name) > width {
				width = len(attr.Name)
			}
		}
		width++

		for _, attr := range entry.Attributes {
			for _, val := range attr.Values {
				fmt.Fprintf(&b, "%*s: %s\n", width, attr.Name, val)
			}
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// withRetry runs op, retrying retryable failures with exponential backoff.
func (c *Conn) withRetry(ctx context.Context, operation string, op func() error) error {
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		err := op()
		if err == nil {
			if attempt > 0 {
				c.log.Info("operation succeeded after retry",
					zap.String("operation", operation),
					zap.Int("attempts", attempt+1))
			}
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if attempt == c.config.MaxRetries {
			break
		}

		c.log.Debug("retrying operation",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff = min(time.Duration(float64(backoff)*c.config.BackoffFactor), c.config.MaxBackoff)
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, c.config.MaxRetries+1, lastErr)
}
