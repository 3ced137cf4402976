package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

// pooledConn is one directory connection owned by the pool.
type pooledConn struct {
	conn          *ldap.Conn
	server        *ServerInfo
	lastUsed      time.Time
	healthy       bool
	authenticated bool
	authTime      time.Time
	release       func(*pooledConn)
}

// Conn exposes the underlying go-ldap connection.
func (pc *pooledConn) Conn() *ldap.Conn { return pc.conn }

// Close returns the connection to its pool.
func (pc *pooledConn) Close() {
	if pc.release != nil {
		pc.release(pc)
	}
}

// maxAuthAge is how long a bind is trusted before the pool re-authenticates.
const maxAuthAge = 5 * time.Minute

// pool maintains a bounded set of authenticated connections across the
// discovered servers.
type pool struct {
	config  *Config
	log     *zap.Logger
	servers []*ServerInfo
	conns   chan *pooledConn
	mu      sync.RWMutex
	closed  bool

	activeConns  int64
	totalCreated int64
	totalErrors  int64
	startTime    time.Time

	healthTicker *time.Ticker
	healthStop   chan struct{}
	healthWg     sync.WaitGroup
}

func newPool(ctx context.Context, config *Config, log *zap.Logger) (*pool, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	p := &pool{
		config:     config,
		log:        log,
		conns:      make(chan *pooledConn, config.MaxConnections),
		startTime:  time.Now(),
		healthStop: make(chan struct{}),
	}

	if err := p.discoverServers(ctx); err != nil {
		return nil, err
	}

	if config.HealthCheck > 0 {
		p.startHealthChecker()
	}

	return p, nil
}

func (p *pool) discoverServers(ctx context.Context) error {
	var servers []*ServerInfo

	if len(p.config.URLs) > 0 {
		for _, raw := range p.config.URLs {
			server, err := ParseURL(raw)
			if err != nil {
				return err
			}
			servers = append(servers, server)
		}
	} else {
		dctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
		discovered, err := NewSRVDiscovery(p.log).DiscoverServers(dctx, p.config.Domain)
		if err != nil {
			return fmt.Errorf("server discovery: %w", err)
		}
		servers = discovered
	}

	if len(servers) == 0 {
		return errors.New("no directory servers available")
	}

	p.mu.Lock()
	p.servers = servers
	p.mu.Unlock()

	p.log.Debug("directory servers resolved", zap.Int("count", len(servers)))
	return nil
}

// get hands out a healthy, authenticated connection, creating one if the
// pool has none to spare.
func (p *pool) get(ctx context.Context) (*pooledConn, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, errors.New("connection pool is closed")
	}
	p.mu.RUnlock()

	select {
	case pc := <-p.conns:
		if p.isHealthy(pc) {
			if p.config.HasAuthentication() && p.needsReauth(pc) {
				if err := p.authenticate(pc); err != nil {
					p.closeConn(pc)
					break
				}
			}
			pc.lastUsed = time.Now()
			atomic.AddInt64(&p.activeConns, 1)
			return pc, nil
		}
		p.closeConn(pc)
	default:
	}

	return p.createConn(ctx)
}

// createConn dials a new connection, walking the server list with
// exponential backoff between rounds.
func (p *pool) createConn(ctx context.Context) (*pooledConn, error) {
	var lastErr error
	backoff := p.config.InitialBackoff

	p.mu.RLock()
	servers := p.servers
	p.mu.RUnlock()

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		for _, server := range servers {
			pc, err := p.dial(server)
			if err != nil {
				lastErr = err
				atomic.AddInt64(&p.totalErrors, 1)
				p.log.Debug("dial failed",
					zap.String("server", server.URL()),
					zap.Error(err))
				continue
			}
			atomic.AddInt64(&p.totalCreated, 1)
			atomic.AddInt64(&p.activeConns, 1)
			return pc, nil
		}

		if attempt < p.config.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
				backoff = min(time.Duration(float64(backoff)*p.config.BackoffFactor), p.config.MaxBackoff)
			}
		}
	}

	return nil, WrapError("connect", "", fmt.Errorf("all servers failed: %w", lastErr))
}

func (p *pool) dial(server *ServerInfo) (*pooledConn, error) {
	var conn *ldap.Conn
	var err error

	if server.UseTLS {
		conn, err = ldap.DialURL(server.URL(), ldap.DialWithTLSConfig(p.config.TLSConfig))
	} else {
		conn, err = ldap.DialURL(server.URL())
		if err == nil && p.config.UseTLS && !p.config.SkipTLS {
			err = conn.StartTLS(p.config.TLSConfig)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", server.URL(), err)
	}

	conn.SetTimeout(p.config.Timeout)

	pc := &pooledConn{
		conn:     conn,
		server:   server,
		lastUsed: time.Now(),
		healthy:  true,
		release:  p.put,
	}

	if p.config.HasAuthentication() {
		if err := p.authenticate(pc); err != nil {
			conn.Close()
			return nil, fmt.Errorf("authenticate to %s: %w", server.URL(), err)
		}
	}

	return pc, nil
}

func (p *pool) authenticate(pc *pooledConn) error {
	var err error
	switch p.config.AuthMethod() {
	case AuthSimpleBind:
		err = pc.conn.Bind(p.config.BindDN, p.config.Password)
	case AuthKerberos:
		err = kerberosBind(pc.conn, p.config, pc.server)
	case AuthExternal:
		err = pc.conn.Bind("", "")
	case AuthAnonymous:
		err = pc.conn.UnauthenticatedBind("")
	}

	if err != nil {
		pc.authenticated = false
		pc.authTime = time.Time{}
		return WrapError("bind", p.config.BindDN, err)
	}

	pc.authenticated = true
	pc.authTime = time.Now()
	return nil
}

func (p *pool) needsReauth(pc *pooledConn) bool {
	return !pc.authenticated || time.Since(pc.authTime) > maxAuthAge
}

// put returns a connection to the pool, closing it when stale or surplus.
func (p *pool) put(pc *pooledConn) {
	if pc == nil {
		return
	}

	atomic.AddInt64(&p.activeConns, -1)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.closeConn(pc)
		return
	}

	if p.isHealthy(pc) && time.Since(pc.lastUsed) < p.config.MaxIdleTime {
		select {
		case p.conns <- pc:
		default:
			p.closeConn(pc)
		}
	} else {
		p.closeConn(pc)
	}
}

func (p *pool) isHealthy(pc *pooledConn) bool {
	if pc == nil || pc.conn == nil || !pc.healthy {
		return false
	}
	if time.Since(pc.lastUsed) > p.config.MaxIdleTime {
		return false
	}
	if p.config.HasAuthentication() && !pc.authenticated {
		return false
	}
	return true
}

func (p *pool) closeConn(pc *pooledConn) {
	if pc != nil && pc.conn != nil {
		pc.conn.Close()
		pc.healthy = false
		pc.authenticated = false
	}
}

func (p *pool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.healthTicker != nil {
		close(p.healthStop)
		p.healthWg.Wait()
		p.healthTicker.Stop()
	}

	close(p.conns)
	for pc := range p.conns {
		p.closeConn(pc)
	}
	return nil
}

func (p *pool) stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PoolStats{
		Idle:    len(p.conns),
		Active:  atomic.LoadInt64(&p.activeConns),
		Created: atomic.LoadInt64(&p.totalCreated),
		Errors:  atomic.LoadInt64(&p.totalErrors),
		Uptime:  time.Since(p.startTime),
	}
}

func (p *pool) startHealthChecker() {
	p.healthTicker = time.NewTicker(p.config.HealthCheck)
	p.healthWg.Add(1)
	go func() {
		defer p.healthWg.Done()
		for {
			select {
			case <-p.healthTicker.C:
				p.checkIdleConns()
			case <-p.healthStop:
				return
			}
		}
	}()
}

// checkIdleConns pulls a few idle connections, verifies them against the
// root DSE, and returns the survivors.
func (p *pool) checkIdleConns() {
	var toCheck []*pooledConn
loop:
	for i := 0; i < 3; i++ {
		select {
		case pc := <-p.conns:
			toCheck = append(toCheck, pc)
		default:
			break loop
		}
	}

	for _, pc := range toCheck {
		if p.testConn(pc) {
			atomic.AddInt64(&p.activeConns, 1) // put undoes this
			p.put(pc)
		} else {
			p.closeConn(pc)
		}
	}
}

func (p *pool) testConn(pc *pooledConn) bool {
	if pc == nil || pc.conn == nil {
		return false
	}

	if p.config.HasAuthentication() && p.needsReauth(pc) {
		if err := p.authenticate(pc); err != nil {
			return false
		}
	}

	req := ldap.NewSearchRequest(
		"", ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		1, 5, false,
		"(objectClass=*)",
		[]string{"supportedLDAPVersion"},
		nil,
	)
	if _, err := pc.conn.Search(req); err != nil {
		pc.authenticated = false
		return false
	}
	return true
}
