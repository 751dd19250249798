package wireproto

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/pgverity/pgverity/internal/capture"
	"github.com/pgverity/pgverity/internal/pgerr"
	"github.com/pgverity/pgverity/internal/verify"
)

// Listener accepts client connections on the wire-protocol port and runs
// each one in its own goroutine, enforcing a per-client-IP concurrent
// connection cap (spec scenario 6). This is a live concurrency counter,
// not a request-rate limiter, so it does not reuse internal/ratelimit's
// MemoryLimiter (a token bucket over request rate) — see DESIGN.md.
type Listener struct {
	addr string
	cfg  ConnConfig

	engine  *capture.Engine
	manager *verify.Manager
	logger  *slog.Logger

	nextTxID atomic.Uint64

	maxPerClient int
	mu           sync.Mutex
	perHost      map[string]int
}

// NewListener constructs a Listener bound to addr, proxying to the
// backend named in cfg.BackendAddr.
func NewListener(addr string, cfg ConnConfig, engine *capture.Engine, manager *verify.Manager, logger *slog.Logger, maxConnectionsPerClient int) *Listener {
	return &Listener{
		addr:         addr,
		cfg:          cfg,
		engine:       engine,
		manager:      manager,
		logger:       logger,
		maxPerClient: maxConnectionsPerClient,
		perHost:      map[string]int{},
	}
}

func (l *Listener) acquire(host string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxPerClient > 0 && l.perHost[host] >= l.maxPerClient {
		return false
	}
	l.perHost[host]++
	return true
}

func (l *Listener) release(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perHost[host]--
	if l.perHost[host] <= 0 {
		delete(l.perHost, host)
	}
}

// Run accepts connections until ctx is cancelled. Each connection runs
// under an errgroup so a panic in one doesn't take the process down
// silently; a per-connection error is logged, not propagated, since one
// misbehaving client must not stop the listener from serving the rest.
func (l *Listener) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return pgerr.New(pgerr.KindIO, "wireproto.Listener.Run", fmt.Errorf("listen %s: %w", l.addr, err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if gctx.Err() != nil {
				_ = g.Wait()
				return nil
			}
			l.logger.Warn("wireproto: accept error", "error", err)
			continue
		}

		host, _, splitErr := net.SplitHostPort(conn.RemoteAddr().String())
		if splitErr != nil {
			host = conn.RemoteAddr().String()
		}
		if !l.acquire(host) {
			l.logger.Warn("wireproto: connection limit exceeded", "client", host, "limit", l.maxPerClient)
			conn.Close()
			continue
		}

		g.Go(func() error {
			defer l.release(host)
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("wireproto: connection panic", "client", host, "panic", r)
				}
			}()
			c := newConn(conn, l.cfg, l.engine, l.manager, l.logger, &l.nextTxID)
			if err := c.Run(gctx); err != nil && gctx.Err() == nil {
				l.logger.Warn("wireproto: connection ended", "client", host, "error", err)
			}
			return nil
		})
	}
}
