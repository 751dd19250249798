package wireproto

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pgverity/pgverity/internal/analysis"
	"github.com/pgverity/pgverity/internal/capture"
	"github.com/pgverity/pgverity/internal/dbval"
	"github.com/pgverity/pgverity/internal/pgerr"
	"github.com/pgverity/pgverity/internal/rewrite"
	"github.com/pgverity/pgverity/internal/txtrack"
	"github.com/pgverity/pgverity/internal/verify"
)

var reReturning = regexp.MustCompile(`(?i)\breturning\b`)

// ConnConfig carries the per-connection settings a Listener hands each
// Conn it accepts.
type ConnConfig struct {
	BackendAddr         string
	FrameTimeout        time.Duration
	BackendTimeout      time.Duration
	EnforceVerification bool
	Seed                uint64
}

// rowCapture is one row observed in a DML statement's injected
// RETURNING response, keyed by its "id" column for write-set capture.
type rowCapture struct {
	RowID  string
	Values map[string]dbval.Value
}

// pendingStmt tracks a statement in flight between being sent to the
// backend and its terminal response frame, so the backend-reading
// goroutine knows what bookkeeping to apply once it arrives.
type pendingStmt struct {
	sql      string
	meta     analysis.Metadata
	table    string
	capture  bool
	implicit bool
	fields   []FieldDescription
	rows     []rowCapture
}

type parsedStatement struct {
	sql  string
	meta analysis.Metadata
}

// Conn proxies one client's connection to the real backend, intercepting
// the simple and extended query sub-protocols to drive statement
// analysis, determinism rewriting, transaction tracking, and write-set
// capture — while leaving every frame it doesn't need to interpret
// untouched, byte for byte.
type Conn struct {
	client     net.Conn
	clientBuf  *bufio.Reader
	backend    net.Conn
	backendBuf *bufio.Reader

	cfg     ConnConfig
	logger  *slog.Logger
	engine  *capture.Engine
	manager *verify.Manager
	tracker *txtrack.Tracker

	nextTxID *atomic.Uint64

	closed atomic.Bool

	mu           sync.Mutex
	tx           *capture.TxContext
	txStatements []string
	pending      []*pendingStmt
	parsed       map[string]*parsedStatement
	portals      map[string]string
}

func newConn(client net.Conn, cfg ConnConfig, engine *capture.Engine, manager *verify.Manager, logger *slog.Logger, nextTxID *atomic.Uint64) *Conn {
	return &Conn{
		client:    client,
		clientBuf: bufio.NewReader(client),
		cfg:       cfg,
		logger:    logger,
		engine:    engine,
		manager:   manager,
		tracker: txtrack.New(func(format string, args ...any) {
			logger.Warn(fmt.Sprintf(format, args...))
		}),
		nextTxID: nextTxID,
		parsed:   map[string]*parsedStatement{},
		portals:  map[string]string{},
	}
}

// Run drives one connection end to end: the handshake, then the
// steady-state proxy loop, until the client disconnects or a fatal
// protocol error occurs.
func (c *Conn) Run(ctx context.Context) error {
	defer c.client.Close()

	startup, err := ReadStartupFrame(c.clientBuf)
	if err != nil {
		return pgerr.New(pgerr.KindProtocol, "wireproto.Conn.Run", err)
	}

	if cr, ok := startup.(CancelRequest); ok {
		return c.forwardCancelRequest(cr)
	}

	if _, ok := startup.(SSLRequest); ok {
		if _, err := c.client.Write([]byte{'N'}); err != nil {
			return fmt.Errorf("wireproto: reject ssl request: %w", err)
		}
		startup, err = ReadStartupFrame(c.clientBuf)
		if err != nil {
			return pgerr.New(pgerr.KindProtocol, "wireproto.Conn.Run", err)
		}
	}

	sm, ok := startup.(StartupMessage)
	if !ok {
		return pgerr.New(pgerr.KindProtocol, "wireproto.Conn.Run", fmt.Errorf("unexpected second startup frame %T", startup))
	}

	backend, err := net.DialTimeout("tcp", c.cfg.BackendAddr, c.cfg.BackendTimeout)
	if err != nil {
		return pgerr.New(pgerr.KindIO, "wireproto.Conn.Run", fmt.Errorf("dial backend %s: %w", c.cfg.BackendAddr, err))
	}
	c.backend = backend
	c.backendBuf = bufio.NewReader(backend)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			c.closed.Store(true)
			c.client.Close()
			c.backend.Close()
		})
	}
	defer closeBoth()

	if err := WriteStartupMessage(backend, sm); err != nil {
		return fmt.Errorf("wireproto: forward startup message: %w", err)
	}

	if err := c.relayHandshake(); err != nil {
		return err
	}

	g := new(errgroup.Group)
	g.Go(func() error {
		defer closeBoth()
		return c.backendLoop()
	})
	g.Go(func() error {
		defer closeBoth()
		return c.frontendLoop(ctx)
	})
	return g.Wait()
}

func (c *Conn) forwardCancelRequest(cr CancelRequest) error {
	defer c.client.Close()
	backend, err := net.DialTimeout("tcp", c.cfg.BackendAddr, c.cfg.BackendTimeout)
	if err != nil {
		return pgerr.New(pgerr.KindIO, "wireproto.Conn.forwardCancelRequest", err)
	}
	defer backend.Close()

	var body []byte
	body = appendInt32(body, cancelRequestCode)
	body = appendInt32(body, cr.ProcessID)
	body = appendInt32(body, cr.SecretKey)
	return writeLengthPrefixed(backend, body)
}

// relayHandshake forwards the authentication exchange verbatim in both
// directions until the backend signals ReadyForQuery (success) or an
// ErrorResponse (rejected login).
func (c *Conn) relayHandshake() error {
	for {
		tag, body, err := ReadFrame(c.backendBuf)
		if err != nil {
			return pgerr.New(pgerr.KindProtocol, "wireproto.Conn.relayHandshake", err)
		}
		if err := WriteFrame(c.client, tag, body); err != nil {
			return err
		}

		switch tag {
		case tagReadyForQuery:
			if msg, err := DecodeBackendMessage(tag, body); err == nil {
				if rfq, ok := msg.(ReadyForQuery); ok {
					c.tracker.ObserveBackendStatus(txStatusFrom(rfq.Status))
				}
			}
			return nil
		case tagErrorResponse:
			return pgerr.New(pgerr.KindAuth, "wireproto.Conn.relayHandshake", fmt.Errorf("backend rejected login"))
		case tagAuthentication:
			msg, err := DecodeBackendMessage(tag, body)
			if err != nil {
				return pgerr.New(pgerr.KindProtocol, "wireproto.Conn.relayHandshake", err)
			}
			switch msg.(type) {
			case AuthenticationOk, AuthenticationSASLFinal:
				continue
			}
			ctag, cbody, err := ReadFrame(c.clientBuf)
			if err != nil {
				return pgerr.New(pgerr.KindProtocol, "wireproto.Conn.relayHandshake", fmt.Errorf("client auth reply: %w", err))
			}
			if err := WriteFrame(c.backend, ctag, cbody); err != nil {
				return err
			}
		}
	}
}

func txStatusFrom(s TransactionStatus) txtrack.Status {
	switch s {
	case TxStatusInTx:
		return txtrack.Active
	case TxStatusFailed:
		return txtrack.Failed
	default:
		return txtrack.Idle
	}
}

// frontendLoop reads client frames and dispatches them, forwarding to
// the backend (rewritten where the determinism rewriter applies).
func (c *Conn) frontendLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.cfg.FrameTimeout > 0 {
			_ = c.client.SetReadDeadline(time.Now().Add(c.cfg.FrameTimeout))
		}
		tag, body, err := ReadFrame(c.clientBuf)
		if err != nil {
			if c.closed.Load() {
				return nil
			}
			return err
		}
		if err := c.dispatchFrontend(tag, body); err != nil {
			return err
		}
		if tag == tagTerminate {
			return nil
		}
	}
}

func (c *Conn) dispatchFrontend(tag byte, body []byte) error {
	switch tag {
	case tagQuery:
		msg, err := DecodeFrontendMessage(tag, body)
		if err != nil {
			return pgerr.New(pgerr.KindProtocol, "wireproto.Conn.dispatchFrontend", err)
		}
		return c.handleFrontendQuery(msg.(Query).SQL)
	case tagParse:
		return c.handleParse(body)
	case tagBind:
		return c.handleBind(body)
	case tagExecute:
		return c.handleExecute(body)
	case tagClose:
		return c.handleClose(body)
	default:
		// Sync, Flush, Describe, Terminate, CopyData/Done/Fail,
		// FunctionCall, PasswordMessage outside the handshake, and any
		// frame this connection doesn't recognize: forward unmodified.
		// Dropping or reordering any frontend frame is never correct.
		return WriteFrame(c.backend, tag, body)
	}
}

// backendLoop reads backend frames, relays them to the client verbatim,
// and applies transaction/write-set bookkeeping driven by the pending
// statement queue the frontend side populates.
func (c *Conn) backendLoop() error {
	for {
		tag, body, err := ReadFrame(c.backendBuf)
		if err != nil {
			if c.closed.Load() {
				return nil
			}
			return err
		}
		msg, _ := DecodeBackendMessage(tag, body)
		c.handleBackendFrame(tag, msg)
		if err := WriteFrame(c.client, tag, body); err != nil {
			return err
		}
	}
}

func (c *Conn) handleBackendFrame(tag byte, msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch m := msg.(type) {
	case RowDescription:
		if len(c.pending) > 0 {
			c.pending[0].fields = m.Fields
		}
	case DataRow:
		if len(c.pending) > 0 && c.pending[0].capture {
			c.pending[0].rows = append(c.pending[0].rows, rowFromDataRow(c.pending[0].fields, m))
		}
	case CommandComplete:
		c.finishPendingLocked(m.Tag, false)
	case EmptyQueryResponse:
		c.finishPendingLocked("", false)
	case PortalSuspended:
		// Execute's row cap was hit; more DataRows for this same
		// statement follow a later Execute on the same portal, so the
		// pending item stays at the front of the queue.
	case ErrorResponse:
		c.tracker.BackendError()
		c.finishPendingLocked("", true)
	case ReadyForQuery:
		c.tracker.ObserveBackendStatus(txStatusFrom(m.Status))
	}
}

func (c *Conn) finishPendingLocked(cmdTag string, gotError bool) {
	if len(c.pending) == 0 {
		return
	}
	item := c.pending[0]
	c.pending = c.pending[1:]

	if item.capture && c.tx != nil && !gotError {
		c.applyCapturedLocked(item.table, item.meta.Kind, item.rows)
	}

	if item.meta.Kind == analysis.TxControl {
		switch item.meta.TxControlKind {
		case analysis.Commit, analysis.Rollback:
			c.finishExplicitTxLocked(cmdTag, gotError)
		}
		return
	}
	if item.implicit {
		c.finishImplicitTxLocked(gotError)
	}
}

func (c *Conn) applyCapturedLocked(table string, kind analysis.Kind, rows []rowCapture) {
	for _, r := range rows {
		switch kind {
		case analysis.DMLInsert:
			c.tx.Insert(table, r.RowID, r.Values)
		case analysis.DMLUpdate:
			c.tx.Update(table, r.RowID, r.Values)
		case analysis.DMLDelete:
			c.tx.Delete(table, r.RowID)
		}
	}
}

func rowFromDataRow(fields []FieldDescription, dr DataRow) rowCapture {
	values := make(map[string]dbval.Value, len(fields))
	var rowID string
	for i, f := range fields {
		var v dbval.Value
		if i < len(dr.Values) && dr.Values[i] != nil {
			v = dbval.NewText(string(dr.Values[i]))
		} else {
			v = dbval.NewNull()
		}
		values[f.Name] = v
		if f.Name == "id" && i < len(dr.Values) && dr.Values[i] != nil {
			rowID = string(dr.Values[i])
		}
	}
	return rowCapture{RowID: rowID, Values: values}
}

func hasReturning(stmt string) bool { return reReturning.MatchString(stmt) }

func appendReturning(stmt string) string {
	return strings.TrimRight(stmt, " \t\r\n;") + " RETURNING *"
}

// handleFrontendQuery analyzes, rewrites, and (for DML) prepares write-set
// capture for one simple-query-protocol statement, then forwards it.
func (c *Conn) handleFrontendQuery(sql string) error {
	meta := analysis.Analyze(sql)

	c.mu.Lock()

	if meta.Kind == analysis.TxControl {
		c.applyTxControlLocked(meta)
		c.pending = append(c.pending, &pendingStmt{sql: sql, meta: meta})
		c.mu.Unlock()
		return c.sendSimpleQuery(sql)
	}

	implicit := false
	if meta.ModifiesData && c.tracker.Current() == nil {
		c.beginTxLocked()
		implicit = true
	}
	if c.tracker.Current() != nil {
		_ = c.tracker.AddStatement(sql, meta.AffectedTables...)
		c.txStatements = append(c.txStatements, sql)
	}

	stmtText := sql
	if meta.NonDeterministic {
		seedTxID := c.currentTxIDLocked()
		fns := rewrite.NewFunctions(seedTxID, time.Now().Unix(), c.cfg.Seed)
		res, err := rewrite.Statement(stmtText, fns)
		switch {
		case err == nil && res.Rewritten:
			stmtText = res.Statement
		case c.cfg.EnforceVerification:
			if implicit {
				c.abandonImplicitTxLocked()
			}
			status := c.tracker.Status()
			c.mu.Unlock()
			return c.sendSynthesizedError(status)
		}
		// Forwarded unrewritten: the backend evaluates the
		// non-deterministic call itself. Replay re-applies the captured
		// write-set, so it does not detect this.
	}

	capturing := meta.ModifiesData && len(meta.AffectedTables) > 0
	var table string
	if len(meta.AffectedTables) > 0 {
		table = meta.AffectedTables[0]
	}
	if capturing && !hasReturning(stmtText) {
		stmtText = appendReturning(stmtText)
	}

	c.pending = append(c.pending, &pendingStmt{
		sql: sql, meta: meta, table: table, capture: capturing, implicit: implicit,
	})
	c.mu.Unlock()
	return c.sendSimpleQuery(stmtText)
}

func (c *Conn) sendSimpleQuery(sql string) error {
	return WriteFrame(c.backend, tagQuery, appendCString(nil, sql))
}

func (c *Conn) sendSynthesizedError(status txtrack.Status) error {
	errResp := NewErrorResponse("ERROR", "0A000", "statement declined by the determinism rewriter under enforce_verification")
	tag, body, err := EncodeBackendMessage(errResp)
	if err != nil {
		return err
	}
	if err := WriteFrame(c.client, tag, body); err != nil {
		return err
	}
	ts := TxStatusIdle
	switch status {
	case txtrack.Active:
		ts = TxStatusInTx
	case txtrack.Failed:
		ts = TxStatusFailed
	}
	tag, body, err = EncodeBackendMessage(ReadyForQuery{Status: ts})
	if err != nil {
		return err
	}
	return WriteFrame(c.client, tag, body)
}

func (c *Conn) applyTxControlLocked(meta analysis.Metadata) {
	switch meta.TxControlKind {
	case analysis.Begin:
		c.beginTxLocked()
	case analysis.Savepoint:
		if c.tx != nil {
			c.tx.Savepoint(meta.SavepointName)
		}
		_ = c.tracker.Savepoint(meta.SavepointName, time.Now().UnixMilli())
	case analysis.Release:
		if c.tx != nil {
			c.tx.Release(meta.SavepointName)
		}
		_ = c.tracker.Release(meta.SavepointName)
	case analysis.RollbackTo:
		if c.tx != nil {
			_ = c.tx.RollbackTo(meta.SavepointName)
		}
		_ = c.tracker.RollbackTo(meta.SavepointName)
	}
	// Commit/Rollback are settled in finishPendingLocked once the
	// backend's CommandComplete confirms the outcome.
}

func (c *Conn) beginTxLocked() {
	txID := c.nextTxID.Add(1)
	tx := c.engine.Begin(txID)
	if err := c.manager.Prepare(context.Background(), txID, tx.PreStateRoot); err != nil {
		c.logger.Error("wireproto: verify prepare failed", "error", err, "tx_id", txID)
	}
	c.tx = tx
	c.txStatements = nil
	c.tracker.Begin(txID, time.Now().UnixMilli())
}

func (c *Conn) currentTxIDLocked() uint64 {
	if c.tx != nil {
		return c.tx.ID
	}
	return c.nextTxID.Add(1)
}

// abandonImplicitTxLocked discards an implicit transaction that was
// opened in anticipation of a statement that turned out to be rejected
// before it was ever sent to the backend.
func (c *Conn) abandonImplicitTxLocked() {
	if c.tx == nil {
		return
	}
	preRoot := c.engine.Rollback(c.tx)
	if err := c.manager.MarkRolledBack(context.Background(), c.tx.ID, preRoot, c.txStatements); err != nil {
		c.logger.Error("wireproto: mark rolled back failed", "error", err, "tx_id", c.tx.ID)
	}
	c.tracker.Rollback(time.Now().UnixMilli())
	c.tx = nil
	c.txStatements = nil
}

func (c *Conn) finishExplicitTxLocked(cmdTag string, gotError bool) {
	if c.tx == nil {
		return
	}
	tx := c.tx
	nowMS := time.Now().UnixMilli()
	committed := !gotError && strings.HasPrefix(strings.ToUpper(strings.TrimSpace(cmdTag)), "COMMIT")
	if committed {
		bs, err := c.engine.Commit(tx, uint64(time.Now().Unix()))
		if err != nil {
			c.logger.Error("wireproto: commit failed", "error", err, "tx_id", tx.ID)
		} else if _, err := c.manager.Finalize(context.Background(), tx, bs, c.txStatements); err != nil {
			c.logger.Error("wireproto: finalize failed", "error", err, "tx_id", tx.ID)
		}
		c.tracker.Commit(nowMS)
	} else {
		preRoot := c.engine.Rollback(tx)
		if err := c.manager.MarkRolledBack(context.Background(), tx.ID, preRoot, c.txStatements); err != nil {
			c.logger.Error("wireproto: mark rolled back failed", "error", err, "tx_id", tx.ID)
		}
		c.tracker.Rollback(nowMS)
	}
	c.tx = nil
	c.txStatements = nil
}

func (c *Conn) finishImplicitTxLocked(gotError bool) {
	if c.tx == nil {
		return
	}
	tx := c.tx
	nowMS := time.Now().UnixMilli()
	if !gotError {
		bs, err := c.engine.Commit(tx, uint64(time.Now().Unix()))
		if err != nil {
			c.logger.Error("wireproto: implicit commit failed", "error", err, "tx_id", tx.ID)
		} else if _, err := c.manager.Finalize(context.Background(), tx, bs, c.txStatements); err != nil {
			c.logger.Error("wireproto: implicit finalize failed", "error", err, "tx_id", tx.ID)
		}
		c.tracker.Commit(nowMS)
	} else {
		preRoot := c.engine.Rollback(tx)
		if err := c.manager.MarkRolledBack(context.Background(), tx.ID, preRoot, c.txStatements); err != nil {
			c.logger.Error("wireproto: implicit mark rolled back failed", "error", err, "tx_id", tx.ID)
		}
		c.tracker.Rollback(nowMS)
	}
	c.tx = nil
	c.txStatements = nil
}

// handleParse records a prepared statement's text and classification for
// later use at Execute time, then forwards the frame unmodified.
//
// Determinism rewriting and write-set capture are not applied on the
// extended-query path: injecting a RETURNING clause would change the
// RowDescription the client already asked Describe for, and rewriting a
// parameterized statement at Parse time would need to resolve Bind's
// parameter values first. A transaction driven purely through
// Parse/Bind/Execute still gets its BEGIN/COMMIT/ROLLBACK/SAVEPOINT
// lifecycle tracked, but non-deterministic or write-set-bearing DML
// issued this way is forwarded as-is and its rows are not captured, so
// neither the engine's state roots nor replay reflect them (see
// DESIGN.md).
func (c *Conn) handleParse(body []byte) error {
	msg, err := DecodeFrontendMessage(tagParse, body)
	if err != nil {
		return pgerr.New(pgerr.KindProtocol, "wireproto.Conn.handleParse", err)
	}
	p := msg.(Parse)
	meta := analysis.Analyze(p.Query)

	c.mu.Lock()
	c.parsed[p.Name] = &parsedStatement{sql: p.Query, meta: meta}
	c.mu.Unlock()

	return WriteFrame(c.backend, tagParse, body)
}

func (c *Conn) handleBind(body []byte) error {
	msg, err := DecodeFrontendMessage(tagBind, body)
	if err != nil {
		return pgerr.New(pgerr.KindProtocol, "wireproto.Conn.handleBind", err)
	}
	b := msg.(Bind)

	c.mu.Lock()
	c.portals[b.Portal] = b.Statement
	c.mu.Unlock()

	return WriteFrame(c.backend, tagBind, body)
}

func (c *Conn) handleExecute(body []byte) error {
	msg, err := DecodeFrontendMessage(tagExecute, body)
	if err != nil {
		return pgerr.New(pgerr.KindProtocol, "wireproto.Conn.handleExecute", err)
	}
	e := msg.(Execute)

	c.mu.Lock()
	stmtName := c.portals[e.Portal]
	ps := c.parsed[stmtName]
	item := &pendingStmt{}
	if ps != nil {
		item.sql = ps.sql
		item.meta = ps.meta
	}

	switch {
	case item.meta.Kind == analysis.TxControl:
		c.applyTxControlLocked(item.meta)
	case item.meta.ModifiesData:
		if c.tracker.Current() == nil {
			c.beginTxLocked()
			item.implicit = true
		}
		if c.tracker.Current() != nil && item.sql != "" {
			_ = c.tracker.AddStatement(item.sql, item.meta.AffectedTables...)
			c.txStatements = append(c.txStatements, item.sql)
		}
		// Write-set capture is not performed for extended-protocol DML;
		// see handleParse's doc comment.
	}
	c.pending = append(c.pending, item)
	c.mu.Unlock()

	return WriteFrame(c.backend, tagExecute, body)
}

func (c *Conn) handleClose(body []byte) error {
	msg, err := DecodeFrontendMessage(tagClose, body)
	if err == nil {
		cl := msg.(Close)
		c.mu.Lock()
		if cl.ObjectType == 'S' {
			delete(c.parsed, cl.Name)
		} else {
			delete(c.portals, cl.Name)
		}
		c.mu.Unlock()
	}
	return WriteFrame(c.backend, tagClose, body)
}
