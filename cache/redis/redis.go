package redis

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adeilh/rakh-state/cache"
)

var _ cache.Store = (*Store)(nil)

// Store implements cache.Store using the Redis RESP protocol.
type Store struct {
	opts      Options
	dialFn    dialFunc
	pool      chan *clientConn
	connected atomic.Bool
}

type dialFunc func(context.Context, Options) (net.Conn, error)

// NewStore builds a Redis-backed cache store. No connection is made until
// Connect is called.
func NewStore(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, cache.ErrMissingAddr
	}
	cfg := opts.withDefaults()
	return &Store{opts: cfg, dialFn: defaultDial, pool: make(chan *clientConn, cfg.PoolSize)}, nil
}

// WithDial allows overriding the dialer (useful for tests/mocks).
func (s *Store) WithDial(fn dialFunc) {
	if fn != nil {
		s.dialFn = fn
	}
}

// Connect dials the server, runs the handshake and verifies it answers PING.
// The connection is kept in the pool for later calls.
func (s *Store) Connect(ctx context.Context) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	conn, err := s.newConn(ctx)
	if err != nil {
		return fmt.Errorf("redis: connect: %w", err)
	}
	if err := s.ping(conn); err != nil {
		s.releaseConn(conn, true)
		return fmt.Errorf("redis: connect: %w", err)
	}
	s.connected.Store(true)
	s.releaseConn(conn, false)
	return nil
}

// GetMany pipelines one GET per key over a single connection. Keys without a
// cached value are left out of the result.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	found := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return found, nil
	}

	pipeline, err := s.Pipeline(ctx)
	if err != nil {
		return nil, err
	}
	defer pipeline.Close()

	for _, key := range keys {
		pipeline.Queue("GET", s.wireKey(key))
	}
	responses, err := pipeline.Exec(ctx)
	if err != nil {
		return nil, err
	}
	for i, resp := range responses {
		switch v := resp.(type) {
		case nil:
			continue
		case []byte:
			found[keys[i]] = append([]byte(nil), v...)
		default:
			return nil, fmt.Errorf("redis: unexpected GET response %T", resp)
		}
	}
	return found, nil
}

// SetMany pipelines SET ... PX for every item. A non-positive ttl stores the
// values without expiry.
func (s *Store) SetMany(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	pipeline, err := s.Pipeline(ctx)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	for key, value := range items {
		args := []string{"SET", s.wireKey(key), string(value)}
		if ttl > 0 {
			ms := ttl.Milliseconds()
			if ms == 0 {
				ms = 1
			}
			args = append(args, "PX", strconv.FormatInt(ms, 10))
		}
		pipeline.Queue(args...)
	}
	responses, err := pipeline.Exec(ctx)
	if err != nil {
		return err
	}
	for _, resp := range responses {
		if msg, ok := resp.(string); !ok || !strings.EqualFold(msg, "OK") {
			return fmt.Errorf("redis: SET failed: %v", resp)
		}
	}
	return nil
}

// DeleteMany removes all keys with a single DEL. Missing keys are ignored.
func (s *Store) DeleteMany(ctx context.Context, keys []string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	args := make([]string, 0, len(keys)+1)
	args = append(args, "DEL")
	for _, key := range keys {
		args = append(args, s.wireKey(key))
	}
	return s.withConn(ctx, func(conn *clientConn) error {
		if err := s.send(conn, args...); err != nil {
			return err
		}
		resp, err := s.read(conn)
		if err != nil {
			return err
		}
		if _, ok := resp.(int64); !ok {
			return fmt.Errorf("redis: DEL failed: %v", resp)
		}
		return nil
	})
}

// Ping sends PING and expects PONG.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.withConn(ctx, s.ping)
}

// Close drops every pooled connection. Connections checked out by in-flight
// calls are closed when they are released.
func (s *Store) Close() error {
	s.connected.Store(false)
	for {
		select {
		case conn := <-s.pool:
			_ = conn.Close()
		default:
			return nil
		}
	}
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if !s.connected.Load() {
		return cache.ErrNotConnected
	}
	return nil
}

func (s *Store) wireKey(key string) string {
	return s.opts.KeyPrefix + key
}

func (s *Store) ping(conn *clientConn) error {
	if err := s.send(conn, "PING"); err != nil {
		return err
	}
	resp, err := s.read(conn)
	if err != nil {
		return err
	}
	if msg, ok := resp.(string); ok && strings.EqualFold(msg, "PONG") {
		return nil
	}
	return fmt.Errorf("redis: expected PONG, got %v", resp)
}

func (s *Store) withConn(ctx context.Context, fn func(*clientConn) error) error {
	conn, err := s.acquireConn(ctx)
	if err != nil {
		return err
	}
	broken := false
	defer func() {
		s.releaseConn(conn, broken)
	}()
	if err := fn(conn); err != nil {
		if isConnError(err) {
			broken = true
		}
		return err
	}
	return nil
}

func isConnError(err error) bool {
	var netErr net.Error
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, &netErr)
}

func (s *Store) dial(ctx context.Context) (net.Conn, error) {
	if s.dialFn == nil {
		s.dialFn = defaultDial
	}
	return s.dialFn(ctx, s.opts)
}

func (s *Store) handshake(conn net.Conn, reader *bufio.Reader) error {
	if s.opts.Password != "" {
		if err := s.sendRaw(conn, "AUTH", s.opts.Password); err != nil {
			return err
		}
		if err := s.expectOK(reader); err != nil {
			return err
		}
	}
	if s.opts.DB > 0 {
		if err := s.sendRaw(conn, "SELECT", strconv.Itoa(s.opts.DB)); err != nil {
			return err
		}
		if err := s.expectOK(reader); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) expectOK(reader *bufio.Reader) error {
	resp, err := decodeRESP(reader)
	if err != nil {
		return err
	}
	if msg, ok := resp.(string); ok && strings.EqualFold(msg, "OK") {
		return nil
	}
	return fmt.Errorf("redis: expected OK, got %v", resp)
}

func (s *Store) send(conn *clientConn, parts ...string) error {
	if err := applyDeadline(conn.SetWriteDeadline, s.opts.WriteTimeout); err != nil {
		return err
	}
	payload := buildCommand(parts...)
	_, err := conn.Write(payload)
	return err
}

func (s *Store) read(conn *clientConn) (any, error) {
	if err := applyDeadline(conn.SetReadDeadline, s.opts.ReadTimeout); err != nil {
		return nil, err
	}
	return decodeRESP(conn.reader)
}

// Pipeline acquires a dedicated connection and allows batching commands before
// reading their responses, reducing round-trips under load.
func (s *Store) Pipeline(ctx context.Context) (*Pipeline, error) {
	conn, err := s.acquireConn(ctx)
	if err != nil {
		return nil, err
	}
	return &Pipeline{store: s, conn: conn}, nil
}

type Pipeline struct {
	store   *Store
	conn    *clientConn
	cmds    [][]string
	closed  bool
	closing sync.Mutex
}

// Queue appends a command to the pipeline.
func (p *Pipeline) Queue(parts ...string) {
	if p.closed {
		return
	}
	p.cmds = append(p.cmds, append([]string(nil), parts...))
}

// Exec sends all queued commands and reads the replies in order. Every reply
// is drained even when one of them is a server error, so the connection stays
// usable; the first server error is returned.
func (p *Pipeline) Exec(ctx context.Context) ([]any, error) {
	if p.closed {
		return nil, errors.New("redis pipeline closed")
	}
	if len(p.cmds) == 0 {
		return nil, nil
	}
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var broken bool
	defer func() {
		p.closeInternal(broken)
	}()
	buf := &bytes.Buffer{}
	for _, cmd := range p.cmds {
		buf.Write(buildCommand(cmd...))
	}
	if err := applyDeadline(p.conn.SetWriteDeadline, p.store.opts.WriteTimeout); err != nil {
		broken = true
		return nil, err
	}
	if _, err := p.conn.Write(buf.Bytes()); err != nil {
		broken = true
		return nil, err
	}
	var firstErr error
	responses := make([]any, 0, len(p.cmds))
	for range p.cmds {
		resp, err := p.store.read(p.conn)
		if err != nil {
			var srvErr serverError
			if !errors.As(err, &srvErr) {
				broken = true
				return nil, err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
		responses = append(responses, resp)
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return responses, nil
}

// Close releases the underlying connection without executing queued commands.
func (p *Pipeline) Close() {
	p.closeInternal(false)
}

func (p *Pipeline) closeInternal(broken bool) {
	p.closing.Lock()
	defer p.closing.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.store.releaseConn(p.conn, broken)
}

type clientConn struct {
	net.Conn
	reader *bufio.Reader
}

func (s *Store) acquireConn(ctx context.Context) (*clientConn, error) {
	select {
	case conn := <-s.pool:
		return conn, nil
	default:
		return s.newConn(ctx)
	}
}

func (s *Store) releaseConn(conn *clientConn, broken bool) {
	if conn == nil {
		return
	}
	if broken || !s.connected.Load() {
		_ = conn.Close()
		return
	}
	select {
	case s.pool <- conn:
	default:
		_ = conn.Close()
	}
}

func (s *Store) newConn(ctx context.Context) (*clientConn, error) {
	nc, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	reader := bufio.NewReader(nc)
	if err := s.handshake(nc, reader); err != nil {
		_ = nc.Close()
		return nil, err
	}
	return &clientConn{Conn: nc, reader: reader}, nil
}

// sendRaw is used during handshake before the buffered reader is available.
func (s *Store) sendRaw(conn net.Conn, parts ...string) error {
	if err := applyDeadline(conn.SetWriteDeadline, s.opts.WriteTimeout); err != nil {
		return err
	}
	payload := buildCommand(parts...)
	_, err := conn.Write(payload)
	return err
}

func defaultDial(ctx context.Context, opts Options) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: opts.DialTimeout}
	return dialer.DialContext(ctx, "tcp", opts.Addr)
}

func buildCommand(parts ...string) []byte {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "*%d\r\n", len(parts))
	for _, part := range parts {
		fmt.Fprintf(buf, "$%d\r\n%s\r\n", len(part), part)
	}
	return buf.Bytes()
}

// serverError is a RESP error reply ("-ERR ..."). The connection that
// produced it is still in a consistent state.
type serverError string

func (e serverError) Error() string { return "redis: " + string(e) }

func decodeRESP(r *bufio.Reader) (any, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(line, "\r\n")
	switch prefix {
	case '+':
		return line, nil
	case '-':
		return nil, serverError(line)
	case ':':
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, err
		}
		return n, nil
	case '$':
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		if err := consumeCRLF(r); err != nil {
			return nil, err
		}
		return data, nil
	case '*':
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		arr := make([]any, n)
		for i := 0; i < int(n); i++ {
			val, err := decodeRESP(r)
			if err != nil {
				return nil, err
			}
			arr[i] = val
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("redis: unsupported RESP prefix %q", prefix)
	}
}

func consumeCRLF(r *bufio.Reader) error {
	b1, err := r.ReadByte()
	if err != nil {
		return err
	}
	b2, err := r.ReadByte()
	if err != nil {
		return err
	}
	if b1 != '\r' || b2 != '\n' {
		return errors.New("redis: malformed RESP terminator")
	}
	return nil
}

func applyDeadline(setter func(time.Time) error, timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	return setter(time.Now().Add(timeout))
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
