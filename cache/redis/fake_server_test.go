package redis

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeServer speaks just enough RESP for the store: AUTH, SELECT, PING, GET,
// SET (with PX), DEL. It runs on a loopback listener so pipelined writes are
// buffered by the kernel like against a real server.
type fakeServer struct {
	ln       net.Listener
	password string

	mu       sync.Mutex
	data     map[string]fakeEntry
	commands []string
	failCmd  string
	dials    int
}

type fakeEntry struct {
	value     []byte
	expiresAt time.Time
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &fakeServer{ln: ln, data: make(map[string]fakeEntry)}
	go srv.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return srv
}

func (f *fakeServer) Addr() string { return f.ln.Addr().String() }

func (f *fakeServer) failOn(cmd string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCmd = strings.ToUpper(cmd)
}

func (f *fakeServer) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeServer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeServer) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.dials++
		f.mu.Unlock()
		go f.handle(conn)
	}
}

func (f *fakeServer) handle(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	for {
		req, err := decodeRESP(reader)
		if err != nil {
			return
		}
		parts, ok := req.([]any)
		if !ok || len(parts) == 0 {
			return
		}
		args := make([]string, len(parts))
		for i, p := range parts {
			b, _ := p.([]byte)
			args[i] = string(b)
		}
		_, _ = writer.WriteString(f.exec(args))
		// flush once the client stops pipelining
		if reader.Buffered() == 0 {
			if err := writer.Flush(); err != nil {
				return
			}
		}
	}
}

func (f *fakeServer) exec(args []string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := strings.ToUpper(args[0])
	f.commands = append(f.commands, cmd)
	if cmd == f.failCmd {
		return "-ERR injected failure\r\n"
	}

	switch cmd {
	case "AUTH":
		if len(args) != 2 || args[1] != f.password {
			return "-WRONGPASS invalid password\r\n"
		}
		return "+OK\r\n"
	case "SELECT":
		return "+OK\r\n"
	case "PING":
		return "+PONG\r\n"
	case "GET":
		entry, ok := f.data[args[1]]
		if !ok || (!entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt)) {
			delete(f.data, args[1])
			return "$-1\r\n"
		}
		return fmt.Sprintf("$%d\r\n%s\r\n", len(entry.value), entry.value)
	case "SET":
		entry := fakeEntry{value: []byte(args[2])}
		if len(args) == 5 && strings.EqualFold(args[3], "PX") {
			ms, err := strconv.ParseInt(args[4], 10, 64)
			if err != nil {
				return "-ERR value is not an integer\r\n"
			}
			entry.expiresAt = time.Now().Add(time.Duration(ms) * time.Millisecond)
		}
		f.data[args[1]] = entry
		return "+OK\r\n"
	case "DEL":
		var n int
		for _, key := range args[1:] {
			if _, ok := f.data[key]; ok {
				delete(f.data, key)
				n++
			}
		}
		return fmt.Sprintf(":%d\r\n", n)
	default:
		return "-ERR unknown command\r\n"
	}
}
