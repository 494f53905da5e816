// Package containers launches the docker-backed Redis and PostgreSQL
// instances used by the integration-tagged tests.
package containers

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	redisHostPort = "6390"
	pgHostPort    = "55432"

	pgUser     = "rakh"
	pgPassword = "secret"
	pgDBName   = "rakh_state_test"
)

// Container describes one test dependency built from a Dockerfile at the
// repository root.
type Container struct {
	Dockerfile    string
	Image         string
	Name          string
	HostPort      string
	ContainerPort string
	Timeout       time.Duration
	ready         func(timeout time.Duration) error

	mu       sync.Mutex
	started  bool
	setupErr error
}

// Redis answers RESP on 127.0.0.1:6390.
var Redis = &Container{
	Dockerfile:    "Dockerfile.redis.test",
	Image:         "rakh-state-redis-test",
	Name:          "rakh-state-redis-test",
	HostPort:      redisHostPort,
	ContainerPort: "6379",
	Timeout:       5 * time.Second,
	ready:         func(d time.Duration) error { return waitForRedis(RedisAddr(), d) },
}

// Postgres accepts lib/pq connections on 127.0.0.1:55432.
var Postgres = &Container{
	Dockerfile:    "Dockerfile.postgres.test",
	Image:         "rakh-state-postgres-test",
	Name:          "rakh-state-postgres-test",
	HostPort:      pgHostPort,
	ContainerPort: "5432",
	Timeout:       10 * time.Second,
	ready:         func(d time.Duration) error { return waitForPostgres(PostgresDSN(), d) },
}

// RedisAddr exposes the Redis host:port combination used by integration tests.
func RedisAddr() string { return "127.0.0.1:" + redisHostPort }

// PostgresDSN returns a lib/pq formatted connection string.
func PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@127.0.0.1:%s/%s?sslmode=disable", pgUser, pgPassword, pgHostPort, pgDBName)
}

// Setup builds the image, runs the container, and waits until it is ready.
// Subsequent calls return the first result.
func (c *Container) Setup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.setupErr != nil {
		return c.setupErr
	}
	if _, err := exec.LookPath("docker"); err != nil {
		c.setupErr = fmt.Errorf("docker executable not found: %w", err)
		return c.setupErr
	}
	_ = c.stop()
	root := repoRoot()
	if err := runDocker("build", "-f", filepath.Join(root, c.Dockerfile), "-t", c.Image, root); err != nil {
		c.setupErr = err
		return err
	}
	if err := runDocker("run", "-d", "--rm", "--name", c.Name, "-p", c.HostPort+":"+c.ContainerPort, c.Image); err != nil {
		c.setupErr = err
		return err
	}
	if err := c.ready(c.Timeout); err != nil {
		c.setupErr = err
		return err
	}
	c.started = true
	return nil
}

// Teardown stops the container if Setup started it.
func (c *Container) Teardown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setupErr != nil {
		return c.setupErr
	}
	if !c.started {
		return nil
	}
	c.started = false
	return c.stop()
}

func (c *Container) stop() error {
	cmd := exec.Command("docker", "stop", c.Name)
	cmd.Dir = repoRoot()
	output, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(string(output), "No such container") {
			return nil
		}
		return fmt.Errorf("docker stop failed: %w: %s", err, output)
	}
	return nil
}

func runDocker(args ...string) error {
	cmd := exec.Command("docker", args...)
	cmd.Dir = repoRoot()
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker %s failed: %w: %s", args[0], err, output)
	}
	return nil
}

func waitForRedis(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	payload := []byte("*1\r\n$4\r\nPING\r\n")
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			if _, err := conn.Write(payload); err == nil {
				_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
				line, err := bufio.NewReader(conn).ReadString('\n')
				if err == nil && strings.Contains(line, "PONG") {
					_ = conn.Close()
					return nil
				}
			}
			_ = conn.Close()
		}
		time.Sleep(100 * time.Millisecond)
	}
	return errors.New("redis container did not respond to ping")
}

func waitForPostgres(dsn string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		err := func() error {
			db, err := sql.Open("postgres", dsn)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.PingContext(ctx)
		}()
		cancel()
		if err == nil {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return errors.New("postgres container did not become ready in time")
}

func repoRoot() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", "..", ".."))
}
