package inference

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrProcessGroupInitialized is returned when the default group already exists.
var ErrProcessGroupInitialized = errors.New("process group already initialized")

// ProcessGroup is a TCP rendezvous among worldSize ranks. Rank 0 listens on
// the init address and every other rank registers with it.
type ProcessGroup struct {
	rank      int
	worldSize int
	addr      string
	listener  net.Listener
	peers     []net.Conn
	mu        sync.Mutex
	closed    bool
}

// NewProcessGroup joins a rendezvous and blocks until every rank has joined.
//
// Arguments:
//   - ctx: Bounds the rendezvous.
//   - method: The init method; only tcp://host:port is accepted.
//   - rank: This process's rank.
//   - worldSize: The number of ranks.
//
// Returns:
//   - *ProcessGroup: The joined group.
//   - error: A malformed method, bind or dial failure, or ctx expiry.
func NewProcessGroup(ctx context.Context, method string, rank, worldSize int) (*ProcessGroup, error) {
	addr, err := parseInitMethod(method)
	if err != nil {
		return nil, err
	}
	if worldSize <= 0 || rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("invalid rank %d for world size %d", rank, worldSize)
	}
	pg := &ProcessGroup{rank: rank, worldSize: worldSize, addr: addr}
	if rank == 0 {
		err = pg.host(ctx)
	} else {
		err = pg.join(ctx)
	}
	if err != nil {
		_ = pg.Close()
		return nil, errors.Wrapf(err, "rendezvous at %s", method)
	}
	return pg, nil
}

func parseInitMethod(method string) (string, error) {
	u, err := url.Parse(method)
	if err != nil {
		return "", errors.Wrapf(err, "parse init method %q", method)
	}
	if u.Scheme != "tcp" {
		return "", errors.Errorf("unsupported init method %q: only tcp:// is supported", method)
	}
	if u.Host == "" || u.Port() == "" {
		return "", errors.Errorf("init method %q needs host:port", method)
	}
	return u.Host, nil
}

func (pg *ProcessGroup) host(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", pg.addr)
	if err != nil {
		return err
	}
	pg.listener = ln
	pg.addr = ln.Addr().String()

	if deadline, ok := ctx.Deadline(); ok {
		if tl, ok := ln.(*net.TCPListener); ok {
			_ = tl.SetDeadline(deadline)
		}
	}
	for len(pg.peers) < pg.worldSize-1 {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			_ = conn.Close()
			return errors.Wrap(err, "read peer hello")
		}
		var peer int
		if _, err := fmt.Sscanf(strings.TrimSpace(line), "rank %d", &peer); err != nil || peer <= 0 || peer >= pg.worldSize {
			_ = conn.Close()
			return errors.Errorf("bad peer hello %q", strings.TrimSpace(line))
		}
		if _, err := fmt.Fprintf(conn, "ok %d\n", pg.worldSize); err != nil {
			_ = conn.Close()
			return err
		}
		pg.peers = append(pg.peers, conn)
	}
	return nil
}

func (pg *ProcessGroup) join(ctx context.Context) error {
	var d net.Dialer
	var conn net.Conn
	var err error
	// Rank 0 may not be listening yet.
	for {
		conn, err = d.DialContext(ctx, "tcp", pg.addr)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(50 * time.Millisecond):
		}
	}
	if _, err := fmt.Fprintf(conn, "rank %d\n", pg.rank); err != nil {
		_ = conn.Close()
		return err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "read rendezvous reply")
	}
	var world int
	if _, err := fmt.Sscanf(strings.TrimSpace(line), "ok %d", &world); err != nil || world != pg.worldSize {
		_ = conn.Close()
		return errors.Errorf("world size mismatch: reply %q", strings.TrimSpace(line))
	}
	pg.peers = append(pg.peers, conn)
	return nil
}

// Rank returns this process's rank.
func (pg *ProcessGroup) Rank() int { return pg.rank }

// WorldSize returns the number of ranks.
func (pg *ProcessGroup) WorldSize() int { return pg.worldSize }

// Addr returns the rendezvous address, resolved when rank 0 bound port 0.
func (pg *ProcessGroup) Addr() string { return pg.addr }

// Close releases the listener and peer connections. It is idempotent.
func (pg *ProcessGroup) Close() error {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if pg.closed {
		return nil
	}
	pg.closed = true
	var first error
	for _, c := range pg.peers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	if pg.listener != nil {
		if err := pg.listener.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var (
	defaultGroupMu sync.Mutex
	defaultGroup   *ProcessGroup
)

// InitProcessGroup creates the process-wide default group.
func InitProcessGroup(ctx context.Context, method string, rank, worldSize int) (*ProcessGroup, error) {
	defaultGroupMu.Lock()
	defer defaultGroupMu.Unlock()
	if defaultGroup != nil {
		return nil, ErrProcessGroupInitialized
	}
	pg, err := NewProcessGroup(ctx, method, rank, worldSize)
	if err != nil {
		return nil, err
	}
	defaultGroup = pg
	return pg, nil
}

// IsInitialized reports whether the default group exists.
func IsInitialized() bool {
	defaultGroupMu.Lock()
	defer defaultGroupMu.Unlock()
	return defaultGroup != nil
}

// DestroyProcessGroup closes and forgets the default group. It is a no-op
// when no group exists.
func DestroyProcessGroup() error {
	defaultGroupMu.Lock()
	defer defaultGroupMu.Unlock()
	if defaultGroup == nil {
		return nil
	}
	err := defaultGroup.Close()
	defaultGroup = nil
	return err
}
