// Package admin implements a line-oriented TCP debug protocol for
// out-of-band inspection of a running node: dumping its Merkle root hash,
// listing the keys in a bucket, and forcing an immediate gossip round.
// It follows the mesh package's accept-loop shape (errgroup fan-in,
// one goroutine per connection) but speaks plain text instead of framed
// binary, since every request here is interactive and low-volume.
package admin

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/l3kv/l3kv/engine"
	"golang.org/x/sync/errgroup"
)

// Gossiper is the subset of *syncmgr.Manager the admin server needs. A
// narrow interface avoids an import from admin back into syncmgr's own
// dependency, engine, keeping the two packages independently testable.
type Gossiper interface {
	Tick()
}

// Server answers ROOT_HASH, BUCKET_KEYS, and GOSSIP commands over a plain
// TCP listener. Every command is a single line; every reply ends in "\n".
type Server struct {
	engine *engine.Engine
	sync   Gossiper
	logger *slog.Logger

	listener net.Listener
	group    errgroup.Group
	done     chan struct{}
}

// New creates an admin server backed by eng and (optionally) sync, the
// gossip manager GOSSIP forces a round on. sync may be nil, in which case
// GOSSIP replies with an error.
func New(eng *engine.Engine, sync Gossiper, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine: eng,
		sync:   sync,
		logger: logger.With("component", "admin"),
		done:   make(chan struct{}),
	}
}

// Listen starts accepting connections on addr in the background. Call
// Close to stop.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.group.Go(func() error {
		s.acceptLoop(ln)
		return nil
	})
	return nil
}

// Addr returns the address this server is listening on, or "" before
// Listen is called.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.logger.Warn("admin: accept failed", "err", err)
				return
			}
		}
		s.group.Go(func() error {
			s.serveConn(conn)
			return nil
		})
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply := s.dispatch(line)
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(line string) string {
	fields := strings.Fields(line)
	cmd := strings.ToUpper(fields[0])
	switch cmd {
	case "ROOT_HASH":
		return fmt.Sprintf("OK %016x", s.engine.RootHash())
	case "BUCKET_KEYS":
		if len(fields) != 2 {
			return "ERR usage: BUCKET_KEYS <bucket>"
		}
		bucket, err := strconv.ParseUint(fields[1], 10, 16)
		if err != nil {
			return "ERR invalid bucket: " + err.Error()
		}
		entries := s.engine.BucketKeys(uint16(bucket))
		keys := make([]string, len(entries))
		for i, e := range entries {
			keys[i] = string(e.Key)
		}
		return fmt.Sprintf("OK %d %s", len(keys), strings.Join(keys, ","))
	case "GOSSIP":
		if s.sync == nil {
			return "ERR sync manager not enabled on this node"
		}
		s.sync.Tick()
		return "OK gossip round triggered"
	default:
		return "ERR unknown command " + fields[0]
	}
}

// Close stops accepting connections and closes all in-flight connections'
// listener.
func (s *Server) Close() error {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	s.group.Wait()
	return nil
}
