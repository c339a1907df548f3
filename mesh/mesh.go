// Package mesh implements the peer transport contract: best-effort,
// priority-laned message delivery between nodes. Four priority classes
// (Control > Express > Standard > Heavy) share the wire framing but never
// share a lane's delivery queue, so a saturated Heavy lane cannot head-of-
// line block Control traffic.
package mesh

import (
	"bufio"
	"encoding/binary"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Lane is a priority class for outbound messages.
type Lane uint32

const (
	LaneControl Lane = iota
	LaneExpress
	LaneStandard
	LaneHeavy
	numLanes
)

func (l Lane) String() string {
	switch l {
	case LaneControl:
		return "control"
	case LaneExpress:
		return "express"
	case LaneStandard:
		return "standard"
	case LaneHeavy:
		return "heavy"
	default:
		return "unknown"
	}
}

// SendStatus reports the outcome of a Send call.
type SendStatus int

const (
	StatusQueued SendStatus = iota
	StatusUnknownPeer
	StatusDropped // best-effort delivery: the lane's queue was full
)

// Handler is invoked once per received frame.
type Handler func(from uint32, lane Lane, payload []byte)

// laneQueueDepth bounds how many outstanding messages a lane will buffer
// per peer before Send starts reporting StatusDropped. Best-effort
// delivery means dropping under sustained backpressure is correct
// behaviour, not a bug.
const laneQueueDepth = 256

// Mesh is one node's view of the peer mesh: a set of outbound connections
// it can Send on, and an optional inbound listener feeding a Handler.
type Mesh struct {
	node    uint32
	handler Handler
	logger  *slog.Logger

	mu    sync.RWMutex
	peers map[uint32]*peerConn

	listener net.Listener
	group    errgroup.Group
	done     chan struct{}

	dropped *expvar.Int
}

type peerConn struct {
	id      uint32
	conn    net.Conn
	lanes   [numLanes]chan []byte
	session uuid.UUID
}

// New creates a Mesh identified as node, dispatching received frames to
// handler.
func New(node uint32, handler Handler, logger *slog.Logger) *Mesh {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mesh{
		node:    node,
		handler: handler,
		logger:  logger.With("component", "mesh"),
		peers:   make(map[uint32]*peerConn),
		done:    make(chan struct{}),
		dropped: new(expvar.Int),
	}
}

// Listen accepts inbound connections on addr; each identifies itself with
// a one-time [peer_id:u32_le] handshake before frames start.
func (m *Mesh) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mesh: listen %s: %w", addr, err)
	}
	m.listener = ln
	m.group.Go(func() error {
		m.acceptLoop(ln)
		return nil
	})
	return nil
}

func (m *Mesh) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-m.done:
				return
			default:
				m.logger.Warn("mesh: accept failed", "err", err)
				return
			}
		}
		m.group.Go(func() error {
			m.handleInbound(conn)
			return nil
		})
	}
}

func (m *Mesh) handleInbound(conn net.Conn) {
	// Close tears inbound connections down too, so readFrames returns and
	// Close's group.Wait does not depend on the remote end hanging up.
	go func() {
		<-m.done
		conn.Close()
	}()
	r := bufio.NewReader(conn)
	var peerID uint32
	if err := binary.Read(r, binary.LittleEndian, &peerID); err != nil {
		m.logger.Warn("mesh: inbound handshake failed, dropping connection", "err", err)
		conn.Close()
		return
	}
	m.logger.Info("mesh: inbound peer connected", "peer", peerID)
	m.readFrames(peerID, r, conn)
}

// AddPeer dials addr and registers it under id for outbound Send calls.
func (m *Mesh) AddPeer(id uint32, addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("mesh: dial peer %d at %s: %w", id, addr, err)
	}
	if err := binary.Write(conn, binary.LittleEndian, m.node); err != nil {
		conn.Close()
		return fmt.Errorf("mesh: handshake to peer %d: %w", id, err)
	}

	pc := &peerConn{id: id, conn: conn, session: uuid.New()}
	for i := range pc.lanes {
		pc.lanes[i] = make(chan []byte, laneQueueDepth)
	}

	m.mu.Lock()
	if old, exists := m.peers[id]; exists {
		old.conn.Close()
	}
	m.peers[id] = pc
	m.mu.Unlock()

	m.group.Go(func() error {
		m.writerLoop(pc)
		return nil
	})
	m.group.Go(func() error {
		m.readFrames(id, bufio.NewReader(conn), conn)
		return nil
	})
	return nil
}

// Addr returns the address this Mesh is listening on, or "" if Listen was
// never called.
func (m *Mesh) Addr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Peers returns the ids of every peer currently registered for outbound
// Send calls. Used by the sync manager to pick a random gossip target.
func (m *Mesh) Peers() []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint32, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	return out
}

// RemovePeer closes and forgets a peer connection.
func (m *Mesh) RemovePeer(id uint32) {
	m.mu.Lock()
	pc, ok := m.peers[id]
	if ok {
		delete(m.peers, id)
	}
	m.mu.Unlock()
	if ok {
		pc.conn.Close()
	}
}

// Send enqueues payload for delivery to peer on lane. Delivery is best-
// effort: no retries, no ordering across lanes, in-order within a lane.
func (m *Mesh) Send(peer uint32, lane Lane, payload []byte) SendStatus {
	m.mu.RLock()
	pc, ok := m.peers[peer]
	m.mu.RUnlock()
	if !ok {
		return StatusUnknownPeer
	}
	select {
	case pc.lanes[lane] <- payload:
		return StatusQueued
	default:
		m.dropped.Add(1)
		return StatusDropped
	}
}

// writerLoop drains a peer's four lane queues onto its wire connection,
// always preferring a higher-priority lane's pending message over a lower
// one so Heavy traffic can never delay Control.
func (m *Mesh) writerLoop(pc *peerConn) {
	for {
		msg, lane, ok := m.nextMessage(pc)
		if !ok {
			return
		}
		if err := writeFrame(pc.conn, lane, msg); err != nil {
			m.logger.Warn("mesh: write failed, dropping peer connection", "peer", pc.id, "err", err)
			m.RemovePeer(pc.id)
			return
		}
	}
}

func (m *Mesh) nextMessage(pc *peerConn) ([]byte, Lane, bool) {
	// Non-blocking priority sweep: a message on a higher lane is always
	// preferred over one already pending on a lower lane.
	for lane := Lane(0); lane < numLanes; lane++ {
		select {
		case msg := <-pc.lanes[lane]:
			return msg, lane, true
		default:
		}
	}
	select {
	case msg := <-pc.lanes[LaneControl]:
		return msg, LaneControl, true
	case msg := <-pc.lanes[LaneExpress]:
		return msg, LaneExpress, true
	case msg := <-pc.lanes[LaneStandard]:
		return msg, LaneStandard, true
	case msg := <-pc.lanes[LaneHeavy]:
		return msg, LaneHeavy, true
	case <-m.done:
		return nil, 0, false
	}
}

func writeFrame(w io.Writer, lane Lane, payload []byte) error {
	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(lane))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func (m *Mesh) readFrames(from uint32, r *bufio.Reader, closer io.Closer) {
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err != io.EOF {
				m.logger.Warn("mesh: read failed, dropping peer connection", "peer", from, "err", err)
			}
			closer.Close()
			return
		}
		lane := Lane(binary.LittleEndian.Uint32(hdr[0:4]))
		length := binary.LittleEndian.Uint32(hdr[4:8])
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			m.logger.Warn("mesh: truncated frame, dropping peer connection", "peer", from, "err", err)
			closer.Close()
			return
		}
		if m.handler != nil {
			m.handler(from, lane, payload)
		}
	}
}

// Close stops accepting connections and closes every peer connection.
func (m *Mesh) Close() error {
	close(m.done)
	if m.listener != nil {
		m.listener.Close()
	}
	m.mu.Lock()
	for id, pc := range m.peers {
		pc.conn.Close()
		delete(m.peers, id)
	}
	m.mu.Unlock()
	m.group.Wait()
	return nil
}
