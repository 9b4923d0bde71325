package server

import (
	"bufio"
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/krunerge/ceph/internal/backoff"
	"github.com/krunerge/ceph/internal/config"
	"github.com/krunerge/ceph/internal/metrics"
	"github.com/krunerge/ceph/internal/notify"
	"github.com/krunerge/ceph/internal/protocol"
	"github.com/krunerge/ceph/internal/store"
)

type Server struct {
	cfg    *config.Config
	log    *slog.Logger
	notify *notify.Manager

	connSeq   atomic.Uint64
	connCount atomic.Int64
	conns     sync.Map // net.Conn -> struct{}

	epoch atomic.Uint64 // map epoch, bumped on every degrade/recover

	pgMu sync.RWMutex
	pgs  map[backoff.ShardID]*backoff.PG

	sessMu   sync.RWMutex
	sessions map[uint64]*backoff.Session
}

func New(cfg *config.Config, log *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		notify:   notify.NewManager(),
		pgs:      make(map[backoff.ShardID]*backoff.PG),
		sessions: make(map[uint64]*backoff.Session),
	}
}

// pg returns the placement group for shard, creating it on first use.
func (s *Server) pg(shard backoff.ShardID) *backoff.PG {
	s.pgMu.RLock()
	p := s.pgs[shard]
	s.pgMu.RUnlock()
	if p != nil {
		return p
	}
	s.pgMu.Lock()
	defer s.pgMu.Unlock()
	if p = s.pgs[shard]; p == nil {
		p = backoff.NewPG(shard, store.NewMemory(s.cfg.MaxObjects), s.log)
		s.pgs[shard] = p
	}
	return p
}

// Epoch returns the current map epoch.
func (s *Server) Epoch() uint64 { return s.epoch.Load() }

// bumpEpoch advances the map epoch and broadcasts it to every session.
func (s *Server) bumpEpoch() uint64 {
	e := s.epoch.Add(1)
	msg := protocol.FormatEpoch(e)
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	for id, sess := range s.sessions {
		if s.notify.Send(id, msg) {
			sess.NoteSentEpoch(e)
		}
	}
	return e
}

func (s *Server) Run(ctx context.Context) error {
	hasCert := s.cfg.TLSCert != ""
	hasKey := s.cfg.TLSKey != ""
	if hasCert != hasKey {
		return fmt.Errorf("both --tls-cert and --tls-key must be provided together")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if hasCert {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			listener.Close()
			return fmt.Errorf("tls: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		listener = tls.NewListener(listener, tlsCfg)
		s.log.Info("TLS enabled")
	}

	s.log.Info("listening", "addr", addr)
	return s.serve(ctx, listener)
}

// RunOnListener starts the server on a pre-existing listener (for testing).
func (s *Server) RunOnListener(ctx context.Context, listener net.Listener) error {
	s.log.Info("listening", "addr", listener.Addr())
	return s.serve(ctx, listener)
}

func (s *Server) serve(ctx context.Context, listener net.Listener) error {
	var wg sync.WaitGroup

	if s.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		msrv := &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("metrics listener error", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			msrv.Shutdown(shctx)
		}()
		s.log.Info("metrics listening", "addr", s.cfg.MetricsAddr)
	}

	// Close listener on context cancellation
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.drain(&wg)
				return nil
			default:
				s.log.Error("accept error", "err", err)
				continue
			}
		}
		if max := s.cfg.MaxConnections; max > 0 && s.connCount.Load() >= int64(max) {
			s.log.Warn("max connections reached, rejecting", "max", max)
			conn.Close()
			continue
		}
		connID := s.connSeq.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn, connID)
		}()
	}
}

// drain waits for all goroutines to finish, force-closing connections if
// the shutdown timeout expires.
func (s *Server) drain(wg *sync.WaitGroup) {
	s.log.Info("shutting down, draining connections")

	if s.cfg.ShutdownTimeout <= 0 {
		wg.Wait()
		return
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(s.cfg.ShutdownTimeout):
		s.log.Warn("shutdown timeout reached, force-closing connections")
		s.conns.Range(func(key, _ any) bool {
			if c, ok := key.(net.Conn); ok {
				c.Close()
			}
			return true
		})
		wg.Wait()
	}
}

// sessionNotifier adapts the per-connection push channel to the backoff
// core's Notifier. Sends never block: notify.Manager drops-and-cancels on a
// full buffer.
type sessionNotifier struct {
	s      *Server
	connID uint64
}

func (n sessionNotifier) SendBlock(b *backoff.Backoff) {
	n.s.notify.Send(n.connID, protocol.FormatBlock(string(b.ShardID), b.ID, b.Begin, b.End))
}

func (n sessionNotifier) SendUnblock(b *backoff.Backoff) {
	n.s.notify.Send(n.connID, protocol.FormatUnblock(string(b.ShardID), b.ID, b.Begin, b.End))
}

// connWriter serializes response and push writes on one connection.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
	cfg  *config.Config
}

func (w *connWriter) write(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cfg.WriteTimeout > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	}
	_, err := w.conn.Write(data)
	if w.cfg.WriteTimeout > 0 {
		w.conn.SetWriteDeadline(time.Time{})
	}
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, connID uint64) {
	peer := conn.RemoteAddr().String()
	s.log.Debug("client connected", "peer", peer, "conn_id", connID)
	s.connCount.Add(1)
	s.conns.Store(conn, struct{}{})
	metrics.SessionsActive.Inc()

	connCtx, connCancel := context.WithCancel(ctx)

	sess := backoff.NewSession(connID, peer, sessionNotifier{s: s, connID: connID}, s.log)
	s.sessMu.Lock()
	s.sessions[connID] = sess
	s.sessMu.Unlock()

	pushCh := make(chan []byte, s.cfg.PushBuffer)
	s.notify.Register(connID, pushCh, func() {
		s.log.Warn("slow push consumer, disconnecting", "peer", peer, "conn_id", connID)
		conn.Close()
	})

	w := &connWriter{conn: conn, cfg: s.cfg}

	// Push writer: drains the notification channel for this connection.
	go func() {
		for {
			select {
			case <-connCtx.Done():
				return
			case msg := <-pushCh:
				if err := w.write(msg); err != nil {
					s.log.Debug("push write error", "peer", peer, "err", err)
					conn.Close()
					return
				}
			}
		}
	}()

	defer func() {
		connCancel()
		s.notify.Unregister(connID)
		s.sessMu.Lock()
		delete(s.sessions, connID)
		s.sessMu.Unlock()
		// Teardown: detach every backoff still linked to this session.
		sess.ClearBackoffs()
		s.conns.Delete(conn)
		s.connCount.Add(-1)
		metrics.SessionsActive.Dec()
		conn.Close()
		s.log.Debug("client closed", "peer", peer, "conn_id", connID)
	}()

	reader := bufio.NewReader(conn)

	if s.cfg.AuthToken != "" {
		req, err := protocol.ReadRequest(reader, s.cfg.ReadTimeout, conn)
		if err != nil || req.Cmd != "auth" ||
			subtle.ConstantTimeCompare([]byte(req.Token), []byte(s.cfg.AuthToken)) != 1 {
			s.log.Warn("auth failed", "peer", peer, "conn_id", connID)
			w.write(protocol.FormatResponse(&protocol.Ack{Status: "error_auth"}))
			// Small delay to slow down brute-force attempts.
			time.Sleep(100 * time.Millisecond)
			return
		}
		w.write(protocol.FormatResponse(&protocol.Ack{Status: "ok"}))
	}

	for {
		req, err := protocol.ReadRequest(reader, s.cfg.ReadTimeout, conn)
		if err != nil {
			var pe *protocol.ProtocolError
			if errors.As(err, &pe) {
				if pe.Code == protocol.CodeDisconnected {
					break
				}
				s.log.Warn("protocol error", "peer", peer, "code", pe.Code, "msg", pe.Message)
				if err := w.write(protocol.FormatResponse(&protocol.Ack{Status: "error"})); err != nil {
					break
				}
				// Read-level errors may have desynchronized the stream.
				if pe.Code == protocol.CodeReadTimeout || pe.Code == protocol.CodeLineTooLong {
					break
				}
				continue
			}
			s.log.Error("read error", "peer", peer, "err", err)
			break
		}

		ack := s.handleRequest(req, sess)
		if err := w.write(protocol.FormatResponse(ack)); err != nil {
			s.log.Debug("write error, disconnecting", "peer", peer, "err", err)
			break
		}
	}
}

func (s *Server) handleRequest(req *protocol.Request, sess *backoff.Session) *protocol.Ack {
	s.log.Debug("request", "conn", sess.ID, "cmd", req.Cmd, "shard", req.Shard, "object", req.Object)

	switch req.Cmd {
	case "put", "get", "del":
		return s.handleOp(req, sess)

	case "ack":
		sess.AckBackoff(backoff.ShardID(req.Shard), req.ID, req.Begin, req.End)
		return &protocol.Ack{Status: "ok"}

	case "epoch":
		sess.NoteReceivedEpoch(req.Epoch)
		return &protocol.Ack{Status: "ok"}

	case "block":
		s.pg(backoff.ShardID(req.Shard)).Degrade(req.Begin, req.End)
		e := s.bumpEpoch()
		return &protocol.Ack{Status: "ok", Extra: strconv.FormatUint(e, 10)}

	case "unblock":
		n := s.pg(backoff.ShardID(req.Shard)).Recover(req.Begin, req.End)
		s.bumpEpoch()
		return &protocol.Ack{Status: "ok", Extra: strconv.Itoa(n)}

	case "recover":
		n := s.pg(backoff.ShardID(req.Shard)).RecoverAll()
		s.bumpEpoch()
		return &protocol.Ack{Status: "ok", Extra: strconv.Itoa(n)}

	case "stats":
		data, err := json.Marshal(s.stats())
		if err != nil {
			return &protocol.Ack{Status: "error"}
		}
		return &protocol.Ack{Status: "ok", Extra: string(data)}
	}

	s.log.Warn("unknown command in handleRequest", "cmd", req.Cmd, "conn", sess.ID)
	return &protocol.Ack{Status: "error"}
}

// handleOp runs the backoff admission check and then the store operation.
func (s *Server) handleOp(req *protocol.Request, sess *backoff.Session) *protocol.Ack {
	shard := backoff.ShardID(req.Shard)
	pg := s.pg(shard)

	if b := sess.CheckBackoff(shard, req.Object); b != nil {
		return &protocol.Ack{Status: "blocked", Extra: strconv.FormatUint(b.ID, 10)}
	}

	if rng, ok := pg.DegradedRange(req.Object); ok {
		b := pg.AddBackoff(sess, rng.Begin, rng.End)
		// The range may have recovered between the policy check and the
		// link; release rather than leave the client plugged forever.
		if _, still := pg.DegradedRange(req.Object); !still {
			pg.ReleaseBackoffs(rng.Begin, rng.End)
		}
		metrics.OpsBlocked.Inc()
		return &protocol.Ack{Status: "blocked", Extra: strconv.FormatUint(b.ID, 10)}
	}

	metrics.OpsAdmitted.Inc()
	st := pg.Store()
	switch req.Cmd {
	case "put":
		if err := st.Put(req.Object, []byte(req.Value)); err != nil {
			if errors.Is(err, store.ErrMaxObjects) {
				return &protocol.Ack{Status: "error_max_objects"}
			}
			return &protocol.Ack{Status: "error"}
		}
		return &protocol.Ack{Status: "ok"}
	case "get":
		v, err := st.Get(req.Object)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return &protocol.Ack{Status: "notfound"}
			}
			return &protocol.Ack{Status: "error"}
		}
		return &protocol.Ack{Status: "ok", Extra: string(v)}
	case "del":
		if err := st.Delete(req.Object); err != nil {
			return &protocol.Ack{Status: "error"}
		}
		return &protocol.Ack{Status: "ok"}
	}
	return &protocol.Ack{Status: "error"}
}

// Stats structures for the "stats" command.

type ShardStats struct {
	ID       string          `json:"id"`
	Objects  int             `json:"objects"`
	Bytes    int             `json:"bytes"`
	Backoffs int             `json:"backoffs"`
	Degraded []backoff.Range `json:"degraded"`
}

type SessionStats struct {
	ID            uint64         `json:"id"`
	Addr          string         `json:"addr"`
	ReceivedEpoch uint64         `json:"received_epoch"`
	LastSentEpoch uint64         `json:"last_sent_epoch"`
	Backoffs      []backoff.Info `json:"backoffs"`
}

type Stats struct {
	Epoch       uint64         `json:"epoch"`
	Connections int64          `json:"connections"`
	Shards      []ShardStats   `json:"shards"`
	Sessions    []SessionStats `json:"sessions"`
}

func (s *Server) stats() *Stats {
	out := &Stats{
		Epoch:       s.epoch.Load(),
		Connections: s.connCount.Load(),
		Shards:      []ShardStats{},
		Sessions:    []SessionStats{},
	}

	s.pgMu.RLock()
	for id, pg := range s.pgs {
		st := pg.Store().Stats()
		out.Shards = append(out.Shards, ShardStats{
			ID:       string(id),
			Objects:  st.Objects,
			Bytes:    st.Bytes,
			Backoffs: pg.BackoffCount(),
			Degraded: pg.DegradedRanges(),
		})
	}
	s.pgMu.RUnlock()

	s.sessMu.RLock()
	for id, sess := range s.sessions {
		out.Sessions = append(out.Sessions, SessionStats{
			ID:            id,
			Addr:          sess.Addr,
			ReceivedEpoch: sess.ReceivedEpoch(),
			LastSentEpoch: sess.LastSentEpoch(),
			Backoffs:      sess.BackoffInfos(),
		})
	}
	s.sessMu.RUnlock()

	return out
}
