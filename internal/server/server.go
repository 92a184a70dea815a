/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package server wires the block processor, its idempotence store, and
// the 2PC manager into a running process: a TCP listener for the
// opcode-stream wire protocol, an HTTP health endpoint, and graceful
// shutdown. It adapts pkg/app/server.go's component-plus-error-channel
// shape; where that server starts an HTTP API, a gRPC API, and a worker
// pool, this one starts a block-request listener and a health endpoint,
// using golang.org/x/sync/errgroup the same way pkg/workerpool/workerpool.go
// does for its own goroutine fan-out.
package server

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/mponomar/comdb2/internal/blockerr"
	"github.com/mponomar/comdb2/internal/blockproc"
	"github.com/mponomar/comdb2/internal/config"
	"github.com/mponomar/comdb2/internal/logging"
	"github.com/mponomar/comdb2/internal/resppack"
	"github.com/mponomar/comdb2/internal/store"
	"github.com/mponomar/comdb2/internal/twopc"
	"github.com/mponomar/comdb2/internal/wire"
	"golang.org/x/sync/errgroup"
)

var logger = logging.New("server")

// Server owns the listening socket, the block processor, and the backing
// store, and runs until its context is canceled.
type Server struct {
	cfg *config.Config

	store     store.Store
	processor *blockproc.Processor

	// standalone is true when no Forwarder was configured, meaning this
	// process is the only node and every batch runs as if local/master
	// (New's doc: "a nil Forwarder means this node is assumed to always
	// be local/master").
	standalone bool

	listener   net.Listener
	httpServer *http.Server
}

// New constructs a Server from cfg. The caller owns pool/st: this package
// never opens a connection itself, so tests can pass an in-memory
// store.Store without a running Postgres.
func New(cfg *config.Config, st store.Store, fwd blockproc.Forwarder) *Server {
	gate := twopc.NewGate()
	mgr := twopc.NewManager(twopc.LocalTransport{}, gate, twopc.Hooks{}, cfg.Feature.CoordinatorWaitPropagate)

	pcfg := blockproc.Config{
		MaxRetries:               cfg.Retry.MaxRetries,
		UseBlkseq:                cfg.Feature.UseBlkseq,
		DisableTaggedAPIWrites:   cfg.Feature.DisableTaggedAPIWrites,
		CoordinatorWaitPropagate: cfg.Feature.CoordinatorWaitPropagate,
		ReplicateLocal:           cfg.Feature.ReplicateLocal,
		MaxVerifyRetries:         cfg.Retry.OsqlVerifyRetriesMax,
		VerifyRetryPollMS:        cfg.Retry.DisttxnRandomRetryPollMS,
	}
	proc := blockproc.New(pcfg, st, mgr, gate, nil, nil, fwd)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)

	return &Server{
		cfg:        cfg,
		store:      st,
		processor:  proc,
		standalone: fwd == nil,
		httpServer: &http.Server{
			Addr:    cfg.Server.HTTPHealthAddr,
			Handler: mux,
		},
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Run starts the block listener and the health endpoint and blocks until
// ctx is canceled or a fatal error occurs, then shuts both down.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Server.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = lis

	errCh := make(chan error, 2)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.acceptLoop(gctx, errCh)
	})

	go func() {
		logger.Infof("health endpoint listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case errCh <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Infof("shutdown requested")
	case err := <-errCh:
		logger.Errorf("fatal server error: %v", err)
	}

	if err := s.Shutdown(); err != nil {
		return err
	}

	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Shutdown closes the listener, drains the HTTP server within the
// configured shutdown window, and closes the backing store. It does not
// wait for in-flight Submit calls on already-accepted connections.
func (s *Server) Shutdown() error {
	if s.listener != nil {
		_ = s.listener.Close()
	}

	timeout := time.Duration(s.cfg.Server.ShutdownTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("health server shutdown: %v", err)
	}

	s.store.Close()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, errCh chan<- error) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn serves one client connection: each frame is a length-prefixed
// request, decoded into a Batch and handed to the processor, with the
// encoded RSPKL (or a bare error frame on decode failure) written back.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connState := s.processor.NewConnState()
	r := bufio.NewReader(conn)

	for {
		frame, err := readFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warnf("read frame from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		resp := s.handleFrame(ctx, connState, frame)
		if err := writeFrame(conn, resp); err != nil {
			logger.Warnf("write frame to %s: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, connState *blockproc.ConnState, frame []byte) []byte {
	batch, err := decodeBatch(frame, wire.BigEndian)
	if err != nil {
		return resppack.NewFailure(0, -1, blockerr.ErrBadReq, err.Error()).Encode()
	}
	if s.standalone {
		batch.IsMaster = true
	}

	reqBuf := blockproc.NewRequestBuffer(frame)
	result, err := s.processor.Submit(ctx, connState, reqBuf, batch)
	if err != nil {
		es, ok := blockerr.AsErrstat(err)
		if !ok {
			return resppack.NewFailure(0, -1, blockerr.ErrInternal, err.Error()).Encode()
		}
		return resppack.NewFailure(0, -1, es.Val, es.Error()).Encode()
	}
	return result.RSPKL.Encode()
}

// readFrame reads one 4-byte-length-prefixed frame.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, blockerr.New(blockerr.ErrBadReq, "frame length %d exceeds %d", n, maxFrameBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(conn net.Conn, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

const maxFrameBytes = 64 << 20
