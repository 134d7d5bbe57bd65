// Package net serves the remote debug stub over QUIC.
package net

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"dynarec/pkg/cpu"
	"dynarec/pkg/jit"
)

// Target is the machine the debug stub controls.
type Target interface {
	Registers() cpu.State
	ReadMemory(addr, size uint32) ([]byte, error)
	WriteMemory(addr uint32, data []byte) error
	AddBreakpoint(addr uint32)
	RemoveBreakpoint(addr uint32)
	Breakpoints() []uint32
	// Step executes one instruction; the machine stays paused.
	Step() error
	Continue()
	Pause()
	Paused() bool
	Profile() []jit.BlockProfile
	ClearCache()
	Stats() jit.Stats
	SaveState(name string) (uuid.UUID, error)
	LoadState(id uuid.UUID) error
}

// Server accepts debug clients.
type Server struct {
	target     Target
	privateKey ed25519.PrivateKey
	tlsConfig  *tls.Config
	quicConfig *quic.Config
	listener   *quic.Listener
	log        *zap.Logger

	wg sync.WaitGroup
}

// NewServer creates a server with a fresh Ed25519 identity.
func NewServer(target Target, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	tlsConfig, err := generateTLSConfig(priv, true, nil)
	if err != nil {
		return nil, errors.Wrap(err, "generate TLS config")
	}
	return &Server{
		target:     target,
		privateKey: priv,
		tlsConfig:  tlsConfig,
		quicConfig: &quic.Config{
			HandshakeIdleTimeout: 10 * time.Second,
			MaxIdleTimeout:       5 * time.Minute,
			KeepAlivePeriod:      15 * time.Second,
		},
		log: log.Named("debug"),
	}, nil
}

// PublicKey identifies the server; clients pin it.
func (s *Server) PublicKey() ed25519.PublicKey {
	return s.privateKey.Public().(ed25519.PublicKey)
}

// Listen binds the UDP address.
func (s *Server) Listen(addr string) error {
	listener, err := quic.ListenAddr(addr, s.tlsConfig, s.quicConfig)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	s.listener = listener
	s.log.Info("debug server listening",
		zap.Stringer("addr", listener.Addr()),
		zap.String("key", hex.EncodeToString(s.PublicKey())))
	return nil
}

// Addr returns the bound address after Listen.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until ctx is cancelled, then closes the
// listener and waits for open sessions to finish.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("Serve called before Listen")
	}
	stop := context.AfterFunc(ctx, func() { s.listener.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn) {
	log := s.log.With(
		zap.String("session", uuid.NewString()),
		zap.Stringer("remote", conn.RemoteAddr()))
	log.Info("debug client connected")
	defer log.Info("debug client disconnected")

	var wg sync.WaitGroup
	defer wg.Wait()
	defer conn.CloseWithError(0, "session closed")
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer stream.Close()
			s.serveStream(stream, log)
		}()
	}
}

func (s *Server) serveStream(stream *quic.Stream, log *zap.Logger) {
	var req Request
	var resp Response
	if err := readJSON(stream, &req); err != nil {
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			log.Debug("read request", zap.Error(err))
			return
		}
		resp.Error = perr
	} else {
		resp = s.Handle(req)
	}
	if resp.Error != nil {
		log.Debug("request failed",
			zap.String("command", string(req.Command)),
			zap.String("error", resp.Error.Message))
	}
	if err := writeJSON(stream, &resp); err != nil {
		log.Debug("write response", zap.Error(err))
	}
}

func failed(code int, err error) Response {
	return Response{Error: &ProtocolError{Code: code, Message: err.Error()}}
}

// Handle executes one request against the target.
func (s *Server) Handle(req Request) Response {
	t := s.target
	var resp Response
	switch req.Command {
	case CmdRegs:
		state := t.Registers()
		resp.Registers = registersFrom(&state)
	case CmdRead:
		data, err := t.ReadMemory(req.Addr, req.Size)
		if err != nil {
			return failed(CodeFailed, err)
		}
		resp.Data = data
	case CmdWrite:
		if err := t.WriteMemory(req.Addr, req.Data); err != nil {
			return failed(CodeFailed, err)
		}
	case CmdBreak:
		t.AddBreakpoint(req.Addr)
		resp.Breakpoints = t.Breakpoints()
	case CmdUnbreak:
		t.RemoveBreakpoint(req.Addr)
		resp.Breakpoints = t.Breakpoints()
	case CmdStep:
		if err := t.Step(); err != nil {
			return failed(CodeFailed, err)
		}
		state := t.Registers()
		resp.Registers = registersFrom(&state)
	case CmdContinue:
		t.Continue()
	case CmdPause:
		t.Pause()
		state := t.Registers()
		resp.Registers = registersFrom(&state)
	case CmdProfile:
		resp.Profile = t.Profile()
	case CmdClear:
		t.ClearCache()
	case CmdStats:
		stats := t.Stats()
		resp.Stats = &stats
	case CmdSaveState:
		id, err := t.SaveState(req.Name)
		if err != nil {
			return failed(CodeUnavailable, err)
		}
		resp.ID = id.String()
	case CmdLoadState:
		id, err := uuid.Parse(req.ID)
		if err != nil {
			return failed(CodeBadRequest, err)
		}
		if err := t.LoadState(id); err != nil {
			return failed(CodeFailed, err)
		}
	default:
		return Response{Error: &ProtocolError{Code: CodeUnknownCommand, Message: "unknown command " + string(req.Command)}}
	}
	resp.Paused = t.Paused()
	return resp
}
