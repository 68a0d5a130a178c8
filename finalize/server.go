package finalize

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	limiter "github.com/mxk/go-flowrate/flowrate"
	"github.com/skalenetwork/skale-consensus-sub001/lib"
	"golang.org/x/net/netutil"
)

// BlockSource is the local proposal store the server answers from
type BlockSource interface {
	GetLocalBlock(id lib.BlockId, slot uint64) (*lib.Block, lib.ErrorI)
}

// Server answers FragmentRequests from peers resolving a proposal this node holds
type Server struct {
	config   lib.FinalizeConfig
	n        uint64
	blocks   BlockSource
	listener net.Listener
	conns    sync.WaitGroup
	log      lib.LoggerI
}

// NewServer() creates a fragment server for a network of n nodes
func NewServer(config lib.FinalizeConfig, n uint64, blocks BlockSource, log lib.LoggerI) *Server {
	return &Server{config: config, n: n, blocks: blocks, log: log}
}

// Start() binds the listen address and serves connections until ctx is cancelled or Stop() is called
func (s *Server) Start(ctx context.Context) lib.ErrorI {
	ln, er := net.Listen("tcp", s.config.FragmentListenAddress)
	if er != nil {
		return ErrListenFailed(er)
	}
	s.listener = netutil.LimitListener(ln, s.config.MaxFragmentConns)
	s.log.Infof("Fragment server listening on %s", ln.Addr())
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	go s.accept(ctx)
	return nil
}

// Addr() returns the bound address, useful when listening on port 0
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Stop() closes the listener and waits for open connections to finish their current request
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.conns.Wait()
}

func (s *Server) accept(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Errorf("Fragment server accept failed: %s", err.Error())
			}
			return
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			defer lib.CatchPanic(s.log)
			s.serve(ctx, conn)
		}()
	}
}

// serve() answers requests on one connection until the peer hangs up, a request is invalid, or the deadline passes
func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	monitor := limiter.New(0, 0)
	defer monitor.Done()
	for ctx.Err() == nil {
		_ = conn.SetDeadline(time.Now().Add(s.config.FragmentTimeout()))
		msg, err := readFrame(conn, int(frameOverhead), monitor)
		if err != nil {
			s.log.Debugf("Fragment connection from %s closed: %s", conn.RemoteAddr(), err.Error())
			return
		}
		req, ok := msg.(*lib.FragmentRequest)
		if !ok {
			s.log.Warnf("Unexpected %s on fragment connection from %s", msg.Kind(), conn.RemoteAddr())
			return
		}
		resp, err := s.Answer(req)
		if err != nil {
			s.log.Warnf("Rejected fragment request from %s: %s", conn.RemoteAddr(), err.Error())
			return
		}
		if err = writeFrame(conn, resp, monitor); err != nil {
			s.log.Debugf("Fragment response to %s failed: %s", conn.RemoteAddr(), err.Error())
			return
		}
	}
}

// Answer() builds the response to one request; a proposal this node does not hold is answered with Missing
func (s *Server) Answer(req *lib.FragmentRequest) (*lib.FragmentResponse, lib.ErrorI) {
	if req.ProposerSlot < 1 || req.ProposerSlot > s.n || req.FragmentIndex < 1 || req.FragmentIndex > FragmentCount(s.n) {
		return nil, ErrInvalidFragmentRequest(req)
	}
	b, err := s.blocks.GetLocalBlock(req.BlockId, req.ProposerSlot)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return &lib.FragmentResponse{BlockId: req.BlockId, ProposerSlot: req.ProposerSlot, FragmentIndex: req.FragmentIndex, Missing: true}, nil
	}
	return NewFragmentResponse(b, s.n, req.FragmentIndex)
}
