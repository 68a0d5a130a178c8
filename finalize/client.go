package finalize

import (
	"context"
	"errors"
	"net"
	"time"

	limiter "github.com/mxk/go-flowrate/flowrate"
	"github.com/skalenetwork/skale-consensus-sub001/lib"
)

// Client requests single fragments from the fragment servers of peers
type Client struct {
	timeout   time.Duration
	maxFrame  int
	addresses map[uint64]string // slot -> fragment server host:port
	log       lib.LoggerI
}

// NewClient() creates a client for every peer listed in the p2p config
func NewClient(config lib.FinalizeConfig, p2p lib.P2PConfig, log lib.LoggerI) *Client {
	addresses := make(map[uint64]string, len(p2p.Nodes))
	for _, node := range p2p.Nodes {
		addresses[node.Slot] = node.FragmentAddress
	}
	return &Client{
		timeout:   config.FragmentTimeout(),
		maxFrame:  maxFrameSize(config.MaxBlockSize),
		addresses: addresses,
		log:       log,
	}
}

// RequestFragment() opens a connection to the peer's fragment server and waits for the response until the
// fragment timeout or ctx expires
func (c *Client) RequestFragment(ctx context.Context, dst uint64, req *lib.FragmentRequest) (*lib.FragmentResponse, lib.ErrorI) {
	address, ok := c.addresses[dst]
	if !ok || address == "" {
		return nil, ErrFragmentRequestFailed(dst, errors.New("no fragment address"))
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	dialer := net.Dialer{}
	conn, er := dialer.DialContext(ctx, "tcp", address)
	if er != nil {
		return nil, ErrFragmentRequestFailed(dst, er)
	}
	defer conn.Close()
	deadline, _ := ctx.Deadline()
	if er = conn.SetDeadline(deadline); er != nil {
		return nil, ErrFragmentRequestFailed(dst, er)
	}
	// unblock the read below on cancellation
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()
	monitor := limiter.New(0, 0)
	defer monitor.Done()
	if err := writeFrame(conn, req, monitor); err != nil {
		return nil, ErrFragmentRequestFailed(dst, err)
	}
	msg, err := readFrame(conn, c.maxFrame, monitor)
	if err != nil {
		return nil, ErrFragmentRequestFailed(dst, err)
	}
	resp, ok := msg.(*lib.FragmentResponse)
	if !ok {
		return nil, ErrFragmentRequestFailed(dst, errors.New("unexpected message "+msg.Kind().String()))
	}
	c.log.Debugf("Fragment %s/%d from %d (%d bytes at %d B/s)", req.Key(), req.FragmentIndex, dst, len(resp.Bytes), monitor.Status().AvgRate)
	return resp, nil
}
