package finalize

import (
	"encoding/binary"
	"io"

	"github.com/alecthomas/units"
	pool "github.com/libp2p/go-buffer-pool"
	limiter "github.com/mxk/go-flowrate/flowrate"
	"github.com/skalenetwork/skale-consensus-sub001/lib"
)

const (
	frameHeaderSize  = 4
	frameOverhead    = 1 * units.KiB // message fields around the fragment bytes
	transferRatePerS = 50 * units.MB
)

// writeFrame() sends a length prefixed encoded message, rate limited by the connection's monitor
func writeFrame(w io.Writer, m lib.Message, monitor *limiter.Monitor) lib.ErrorI {
	bz, err := lib.EncodeMessage(m)
	if err != nil {
		return err
	}
	frame := pool.Get(frameHeaderSize + len(bz))
	defer pool.Put(frame)
	binary.BigEndian.PutUint32(frame, uint32(len(bz)))
	copy(frame[frameHeaderSize:], bz)
	monitor.Limit(len(frame), int64(transferRatePerS), true)
	n, er := w.Write(frame)
	monitor.Update(n)
	if er != nil {
		return lib.ErrMarshal(er)
	}
	return nil
}

// readFrame() reads one length prefixed message; frames larger than maxSize are refused before allocation
func readFrame(r io.Reader, maxSize int, monitor *limiter.Monitor) (lib.Message, lib.ErrorI) {
	header := pool.Get(frameHeaderSize)
	defer pool.Put(header)
	if _, er := io.ReadFull(r, header); er != nil {
		return nil, lib.ErrUnmarshal(er)
	}
	size := int(binary.BigEndian.Uint32(header))
	if size > maxSize {
		return nil, lib.ErrMessageTooLarge(size, maxSize)
	}
	body := pool.Get(size)
	defer pool.Put(body)
	monitor.Limit(size, int64(transferRatePerS), true)
	n, er := io.ReadFull(r, body)
	monitor.Update(frameHeaderSize + n)
	if er != nil {
		return nil, lib.ErrUnmarshal(er)
	}
	// DecodeMessage copies every variable length field out of the pooled buffer
	return lib.DecodeMessage(body)
}

// maxFrameSize() bounds a fragment response for blocks up to maxBlockSize
func maxFrameSize(maxBlockSize int) int { return maxBlockSize + int(frameOverhead) }
