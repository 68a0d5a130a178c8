package p2p

import (
	"fmt"
	"time"

	"github.com/skalenetwork/skale-consensus-sub001/lib"
)

func ErrUnknownPeer(slot uint64) lib.ErrorI {
	return lib.NewError(lib.CodeUnknownPeer, lib.P2PModule, fmt.Sprintf("unknown peer slot: %d", slot))
}

func ErrSendFailed(slot uint64, err error) lib.ErrorI {
	return lib.NewError(lib.CodeSendFailed, lib.P2PModule, fmt.Sprintf("send to slot %d failed with err: %s", slot, err.Error()))
}

func ErrInvalidSignature(slot uint64) lib.ErrorI {
	return lib.NewError(lib.CodeInvalidSignature, lib.P2PModule, fmt.Sprintf("invalid envelope signature from slot %d", slot))
}

func ErrDuplicateMessage() lib.ErrorI {
	return lib.NewError(lib.CodeDuplicateMessage, lib.P2PModule, "duplicate message")
}

func ErrDialFailed(address string, err error) lib.ErrorI {
	return lib.NewError(lib.CodeDialFailed, lib.P2PModule, fmt.Sprintf("dial %s failed with err: %s", address, err.Error()))
}

func ErrListenFailed(err error) lib.ErrorI {
	return lib.NewError(lib.CodeListenFailed, lib.P2PModule, fmt.Sprintf("listen failed with err: %s", err.Error()))
}

func ErrTransportStopped() lib.ErrorI {
	return lib.NewError(lib.CodeTransportStopped, lib.P2PModule, "transport stopped")
}

func ErrBroadcastCancelled() lib.ErrorI {
	return lib.NewError(lib.CodeBroadcastCancelled, lib.P2PModule, "broadcast cancelled before reaching quorum")
}

func ErrPeerBackoff(slot uint64, remaining time.Duration) lib.ErrorI {
	return lib.NewError(lib.CodePeerBackoff, lib.P2PModule, fmt.Sprintf("slot %d is unreachable, next dial in %s", slot, remaining))
}

func ErrInvalidPublicKey(slot uint64, err error) lib.ErrorI {
	return lib.NewError(lib.CodeInvalidPublicKey, lib.P2PModule, fmt.Sprintf("invalid public key for slot %d: %s", slot, err.Error()))
}
