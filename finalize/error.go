package finalize

import (
	"fmt"

	"github.com/skalenetwork/skale-consensus-sub001/lib"
)

func ErrInvalidFragmentIndex(index, total uint64) lib.ErrorI {
	return lib.NewError(lib.CodeInvalidFragmentIndex, lib.FinalizeModule, fmt.Sprintf("fragment index %d outside [1, %d]", index, total))
}

func ErrFragmentHashMismatch() lib.ErrorI {
	return lib.NewError(lib.CodeFragmentHashMismatch, lib.FinalizeModule, "fragment declared hash does not match the set")
}

func ErrFragmentSizeMismatch(got, expected uint64) lib.ErrorI {
	return lib.NewError(lib.CodeFragmentSizeMismatch, lib.FinalizeModule, fmt.Sprintf("fragment size %d, expected %d", got, expected))
}

func ErrDuplicateFragment(index uint64) lib.ErrorI {
	return lib.NewError(lib.CodeDuplicateFragment, lib.FinalizeModule, fmt.Sprintf("duplicate fragment %d", index))
}

func ErrFragmentSetIncomplete() lib.ErrorI {
	return lib.NewError(lib.CodeFragmentSetIncomplete, lib.FinalizeModule, "fragment set is incomplete")
}

func ErrBlockHashMismatch() lib.ErrorI {
	return lib.NewError(lib.CodeBlockHashMismatch, lib.FinalizeModule, "block hash does not match the declared hash")
}

func ErrInvalidDAProof(reason string) lib.ErrorI {
	return lib.NewError(lib.CodeInvalidDAProof, lib.FinalizeModule, "invalid availability proof: "+reason)
}

func ErrNoFragment(slot uint64) lib.ErrorI {
	return lib.NewError(lib.CodeNoFragment, lib.FinalizeModule, fmt.Sprintf("peer %d does not hold the proposal", slot))
}

func ErrResolveCancelled() lib.ErrorI {
	return lib.NewError(lib.CodeResolveCancelled, lib.FinalizeModule, "resolution cancelled")
}

func ErrFragmentRequestFailed(slot uint64, err error) lib.ErrorI {
	return lib.NewError(lib.CodeFragmentRequestFailed, lib.FinalizeModule, fmt.Sprintf("fragment request to %d failed with err: %s", slot, err.Error()))
}

func ErrMissingDAProof(key lib.ProtocolKey) lib.ErrorI {
	return lib.NewError(lib.CodeMissingDAProof, lib.FinalizeModule, fmt.Sprintf("no availability proof for %s", key))
}

func ErrEmptyFragment() lib.ErrorI {
	return lib.NewError(lib.CodeEmptyFragment, lib.FinalizeModule, "fragment declares an empty block")
}

func ErrFragmentOverflow(size uint64, max int) lib.ErrorI {
	return lib.NewError(lib.CodeFragmentOverflow, lib.FinalizeModule, fmt.Sprintf("declared block size %d exceeds max %d", size, max))
}

func ErrInvalidFragmentRequest(req *lib.FragmentRequest) lib.ErrorI {
	return lib.NewError(lib.CodeInvalidFragmentRequest, lib.FinalizeModule, fmt.Sprintf("invalid fragment request %s/%d", req.Key(), req.FragmentIndex))
}

func ErrWrongFragmentKey(got, expected lib.ProtocolKey) lib.ErrorI {
	return lib.NewError(lib.CodeWrongFragmentKey, lib.FinalizeModule, fmt.Sprintf("fragment for %s, expected %s", got, expected))
}

func ErrListenFailed(err error) lib.ErrorI {
	return lib.NewError(lib.CodeListenFailed, lib.P2PModule, "fragment server listen failed with err: "+err.Error())
}
