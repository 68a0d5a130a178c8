package controller

import (
	"fmt"

	"github.com/skalenetwork/skale-consensus-sub001/lib"
)

func ErrNodeKeyMismatch(slot uint64, kind string) lib.ErrorI {
	return lib.NewError(lib.CodeNodeKeyMismatch, lib.ConsensusModule, fmt.Sprintf("local %s key does not match the configured key of slot %d", kind, slot))
}
