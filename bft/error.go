package bft

import (
	"fmt"

	"github.com/skalenetwork/skale-consensus-sub001/lib"
)

func ErrInvalidProposerSlot(slot, n uint64) lib.ErrorI {
	return lib.NewError(lib.CodeInvalidProposerSlot, lib.ConsensusModule, fmt.Sprintf("proposer slot %d outside [1, %d]", slot, n))
}

func ErrInvalidSenderSlot(slot, n uint64) lib.ErrorI {
	return lib.NewError(lib.CodeInvalidSenderSlot, lib.ConsensusModule, fmt.Sprintf("sender slot %d outside [1, %d]", slot, n))
}

func ErrNotEnoughAvailability(trueCount, n uint64) lib.ErrorI {
	return lib.NewError(lib.CodeNotEnoughAvailability, lib.ConsensusModule, fmt.Sprintf("only %d of %d proposals available, need more than 2/3", trueCount, n))
}

func ErrWrongAvailabilityLength(got, n uint64) lib.ErrorI {
	return lib.NewError(lib.CodeWrongAvailabilityLength, lib.ConsensusModule, fmt.Sprintf("availability vector has %d entries, expected %d", got, n))
}

func ErrAgreementAlreadyStarted(id lib.BlockId) lib.ErrorI {
	return lib.NewError(lib.CodeAgreementAlreadyStarted, lib.ConsensusModule, fmt.Sprintf("agreement for block %d already started", id))
}

func ErrAgreementNotStarted(id lib.BlockId) lib.ErrorI {
	return lib.NewError(lib.CodeAgreementNotStarted, lib.ConsensusModule, fmt.Sprintf("agreement for block %d not started", id))
}

func ErrInstanceDisconnected(key lib.ProtocolKey) lib.ErrorI {
	return lib.NewError(lib.CodeInstanceDisconnected, lib.ConsensusModule, fmt.Sprintf("instance %s was disconnected", key))
}

func ErrUnknownConsensusMsg(m lib.Message) lib.ErrorI {
	return lib.NewError(lib.CodeUnknownConsensusMessage, lib.ConsensusModule, fmt.Sprintf("unknown consensus message: %T", m))
}

func ErrInvalidSignatureShare(sender uint64) lib.ErrorI {
	return lib.NewError(lib.CodeInvalidSignatureShare, lib.ConsensusModule, fmt.Sprintf("invalid block sign share from slot %d", sender))
}

func ErrUnableToAddSigner(err error) lib.ErrorI {
	return lib.NewError(lib.CodeUnableToAddSigner, lib.ConsensusModule, fmt.Sprintf("multiKey.AddSigner() failed with err: %s", err.Error()))
}

func ErrAggregateSignature(err error) lib.ErrorI {
	return lib.NewError(lib.CodeAggregateSignature, lib.ConsensusModule, fmt.Sprintf("aggregateSignature() failed with err: %s", err.Error()))
}

func ErrUnknownDecisionRecord(id lib.BlockId) lib.ErrorI {
	return lib.NewError(lib.CodeUnknownDecisionRecord, lib.ConsensusModule, fmt.Sprintf("no decision record for block %d", id))
}

func ErrMismatchedDecision(id lib.BlockId, got, want uint64) lib.ErrorI {
	return lib.NewError(lib.CodeMismatchedDecision, lib.ConsensusModule, fmt.Sprintf("block %d sign share for slot %d, decided %d", id, got, want))
}
