package lib

import (
	"fmt"
	"math"
)

type ErrorI interface {
	Code() ErrorCode     // Returns the error code
	Module() ErrorModule // Returns the error module
	error                // Implements the built-in error interface
}

var _ ErrorI = &Error{} // Ensures *Error implements ErrorI

type ErrorCode uint32 // Defines a type for error codes

type ErrorModule string // Defines a type for error modules

type Error struct {
	ECode   ErrorCode   `json:"code"`   // Error code
	EModule ErrorModule `json:"module"` // Error module
	Msg     string      `json:"msg"`    // Error message
}

func NewError(code ErrorCode, module ErrorModule, msg string) *Error {
	// Constructs a new Error instance
	return &Error{ECode: code, EModule: module, Msg: msg}
}

// Code() returns the associated error code
func (p *Error) Code() ErrorCode { return p.ECode }

// Module() returns module field
func (p *Error) Module() ErrorModule { return p.EModule }

// String() calls Error()
func (p *Error) String() string { return p.Error() }

// Error() returns a formatted string including module, code and message
func (p *Error) Error() string {
	return fmt.Sprintf("\nModule:  %s\nCode:    %d\nMessage: %s", p.EModule, p.ECode, p.Msg)
}

const (
	NoCode ErrorCode = math.MaxUint32

	// Main Module
	MainModule ErrorModule = "main"

	// Main Module Error Codes
	CodeJSONMarshal        ErrorCode = 1
	CodeJSONUnmarshal      ErrorCode = 2
	CodeUnmarshal          ErrorCode = 3
	CodeMarshal            ErrorCode = 4
	CodeInvalidMagic       ErrorCode = 5
	CodeUnknownMessageKind ErrorCode = 6
	CodeTruncatedMessage   ErrorCode = 7
	CodeReadFile           ErrorCode = 8
	CodeWriteFile          ErrorCode = 9
	CodeInvalidConfig      ErrorCode = 10
	CodeInvalidArgument    ErrorCode = 11
	CodeNilBlock           ErrorCode = 12
	CodeMessageTooLarge    ErrorCode = 13

	// Consensus Module
	ConsensusModule ErrorModule = "consensus"

	// Consensus Module Error Codes
	CodeInvalidProposerSlot       ErrorCode = 1
	CodeInvalidRound              ErrorCode = 2
	CodeNotEnoughAvailability     ErrorCode = 3
	CodeAgreementAlreadyStarted   ErrorCode = 4
	CodeAgreementNotStarted       ErrorCode = 5
	CodeInstanceDisconnected      ErrorCode = 6
	CodeDuplicateDecision         ErrorCode = 7
	CodeWrongAvailabilityLength   ErrorCode = 8
	CodeUnknownConsensusMessage   ErrorCode = 9
	CodeInvalidSignatureShare     ErrorCode = 10
	CodeUnableToAddSigner         ErrorCode = 11
	CodeAggregateSignature        ErrorCode = 12
	CodeBlockCommittedOutOfOrder  ErrorCode = 13
	CodeMismatchedDecision        ErrorCode = 14
	CodeInvalidSenderSlot         ErrorCode = 15
	CodeDecisionCertificateExists ErrorCode = 16
	CodeUnknownDecisionRecord     ErrorCode = 17
	CodeNodeKeyMismatch           ErrorCode = 18

	// P2P Module
	P2PModule ErrorModule = "p2p"

	// P2P Module Error Codes
	CodeUnknownPeer        ErrorCode = 1
	CodeSendFailed         ErrorCode = 2
	CodeInvalidSignature   ErrorCode = 3
	CodeDuplicateMessage   ErrorCode = 4
	CodeDialFailed         ErrorCode = 5
	CodeListenFailed       ErrorCode = 6
	CodeTransportStopped   ErrorCode = 7
	CodeBroadcastCancelled ErrorCode = 8
	CodeInvalidPublicKey   ErrorCode = 9
	CodePeerBackoff        ErrorCode = 10

	// Finalize Module
	FinalizeModule ErrorModule = "finalize"

	// Finalize Module Error Codes
	CodeInvalidFragmentIndex   ErrorCode = 1
	CodeFragmentHashMismatch   ErrorCode = 2
	CodeFragmentSizeMismatch   ErrorCode = 3
	CodeDuplicateFragment      ErrorCode = 4
	CodeFragmentSetIncomplete  ErrorCode = 5
	CodeBlockHashMismatch      ErrorCode = 6
	CodeInvalidDAProof         ErrorCode = 7
	CodeNoFragment             ErrorCode = 8
	CodeResolveCancelled       ErrorCode = 9
	CodeFragmentRequestFailed  ErrorCode = 10
	CodeMissingDAProof         ErrorCode = 11
	CodeEmptyFragment          ErrorCode = 12
	CodeFragmentOverflow       ErrorCode = 13
	CodeInvalidFragmentRequest ErrorCode = 14
	CodeWrongFragmentKey       ErrorCode = 15

	// Storage Module
	StorageModule ErrorModule = "store"

	// Storage Module Error Codes
	CodeOpenDB      ErrorCode = 1
	CodeCloseDB     ErrorCode = 2
	CodeStoreSet    ErrorCode = 3
	CodeStoreGet    ErrorCode = 4
	CodeStoreDelete ErrorCode = 5
	CodeCommitDB    ErrorCode = 6
)

func ErrJSONMarshal(err error) ErrorI {
	return NewError(CodeJSONMarshal, MainModule, fmt.Sprintf("json.marshal() failed with err: %s", err.Error()))
}

func ErrJSONUnmarshal(err error) ErrorI {
	return NewError(CodeJSONUnmarshal, MainModule, fmt.Sprintf("json.unmarshal() failed with err: %s", err.Error()))
}

func ErrUnmarshal(err error) ErrorI {
	return NewError(CodeUnmarshal, MainModule, fmt.Sprintf("unmarshal() failed with err: %s", err.Error()))
}

func ErrMarshal(err error) ErrorI {
	return NewError(CodeMarshal, MainModule, fmt.Sprintf("marshal() failed with err: %s", err.Error()))
}

func ErrInvalidMagic(got uint64) ErrorI {
	return NewError(CodeInvalidMagic, MainModule, fmt.Sprintf("invalid magic number: %x", got))
}

func ErrUnknownMessageKind(kind MessageKind) ErrorI {
	return NewError(CodeUnknownMessageKind, MainModule, fmt.Sprintf("unknown message kind: %d", kind))
}

func ErrTruncatedMessage() ErrorI {
	return NewError(CodeTruncatedMessage, MainModule, "truncated message")
}

func ErrMessageTooLarge(size, max int) ErrorI {
	return NewError(CodeMessageTooLarge, MainModule, fmt.Sprintf("message of %d bytes exceeds max %d", size, max))
}

func ErrReadFile(err error) ErrorI {
	return NewError(CodeReadFile, MainModule, fmt.Sprintf("os.ReadFile() failed with err: %s", err.Error()))
}

func ErrWriteFile(err error) ErrorI {
	return NewError(CodeWriteFile, MainModule, fmt.Sprintf("os.WriteFile() failed with err: %s", err.Error()))
}

func ErrInvalidConfig(reason string) ErrorI {
	return NewError(CodeInvalidConfig, MainModule, "invalid config: "+reason)
}

func ErrInvalidArgument() ErrorI {
	return NewError(CodeInvalidArgument, MainModule, "invalid argument")
}

func ErrNilBlock() ErrorI {
	return NewError(CodeNilBlock, MainModule, "block is nil")
}
