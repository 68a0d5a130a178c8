package lib

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"
)

// MarshalJSON() wraps json.Marshal with an ErrorI
func MarshalJSON(message any) ([]byte, ErrorI) {
	bz, err := json.Marshal(message)
	if err != nil {
		return nil, ErrJSONMarshal(err)
	}
	return bz, nil
}

// MarshalJSONIndent() wraps json.MarshalIndent with an ErrorI
func MarshalJSONIndent(message any) ([]byte, ErrorI) {
	bz, err := json.MarshalIndent(message, "", "  ")
	if err != nil {
		return nil, ErrJSONMarshal(err)
	}
	return bz, nil
}

// UnmarshalJSON() wraps json.Unmarshal with an ErrorI
func UnmarshalJSON(bz []byte, ptr any) ErrorI {
	if err := json.Unmarshal(bz, ptr); err != nil {
		return ErrJSONUnmarshal(err)
	}
	return nil
}

// NewJSONFromFile() reads a json file in the data directory into the object
func NewJSONFromFile(o any, dataDirPath, filePath string) ErrorI {
	bz, err := os.ReadFile(filepath.Join(dataDirPath, filePath))
	if err != nil {
		return ErrReadFile(err)
	}
	return UnmarshalJSON(bz, o)
}

// SaveJSONToFile() writes the object as indented json into the data directory
func SaveJSONToFile(j any, dataDirPath, filePath string) ErrorI {
	bz, err := MarshalJSONIndent(j)
	if err != nil {
		return err
	}
	if e := os.WriteFile(filepath.Join(dataDirPath, filePath), bz, 0600); e != nil {
		return ErrWriteFile(e)
	}
	return nil
}

// HexBytes are bytes that marshal to and from a hex json string
type HexBytes []byte

func (x HexBytes) String() string { return hex.EncodeToString(x) }

// MarshalJSON() implements json.Marshaller
func (x HexBytes) MarshalJSON() ([]byte, error) { return json.Marshal(x.String()) }

// UnmarshalJSON() implements json.Unmarshaler, an empty string decodes to nil
func (x *HexBytes) UnmarshalJSON(b []byte) (err error) {
	var s string
	if err = json.Unmarshal(b, &s); err != nil {
		return
	}
	if s == "" {
		*x = nil
		return
	}
	*x, err = hex.DecodeString(s)
	return
}

// NewTimer() returns a stopped and drained timer
func NewTimer() *time.Timer {
	t := time.NewTimer(0)
	<-t.C
	return t
}

// ResetTimer() stops, drains and restarts the timer with the new duration
func ResetTimer(t *time.Timer, d time.Duration) {
	StopTimer(t)
	t.Reset(d)
}

// StopTimer() stops the timer and drains a pending fire so the next Reset is clean
func StopTimer(t *time.Timer) {
	if t == nil {
		return
	}
	if !t.Stop() {
		for len(t.C) > 0 {
			<-t.C
		}
	}
}

// CatchPanic() logs the stack of a recovered panic; use as a deferred call at goroutine roots
func CatchPanic(l LoggerI) {
	if r := recover(); r != nil {
		l.Errorf("recovered panic: %v\n%s", r, string(debug.Stack()))
	}
}

// Sleep() waits for d or until the shutdown channel is closed, returning false on shutdown
func Sleep(done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return false
	case <-t.C:
		return true
	}
}

// IsTwoThirds() returns true if count is strictly more than 2/3 of n (the N-f quorum when n = 3f+1)
func IsTwoThirds(count, n uint64) bool { return 3*count > 2*n }

// IsThird() returns true if count is strictly more than 1/3 of n (at least one honest sender when n = 3f+1)
func IsThird(count, n uint64) bool { return 3*count > n }

// QuorumReached() returns true if count is at least ceil(2n/3)
func QuorumReached(count, n uint64) bool { return 3*count >= 2*n }
