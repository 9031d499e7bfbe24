package helpers

import (
	"testing"
	"unsafe"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/stretchr/testify/require"
)

func TestTracePrintkStopsAtNulAndReturnsLength(t *testing.T) {
	msg := []byte("hello\x00garbage")
	fn := TracePrintk(stdr.New(nil))

	addr := uint64(uintptr(unsafe.Pointer(&msg[0])))
	n := fn(addr, uint64(len(msg)), 0, 0, 0)
	require.EqualValues(t, 5, n)
}

func TestTracePrintkZeroLengthIsNoop(t *testing.T) {
	var log logr.Logger = stdr.New(nil)
	fn := TracePrintk(log)
	require.EqualValues(t, 0, fn(0, 0, 0, 0, 0))
}
