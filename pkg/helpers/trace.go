// Package helpers provides host callables meant to be registered against
// a vm.HelperRegistry.
package helpers

import (
	"unsafe"

	"github.com/go-logr/logr"
)

// TracePrintkKey is the conventional helper key TracePrintk expects to be
// registered under, mirroring the kernel's bpf_trace_printk id.
const TracePrintkKey = 6

// TracePrintk returns a HelperFunc-shaped callable (see vm.HelperFunc)
// that logs a NUL-terminated guest string at r1, up to r2 bytes, through
// log. It returns the length of the logged string, not counting the NUL
// (0 when r2 is 0). It accepts r3..r5,
// matching the five-register shape every HelperFunc has, but doesn't
// treat the string as a format and never consumes them.
//
// Like every other guest memory access in this engine, the address in r1
// is trusted and unchecked; a guest program that passes a bad pointer
// crashes the host process exactly as it would in the interpreter or
// JIT.
func TracePrintk(log logr.Logger) func(r1, r2, r3, r4, r5 uint64) uint64 {
	return func(r1, r2, r3, r4, r5 uint64) uint64 {
		max := int(r2)
		if max <= 0 {
			return 0
		}
		b := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(r1))), max)
		n := 0
		for n < max && b[n] != 0 {
			n++
		}
		log.Info("trace_printk", "msg", string(b[:n]))
		return uint64(n)
	}
}
