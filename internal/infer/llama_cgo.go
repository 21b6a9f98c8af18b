//go:build llama

package infer

// cgo link directives for the in-process llama runner. An $ORIGIN rpath lets
// the runtime loader find libllama.so next to the built binary, and the -L
// path covers link time for the 'llama' build variant.
/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../bin -lllama
*/
import "C"
