//go:build quicdebug
// +build quicdebug

package transport

import "log"

// Build with `-tags quicdebug` to trace packet and frame handling.
// Keeping debug a variable lets arguments avoid escaping to the heap
// when the tag is off: https://github.com/golang/go/issues/8618
var debug = log.Printf
