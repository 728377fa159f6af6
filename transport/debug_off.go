//go:build !quicdebug
// +build !quicdebug

package transport

// debug is a no-op unless the quicdebug build tag is set.
func debug(format string, v ...interface{}) {}
