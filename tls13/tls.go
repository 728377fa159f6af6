// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tls13 is a fork of crypto/tls that performs the TLS 1.3
// handshake over a caller supplied record layer instead of a TCP
// stream, as required when TLS is embedded in QUIC (RFC 9001). The
// record protection itself is left to the caller, the package only
// exports handshake bytes and traffic secrets per encryption level.
package tls13

import (
	"crypto/tls"
	"errors"
)

// EncryptionLevel identifies the packet protection keys a handshake
// message must be sent or received under.
type EncryptionLevel int

const (
	EncryptionLevelInitial EncryptionLevel = iota
	EncryptionLevelHandshake
	EncryptionLevelApplication
)

// ErrWantRead is returned when the handshake cannot make progress until
// the transport delivers more handshake bytes.
var ErrWantRead = errors.New("tls: want read")

// Transport moves handshake data and traffic secrets between the TLS
// state machine and the record layer that carries it.
type Transport interface {
	ReadRecord(EncryptionLevel, []byte) (int, error)
	WriteRecord(EncryptionLevel, []byte) (int, error)
	SetReadSecret(level EncryptionLevel, readSecret []byte) error
	SetWriteSecret(level EncryptionLevel, writeSecret []byte) error
}

// Server returns a new TLS server side connection
// using conn as the underlying transport.
// The configuration config must be non-nil and must include
// at least one certificate or else set GetCertificate.
func Server(conn Transport, config *tls.Config) *Conn {
	c := &Conn{
		conn:   conn,
		config: config,
	}
	c.handshakeFn = c.serverHandshake
	return c
}

// Client returns a new TLS client side connection
// using conn as the underlying transport.
// The config cannot be nil: users must set either ServerName or
// InsecureSkipVerify in the config.
func Client(conn Transport, config *tls.Config) *Conn {
	c := &Conn{
		conn:     conn,
		config:   config,
		isClient: true,
	}
	c.handshakeFn = c.clientHandshake
	return c
}
