// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tls13

import (
	"crypto"
	"crypto/tls"
	"errors"
	"fmt"
	"math/big"
)

type ecdsaSignature struct {
	R, S *big.Int
}

// hashFromSignatureScheme returns the corresponding crypto.Hash for a given
// hash from a TLS SignatureScheme.
func hashFromSignatureScheme(signatureAlgorithm tls.SignatureScheme) (crypto.Hash, error) {
	switch signatureAlgorithm {
	case tls.PKCS1WithSHA1, tls.ECDSAWithSHA1:
		return crypto.SHA1, nil
	case tls.PKCS1WithSHA256, tls.PSSWithSHA256, tls.ECDSAWithP256AndSHA256:
		return crypto.SHA256, nil
	case tls.PKCS1WithSHA384, tls.PSSWithSHA384, tls.ECDSAWithP384AndSHA384:
		return crypto.SHA384, nil
	case tls.PKCS1WithSHA512, tls.PSSWithSHA512, tls.ECDSAWithP521AndSHA512:
		return crypto.SHA512, nil
	case tls.Ed25519:
		return directSigning, nil
	default:
		return 0, fmt.Errorf("tls: unsupported signature algorithm: %#04x", signatureAlgorithm)
	}
}

// typeAndHashFromSignatureScheme returns the corresponding signature type and
// crypto.Hash for a given TLS SignatureScheme.
func typeAndHashFromSignatureScheme(signatureAlgorithm tls.SignatureScheme) (sigType uint8, hash crypto.Hash, err error) {
	switch signatureAlgorithm {
	case tls.PKCS1WithSHA1, tls.PKCS1WithSHA256, tls.PKCS1WithSHA384, tls.PKCS1WithSHA512:
		sigType = signaturePKCS1v15
	case tls.PSSWithSHA256, tls.PSSWithSHA384, tls.PSSWithSHA512:
		sigType = signatureRSAPSS
	case tls.ECDSAWithSHA1, tls.ECDSAWithP256AndSHA256, tls.ECDSAWithP384AndSHA384, tls.ECDSAWithP521AndSHA512:
		sigType = signatureECDSA
	case tls.Ed25519:
		sigType = signatureEd25519
	default:
		return 0, 0, fmt.Errorf("unsupported signature algorithm: %v", signatureAlgorithm)
	}
	hash, err = hashFromSignatureScheme(signatureAlgorithm)
	if err != nil {
		return 0, 0, err
	}
	return sigType, hash, nil
}

// selectSignatureScheme picks a SignatureScheme from the peer's preference list
// that works with the selected certificate.
func selectSignatureScheme(c *tls.Certificate, peerAlgs []tls.SignatureScheme) (tls.SignatureScheme, error) {
	supportedAlgs := signatureSchemesForCertificate(c)
	if len(supportedAlgs) == 0 {
		return 0, unsupportedCertificateError(c)
	}
	// Pick signature scheme in the peer's preference order, as our
	// preference order is not configurable.
	for _, preferredAlg := range peerAlgs {
		if isSupportedSignatureAlgorithm(preferredAlg, supportedAlgs) {
			return preferredAlg, nil
		}
	}
	return 0, errors.New("tls: peer doesn't support any of the certificate's signature algorithms")
}
