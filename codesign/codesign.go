/*************************************************************************
 * Copyright 2022 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package codesign declares the code-signature probe capability. The daemon
// only ever needs the ordered certificate chain of a file; verification of
// the signature itself belongs to the platform service behind the probe.
package codesign

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"os"
)

var (
	ErrNotSigned = errors.New("file carries no code signature")
)

// Probe returns the signing certificate chain for a file, leaf first, or
// ErrNotSigned when the file has no signature.
type Probe interface {
	CertificateChain(path string) ([]*x509.Certificate, error)
}

// LeafHash returns the lowercase hex SHA-256 of the leaf certificate's raw
// DER bytes, the identity used for certificate rules.
func LeafHash(chain []*x509.Certificate) string {
	if len(chain) == 0 || chain[0] == nil {
		return ``
	}
	sum := sha256.Sum256(chain[0].Raw)
	return hex.EncodeToString(sum[:])
}

// LeafCommonName returns the subject common name of the leaf certificate.
func LeafCommonName(chain []*x509.Certificate) string {
	if len(chain) == 0 || chain[0] == nil {
		return ``
	}
	return chain[0].Subject.CommonName
}

// Bootstrap probes the daemon's own binary once at startup. The result is
// discarded: the call exists to wake the platform's signature verification
// service before the first real decision needs it.
func Bootstrap(p Probe) {
	if p == nil {
		return
	}
	if exe, err := os.Executable(); err == nil {
		p.CertificateChain(exe)
	}
}

// NullProbe is the probe used where no platform signature service exists;
// every file reports as unsigned.
type NullProbe struct{}

func (NullProbe) CertificateChain(path string) ([]*x509.Certificate, error) {
	return nil, ErrNotSigned
}
