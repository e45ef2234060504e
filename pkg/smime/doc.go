// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package smime provides the security operations AS2 relies on: signing,
verification, encryption, decryption and compression of MIME entities, plus
MIC computation and payload extraction.

Provider is the interface the protocol layer consumes. OpenSSL implements it
by running the openssl binary:

	sec := &smime.OpenSSL{Timeout: 30 * time.Second, Logger: logger}
	err := sec.Sign(ctx, in, out, smime.SignOptions{
		CertFile: cert,
		KeyFile:  key,
		Digest:   "sha256",
	})

Every operation reads its input file and writes the result to an output path
chosen by the caller. Inputs are never modified.

MIC computation and attachment extraction are done natively on top of
package mime.
*/
package smime
