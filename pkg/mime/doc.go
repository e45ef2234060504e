// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package mime builds and parses the MIME entities carried by AS2.

AS2 wraps payloads in nested MIME structures:

	Content-Type: multipart/signed; protocol="application/pkcs7-signature";
	    micalg=sha-256; boundary="----=_Part_..."

	------=_Part_...
	Content-Type: application/edi-x12
	Content-Transfer-Encoding: base64
	Content-Disposition: attachment; filename="order.edi"

	[payload]
	------=_Part_...
	Content-Type: application/pkcs7-signature; name=smime.p7s

	[detached signature]
	------=_Part_...--

A parsed Part keeps the exact bytes it was read from, so the content a
signature or MIC was computed over can be recovered unchanged. Built parts
serialize with CRLF line breaks and the requested transfer encoding.

Headers are kept in a header.Collection, preserving order and spelling.
*/
package mime
