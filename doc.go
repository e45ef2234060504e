// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package goas2 implements AS2 (Applicability Statement 2, RFC 4130) for
secure, reliable business-to-business messaging over HTTP.

# Overview

go-as2 exchanges signed, encrypted and optionally compressed payloads
between trading partners and acknowledges every transmission with a
Message Disposition Notification (MDN). It ships as a library and as the
as2d daemon, which persists transmissions and reconciles receipts.

# Specifications Implemented

  - RFC 4130: MIME-Based Secure Peer-to-Peer Business Data Interchange Using HTTP (AS2)
  - RFC 3798 / RFC 8098: Message Disposition Notification
  - RFC 5751: S/MIME Version 3.2 Message Specification
  - RFC 5652: Cryptographic Message Syntax (CMS)
  - RFC 3274: Compressed Data Content Type for CMS
  - RFC 2045 / RFC 2046: MIME

# Package Structure

The library is organized into the following packages:

	github.com/sirosfoundation/go-as2/pkg/as2         - Server (http.Handler) and Client
	github.com/sirosfoundation/go-as2/pkg/message     - Message, MDN and inbound Request
	github.com/sirosfoundation/go-as2/pkg/partner     - Trading partner policy and registry
	github.com/sirosfoundation/go-as2/pkg/smime       - S/MIME provider backed by openssl
	github.com/sirosfoundation/go-as2/pkg/mime        - MIME entity codec
	github.com/sirosfoundation/go-as2/pkg/header      - Ordered case-insensitive headers
	github.com/sirosfoundation/go-as2/pkg/transport   - HTTPS transport with redirect capture and auth
	github.com/sirosfoundation/go-as2/pkg/reliability - MDN tracking and duplicate detection
	github.com/sirosfoundation/go-as2/pkg/workspace   - Request-scoped temporary files
	github.com/sirosfoundation/go-as2/pkg/fault       - Error taxonomy

# Quick Start

To send an AS2 message:

	import (
	    "github.com/sirosfoundation/go-as2/pkg/as2"
	    "github.com/sirosfoundation/go-as2/pkg/message"
	    "github.com/sirosfoundation/go-as2/pkg/smime"
	    "github.com/sirosfoundation/go-as2/pkg/workspace"
	)

	scope, _ := workspace.New("")
	defer scope.Release()

	rt := message.Runtime{Security: &smime.OpenSSL{}, Scope: scope}
	msg := message.NewMessage(rt, localPartner, remotePartner)
	_ = msg.AddFile("order.edi", "application/edi-x12", "", "")
	if err := msg.Encode(ctx); err != nil {
	    return err
	}

	client, _ := as2.NewClient(nil)
	resp, err := client.Send(ctx, msg)
	if err == nil && resp.MDN != nil {
	    fmt.Println(resp.MDN.Disposition())
	}

To receive, mount an as2.Server on any HTTP mux:

	srv, _ := as2.NewServer(&as2.ServerConfig{
	    Partners: registry,
	    Security: &smime.OpenSSL{},
	    Handler:  handler,
	})
	http.Handle("POST /as2", srv)

# Security Features

## Signatures

  - multipart/signed with application/pkcs7-signature
  - Digests: sha1, sha256, sha384, sha512 (md5 for legacy partners)
  - MIC computed over the signed content and echoed in the MDN

## Encryption

  - application/pkcs7-mime enveloped-data
  - Ciphers: aes128, aes192, aes256, des3 (legacy rc2 and rc4 variants)

## Receipts

  - Synchronous MDNs on the HTTP response
  - Asynchronous MDNs posted to the partner's Receipt-Delivery-Option URL
  - Signed receipts when requested with signed-receipt-protocol

# License

BSD-2-Clause License
*/
package goas2
