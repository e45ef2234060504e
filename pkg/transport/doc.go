// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transport implements the HTTP(S) layer for AS2.

# Client Usage

An HTTPSClient posts one transmission per connection, follows up to ten
redirects and gives up after 30 seconds:

	client, err := transport.NewHTTPSClient(&transport.HTTPSConfig{
	    LocalAddr: "192.0.2.10",
	    RootCAs:   certPool,
	})

	res, err := client.Post(ctx, transport.Request{
	    URL:     "https://partner.example.com/as2",
	    Headers: env.Headers(),
	    Body:    body,
	    Auth:    p.SendAuthentication(),
	})

The headers of every redirect hop are kept in Result.Hops. A final status
other than 200 is reported as a fault.Delivery error.

# Authentication

  - basic and any send preemptive basic credentials
  - digest answers the server challenge (RFC 7616)
  - ntlm runs the NTLM handshake over a kept-alive connection
  - negotiate is rejected with ErrNegotiateUnsupported

# Server Usage

	server := transport.NewHTTPSServer(":8443", &transport.HTTPSConfig{
	    Certificates: []tls.Certificate{serverCert},
	}, handler)
	go server.Start()
	defer server.Shutdown(ctx)

# References

  - AS2 RFC 4130: https://datatracker.ietf.org/doc/html/rfc4130
  - TLS 1.3 RFC 8446: https://datatracker.ietf.org/doc/html/rfc8446
*/
package transport
