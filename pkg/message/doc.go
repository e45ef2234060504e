// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package message implements the AS2 envelopes: outbound and inbound business
messages (Message), receipts (MDN) and the raw inbound transmission
(Request) they are decoded from.

All envelopes share a Runtime that supplies the security provider, the
request-scoped workspace for temporary files and the logger:

	rt := message.Runtime{Security: sec, Scope: scope, Logger: logger}
	msg := message.NewMessage(rt, local, remote)
	if err := msg.AddFile("order.edi", "", "", ""); err != nil {
	    return err
	}
	if err := msg.Encode(ctx); err != nil {
	    return err
	}

# Inbound processing

A Request wraps the HTTP body and headers of a transmission. Object
decrypts, verifies and checks the partner policy, then returns either a
*Message or an *MDN:

	req, _ := message.NewRequest(rt, body, headers, sending, receiving)
	obj, err := req.Object(ctx)

# Receipts

MDNs are created from one of the MDNSource variants: FromFault,
FromRequest, FromMessage and FromPart.

	mdn, err := msg.GenerateMDN(processingErr)
	err = mdn.Encode(ctx, msg)
*/
package message
