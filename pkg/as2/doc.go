// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package as2 provides the AS2 endpoint and client.
//
// Server is an http.Handler that decodes inbound messages and MDNs, applies
// the receiving partner's policy and answers with an MDN, either on the
// HTTP response or later through a Dispatcher. Client posts encoded
// messages and MDNs and decodes synchronous receipts.
//
// Collaborators are optional interfaces: an Archiver keeps raw requests,
// a Handler consumes decoded content, a Dispatcher schedules asynchronous
// MDNs and a Recorder counts outcomes.
package as2
