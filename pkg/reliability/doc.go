// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package reliability tracks AS2 delivery state.

AS2 has no protocol-level retry. Reliability comes from the MDN: a sender
knows a message arrived intact when a processed MDN carrying the same
MIC comes back.

# Message Tracker

	tracker := reliability.NewMessageTracker(24 * time.Hour)
	defer tracker.Close()

	// Outbound
	tracker.Track(msg.MessageID(), partnerID, msg.MIC(), async)
	tracker.MarkSending(id)
	tracker.MarkAwaitingMDN(id)

	// When the MDN arrives
	err := tracker.RecordMDN(mdn.OriginalMessageID(), mdn.Disposition(), mdn.ReceivedMIC(), processed)

	// Inbound duplicate detection
	if tracker.Seen(messageID) {
	    // log the duplicate
	}

# References

  - AS2 RFC 4130 section 7: https://datatracker.ietf.org/doc/html/rfc4130#section-7
*/
package reliability
