package storage

import (
	"time"

	"github.com/sirosfoundation/go-as2/pkg/message"
)

// ReceiptFromMDN builds the receipt recorded for a decoded MDN.
func ReceiptFromMDN(mdn *message.MDN) *Receipt {
	return &Receipt{
		MessageID:   mdn.MessageID(),
		Disposition: mdn.Disposition(),
		Processed:   mdn.DispositionType() == message.DispositionProcessed,
		MIC:         mdn.ReceivedMIC(),
		Signed:      mdn.IsSigned(),
		ReceivedAt:  time.Now(),
	}
}
