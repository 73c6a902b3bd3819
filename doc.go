/*
Package seproxy is a hardware abstraction and session layer for smart card
readers. It hides the differences between reader back-ends (PC/SC, PN532,
libnfc, simulated readers) behind a small Transport interface and adds what
applications need on top of it: logical channel management, request
processing with case-4 recovery, card presence monitoring and event
notification.

Basic Usage:

	import (
	    "github.com/ZaparooProject/go-seproxy"
	    "github.com/ZaparooProject/go-seproxy/transport/pcsc"
	)

	backend, err := pcsc.Open("ACS ACR122U PICC Interface 00 00")
	if err != nil {
	    log.Fatal(err)
	}

	reader, err := seproxy.New(backend, seproxy.WithName("acr122u"))
	if err != nil {
	    log.Fatal(err)
	}
	defer reader.Close()

	req := &seproxy.Request{
	    Selector: &seproxy.CardSelector{
	        AidSelector: &seproxy.AidSelector{AID: seproxy.MustParseHex("A000000291A000000191")},
	    },
	}
	resp, err := reader.ProcessRequest(ctx, req, seproxy.CloseAfter)

Monitoring:

Registering the first observer starts the monitoring state machine of the
reader, removing the last one stops it. StartDetection, or setting the
default selection, moves it from WaitForStartDetection to
WaitForSeInsertion; from there each card produces
SE_INSERTED or SE_MATCHED, then SE_REMOVED, or TIMEOUT_ERROR when the card is
neither processed nor removed in time.

	reader.SetDefaultSelectionRequest(&seproxy.DefaultSelection{
	    Requests: []*seproxy.Request{req},
	    Mode:     seproxy.FirstMatch,
	    Control:  seproxy.KeepOpen,
	}, seproxy.NotifyMatchedOnly)
	reader.AddObserver(seproxy.NewObserverFunc(func(ev seproxy.ReaderEvent) {
	    fmt.Println(ev.Type, ev.SessionID)
	}))

How insertion and removal are detected depends on the back-end: readers
that can block on card events use them, the others poll for presence or
ping the card. See the polling package for the strategies.

Error Handling:

Transport failures are *TransportError values wrapping sentinel errors such
as ErrTransportTimeout or ErrNoCard. A failure in the middle of a request
returns a *PartialProcessingError carrying the responses collected so far:

	var pe *seproxy.PartialProcessingError
	if errors.As(err, &pe) {
	    log.Printf("got %d responses before failing", len(pe.Responses))
	}

Thread Safety:

A Reader is safe for concurrent use. Observers are called one at a time
from the monitoring goroutine and must not call Close.
*/
package seproxy
