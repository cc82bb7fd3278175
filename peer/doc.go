// Package peer keeps a logical connection to one remote peer alive.
//
// A Lifecycle owns a single transport.PeerConnection, reconnects it after a
// fixed delay whenever it goes offline, and brackets its active period with
// AddUser/RemoveUser on the shared grid pool. Every operation that touches the
// connection, the reconnect timer or the state runs on one worker goroutine
// per lifecycle, in submission order.
//
//	lc := peer.New(handler)
//	if err := lc.Initialize("F404ABAA...", pool); err != nil {
//	    // configuration error, already reported to handler
//	}
//	lc.Send(request)
//	...
//	lc.Dispose() // no reconnect and no handler call after this returns
//
// Fetch performs a single request/response exchange and reassembles a reply
// that may be split across several deliveries.
package peer
