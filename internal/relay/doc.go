// Package relay implements the UDP ingest-and-forward pipeline: a
// socket-owning listener that drains datagrams into a bounded drop-oldest
// ring buffer, and a forward loop that retransmits buffered entries to a
// fixed destination with optional source whitelisting and a payload
// transform.
//
// Exactly two goroutines touch shared state: the listener's receive loop
// (producer) and the caller's forward loop (consumer). The ring buffer's
// mutex is the only lock and is never held across I/O. The socket belongs
// to the listener; the forwarder holds a transmit-only Sender and cannot
// close it.
package relay
