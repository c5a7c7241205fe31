/*
Package peerwire implements the BitTorrent peer wire protocol for a single connection, driven
entirely by events.

A PeerConn never blocks and never starts goroutines. The owner delivers transport events and calls
its methods from one event loop, and learns what the peer did through Callbacks. Bytes arrive in
whatever chunks the Transport delivers them and are reassembled into messages; outgoing messages
are queued and handed to the Transport as its send capacity allows. PIECE data is read from Storage
only when the block reaches the front of the queue.

Transports for real networks are in package netconn, and package memnet provides an in-memory
network driven by a simulated clock.
*/
package peerwire
