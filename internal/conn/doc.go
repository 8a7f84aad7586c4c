// Package conn owns the message-to-stream connection core.
//
// A Connection buffers at most one inbound datagram payload at a time and
// lets a single reader drain it in chunks of any size. Producers call
// Process, readers call Read/ReadTimeout/ReadContext, Write goes straight to
// the transport binding, and Close wakes any blocked reader.
//
// Ownership boundary:
// - ingress buffer (single slot, cursor, remaining length)
// - availability gate (mutex + one-slot signal + closed broadcast)
// - identity and correlation token checks on ingest
//
// Routing datagrams to the right Connection belongs to the dispatch package.
package conn
