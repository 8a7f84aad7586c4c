// Package transport owns the datagram binding boundary used by connections.
//
// Ownership boundary:
// - endpoint identity and datagram shapes
// - Binding/Handler interfaces implemented by concrete transports
// - datagram wire codec and sender-side retry helpers
//
// Concrete bindings live in subpackages (mem, udp). Routing inbound
// datagrams to a connection belongs to the dispatch package.
package transport
