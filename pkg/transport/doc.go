// Package transport defines the edge layer of the overlay and provides
// concrete listeners (mem, tcp, quic, ws) in subpackages.
//
// Key concepts:
//   - Address: scheme-routed opaque locator (tcp://host:port, mem://name)
//   - Edge: a raw bidirectional framed byte channel; outbound if we dialed it
//   - EdgeListener: per-scheme factory producing edges for dials and accepts
//   - Factory: aggregates listeners and routes CreateEdgeTo by scheme
//
// Edges are owned by the connection manager after adoption; the manager
// installs the frame sink exactly once and subscribes to the closed event.
package transport
