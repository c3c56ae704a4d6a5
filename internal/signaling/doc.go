// Package signaling serves the room relay over WebSocket.
//
// Each connection joins at most one room. Client envelopes are parsed and
// routed through a room.Hub; outbound envelopes are queued per connection and
// written by a dedicated goroutine so a slow reader never stalls the room.
package signaling
