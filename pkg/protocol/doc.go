// Package protocol defines the envelope exchanged over Atrium connections.
//
// Every message in either direction is an Envelope: a typed, immutable unit
// carrying an event type, a unique event id, a creation timestamp, optional
// sender/room attribution, and a type-specific JSON payload. Envelopes travel
// as JSON text frames over WebSocket.
//
// # Wire Shape
//
//	{
//	  "event_type": "document.edit",
//	  "event_id":   "7f9c2ba4-...",
//	  "timestamp":  "2026-01-12T09:30:00.000000001Z",
//	  "sender_id":  "user-42",
//	  "room_id":    "doc:design-review",
//	  "data":       { ... }
//	}
//
// # Event Types
//
// Event types are dotted strings grouped into families:
//
//   - system: connect, disconnect, ping, pong, error
//   - document: open, close, edit, cursor, save, conflict
//   - presence: online, offline, away, busy, update
//   - room: join, leave, broadcast
//   - broadcast (system-wide): message, maintenance, alert
//
// Unknown event types decode without error and dispatch to nothing; new types
// can be introduced without breaking older peers.
//
// # Payloads
//
// The package declares Go structs for every payload the server parses
// (client requests) and for the system-level payloads it originates
// (welcome, error, pong). Domain state broadcast by the server (document
// snapshots, stamped operations, presence records) marshals its own types
// directly into Envelope.Data.
package protocol
