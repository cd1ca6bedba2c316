package protocol

import "strings"

// EventType identifies what an envelope carries and how it is routed.
type EventType string

// System events.
const (
	EventConnect    EventType = "system.connect"    // welcome envelope after registration
	EventDisconnect EventType = "system.disconnect" // client-initiated graceful close
	EventPing       EventType = "system.ping"       // liveness probe
	EventPong       EventType = "system.pong"       // liveness reply
	EventError      EventType = "system.error"      // protocol or handler fault report
)

// Document events.
const (
	EventDocOpen     EventType = "document.open"
	EventDocClose    EventType = "document.close"
	EventDocEdit     EventType = "document.edit"
	EventDocCursor   EventType = "document.cursor"
	EventDocSave     EventType = "document.save"
	EventDocConflict EventType = "document.conflict" // history catch-up request/reply
)

// Presence events.
const (
	EventPresenceOnline  EventType = "presence.online"
	EventPresenceOffline EventType = "presence.offline"
	EventPresenceAway    EventType = "presence.away"
	EventPresenceBusy    EventType = "presence.busy"
	EventPresenceUpdate  EventType = "presence.update"
)

// Room events.
const (
	EventRoomJoin      EventType = "room.join"
	EventRoomLeave     EventType = "room.leave"
	EventRoomBroadcast EventType = "room.broadcast"
)

// System-wide broadcast events.
const (
	EventBroadcastMessage     EventType = "broadcast.message"
	EventBroadcastMaintenance EventType = "broadcast.maintenance"
	EventBroadcastAlert       EventType = "broadcast.alert"
)

// Family groups event types for routing and metrics.
type Family int

const (
	FamilyUnknown Family = iota
	FamilySystem
	FamilyDocument
	FamilyPresence
	FamilyRoom
	FamilyBroadcast
)

// String returns the family name as used in metric labels.
func (f Family) String() string {
	switch f {
	case FamilySystem:
		return "system"
	case FamilyDocument:
		return "document"
	case FamilyPresence:
		return "presence"
	case FamilyRoom:
		return "room"
	case FamilyBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

var knownEvents = map[EventType]struct{}{
	EventConnect: {}, EventDisconnect: {}, EventPing: {}, EventPong: {}, EventError: {},
	EventDocOpen: {}, EventDocClose: {}, EventDocEdit: {}, EventDocCursor: {}, EventDocSave: {}, EventDocConflict: {},
	EventPresenceOnline: {}, EventPresenceOffline: {}, EventPresenceAway: {}, EventPresenceBusy: {}, EventPresenceUpdate: {},
	EventRoomJoin: {}, EventRoomLeave: {}, EventRoomBroadcast: {},
	EventBroadcastMessage: {}, EventBroadcastMaintenance: {}, EventBroadcastAlert: {},
}

// Known reports whether t is part of the published event-type set.
// Unknown types are still valid on the wire; they dispatch to nothing.
func (t EventType) Known() bool {
	_, ok := knownEvents[t]
	return ok
}

// Family derives the event family from the dotted prefix. Types outside the
// five published prefixes map to FamilyUnknown.
func (t EventType) Family() Family {
	prefix, _, ok := strings.Cut(string(t), ".")
	if !ok {
		return FamilyUnknown
	}
	switch prefix {
	case "system":
		return FamilySystem
	case "document":
		return FamilyDocument
	case "presence":
		return FamilyPresence
	case "room":
		return FamilyRoom
	case "broadcast":
		return FamilyBroadcast
	default:
		return FamilyUnknown
	}
}

// MetricLabel returns a bounded-cardinality label for t: the type itself
// when Known, otherwise "unknown".
func (t EventType) MetricLabel() string {
	if t.Known() {
		return string(t)
	}
	return "unknown"
}
