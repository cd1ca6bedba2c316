package protocol

import "testing"

func TestEventTypeFamily(t *testing.T) {
	tests := []struct {
		event EventType
		want  Family
	}{
		{EventConnect, FamilySystem},
		{EventPong, FamilySystem},
		{EventDocEdit, FamilyDocument},
		{EventDocConflict, FamilyDocument},
		{EventPresenceBusy, FamilyPresence},
		{EventRoomBroadcast, FamilyRoom},
		{EventBroadcastAlert, FamilyBroadcast},
		{EventType("document.future"), FamilyDocument},
		{EventType("gadget.spin"), FamilyUnknown},
		{EventType("nodot"), FamilyUnknown},
		{EventType(""), FamilyUnknown},
	}

	for _, tt := range tests {
		if got := tt.event.Family(); got != tt.want {
			t.Errorf("Family(%q) = %v, want %v", tt.event, got, tt.want)
		}
	}
}

func TestFamilyString(t *testing.T) {
	tests := []struct {
		family Family
		want   string
	}{
		{FamilySystem, "system"},
		{FamilyDocument, "document"},
		{FamilyPresence, "presence"},
		{FamilyRoom, "room"},
		{FamilyBroadcast, "broadcast"},
		{FamilyUnknown, "unknown"},
		{Family(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.family.String(); got != tt.want {
			t.Errorf("String(%d) = %q, want %q", tt.family, got, tt.want)
		}
	}
}

func TestEventTypeKnown(t *testing.T) {
	if !EventDocSave.Known() {
		t.Error("document.save should be known")
	}
	if EventType("document.future").Known() {
		t.Error("document.future should not be known")
	}
}

func TestMetricLabel(t *testing.T) {
	if got := EventDocEdit.MetricLabel(); got != "document.edit" {
		t.Errorf("MetricLabel() = %q, want document.edit", got)
	}
	if got := EventType("x.y").MetricLabel(); got != "unknown" {
		t.Errorf("MetricLabel() = %q, want unknown", got)
	}
}
