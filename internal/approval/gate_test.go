package approval

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func testRequest(toolID, toolName, conversationID string) ToolRequest {
	return ToolRequest{
		ToolID:         toolID,
		ToolName:       toolName,
		ToolInput:      json.RawMessage(`{"command":"ls"}`),
		DeviceID:       "device-1",
		ConversationID: conversationID,
	}
}

func TestRequestApproval_ReadOnlyAutoApproves(t *testing.T) {
	g := NewGate(nil)

	ch := g.RequestApproval(testRequest("tool-1", "Read", "conv-1"))

	select {
	case d := <-ch:
		if !d.Approved || d.Err != nil {
			t.Errorf("decision = %+v, want immediate approval", d)
		}
	default:
		t.Fatal("read-only tool should resolve immediately")
	}

	if g.Size() != 0 {
		t.Errorf("Size = %d, want 0 (auto-approval must not consume a slot)", g.Size())
	}
	if pending := g.PendingForConversation("conv-1"); len(pending) != 0 {
		t.Errorf("pending = %v, want none", pending)
	}
}

func TestApprove_ResolvesPending(t *testing.T) {
	g := NewGate(nil)

	ch := g.RequestApproval(testRequest("tool-1", "Bash", "conv-1"))
	if !g.IsPending("tool-1") {
		t.Fatal("Bash should be pending")
	}

	modified := json.RawMessage(`{"command":"ls -la"}`)
	if !g.Approve("tool-1", "device-1", modified) {
		t.Fatal("Approve should succeed for pending approval")
	}

	d := <-ch
	if !d.Approved {
		t.Error("decision should be approved")
	}
	if string(d.ModifiedInput) != string(modified) {
		t.Errorf("modified input = %s, want %s", d.ModifiedInput, modified)
	}
	if g.IsPending("tool-1") {
		t.Error("approval should be removed after resolution")
	}
}

func TestReject_ResolvesPending(t *testing.T) {
	g := NewGate(nil)

	ch := g.RequestApproval(testRequest("tool-1", "Bash", "conv-1"))
	if !g.Reject("tool-1", "device-1", "too risky") {
		t.Fatal("Reject should succeed for pending approval")
	}

	d := <-ch
	if d.Approved || d.Err != nil {
		t.Errorf("decision = %+v, want clean rejection", d)
	}
	if d.Reason != "too risky" {
		t.Errorf("reason = %q, want %q", d.Reason, "too risky")
	}
}

func TestApprove_UnknownOrTerminalReturnsFalse(t *testing.T) {
	g := NewGate(nil)

	if g.Approve("never-seen", "device-1", nil) {
		t.Error("Approve on unknown id should return false")
	}

	g.RequestApproval(testRequest("tool-1", "Bash", "conv-1"))
	g.Approve("tool-1", "device-1", nil)

	if g.Approve("tool-1", "device-1", nil) {
		t.Error("second Approve should return false")
	}
	if g.Reject("tool-1", "device-1", "nope") {
		t.Error("Reject after Approve should return false")
	}
}

func TestTimeout_RejectsWithTimeoutError(t *testing.T) {
	g := NewGate(nil, WithTimeout(20*time.Millisecond))

	ch := g.RequestApproval(testRequest("tool-1", "Bash", "conv-1"))

	select {
	case d := <-ch:
		if !errors.Is(d.Err, ErrApprovalTimeout) {
			t.Errorf("err = %v, want ErrApprovalTimeout", d.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the gate timeout")
	}

	if g.IsPending("tool-1") {
		t.Error("timed out approval should be removed")
	}
	if g.Approve("tool-1", "device-1", nil) {
		t.Error("Approve after timeout should return false")
	}
	if g.Reject("tool-1", "device-1", "") {
		t.Error("Reject after timeout should return false")
	}
}

func TestApprove_WrongDeviceDenied(t *testing.T) {
	g := NewGate(nil)

	ch := g.RequestApproval(testRequest("tool-1", "Bash", "conv-1"))

	if g.Approve("tool-1", "device-2", nil) {
		t.Error("Approve from a non-owning device should return false")
	}
	if g.Reject("tool-1", "device-2", "nope") {
		t.Error("Reject from a non-owning device should return false")
	}
	if !g.IsPending("tool-1") {
		t.Fatal("approval should still be pending after foreign attempts")
	}

	// The owner can still resolve it.
	if !g.Approve("tool-1", "device-1", nil) {
		t.Fatal("owning device should be able to approve")
	}
	if d := <-ch; !d.Approved {
		t.Errorf("decision = %+v, want approved", d)
	}
}

func TestTimeout_ImmediateDeadlineStillFires(t *testing.T) {
	g := NewGate(nil, WithTimeout(time.Nanosecond))

	ch := g.RequestApproval(testRequest("tool-1", "Bash", "conv-1"))

	select {
	case d := <-ch:
		if !errors.Is(d.Err, ErrApprovalTimeout) {
			t.Errorf("err = %v, want ErrApprovalTimeout", d.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deadline that elapses during registration never fired")
	}
}

func TestCancelForConversation(t *testing.T) {
	g := NewGate(nil)

	ch1 := g.RequestApproval(testRequest("tool-1", "Bash", "conv-1"))
	ch2 := g.RequestApproval(testRequest("tool-2", "Write", "conv-1"))
	chOther := g.RequestApproval(testRequest("tool-3", "Bash", "conv-2"))

	count := g.CancelForConversation("conv-1")
	if count != 2 {
		t.Errorf("cancelled = %d, want 2", count)
	}

	for _, ch := range []<-chan Decision{ch1, ch2} {
		d := <-ch
		if !errors.Is(d.Err, ErrConversationCancelled) {
			t.Errorf("err = %v, want ErrConversationCancelled", d.Err)
		}
	}

	// conv-2 is untouched.
	if !g.IsPending("tool-3") {
		t.Error("other conversation's approval should still be pending")
	}
	select {
	case d := <-chOther:
		t.Errorf("unexpected decision for other conversation: %+v", d)
	default:
	}
}

func TestCancelForDevice(t *testing.T) {
	g := NewGate(nil)

	g.RequestApproval(testRequest("tool-1", "Bash", "conv-1"))
	g.RequestApproval(testRequest("tool-2", "Bash", "conv-2"))
	other := ToolRequest{
		ToolID: "tool-3", ToolName: "Bash",
		DeviceID: "device-2", ConversationID: "conv-3",
	}
	g.RequestApproval(other)

	if count := g.CancelForDevice("device-1"); count != 2 {
		t.Errorf("cancelled = %d, want 2", count)
	}
	if !g.IsPending("tool-3") {
		t.Error("other device's approval should still be pending")
	}
}

func TestPendingQueries(t *testing.T) {
	g := NewGate(nil)

	g.RequestApproval(testRequest("tool-1", "Bash", "conv-1"))
	g.RequestApproval(testRequest("tool-2", "Write", "conv-2"))

	if g.Size() != 2 {
		t.Errorf("Size = %d, want 2", g.Size())
	}
	if pending := g.PendingForDevice("device-1"); len(pending) != 2 {
		t.Errorf("PendingForDevice = %d entries, want 2", len(pending))
	}
	pending := g.PendingForConversation("conv-1")
	if len(pending) != 1 || pending[0].ToolID != "tool-1" {
		t.Errorf("PendingForConversation = %+v, want tool-1 only", pending)
	}
}

func TestMatchesPattern(t *testing.T) {
	tests := []struct {
		patterns []string
		tool     string
		want     bool
	}{
		{[]string{"Read"}, "Read", true},
		{[]string{"Read"}, "Write", false},
		{[]string{"*"}, "Anything", true},
		{[]string{"Notebook*"}, "NotebookRead", true},
		{[]string{"*Search"}, "WebSearch", true},
		{[]string{""}, "Read", false},
		{nil, "Read", false},
	}
	for _, tt := range tests {
		if got := matchesPattern(tt.patterns, tt.tool); got != tt.want {
			t.Errorf("matchesPattern(%v, %q) = %v, want %v", tt.patterns, tt.tool, got, tt.want)
		}
	}
}
