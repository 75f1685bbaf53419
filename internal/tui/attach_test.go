package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/sessiond/internal/live"
)

func turnFrame(t *live.TurnFrame) live.Frame {
	return live.Frame{Topic: "session.turn", SessionID: "s1", Turn: t}
}

func applyFrames(m attachModel, frames ...live.Frame) attachModel {
	for _, fr := range frames {
		next, _ := m.Update(frameMsg{frame: fr})
		m = next.(attachModel)
	}
	return m
}

func TestAttachView_RendersRolesAndGlyphs(t *testing.T) {
	m := newAttachModel("11112222-3333-4444-5555-666677778888", nil)
	m = applyFrames(m,
		live.Frame{Subscribed: "11112222-3333-4444-5555-666677778888"},
		turnFrame(&live.TurnFrame{Type: "tool_use_requested", ToolName: "bash", ToolUseID: "tu1", Status: "pending"}),
		turnFrame(&live.TurnFrame{Type: "tool_result", ToolUseID: "tu1", Status: "completed"}),
		turnFrame(&live.TurnFrame{Type: "assistant_text", Text: "Found 2 files"}),
		turnFrame(&live.TurnFrame{Type: "turn_complete"}),
	)

	view := m.View()
	for _, want := range []string{
		"session 11112222",
		"attached to session",
		glyphPending + " bash",
		glyphCompleted + " bash",
		"Found 2 files",
		"── turn complete ──",
		"q quits",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestAttachView_FailedToolKeepsItsName(t *testing.T) {
	m := newAttachModel("s1", nil)
	m = applyFrames(m,
		turnFrame(&live.TurnFrame{Type: "tool_use_requested", ToolName: "web_fetch", ToolUseID: "tu9", Status: "pending"}),
		turnFrame(&live.TurnFrame{Type: "tool_result", ToolUseID: "tu9", Status: "failed"}),
		turnFrame(&live.TurnFrame{Type: "turn_failed", Reason: "tool blocked"}),
	)

	view := m.View()
	if !strings.Contains(view, glyphFailed+" web_fetch failed") {
		t.Fatalf("view missing failed tool line:\n%s", view)
	}
	if !strings.Contains(view, "turn failed: tool blocked") {
		t.Fatalf("view missing failure reason:\n%s", view)
	}
}

func TestAttachUpdate_QuitKeys(t *testing.T) {
	m := newAttachModel("s1", nil)
	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune("q")},
		{Type: tea.KeyCtrlC},
	} {
		_, cmd := m.Update(key)
		if cmd == nil {
			t.Fatalf("key %q produced no command", key.String())
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Fatalf("key %q did not quit", key.String())
		}
	}
}

func TestAttachScroll_BoundsAndAnchoring(t *testing.T) {
	m := newAttachModel("s1", nil)
	next, _ := m.Update(tea.WindowSizeMsg{Width: 40, Height: 8})
	m = next.(attachModel)

	for i := 0; i < 20; i++ {
		m = applyFrames(m, turnFrame(&live.TurnFrame{Type: "assistant_text", Text: "line"}))
	}
	if m.scroll != 0 {
		t.Fatalf("scroll = %d after appends at bottom, want 0", m.scroll)
	}

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyUp})
	m = next.(attachModel)
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyUp})
	m = next.(attachModel)
	if m.scroll != 2 {
		t.Fatalf("scroll = %d after two ups, want 2", m.scroll)
	}
	if !strings.Contains(m.View(), "2 lines below") {
		t.Fatalf("footer missing scroll indicator:\n%s", m.View())
	}

	// New content must not yank a scrolled reader back down.
	m = applyFrames(m, turnFrame(&live.TurnFrame{Type: "assistant_text", Text: "fresh"}))
	if m.scroll != 3 {
		t.Fatalf("scroll = %d after append while scrolled, want 3", m.scroll)
	}

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyHome})
	m = next.(attachModel)
	if m.scroll != m.maxScroll() {
		t.Fatalf("scroll = %d after home, want max %d", m.scroll, m.maxScroll())
	}
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnd})
	m = next.(attachModel)
	if m.scroll != 0 {
		t.Fatalf("scroll = %d after end, want 0", m.scroll)
	}
}

func TestAttachStream_ClosedShowsFooter(t *testing.T) {
	m := newAttachModel("s1", nil)
	next, _ := m.Update(streamClosedMsg{})
	m = next.(attachModel)
	if !strings.Contains(m.View(), "stream closed") {
		t.Fatalf("footer missing stream closed notice:\n%s", m.View())
	}
}

func TestWaitForEvent_TranslatesReaderEvents(t *testing.T) {
	events := make(chan wsEvent, 2)
	events <- wsEvent{frame: live.Frame{Subscribed: "s1"}}
	close(events)

	cmd := waitForEvent(events)
	if msg, ok := cmd().(frameMsg); !ok || msg.frame.Subscribed != "s1" {
		t.Fatalf("first msg = %#v, want frameMsg for s1", msg)
	}
	if _, ok := cmd().(streamClosedMsg); !ok {
		t.Fatal("closed channel did not produce streamClosedMsg")
	}
}

func TestWSURL_SchemeMapping(t *testing.T) {
	if got := wsURL("http://127.0.0.1:18790"); got != "ws://127.0.0.1:18790/ws" {
		t.Fatalf("wsURL http = %q", got)
	}
	if got := wsURL("https://sessiond.example.com/"); got != "wss://sessiond.example.com/ws" {
		t.Fatalf("wsURL https = %q", got)
	}
}
