// Package tui implements `sessiond attach`, a live terminal view of one
// session's event stream served by the daemon's WebSocket hub.
package tui

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/sessiond/internal/live"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	toolStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("111"))
	toolOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	toolErrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

const (
	glyphPending   = "⚙"
	glyphCompleted = "✓"
	glyphFailed    = "✗"
)

type lineKind int

const (
	lineSystem lineKind = iota
	lineAssistant
	lineTool
	lineToolOK
	lineToolErr
	lineDim
)

type line struct {
	kind lineKind
	text string
}

// wsEvent is what the socket reader hands the update loop. A non-nil err
// means the stream ended.
type wsEvent struct {
	frame live.Frame
	err   error
}

type frameMsg struct{ frame live.Frame }

type streamClosedMsg struct{ err error }

type attachModel struct {
	sessionID string
	events    <-chan wsEvent

	lines  []line
	scroll int // lines scrolled up from the bottom
	width  int
	height int

	// toolNames remembers names by tool use ID so results can be labeled;
	// result events only carry the ID.
	toolNames map[string]string

	status   string
	closed   bool
	closeErr error
}

func newAttachModel(sessionID string, events <-chan wsEvent) attachModel {
	return attachModel{
		sessionID: sessionID,
		events:    events,
		toolNames: map[string]string{},
		width:     80,
		height:    24,
	}
}

// waitForEvent blocks until the socket reader delivers the next frame.
func waitForEvent(events <-chan wsEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		if ev.err != nil {
			return streamClosedMsg{err: ev.err}
		}
		return frameMsg{frame: ev.frame}
	}
}

func (m attachModel) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func (m attachModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.scroll < m.maxScroll() {
				m.scroll++
			}
		case "down", "j":
			if m.scroll > 0 {
				m.scroll--
			}
		case "pgup":
			m.scroll = min(m.scroll+m.viewRows(), m.maxScroll())
		case "pgdown":
			m.scroll = max(m.scroll-m.viewRows(), 0)
		case "home":
			m.scroll = m.maxScroll()
		case "end":
			m.scroll = 0
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case frameMsg:
		m = m.apply(msg.frame)
		return m, waitForEvent(m.events)
	case streamClosedMsg:
		m.closed = true
		m.closeErr = msg.err
	}
	return m, nil
}

// apply folds one frame into the transcript. A reader scrolled away from
// the bottom stays anchored on the same content while new lines arrive.
func (m attachModel) apply(fr live.Frame) attachModel {
	added := m.linesFor(fr)
	if len(added) == 0 {
		return m
	}
	pinned := m.scroll == 0
	m.lines = append(m.lines, added...)
	if !pinned {
		m.scroll = min(m.scroll+len(added), m.maxScroll())
	}
	return m
}

func (m attachModel) linesFor(fr live.Frame) []line {
	switch {
	case fr.Error != "":
		return []line{{kind: lineToolErr, text: fr.Error}}
	case fr.Subscribed != "":
		return []line{{kind: lineDim, text: fmt.Sprintf("attached to session %s", shortID(fr.Subscribed))}}
	case fr.Lifecycle != nil:
		text := fmt.Sprintf("status: %s → %s", fr.Lifecycle.OldStatus, fr.Lifecycle.NewStatus)
		if fr.Lifecycle.Reason != "" {
			text += fmt.Sprintf(" (%s)", fr.Lifecycle.Reason)
		}
		return []line{{kind: lineDim, text: text}}
	case fr.Turn != nil:
		return m.turnLines(fr.Turn)
	}
	return nil
}

func (m attachModel) turnLines(t *live.TurnFrame) []line {
	switch t.Type {
	case "assistant_text":
		var out []line
		for _, row := range wrap(t.Text, m.width-2) {
			out = append(out, line{kind: lineAssistant, text: row})
		}
		return out
	case "tool_use_requested":
		m.toolNames[t.ToolUseID] = t.ToolName
		return []line{{kind: lineTool, text: fmt.Sprintf("%s %s", glyphPending, t.ToolName)}}
	case "tool_result":
		name := m.toolNames[t.ToolUseID]
		if name == "" {
			name = "tool"
		}
		if t.Status == "failed" {
			return []line{{kind: lineToolErr, text: fmt.Sprintf("%s %s failed", glyphFailed, name)}}
		}
		return []line{{kind: lineToolOK, text: fmt.Sprintf("%s %s", glyphCompleted, name)}}
	case "turn_complete":
		return []line{{kind: lineDim, text: "── turn complete ──"}}
	case "turn_failed":
		text := "turn failed"
		if t.Reason != "" {
			text += ": " + t.Reason
		}
		return []line{{kind: lineToolErr, text: text}}
	}
	return nil
}

func (m attachModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("session %s", shortID(m.sessionID))))
	b.WriteString("\n\n")

	rows := m.viewRows()
	start := len(m.lines) - rows - m.scroll
	if start < 0 {
		start = 0
	}
	end := min(start+rows, len(m.lines))
	for _, ln := range m.lines[start:end] {
		b.WriteString(m.render(ln))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	footer := "q quits · ↑/↓ scroll"
	if m.scroll > 0 {
		footer = fmt.Sprintf("%s · %d lines below", footer, m.scroll)
	}
	if m.closed {
		footer = "stream closed"
		if m.closeErr != nil {
			footer = fmt.Sprintf("stream closed: %v", m.closeErr)
		}
		footer += " · q quits"
	}
	b.WriteString(dimStyle.Render(footer))
	b.WriteString("\n")
	return b.String()
}

func (m attachModel) render(ln line) string {
	switch ln.kind {
	case lineAssistant:
		return assistantStyle.Render(ln.text)
	case lineTool:
		return toolStyle.Render(ln.text)
	case lineToolOK:
		return toolOKStyle.Render(ln.text)
	case lineToolErr:
		return toolErrStyle.Render(ln.text)
	case lineDim:
		return dimStyle.Render(ln.text)
	default:
		return ln.text
	}
}

// viewRows is the transcript area height: everything minus the header and
// footer chrome.
func (m attachModel) viewRows() int {
	rows := m.height - 4
	if rows < 1 {
		rows = 1
	}
	return rows
}

func (m attachModel) maxScroll() int {
	over := len(m.lines) - m.viewRows()
	if over < 0 {
		return 0
	}
	return over
}

func wrap(text string, width int) []string {
	if width < 10 {
		width = 10
	}
	var out []string
	for _, para := range strings.Split(text, "\n") {
		if para == "" {
			out = append(out, "")
			continue
		}
		words := strings.Fields(para)
		cur := ""
		for _, w := range words {
			if cur == "" {
				cur = w
			} else if len(cur)+1+len(w) <= width {
				cur += " " + w
			} else {
				out = append(out, cur)
				cur = w
			}
		}
		if cur != "" {
			out = append(out, cur)
		}
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Attach connects to the daemon, subscribes the session and runs the
// viewer until the user quits. serverURL is the daemon's HTTP base, e.g.
// http://127.0.0.1:18790.
func Attach(ctx context.Context, serverURL, authToken, sessionID string) error {
	defer bestEffortResetTTY()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL(serverURL), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + authToken}},
	})
	if err != nil {
		return fmt.Errorf("connect to %s: %w", serverURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	if err := wsjson.Write(ctx, conn, map[string]string{"subscribe": sessionID}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	readCtx, stopReader := context.WithCancel(ctx)
	defer stopReader()

	events := make(chan wsEvent, 32)
	go func() {
		defer close(events)
		for {
			var fr live.Frame
			if err := wsjson.Read(readCtx, conn, &fr); err != nil {
				select {
				case events <- wsEvent{err: err}:
				case <-readCtx.Done():
				}
				return
			}
			select {
			case events <- wsEvent{frame: fr}:
			case <-readCtx.Done():
				return
			}
		}
	}()

	p := tea.NewProgram(newAttachModel(sessionID, events), tea.WithAltScreen())

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func wsURL(serverURL string) string {
	u := strings.TrimSuffix(serverURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}
