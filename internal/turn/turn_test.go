package turn

import (
	"context"
	"testing"
	"time"
)

func TestEvent_AckRoundTrip(t *testing.T) {
	ev := AssistantText("sess-1", "turn-1", "hello").WithAck()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- ev.AwaitAck(ctx)
	}()

	ev.Acknowledge()
	if err := <-done; err != nil {
		t.Fatalf("await ack: %v", err)
	}
}

func TestEvent_AwaitAckWithoutChannelReturnsImmediately(t *testing.T) {
	ev := TurnComplete("sess-1", "turn-1", Usage{InputTokens: 10, OutputTokens: 5})
	if err := ev.AwaitAck(context.Background()); err != nil {
		t.Fatalf("expected immediate return, got %v", err)
	}
}

func TestEvent_AwaitAckHonorsContext(t *testing.T) {
	ev := AssistantText("sess-1", "turn-1", "never acked").WithAck()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ev.AwaitAck(ctx); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestFailure_BlockedDetection(t *testing.T) {
	blocked := Failure{Reason: "tool blocked", BlockedToolUseID: "toolu_1", BlockReason: "deny rule"}
	if !blocked.Blocked() {
		t.Fatalf("expected blocked failure")
	}
	fault := Failure{Reason: "connection reset"}
	if fault.Blocked() {
		t.Fatalf("expected runtime fault, not block")
	}
}

func TestPipe_DeliversInOrder(t *testing.T) {
	p := NewPipe()
	ctx := context.Background()

	want := []EventType{EventAssistantText, EventToolUseRequested, EventTurnComplete}
	go func() {
		_ = p.Send(ctx, AssistantText("s", "t", "a"))
		_ = p.Send(ctx, ToolUseRequested("s", "t", ToolUse{ID: "toolu_1", Name: "bash"}))
		_ = p.Send(ctx, TurnComplete("s", "t", Usage{}))
		p.Close()
	}()

	var got []EventType
	for ev := range p.Events() {
		got = append(got, ev.Type)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %s at %d, got %s", want[i], i, got[i])
		}
	}
}

func TestPipe_SendHonorsContextWhenFull(t *testing.T) {
	p := NewPipe()
	ctx := context.Background()
	for i := 0; i < PipeCapacity; i++ {
		if err := p.Send(ctx, AssistantText("s", "t", "fill")); err != nil {
			t.Fatalf("fill send %d: %v", i, err)
		}
	}

	blocked, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Send(blocked, AssistantText("s", "t", "overflow"))
	if err == nil {
		t.Fatalf("expected context deadline on full pipe")
	}
}
