package input

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAskBlocksUntilAnswered(t *testing.T) {
	ch := New(4)
	go func() {
		req := <-ch.Requests()
		ch.Answer(Response{ID: req.ID, Text: "ack:" + req.Prompt})
	}()

	resp, err := ch.Ask(context.Background(), Request{ID: "1", Prompt: "hello"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if resp.Text != "ack:hello" {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "ack:hello")
	}
}

func TestAskRespectsContextCancellation(t *testing.T) {
	ch := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ch.Ask(ctx, Request{ID: "2", Prompt: "never answered"})
	if err == nil {
		t.Fatalf("expected Ask to return the cancellation error")
	}
}

func TestCloseUnblocksPendingAsk(t *testing.T) {
	ch := New(4)
	done := make(chan error, 1)
	go func() {
		_, err := ch.Ask(context.Background(), Request{ID: "3", Prompt: "hi"})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	ch.Close()

	select {
	case err := <-done:
		if err != ErrClosed {
			t.Fatalf("err = %v, want %v", err, ErrClosed)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock the pending Ask")
	}
}

func TestAutoResponderAnswersEveryRequest(t *testing.T) {
	ch := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go AutoResponder(ctx, ch, func(req Request) string { return "auto:" + req.Prompt })

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			resp, err := ch.Ask(context.Background(), Request{ID: string(rune('a' + n)), Prompt: "p"})
			if err != nil {
				t.Errorf("Ask: %v", err)
				return
			}
			if resp.Text != "auto:p" {
				t.Errorf("resp.Text = %q, want %q", resp.Text, "auto:p")
			}
		}(i)
	}
	wg.Wait()
}

func TestAnswerForUnknownIDIsANoop(t *testing.T) {
	ch := New(4)
	ch.Answer(Response{ID: "nobody-asked", Text: "ignored"})
}
