package sse

import (
	"reflect"
	"testing"
)

func TestDecoderSingleEvent(t *testing.T) {
	d := New()
	events := d.Feed([]byte("event: delta\ndata: hello\n\n"))
	want := []Event{{Event: "delta", Data: "hello"}}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("got %#v, want %#v", events, want)
	}
}

func TestDecoderSplitAcrossChunks(t *testing.T) {
	d := New()
	var got []Event
	got = append(got, d.Feed([]byte("event: del"))...)
	got = append(got, d.Feed([]byte("ta\ndata: hel"))...)
	got = append(got, d.Feed([]byte("lo\n\n"))...)

	want := []Event{{Event: "delta", Data: "hello"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestDecoderMultipleEventsOneFeed(t *testing.T) {
	d := New()
	got := d.Feed([]byte("data: one\n\ndata: two\n\n"))
	want := []Event{{Data: "one"}, {Data: "two"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestDecoderDropsEventWithoutData(t *testing.T) {
	d := New()
	got := d.Feed([]byte("event: ping\n\ndata: real\n\n"))
	want := []Event{{Data: "real"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

// TestDecoderUTF8SplitAcrossChunks feeds the 3-byte UTF-8 encoding of
// "中" split across two Feed calls, in the middle of a data line, and
// confirms the decoder buffers the incomplete sequence rather than
// emitting mojibake or a premature event boundary.
func TestDecoderUTF8SplitAcrossChunks(t *testing.T) {
	full := []byte("data: 中\n\n")
	// "中" is E4 B8 AD. Split after the lead byte so the continuation
	// bytes arrive in the next chunk.
	prefixEnd := len("data: ") + 1
	first := full[:prefixEnd]
	second := full[prefixEnd:]

	d := New()
	got := d.Feed(first)
	if len(got) != 0 {
		t.Fatalf("expected no events before the sequence completes, got %#v", got)
	}

	got = d.Feed(second)
	want := []Event{{Data: "中"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestDecoderCarriageReturnBoundary(t *testing.T) {
	d := New()
	got := d.Feed([]byte("data: crlf\r\n\r\n"))
	want := []Event{{Data: "crlf"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestDecoderClearResetsState(t *testing.T) {
	d := New()
	d.Feed([]byte("data: partial"))
	d.Clear()
	got := d.Feed([]byte("data: fresh\n\n"))
	want := []Event{{Data: "fresh"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}
