package sse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame(t *testing.T) {
	b, err := Frame("delta", map[string]string{"text": "line one\nline two"})
	require.NoError(t, err)
	assert.Equal(t, "event: delta\ndata: {\"text\":\"line one\\nline two\"}\n\n", string(b))

	_, err = Frame("bad\nname", nil)
	assert.Error(t, err)
	assert.Equal(t, "event: done\ndata: {}\n\n", string(Done()))
}

func TestErrorFrameHidesRawText(t *testing.T) {
	p := Classify(errors.New("pq: relation \"chats\" does not exist"))
	assert.Equal(t, "generic_error", p.Code)
	assert.Equal(t, MsgGeneric, p.Message)

	p = Classify(MsgNetwork)
	assert.Equal(t, "network_error", p.Code)

	p = Classify(fmt.Errorf("turn: %w", Storage(errors.New("disk full"))))
	assert.Equal(t, "db_error", p.Code)
	assert.Equal(t, MsgStorage, p.Message)

	frame := string(ErrorFrame(errors.New("secret stack trace")))
	assert.NotContains(t, frame, "secret")
	assert.True(t, strings.HasPrefix(frame, "event: error\n"))
}

func TestStreamIsFIFOAndEndsWithDone(t *testing.T) {
	events := make(chan Event, 3)
	for i := 0; i < 3; i++ {
		events <- Event{Name: "delta", Data: map[string]int{"n": i}}
	}
	close(events)

	var buf bytes.Buffer
	require.NoError(t, Stream(context.Background(), &buf, events))
	want := "event: delta\ndata: {\"n\":0}\n\n" +
		"event: delta\ndata: {\"n\":1}\n\n" +
		"event: delta\ndata: {\"n\":2}\n\n" +
		"event: done\ndata: {}\n\n"
	assert.Equal(t, want, buf.String())
}

func TestStreamStopsAtError(t *testing.T) {
	events := make(chan Event, 2)
	events <- Event{Name: EventError, Data: Network(errors.New("dial tcp"))}
	events <- Event{Name: "delta", Data: "late"}

	var buf bytes.Buffer
	require.NoError(t, Stream(context.Background(), &buf, events))
	assert.Equal(t, "event: error\ndata: {\"code\":\"network_error\",\"message\":\""+MsgNetwork+"\"}\n\n", buf.String())
}

func TestStreamStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event)
	done := make(chan error, 1)
	go func() { done <- Stream(ctx, &bytes.Buffer{}, events) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}
