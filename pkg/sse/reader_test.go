package sse

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderParsesEvents(t *testing.T) {
	stream := strings.Join([]string{
		": keepalive",
		"event: message.updated",
		"data: {\"text\":\"hello\"}",
		"",
		"data: first",
		"data: second",
		"",
	}, "\n")

	r := NewReader(strings.NewReader(stream))
	ctx := context.Background()

	ev, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "message.updated", ev.Event)
	assert.Equal(t, `{"text":"hello"}`, ev.Data)

	ev, err = r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", ev.Event)
	assert.Equal(t, "first\nsecond", ev.Data)

	_, err = r.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestReaderFinalEventWithoutBlankLine(t *testing.T) {
	r := NewReader(strings.NewReader("data: tail"))

	ev, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tail", ev.Data)

	_, err = r.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestReaderHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewReader(strings.NewReader("data: a\n\ndata: b\n\n"))
	_, err := r.Next(ctx)
	assert.Error(t, err)
}
