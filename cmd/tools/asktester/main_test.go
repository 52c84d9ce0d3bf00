package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/sop-assistant/internal/model/chat"
	"github.com/zhouzirui/sop-assistant/internal/service/assistant"
	chatservice "github.com/zhouzirui/sop-assistant/internal/service/chat"
)

type countingAnswerer struct{}

func (countingAnswerer) StreamingEnabled() bool { return false }

func (countingAnswerer) Generate(_ context.Context, history []chat.Turn, query string) (*schema.Message, error) {
	return schema.AssistantMessage(strings.ToUpper(query), nil), nil
}

func (countingAnswerer) Stream(context.Context, []chat.Turn, string) (*schema.StreamReader[*schema.Message], error) {
	return nil, nil
}

func newConsole(newThread bool) (*consoleSession, *bytes.Buffer, *chatservice.Service) {
	sessions := chatservice.NewService()
	var out bytes.Buffer
	tick := time.Unix(1700000000, 0)
	return &consoleSession{
		pipeline:  assistant.NewPipeline(sessions, countingAnswerer{}, assistant.Config{}, zerolog.Nop()),
		channel:   "console",
		newThread: newThread,
		out:       &out,
		now: func() time.Time {
			tick = tick.Add(time.Second)
			return tick
		},
	}, &out, sessions
}

func TestConsoleLinesShareThread(t *testing.T) {
	s, out, sessions := newConsole(false)

	require.NoError(t, s.run(context.Background(), strings.NewReader("hello\nagain\n/history\n")))

	assert.Equal(t, 1, sessions.Len())
	assert.Contains(t, out.String(), "[1/1] HELLO")
	assert.Contains(t, out.String(), "[1/1] AGAIN")
	assert.Contains(t, out.String(), "user: again")
}

func TestConsoleNewThreadPerLine(t *testing.T) {
	s, _, sessions := newConsole(true)

	require.NoError(t, s.run(context.Background(), strings.NewReader("a\nb\n\n")))
	assert.Equal(t, 2, sessions.Len())
}

func TestConsoleResetCommand(t *testing.T) {
	s, _, sessions := newConsole(false)

	require.NoError(t, s.run(context.Background(), strings.NewReader("a\n/new\nb\n")))
	assert.Equal(t, 2, sessions.Len())
}
