package chat_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/zhouzirui/sop-assistant/internal/model/chat"
	chat "github.com/zhouzirui/sop-assistant/internal/service/chat"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func unix(sec int64) time.Time { return time.Unix(sec, 0) }

func TestServiceGetOrCreateStartsEmpty(t *testing.T) {
	svc := chat.NewService()

	session := svc.GetOrCreate("C1:1.000000")
	assert.Equal(t, model.ConversationID("C1:1.000000"), session.ID)
	assert.Empty(t, session.History)
	assert.Equal(t, 1, svc.Len())

	again := svc.GetOrCreate("C1:1.000000")
	assert.Equal(t, session.CreatedAt, again.CreatedAt)
	assert.Equal(t, 1, svc.Len())
}

func TestServiceGetOrCreateRefreshesLastAccess(t *testing.T) {
	clock := &fakeClock{now: unix(1000)}
	svc := chat.NewService(chat.WithClock(clock.Now))

	first := svc.GetOrCreate("k")
	assert.Equal(t, unix(1000), first.LastAccess)

	clock.Set(unix(2000))
	second := svc.GetOrCreate("k")
	assert.Equal(t, unix(2000), second.LastAccess)
	assert.Equal(t, unix(1000), second.CreatedAt)
}

func TestServiceHistoryCap(t *testing.T) {
	svc := chat.NewService(chat.WithMaxHistory(4))
	svc.GetOrCreate("k")

	svc.RecordTurns("k", "u1", "a1")
	svc.RecordTurns("k", "u2", "a2")
	svc.RecordTurns("k", "u3", "a3")

	history, ok := svc.History("k")
	require.True(t, ok)
	assert.Equal(t, []model.Turn{
		model.UserTurn("u2"),
		model.AssistantTurn("a2"),
		model.UserTurn("u3"),
		model.AssistantTurn("a3"),
	}, history)
}

func TestServiceHistoryCapHoldsAfterEveryRecord(t *testing.T) {
	const maxHistory = 6
	svc := chat.NewService(chat.WithMaxHistory(maxHistory))
	svc.GetOrCreate("k")

	var all []model.Turn
	for i := 0; i < 25; i++ {
		u, a := fmt.Sprintf("u%d", i), fmt.Sprintf("a%d", i)
		svc.RecordTurns("k", u, a)
		all = append(all, model.UserTurn(u), model.AssistantTurn(a))

		history, _ := svc.History("k")
		require.LessOrEqual(t, len(history), maxHistory)

		want := all
		if len(want) > maxHistory {
			want = want[len(want)-maxHistory:]
		}
		require.Equal(t, want, history)
	}
}

func TestServiceSweepBoundaries(t *testing.T) {
	clock := &fakeClock{now: unix(1000)}
	svc := chat.NewService(chat.WithClock(clock.Now), chat.WithTTL(3600*time.Second))
	svc.GetOrCreate("k")

	assert.Equal(t, 0, svc.SweepExpired(unix(4599)))
	assert.Equal(t, 1, svc.Len())

	assert.Equal(t, 0, svc.SweepExpired(unix(4600)))
	assert.Equal(t, 1, svc.Len())

	assert.Equal(t, 1, svc.SweepExpired(unix(4601)))
	assert.Equal(t, 0, svc.Len())
}

func TestServiceSweepOnlyExpired(t *testing.T) {
	clock := &fakeClock{now: unix(0)}
	svc := chat.NewService(chat.WithClock(clock.Now), chat.WithTTL(time.Minute))

	svc.GetOrCreate("old")
	clock.Set(unix(50))
	svc.GetOrCreate("fresh")

	removed := svc.SweepExpired(unix(100))
	assert.Equal(t, 1, removed)

	_, err := svc.GetSession(context.Background(), "old")
	assert.ErrorIs(t, err, chat.ErrSessionNotFound)
	_, err = svc.GetSession(context.Background(), "fresh")
	assert.NoError(t, err)
}

func TestServiceRecordTurnsRecreatesSweptSession(t *testing.T) {
	clock := &fakeClock{now: unix(0)}
	svc := chat.NewService(chat.WithClock(clock.Now), chat.WithTTL(time.Second))
	svc.GetOrCreate("k")

	clock.Set(unix(10))
	require.Equal(t, 1, svc.Sweep())

	svc.RecordTurns("k", "question", "answer")
	history, ok := svc.History("k")
	require.True(t, ok)
	assert.Len(t, history, 2)
}

func TestServiceGetSessionDoesNotTouchAccess(t *testing.T) {
	clock := &fakeClock{now: unix(10)}
	svc := chat.NewService(chat.WithClock(clock.Now))
	svc.GetOrCreate("k")

	clock.Set(unix(20))
	session, err := svc.GetSession(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, unix(10), session.LastAccess)
}

func TestServiceReturnsCopies(t *testing.T) {
	svc := chat.NewService()
	svc.GetOrCreate("k")
	svc.RecordTurns("k", "u", "a")

	session := svc.GetOrCreate("k")
	session.History[0].Content = "mutated"

	history, _ := svc.History("k")
	assert.Equal(t, "u", history[0].Content)
}

func TestServiceReset(t *testing.T) {
	svc := chat.NewService()
	svc.GetOrCreate("k")

	assert.True(t, svc.Reset("k"))
	assert.False(t, svc.Reset("k"))
	assert.Equal(t, 0, svc.Len())
}

func TestServiceSnapshotOrderedByAccess(t *testing.T) {
	clock := &fakeClock{now: unix(1)}
	svc := chat.NewService(chat.WithClock(clock.Now))
	svc.GetOrCreate("a")
	clock.Set(unix(2))
	svc.GetOrCreate("b")

	sessions := svc.Snapshot()
	require.Len(t, sessions, 2)
	assert.Equal(t, model.ConversationID("b"), sessions[0].ID)
	assert.Equal(t, model.ConversationID("a"), sessions[1].ID)
}

func TestServiceConcurrentAccess(t *testing.T) {
	svc := chat.NewService(chat.WithMaxHistory(1000))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc.GetOrCreate("shared")
			svc.RecordTurns("shared", fmt.Sprintf("u%d", i), fmt.Sprintf("a%d", i))
			svc.Sweep()
		}(i)
	}
	wg.Wait()

	history, ok := svc.History("shared")
	require.True(t, ok)
	assert.Len(t, history, 100)
	for i := 0; i < len(history); i += 2 {
		assert.Equal(t, model.RoleUser, history[i].Role)
		assert.Equal(t, model.RoleAssistant, history[i+1].Role)
	}
}

func TestServiceRunStopsOnCancel(t *testing.T) {
	clock := &fakeClock{now: unix(0)}
	svc := chat.NewService(chat.WithClock(clock.Now), chat.WithTTL(time.Second))
	svc.GetOrCreate("k")
	clock.Set(unix(100))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx, time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return svc.Len() == 0 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
