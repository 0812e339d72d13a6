package push

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncrelay/syncrelay/internal/config"
	"github.com/syncrelay/syncrelay/internal/session"
	"github.com/syncrelay/syncrelay/internal/tracking"
)

func testConfig() config.PushConfig {
	return config.PushConfig{
		MemberBuffer:    4,
		SnapshotMinGap:  time.Hour, // one admitted push per test unless burst allows more
		SnapshotBurst:   1,
		HeartbeatPeriod: 15 * time.Second,
	}
}

func runningSession(version int64) *session.Synchronization {
	return &session.Synchronization{
		SessionID:            "ses_1",
		Label:                "wispy-dust",
		TotalActionsCount:    10,
		FinishedActionsCount: 3,
		ProcessedVolume:      3000,
		Version:              version,
	}
}

func TestNotifyProgressDeliversSnapshot(t *testing.T) {
	b := NewBroadcaster(testConfig(), nil)
	ch, cancel := b.Subscribe("ses_1", "cli_a")
	defer cancel()

	summaries := []tracking.ActionSummary{{ActionsGroupID: "act_1", IsSuccess: true}}
	b.NotifyProgress("ses_1", runningSession(7), summaries)

	select {
	case ev := <-ch:
		require.Equal(t, EventTypeProgress, ev.Type)
		require.NotNil(t, ev.Progress)
		assert.Equal(t, "ses_1", ev.Progress.SessionID)
		assert.Equal(t, int64(7), ev.Progress.Version)
		assert.Equal(t, int64(3000), ev.Progress.ProcessedVolume)
		assert.Equal(t, summaries, ev.Progress.TrackingActionSummaries)
	default:
		t.Fatal("expected a progress event")
	}
}

func TestNotifyProgressCoalescesBursts(t *testing.T) {
	b := NewBroadcaster(testConfig(), nil)
	ch, cancel := b.Subscribe("ses_1", "cli_a")
	defer cancel()

	for v := int64(1); v <= 5; v++ {
		b.NotifyProgress("ses_1", runningSession(v), nil)
	}

	// burst of 1 admits exactly one push inside the min gap
	assert.Len(t, ch, 1)
	ev := <-ch
	assert.Equal(t, int64(1), ev.Progress.Version)
}

func TestNotifyEndBypassesLimiter(t *testing.T) {
	b := NewBroadcaster(testConfig(), nil)
	ch, cancel := b.Subscribe("ses_1", "cli_a")
	defer cancel()

	// exhaust the limiter with a progress push
	b.NotifyProgress("ses_1", runningSession(1), nil)
	require.Len(t, ch, 1)
	<-ch

	endedOn := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ended := runningSession(2)
	ended.EndedOn = &endedOn
	ended.EndStatus = session.EndStatusRegular

	b.NotifyEnd("ses_1", ended)

	require.Len(t, ch, 1)
	ev := <-ch
	require.Equal(t, EventTypeEnd, ev.Type)
	require.NotNil(t, ev.End)
	assert.Equal(t, session.EndStatusRegular, ev.End.Status)
	assert.Equal(t, endedOn, ev.End.FinishedOn)
	assert.Equal(t, int64(2), ev.End.Version)
}

func TestNotifyEndIgnoresRunningSession(t *testing.T) {
	b := NewBroadcaster(testConfig(), nil)
	ch, cancel := b.Subscribe("ses_1", "cli_a")
	defer cancel()

	b.NotifyEnd("ses_1", runningSession(1))
	assert.Empty(t, ch)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	cfg := testConfig()
	cfg.MemberBuffer = 1
	cfg.SnapshotBurst = 3
	b := NewBroadcaster(cfg, nil)

	ch, cancel := b.Subscribe("ses_1", "cli_slow")
	defer cancel()

	b.NotifyProgress("ses_1", runningSession(1), nil)
	b.NotifyProgress("ses_1", runningSession(2), nil)

	// second event was dropped, not queued behind a blocked send
	require.Len(t, ch, 1)
	ev := <-ch
	assert.Equal(t, int64(1), ev.Progress.Version)
}

func TestSubscribeAndCancel(t *testing.T) {
	b := NewBroadcaster(testConfig(), nil)

	_, cancelA := b.Subscribe("ses_1", "cli_a")
	chB, cancelB := b.Subscribe("ses_1", "cli_b")
	assert.Equal(t, 2, b.SubscriberCount("ses_1"))

	cancelA()
	assert.Equal(t, 1, b.SubscriberCount("ses_1"))
	cancelA() // repeated cancel is safe
	assert.Equal(t, 1, b.SubscriberCount("ses_1"))

	b.NotifyProgress("ses_1", runningSession(1), nil)
	assert.Len(t, chB, 1)

	cancelB()
	assert.Equal(t, 0, b.SubscriberCount("ses_1"))

	_, open := <-chB
	assert.True(t, open, "buffered event still readable after cancel")
	_, open = <-chB
	assert.False(t, open, "channel closed after drain")
}

func TestResubscribeReplacesChannel(t *testing.T) {
	b := NewBroadcaster(testConfig(), nil)

	chOld, _ := b.Subscribe("ses_1", "cli_a")
	chNew, cancel := b.Subscribe("ses_1", "cli_a")
	defer cancel()

	_, open := <-chOld
	assert.False(t, open, "stale channel closed on resubscribe")

	b.NotifyProgress("ses_1", runningSession(1), nil)
	assert.Len(t, chNew, 1)
	assert.Equal(t, 1, b.SubscriberCount("ses_1"))
}

func TestCloseSessionDropsSubscribers(t *testing.T) {
	b := NewBroadcaster(testConfig(), nil)
	ch, _ := b.Subscribe("ses_1", "cli_a")

	b.CloseSession("ses_1")
	assert.Equal(t, 0, b.SubscriberCount("ses_1"))

	_, open := <-ch
	assert.False(t, open)
}
