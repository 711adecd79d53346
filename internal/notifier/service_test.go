package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "seatwatch/internal/transport"
	logx "seatwatch/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []string
	calls int
	fail  int
	err   error
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Message) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                      { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail > 0 {
		f.fail--
		return kit.MessageRef{}, f.err
	}
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) snapshot() ([]string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...), f.calls
}

func fastConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     8,
		RatePerSec:    1000,
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
	}
}

func notification(text string) kit.Notification {
	return kit.Notification{Target: kit.ChatTarget{ChatID: -100, ThreadID: 2}, Text: text}
}

func TestNotifyDeliversInOrder(t *testing.T) {
	ad := &fakeAdapter{}
	s := New(fastConfig(), ad, logx.Nop())
	s.Start(context.Background())

	for _, txt := range []string{"a", "b", "c"} {
		require.NoError(t, s.Notify(context.Background(), notification(txt)))
	}
	s.Stop(context.Background())

	sent, _ := ad.snapshot()
	assert.Equal(t, []string{"a", "b", "c"}, sent)
	st := s.Stats()
	assert.Equal(t, uint64(3), st.Queued)
	assert.Equal(t, uint64(3), st.Sent)
	assert.ErrorIs(t, s.Notify(context.Background(), notification("late")), ErrStopped)
}

func TestNotifyRetriesTransientErrors(t *testing.T) {
	ad := &fakeAdapter{fail: 2, err: errors.New("429 too many requests")}
	s := New(fastConfig(), ad, logx.Nop())
	s.Start(context.Background())
	require.NoError(t, s.Notify(context.Background(), notification("seat")))
	s.Stop(context.Background())

	sent, calls := ad.snapshot()
	assert.Equal(t, []string{"seat"}, sent)
	assert.Equal(t, 3, calls)
	h := s.History()
	require.Len(t, h, 1)
	assert.Equal(t, 3, h[0].Attempts)
	assert.Empty(t, h[0].Error)
}

func TestNotifyStopsOnPermanentError(t *testing.T) {
	ad := &fakeAdapter{fail: 5, err: backoff.Permanent(errors.New("403 bot was kicked"))}
	s := New(fastConfig(), ad, logx.Nop())
	s.Start(context.Background())
	require.NoError(t, s.Notify(context.Background(), notification("seat")))
	s.Stop(context.Background())

	_, calls := ad.snapshot()
	assert.Equal(t, 1, calls)
	assert.Equal(t, uint64(1), s.Stats().Failed)
	assert.Contains(t, s.History()[0].Error, "kicked")
}

func TestNotifyDedup(t *testing.T) {
	cfg := fastConfig()
	cfg.DedupWindow = time.Minute
	ad := &fakeAdapter{}
	s := New(cfg, ad, logx.Nop())
	s.Start(context.Background())

	require.NoError(t, s.Notify(context.Background(), notification("same")))
	require.NoError(t, s.Notify(context.Background(), notification("same")))
	other := notification("same")
	other.Target.ThreadID = 9
	require.NoError(t, s.Notify(context.Background(), other))
	s.Stop(context.Background())

	sent, _ := ad.snapshot()
	assert.Len(t, sent, 2)
	assert.Equal(t, uint64(1), s.Stats().Deduped)
}

func TestDisabledSendsSynchronously(t *testing.T) {
	ad := &fakeAdapter{fail: 1, err: errors.New("boom")}
	cfg := fastConfig()
	cfg.Enabled = false
	cfg.RetryMax = 0
	s := New(cfg, ad, logx.Nop())
	s.Start(context.Background())

	assert.Error(t, s.Notify(context.Background(), notification("x")))
	assert.NoError(t, s.Notify(context.Background(), notification("y")))
	sent, _ := ad.snapshot()
	assert.Equal(t, []string{"y"}, sent)
}

func TestQueueFull(t *testing.T) {
	cfg := fastConfig()
	cfg.QueueSize = 1
	block := make(chan struct{})
	ad := &blockingAdapter{release: block}
	s := New(cfg, ad, logx.Nop())
	s.Start(context.Background())

	require.NoError(t, s.Notify(context.Background(), notification("1")))
	require.Eventually(t, func() bool { return ad.started() }, time.Second, time.Millisecond)
	require.NoError(t, s.Notify(context.Background(), notification("2")))
	assert.ErrorIs(t, s.Notify(context.Background(), notification("3")), ErrQueueFull)

	close(block)
	s.Stop(context.Background())
	assert.Equal(t, uint64(1), s.Stats().Dropped)
}

type blockingAdapter struct {
	fakeAdapter
	release chan struct{}
	mu      sync.Mutex
	begun   bool
}

func (b *blockingAdapter) started() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.begun
}

func (b *blockingAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	b.mu.Lock()
	b.begun = true
	b.mu.Unlock()
	<-b.release
	return kit.MessageRef{}, nil
}
