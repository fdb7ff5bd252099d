package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNotifyOutboxNewReachesSubscriber(t *testing.T) {
	b, err := NewEmbedded(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(b.Close)

	got := make(chan struct{}, 1)
	sub, err := b.SubscribeOutboxNew(func() { got <- struct{}{} })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	b.NotifyOutboxNew()

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbox wake signal")
	}
}

func TestNotifyTocDirtyCarriesDayKey(t *testing.T) {
	b, err := NewEmbedded(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(b.Close)

	got := make(chan string, 1)
	sub, err := b.SubscribeTocDirty(func(day string) { got <- day })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	b.NotifyTocDirty("2026-07-30")

	select {
	case day := <-got:
		require.Equal(t, "2026-07-30", day)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for toc-dirty wake signal")
	}
}
