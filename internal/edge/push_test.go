package edge

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu    sync.Mutex
	shown []Notification
	err   error
}

func (n *recordingNotifier) Show(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.shown = append(n.shown, note)
	return nil
}

type recordingOpener struct {
	mu   sync.Mutex
	urls []string
}

func (o *recordingOpener) OpenWindow(_ context.Context, url string) error {
	o.mu.Lock()
	o.urls = append(o.urls, url)
	o.mu.Unlock()
	return nil
}

func TestPushBuildsNotification(t *testing.T) {
	cfg := testConfig(t)
	clock := newTestClock()
	notifier := &recordingNotifier{}
	svc := newTestService(t, cfg, newFakeOrigin(), clock, WithNotifier(notifier))

	n, err := svc.Push(context.Background(), []byte("Your order has shipped"))
	require.NoError(t, err)

	assert.Equal(t, "Scarlet Beauty", n.Title)
	assert.Equal(t, "Your order has shipped", n.Body)
	assert.Equal(t, "/icons/icon-192x192.png", n.Icon)
	assert.Equal(t, "/icons/icon-72x72.png", n.Badge)
	assert.Equal(t, []int{100, 50, 100}, n.Vibrate)
	assert.Equal(t, clock.Now().UnixMilli(), n.Data.DateOfArrival)
	assert.Equal(t, 1, n.Data.PrimaryKey)
	assert.Equal(t, []NotificationAction{
		{Action: ActionExplore, Title: "Explore"},
		{Action: ActionClose, Title: "Close"},
	}, n.Actions)

	require.Len(t, notifier.shown, 1)
	assert.Equal(t, n, notifier.shown[0])
}

func TestPushEmptyPayloadUsesDefaultBody(t *testing.T) {
	cfg := testConfig(t)
	notifier := &recordingNotifier{}
	svc := newTestService(t, cfg, newFakeOrigin(), newTestClock(), WithNotifier(notifier))

	n, err := svc.Push(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, cfg.Push.DefaultBody, n.Body)
}

func TestPushNotifierError(t *testing.T) {
	cfg := testConfig(t)
	boom := errors.New("permission denied")
	svc := newTestService(t, cfg, newFakeOrigin(), newTestClock(), WithNotifier(&recordingNotifier{err: boom}))

	_, err := svc.Push(context.Background(), []byte("hi"))
	assert.ErrorIs(t, err, boom)
}

func TestNotificationClick(t *testing.T) {
	cfg := testConfig(t)
	opener := &recordingOpener{}
	svc := newTestService(t, cfg, newFakeOrigin(), newTestClock(), WithWindowOpener(opener))
	ctx := context.Background()

	require.NoError(t, svc.NotificationClick(ctx, ActionClose))
	require.NoError(t, svc.NotificationClick(ctx, ""))
	require.NoError(t, svc.NotificationClick(ctx, "snooze"))
	assert.Empty(t, opener.urls)

	require.NoError(t, svc.NotificationClick(ctx, ActionExplore))
	assert.Equal(t, []string{"/"}, opener.urls)
}

func TestLogNotifierKeepsRecent(t *testing.T) {
	n := newLogNotifier(zerolog.Nop(), 2)
	for _, body := range []string{"one", "two", "three"} {
		require.NoError(t, n.Show(context.Background(), Notification{Body: body}))
	}
	rec := n.Recent()
	require.Len(t, rec, 2)
	assert.Equal(t, "two", rec[0].Body)
	assert.Equal(t, "three", rec[1].Body)
}
