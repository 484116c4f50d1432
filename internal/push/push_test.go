package push

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/4xmen/hamkar/internal/db"
)

func newNotifier(t *testing.T) *Notifier {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "push.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	n := NewNotifier(database.GetConn(), "public", "private", zap.NewNop())
	require.NotNil(t, n)
	return n
}

func activeEndpoints(t *testing.T, n *Notifier, userID int) []string {
	t.Helper()
	rows, err := n.db.Query("SELECT endpoint FROM push_subscriptions WHERE user_id = ? AND revoked_at IS NULL ORDER BY endpoint", userID)
	require.NoError(t, err)
	defer rows.Close()
	var out []string
	for rows.Next() {
		var e string
		require.NoError(t, rows.Scan(&e))
		out = append(out, e)
	}
	return out
}

func sub(endpoint string) Subscription {
	return Subscription{Endpoint: endpoint, Keys: Keys{P256dh: "p256dh", Auth: "auth"}}
}

func TestNewNotifierDisabledWithoutKeys(t *testing.T) {
	assert.Nil(t, NewNotifier(nil, "", "private", zap.NewNop()))
	assert.Nil(t, NewNotifier(nil, "public", "", zap.NewNop()))

	var n *Notifier
	assert.NotPanics(t, func() { n.SendNewMessageNotification(1, 2, "hi") })
}

func TestSaveAndDelete(t *testing.T) {
	n := newNotifier(t)
	ctx := context.Background()

	require.NoError(t, n.Save(ctx, 1, sub("https://push.example/a")))
	require.NoError(t, n.Save(ctx, 1, sub("https://push.example/b")))
	assert.Equal(t, []string{"https://push.example/a", "https://push.example/b"}, activeEndpoints(t, n, 1))

	// Same browser, different user.
	require.NoError(t, n.Save(ctx, 2, sub("https://push.example/b")))
	assert.Equal(t, []string{"https://push.example/a"}, activeEndpoints(t, n, 1))
	assert.Equal(t, []string{"https://push.example/b"}, activeEndpoints(t, n, 2))

	require.NoError(t, n.Delete(ctx, 1, "https://push.example/a"))
	assert.Empty(t, activeEndpoints(t, n, 1))

	require.NoError(t, n.Save(ctx, 1, sub("https://push.example/a")))
	assert.Equal(t, []string{"https://push.example/a"}, activeEndpoints(t, n, 1))
}

func TestSendNewMessageNotification(t *testing.T) {
	n := newNotifier(t)
	ctx := context.Background()
	require.NoError(t, n.Save(ctx, 2, sub("https://push.example/live")))
	require.NoError(t, n.Save(ctx, 2, sub("https://push.example/gone")))
	require.NoError(t, n.Save(ctx, 3, sub("https://push.example/other")))

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		payloads = map[string]payload{}
	)
	wg.Add(2)
	n.send = func(message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
		defer wg.Done()
		var p payload
		if err := json.Unmarshal(message, &p); err != nil {
			return nil, err
		}
		mu.Lock()
		payloads[s.Endpoint] = p
		mu.Unlock()

		status := http.StatusCreated
		if strings.HasSuffix(s.Endpoint, "/gone") {
			status = http.StatusGone
		}
		return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}, nil
	}

	n.SendNewMessageNotification(2, 1, "hello")
	wg.Wait()

	mu.Lock()
	require.Len(t, payloads, 2)
	assert.Equal(t, "hello", payloads["https://push.example/live"].Body)
	assert.Equal(t, 1, payloads["https://push.example/live"].SenderID)
	mu.Unlock()

	// The expired endpoint is removed after the send goroutine returns.
	assert.Eventually(t, func() bool {
		return len(activeEndpoints(t, n, 2)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"https://push.example/live"}, activeEndpoints(t, n, 2))
}
