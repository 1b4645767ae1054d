package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool/internal/observability"
)

// Directory resolves a user's push token.
type Directory interface {
	DeviceToken(ctx context.Context, userID string) (string, bool)
	SetDeviceToken(ctx context.Context, userID, token string) error
}

type MemoryDirectory struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{tokens: make(map[string]string)}
}

func (d *MemoryDirectory) SetDeviceToken(_ context.Context, userID, token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens[userID] = token
	return nil
}

func (d *MemoryDirectory) DeviceToken(_ context.Context, userID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tokens[userID]
	return t, ok && t != ""
}

// RedisDirectory keeps tokens in one hash so the API and the consumer
// share them.
type RedisDirectory struct {
	client *redis.Client
	key    string
}

func NewRedisDirectory(client *redis.Client, key string) *RedisDirectory {
	return &RedisDirectory{client: client, key: key}
}

func (d *RedisDirectory) SetDeviceToken(ctx context.Context, userID, token string) error {
	if err := d.client.HSet(ctx, d.key, userID, token).Err(); err != nil {
		return fmt.Errorf("store device token %s: %w", userID, err)
	}
	return nil
}

func (d *RedisDirectory) DeviceToken(ctx context.Context, userID string) (string, bool) {
	t, err := d.client.HGet(ctx, d.key, userID).Result()
	if err != nil {
		return "", false
	}
	return t, t != ""
}

// FCMNotifier posts JSON to the FCM HTTP v1 endpoint using a bearer key.
type FCMNotifier struct {
	Endpoint  string
	Key       string
	Directory Directory
	Client    *http.Client
}

func NewFCMNotifier(endpoint, key string, dir Directory) *FCMNotifier {
	return &FCMNotifier{Endpoint: endpoint, Key: key, Directory: dir, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMNotifier) Notify(ctx context.Context, n Notification) error {
	token, ok := f.Directory.DeviceToken(ctx, n.Recipient)
	if !ok {
		return fmt.Errorf("fcm %s: %w", n.Recipient, ErrNoRecipient)
	}
	// FCM data values must be strings
	data := map[string]string{"kind": string(n.Kind)}
	for k, v := range n.Payload {
		data[k] = fmt.Sprint(v)
	}
	body := map[string]any{"message": map[string]any{"token": token, "data": data}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm returned %d", resp.StatusCode)
	}
	observability.NotificationsSent.WithLabelValues(string(n.Kind), "fcm").Inc()
	return nil
}
