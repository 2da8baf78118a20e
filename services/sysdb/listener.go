package sysdb

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"durable-workflows/core/services/schema"
)

// listenerPollTimeout bounds each wait on the notification connection so the
// loop can observe shutdown even when the channel is quiet.
const listenerPollTimeout = 60 * time.Second

// wakeRegistry maps "<uuid>::<topic_or_key>" to the single in-process waiter
// interested in it. The registry is only a wake-up optimization: waiters
// always re-probe the database after waking, so a dropped or spurious signal
// is harmless. A notify with no registered waiter is valid (the waiter will
// find the row on its own probe).
type wakeRegistry struct {
	mu      sync.Mutex
	waiters map[string]chan struct{}
}

func newWakeRegistry() *wakeRegistry {
	return &wakeRegistry{waiters: make(map[string]chan struct{})}
}

// register installs a waiter for key and returns its wake channel. Callers
// must register before probing the database, otherwise a notification landing
// between probe and wait is lost.
func (r *wakeRegistry) register(key string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	r.waiters[key] = ch
	r.mu.Unlock()
	return ch
}

func (r *wakeRegistry) unregister(key string) {
	r.mu.Lock()
	delete(r.waiters, key)
	r.mu.Unlock()
}

// notify wakes the waiter for key, if any. Non-blocking: the buffered slot
// coalesces repeated signals.
func (r *wakeRegistry) notify(key string) {
	r.mu.Lock()
	ch, ok := r.waiters[key]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// RunNotificationListener holds a long-lived LISTEN connection and fans
// incoming notifications out to the wake registries. Any failure tears the
// connection down, waits a second and reconnects; waiters tolerate the gap
// because the database row is the source of truth.
func (s *SystemDatabase) RunNotificationListener(ctx context.Context, pool *pgxpool.Pool) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		if err := s.listen(ctx, pool); err != nil && ctx.Err() == nil {
			slog.Error("Notification listener error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (s *SystemDatabase) listen(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	for _, channel := range []string{schema.NotificationsChannel, schema.WorkflowEventsChannel} {
		if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
			return err
		}
	}

	for {
		waitCtx, cancel := context.WithTimeout(ctx, listenerPollTimeout)
		notification, err := conn.Conn().WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				select {
				case <-s.stop:
					return nil
				default:
					continue
				}
			}
			return err
		}

		payload := notification.Payload
		slog.Debug("Received notification", "channel", notification.Channel, "payload", payload)
		switch notification.Channel {
		case schema.NotificationsChannel:
			s.notifications.notify(payload)
		case schema.WorkflowEventsChannel:
			s.events.notify(payload)
		default:
			slog.Error("Unknown notification channel", "channel", notification.Channel)
		}
	}
}

// payloadKey joins a UUID with a topic or key the way the database triggers
// do.
func payloadKey(uuid, topicOrKey string) string {
	return strings.Join([]string{uuid, topicOrKey}, "::")
}
