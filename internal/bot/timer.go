package bot

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/valerybot/valery/internal/relay"
)

// TimerRegistry schedules one-shot reminder notifications parsed from
// structured model replies. Timers are process-local and best-effort: no
// persistence, no retry, lost on restart.
type TimerRegistry struct {
	adapter relay.Adapter
	guard   *Guard

	mu     sync.Mutex
	nextID int
	timers map[int]*time.Timer
}

// NewTimerRegistry creates a TimerRegistry.
func NewTimerRegistry(adapter relay.Adapter, guard *Guard) *TimerRegistry {
	return &TimerRegistry{
		adapter: adapter,
		guard:   guard,
		timers:  make(map[int]*time.Timer),
	}
}

// Schedule registers a reminder for the user that fires after the given
// duration. The notification is sent under the user's dispatch lock so it
// never interleaves with an in-flight reply.
func (r *TimerRegistry) Schedule(userID, channelID string, after time.Duration, text string) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.timers[id] = time.AfterFunc(after, func() {
		r.fire(id, userID, channelID, text)
	})
	r.mu.Unlock()

	log.Printf("bot: timer %d scheduled for user %s in %s", id, userID, after)
}

// Pending returns the number of timers that have not fired yet.
func (r *TimerRegistry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Stop cancels all pending timers. Used on shutdown.
func (r *TimerRegistry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

// fire sends the reminder and forgets the timer.
func (r *TimerRegistry) fire(id int, userID, channelID, text string) {
	r.mu.Lock()
	delete(r.timers, id)
	r.mu.Unlock()

	r.guard.WithDispatch(userID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := r.adapter.Send(ctx, relay.Outbound{
			ChannelID: channelID,
			Text:      "⏰ " + text,
		}); err != nil {
			log.Printf("bot: timer %d for user %s: send: %v", id, userID, err)
		}
	})
	log.Printf("bot: timer %d fired for user %s", id, userID)
}
