package ingest

import (
	"sync"
	"time"
)

// Log feed channels.
const (
	ChannelPipeline = "pipeline"
	ChannelDeploy   = "deploy"
)

// LogEntry is one line in an app's activity feed.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Channel string    `json:"channel"`
	Line    string    `json:"line"`
}

// LogStore keeps a bounded in-memory activity feed per app for the
// status surface. Old entries fall off the front once the cap is hit;
// durable history lives in the incident and analysis records, not here.
type LogStore struct {
	mu    sync.Mutex
	cap   int
	feeds map[string][]LogEntry
}

// NewLogStore creates a LogStore holding up to capacity entries per app.
func NewLogStore(capacity int) *LogStore {
	return &LogStore{
		cap:   capacity,
		feeds: make(map[string][]LogEntry),
	}
}

// Append adds a line to an app's feed.
func (l *LogStore) Append(appID, channel, line string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	feed := append(l.feeds[appID], LogEntry{Time: time.Now().UTC(), Channel: channel, Line: line})
	if len(feed) > l.cap {
		feed = feed[len(feed)-l.cap:]
	}
	l.feeds[appID] = feed
}

// Tail returns the newest n entries of an app's feed, oldest first.
// n <= 0 returns the whole feed.
func (l *LogStore) Tail(appID string, n int) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	feed := l.feeds[appID]
	if n > 0 && len(feed) > n {
		feed = feed[len(feed)-n:]
	}
	out := make([]LogEntry, len(feed))
	copy(out, feed)
	return out
}

// Drop discards an app's feed.
func (l *LogStore) Drop(appID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.feeds, appID)
}
