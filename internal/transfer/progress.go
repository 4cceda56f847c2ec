package transfer

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Direction tells whether progress is for an upload or a download.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// DefaultProgressInterval bounds how often progress is emitted per transfer.
const DefaultProgressInterval = 100 * time.Millisecond

// Progress is one throttled progress sample for a (file, peer) pairing.
// PeerID is the destination on the send side and the sender on the receive side.
type Progress struct {
	FileID           string        `json:"file_id"`
	PeerID           string        `json:"peer_id"`
	Name             string        `json:"name"`
	Direction        Direction     `json:"direction"`
	BytesTransferred int64         `json:"bytes_transferred"`
	TotalBytes       int64         `json:"total_bytes"`
	Percent          float64       `json:"percent"`
	Rate             float64       `json:"rate"` // bytes per second since start
	ETA              time.Duration `json:"eta"`
	Paused           bool          `json:"paused"`
	Done             bool          `json:"done"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

func (p Progress) String() string {
	return fmt.Sprintf("%s %s %.1f%% (%s/%s, %s/s, eta %s)",
		p.Direction, p.Name, p.Percent,
		formatBytes(p.BytesTransferred), formatBytes(p.TotalBytes),
		formatBytes(int64(p.Rate)), formatDuration(p.ETA))
}

type progressKey struct {
	fileID string
	peerID string
}

type trackedProgress struct {
	started  time.Time
	lastEmit time.Time
	latest   Progress
}

type progressSub struct {
	peerID string
	ch     chan Progress
}

// ProgressTracker owns every progress entry and subscriber. It is the one
// structure written by all active transfers, so everything goes through mu.
type ProgressTracker struct {
	mu        sync.Mutex
	interval  time.Duration
	now       func() time.Time
	transfers map[progressKey]*trackedProgress
	subs      map[string]map[int]progressSub
	nextSub   int
	onUpdate  func(Progress)
}

// NewProgressTracker creates a tracker that emits at most once per interval
// for each (file, peer) pair. onUpdate may be nil.
func NewProgressTracker(interval time.Duration, onUpdate func(Progress)) *ProgressTracker {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	return &ProgressTracker{
		interval:  interval,
		now:       time.Now,
		transfers: make(map[progressKey]*trackedProgress),
		subs:      make(map[string]map[int]progressSub),
		onUpdate:  onUpdate,
	}
}

// StartTracking starts tracking a new transfer
func (pt *ProgressTracker) StartTracking(fileID, peerID, name string, dir Direction, totalBytes int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	now := pt.now()
	pt.transfers[progressKey{fileID, peerID}] = &trackedProgress{
		started: now,
		latest: Progress{
			FileID:     fileID,
			PeerID:     peerID,
			Name:       name,
			Direction:  dir,
			TotalBytes: totalBytes,
			UpdatedAt:  now,
		},
	}
}

// UpdateProgress records bytes moved so far. The sample is published only if
// force is set or the throttle interval has passed since the last one.
func (pt *ProgressTracker) UpdateProgress(fileID, peerID string, bytes int64, paused, force bool) {
	pt.mu.Lock()
	entry, exists := pt.transfers[progressKey{fileID, peerID}]
	if !exists {
		pt.mu.Unlock()
		return
	}

	now := pt.now()
	p := &entry.latest
	p.BytesTransferred = bytes
	p.Paused = paused
	p.UpdatedAt = now

	if p.TotalBytes > 0 {
		p.Percent = float64(bytes) / float64(p.TotalBytes) * 100.0
	}
	if elapsed := now.Sub(entry.started).Seconds(); elapsed > 0 {
		p.Rate = float64(bytes) / elapsed
	}
	p.ETA = 0
	if p.Rate > 0 && p.TotalBytes > bytes {
		p.ETA = time.Duration(float64(p.TotalBytes-bytes) / p.Rate * float64(time.Second))
	}

	if !force && !entry.lastEmit.IsZero() && now.Sub(entry.lastEmit) < pt.interval {
		pt.mu.Unlock()
		return
	}
	entry.lastEmit = now
	sample := *p
	subs := pt.subscribersLocked(fileID, peerID)
	pt.mu.Unlock()

	pt.publish(sample, subs)
}

// FinishTracking publishes a final 100% sample and releases the entry.
func (pt *ProgressTracker) FinishTracking(fileID, peerID string) {
	pt.mu.Lock()
	key := progressKey{fileID, peerID}
	entry, exists := pt.transfers[key]
	if !exists {
		pt.mu.Unlock()
		return
	}
	delete(pt.transfers, key)

	now := pt.now()
	sample := entry.latest
	sample.BytesTransferred = sample.TotalBytes
	sample.Percent = 100.0
	sample.ETA = 0
	sample.Paused = false
	sample.Done = true
	sample.UpdatedAt = now
	if elapsed := now.Sub(entry.started).Seconds(); elapsed > 0 {
		sample.Rate = float64(sample.TotalBytes) / elapsed
	}
	subs := pt.subscribersLocked(fileID, peerID)
	pt.mu.Unlock()

	pt.publish(sample, subs)
}

// RemoveTransfer drops an entry without publishing, e.g. on cancellation.
func (pt *ProgressTracker) RemoveTransfer(fileID, peerID string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	delete(pt.transfers, progressKey{fileID, peerID})
}

// lookup returns the latest sample for a pair, published or not.
func (pt *ProgressTracker) lookup(fileID, peerID string) (Progress, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	entry, exists := pt.transfers[progressKey{fileID, peerID}]
	if !exists {
		return Progress{}, false
	}
	return entry.latest, true
}

// Snapshot returns the latest sample of every tracked pair, ordered by file
// then peer.
func (pt *ProgressTracker) Snapshot() []Progress {
	pt.mu.Lock()
	out := make([]Progress, 0, len(pt.transfers))
	for _, entry := range pt.transfers {
		out = append(out, entry.latest)
	}
	pt.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FileID != out[j].FileID {
			return out[i].FileID < out[j].FileID
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

// Subscribe streams samples for fileID. An empty peerID matches every peer.
// Slow subscribers miss samples rather than stall senders.
func (pt *ProgressTracker) Subscribe(fileID, peerID string) (<-chan Progress, func()) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	id := pt.nextSub
	pt.nextSub++
	ch := make(chan Progress, 32)
	if pt.subs[fileID] == nil {
		pt.subs[fileID] = make(map[int]progressSub)
	}
	pt.subs[fileID][id] = progressSub{peerID: peerID, ch: ch}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			pt.mu.Lock()
			defer pt.mu.Unlock()
			if subs, ok := pt.subs[fileID]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(pt.subs, fileID)
				}
			}
		})
	}
	return ch, cancel
}

func (pt *ProgressTracker) subscribersLocked(fileID, peerID string) []chan Progress {
	var out []chan Progress
	for _, sub := range pt.subs[fileID] {
		if sub.peerID == "" || sub.peerID == peerID {
			out = append(out, sub.ch)
		}
	}
	return out
}

func (pt *ProgressTracker) publish(p Progress, subs []chan Progress) {
	for _, ch := range subs {
		select {
		case ch <- p:
		default:
			// Channel full, skip this progress update
		}
	}
	if pt.onUpdate != nil {
		pt.onUpdate(p)
	}
}

// formatBytes formats bytes into human-readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// formatDuration formats duration into human-readable format
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	return fmt.Sprintf("%.0fh", d.Hours())
}
