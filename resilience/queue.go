package resilience

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medigo/dicomul/errors"
	"github.com/medigo/dicomul/types"
)

// Status is the store-and-forward queue's own lifecycle state, distinct
// from a single item's types.QueueItemStatus (spec §4.8).
type Status int

const (
	Running Status = iota
	Paused
	Draining
	Stopped
)

// Sender performs one C-STORE sub-operation for a queued item's payload.
// The queue classifies the returned error via errors.CategoryOf to decide
// whether the item retries or fails terminally.
type Sender func(ctx context.Context, item types.QueuedStoreItem, payload []byte) error

// Config configures a Queue (spec §4.8, §6's queue_metadata.json format).
type Config struct {
	Dir                string
	MaxRetryAttempts   int
	CompletedRetention time.Duration
	Send               Sender
	Logger             zerolog.Logger
}

type metadataFile struct {
	Items          []*types.QueuedStoreItem `json:"items"`
	TotalProcessed int                      `json:"total_processed"`
	CreatedAt      time.Time                `json:"created_at"`
	LastModifiedAt time.Time                `json:"last_modified_at"`
}

// Queue is a durable FIFO-or-priority store-and-forward queue of batched
// C-STORE sub-operations (spec §4.8). Load restores it from disk,
// reverting any item caught mid-send by a crash back to Pending.
type Queue struct {
	cfg Config

	mu             sync.Mutex
	items          []*types.QueuedStoreItem
	totalProcessed int
	createdAt      time.Time
	status         Status
	connectivity   bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func (c Config) metadataPath() string { return filepath.Join(c.Dir, "queue_metadata.json") }

// Load opens (or initializes) the queue at cfg.Dir, reverting any item left
// Sending by a prior crash to Pending (spec §4.8).
func Load(cfg Config) (*Queue, error) {
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	q := &Queue{
		cfg:          cfg,
		createdAt:    time.Now(),
		status:       Stopped,
		connectivity: true,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}

	data, err := os.ReadFile(cfg.metadataPath())
	if os.IsNotExist(err) {
		return q, nil
	}
	if err != nil {
		return nil, err
	}

	var mf metadataFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, err
	}
	q.items = mf.Items
	q.totalProcessed = mf.TotalProcessed
	q.createdAt = mf.CreatedAt

	for _, item := range q.items {
		if item.Status == types.QueueItemSending {
			item.Status = types.QueueItemPending
		}
	}
	if err := q.persistLocked(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) persistLocked() error {
	mf := metadataFile{
		Items:          q.items,
		TotalProcessed: q.totalProcessed,
		CreatedAt:      q.createdAt,
		LastModifiedAt: time.Now(),
	}
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return err
	}
	tmp := q.cfg.metadataPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.cfg.metadataPath())
}

// Enqueue writes payload atomically, appends a new Pending item, and
// persists metadata (spec §4.8: "payload file written atomically before
// the item is appended to the metadata file").
func (q *Queue) Enqueue(host string, port int, callingAE, calledAE types.AETitle, sopClassUID, sopInstanceUID, transferSyntaxUID string, priority types.QueuePriority, payload []byte) (string, error) {
	if q.Status() == Draining {
		return "", errors.NewInvalidStateError("queue is draining and accepts no new items")
	}
	id := uuid.NewString()
	fileName := id + ".dcm"
	path := filepath.Join(q.cfg.Dir, fileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}

	item := &types.QueuedStoreItem{
		ID:                id,
		SOPClassUID:       sopClassUID,
		SOPInstanceUID:    sopInstanceUID,
		TransferSyntaxUID: transferSyntaxUID,
		Host:              host,
		Port:              port,
		CallingAE:         callingAE,
		CalledAE:          calledAE,
		Priority:          priority,
		QueuedAt:          time.Now(),
		Size:              int64(len(payload)),
		Status:            types.QueueItemPending,
		PayloadFileName:   fileName,
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	err := q.persistLocked()
	q.mu.Unlock()
	if err != nil {
		return "", err
	}
	q.nudge()
	return id, nil
}

func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// SetConnectivity toggles whether the processing loop is allowed to send;
// false suspends sending without affecting Status (spec §4.8's "while
// status=Running|Draining and connectivity=true").
func (q *Queue) SetConnectivity(up bool) {
	q.mu.Lock()
	q.connectivity = up
	q.mu.Unlock()
	if up {
		q.nudge()
	}
}

// Pause stops new sends; enqueues are still accepted.
func (q *Queue) Pause() { q.setStatus(Paused) }

// Resume returns a Paused or Stopped queue to Running.
func (q *Queue) Resume() { q.setStatus(Running); q.nudge() }

// Drain makes Enqueue refuse new items while sending continues, and
// completes to Stopped once every in-flight and pending item has resolved.
func (q *Queue) Drain() { q.setStatus(Draining); q.nudge() }

func (q *Queue) setStatus(s Status) {
	q.mu.Lock()
	q.status = s
	q.mu.Unlock()
}

// Status reports the queue's current lifecycle state.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

// Run starts the processing loop (spec §4.8) and blocks until ctx is
// canceled, Stop is called, or a Drain completes. Intended to run on its
// own goroutine.
func (q *Queue) Run(ctx context.Context) {
	q.setStatus(Running)
	for {
		item, ok := q.claimNext()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-time.After(time.Second):
				if q.maybeFinishDraining() {
					return
				}
				continue
			case <-ctx.Done():
				return
			case <-q.done:
				return
			}
		}
		q.process(ctx, item)
		if q.maybeFinishDraining() {
			return
		}
	}
}

// Stop ends the processing loop started by Run.
func (q *Queue) Stop() {
	q.setStatus(Stopped)
	close(q.done)
}

func (q *Queue) maybeFinishDraining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.status != Draining {
		return false
	}
	for _, item := range q.items {
		if item.Status == types.QueueItemSending || item.Status == types.QueueItemPending {
			return false
		}
	}
	q.status = Stopped
	return true
}

// claimNext atomically flips the highest-priority, oldest Pending item to
// Sending and returns a copy of it (spec §4.8's priority-then-FIFO select).
func (q *Queue) claimNext() (*types.QueuedStoreItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if (q.status != Running && q.status != Draining) || !q.connectivity {
		return nil, false
	}

	candidates := make([]*types.QueuedStoreItem, 0, len(q.items))
	for _, item := range q.items {
		if item.Status == types.QueueItemPending {
			candidates = append(candidates, item)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].QueuedAt.Before(candidates[j].QueuedAt)
	})

	item := candidates[0]
	item.Status = types.QueueItemSending
	item.AttemptCount++
	now := time.Now()
	item.LastAttemptAt = &now
	if err := q.persistLocked(); err != nil {
		q.cfg.Logger.Error().Err(err).Msg("persisting queue metadata after claim")
	}
	return item, true
}

func (q *Queue) process(ctx context.Context, item *types.QueuedStoreItem) {
	payload, err := os.ReadFile(filepath.Join(q.cfg.Dir, item.PayloadFileName))
	if err != nil {
		q.finishFailed(item, err)
		return
	}

	err = q.cfg.Send(ctx, *item, payload)

	q.mu.Lock()
	defer q.mu.Unlock()
	if err == nil {
		now := time.Now()
		item.Status = types.QueueItemCompleted
		item.CompletedAt = &now
		item.LastError = ""
		q.totalProcessed++
		if err := q.persistLocked(); err != nil {
			q.cfg.Logger.Error().Err(err).Msg("persisting queue metadata after completion")
		}
		q.scheduleRemoval(item)
		return
	}

	item.LastError = err.Error()
	category := errors.CategoryOf(err)
	permanent := category == errors.CategoryConfiguration || category == errors.CategoryProtocol
	if permanent || item.AttemptCount >= q.cfg.MaxRetryAttempts {
		item.Status = types.QueueItemFailed
		q.removePayloadLocked(item)
	} else {
		item.Status = types.QueueItemPending
	}
	if err := q.persistLocked(); err != nil {
		q.cfg.Logger.Error().Err(err).Msg("persisting queue metadata after failure")
	}
}

func (q *Queue) finishFailed(item *types.QueuedStoreItem, loadErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item.LastError = loadErr.Error()
	item.Status = types.QueueItemFailed
	if err := q.persistLocked(); err != nil {
		q.cfg.Logger.Error().Err(err).Msg("persisting queue metadata after payload load failure")
	}
}

func (q *Queue) removePayloadLocked(item *types.QueuedStoreItem) {
	_ = os.Remove(filepath.Join(q.cfg.Dir, item.PayloadFileName))
}

// scheduleRemoval drops a Completed item from metadata after
// completed_retention elapses; called with q.mu held.
func (q *Queue) scheduleRemoval(item *types.QueuedStoreItem) {
	retention := q.cfg.CompletedRetention
	if retention <= 0 {
		return
	}
	id := item.ID
	q.wg.Add(1)
	time.AfterFunc(retention, func() {
		defer q.wg.Done()
		q.mu.Lock()
		defer q.mu.Unlock()
		for i, it := range q.items {
			if it.ID == id && it.Status == types.QueueItemCompleted {
				q.items = append(q.items[:i], q.items[i+1:]...)
				_ = q.persistLocked()
				return
			}
		}
	})
}

// Items returns a snapshot of every item currently tracked by the queue.
func (q *Queue) Items() []types.QueuedStoreItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.QueuedStoreItem, len(q.items))
	for i, it := range q.items {
		out[i] = *it
	}
	return out
}
