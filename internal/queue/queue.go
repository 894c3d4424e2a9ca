// Package queue implements the per-group execution queue: a global
// in-flight cap with per-group serialisation and bounded retry with
// backoff.
package queue

import (
	"sync"
	"time"
)

// RetryPolicy bounds how many attempts an item gets and how long it waits
// between them.
type RetryPolicy struct {
	MaxAttempts int
	BackoffMs   int64
}

// Item is a single unit of work queued under a group.
type Item struct {
	ID        string
	Group     string
	Payload   any
	Attempts  int
	ReadyAtMs int64
}

// Queue is a per-group FIFO with a global concurrency cap. Group iteration
// is round-robin rather than the sorted-map order a naive port of the
// original would use, so that a group earlier in iteration order cannot
// starve a later one under sustained load (Q4).
type Queue struct {
	mu            sync.Mutex
	perGroup      map[string][]Item
	groupOrder    []string
	cursor        int
	inflight      map[string]bool
	inflightCount int
	inflightLimit int
	retry         RetryPolicy
}

// New constructs a Queue with the given global in-flight cap and retry
// policy.
func New(inflightLimit int, retry RetryPolicy) *Queue {
	if inflightLimit <= 0 {
		inflightLimit = 1
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &Queue{
		perGroup:      make(map[string][]Item),
		inflight:      make(map[string]bool),
		inflightLimit: inflightLimit,
		retry:         retry,
	}
}

// Enqueue appends a new item to its group's FIFO, ready to run immediately.
func (q *Queue) Enqueue(group, id string, payload any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueueLocked(Item{ID: id, Group: group, Payload: payload, ReadyAtMs: 0})
}

func (q *Queue) enqueueLocked(item Item) {
	if _, ok := q.perGroup[item.Group]; !ok {
		q.groupOrder = append(q.groupOrder, item.Group)
	}
	q.perGroup[item.Group] = append(q.perGroup[item.Group], item)
}

// NextReady returns the head of the first non-in-flight group (walking
// groups in round-robin order starting just after the last group served)
// whose head item is ready, subject to the global in-flight cap. On return,
// the item's attempt count is incremented and its group is marked in-flight.
func (q *Queue) NextReady(now int64) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inflightCount >= q.inflightLimit {
		return Item{}, false
	}
	n := len(q.groupOrder)
	for i := 0; i < n; i++ {
		idx := (q.cursor + i) % n
		group := q.groupOrder[idx]
		if q.inflight[group] {
			continue
		}
		items := q.perGroup[group]
		if len(items) == 0 {
			continue
		}
		head := items[0]
		if head.ReadyAtMs > now {
			continue
		}
		head.Attempts++
		q.perGroup[group][0] = head
		q.inflight[group] = true
		q.inflightCount++
		q.cursor = (idx + 1) % n
		return head, true
	}
	return Item{}, false
}

// Complete reports the outcome of an item previously returned by NextReady.
// On failure with attempts remaining, the item is re-appended to its group
// with ready_at_ms = now + backoff_ms; otherwise it is dropped.
func (q *Queue) Complete(item Item, ok bool, now int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.perGroup[item.Group]
	if len(items) > 0 && items[0].ID == item.ID {
		q.perGroup[item.Group] = items[1:]
	}
	delete(q.inflight, item.Group)
	if q.inflightCount > 0 {
		q.inflightCount--
	}

	if !ok && item.Attempts < q.retry.MaxAttempts {
		retryItem := item
		retryItem.ReadyAtMs = now + q.retry.BackoffMs
		q.enqueueLocked(retryItem)
	}
}

// InflightCount reports the current global in-flight count.
func (q *Queue) InflightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflightCount
}

// GroupCount reports the number of distinct groups with at least one queued
// or in-flight item.
func (q *Queue) GroupCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, items := range q.perGroup {
		if len(items) > 0 {
			count++
		}
	}
	return count
}

// Now returns the current wall-clock time in Unix milliseconds, the unit
// NextReady and Complete take.
func Now() int64 { return time.Now().UnixMilli() }
