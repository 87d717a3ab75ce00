package api

import (
	"container/list"
	"sync"
)

// journalEntry is one SSE frame with its stream-wide event id.
type journalEntry struct {
	ID   int64
	Kind string
	Data string
}

// journal numbers every stream frame and keeps the most recent ones so a
// reconnecting client can resume from its Last-Event-ID.
type journal struct {
	mu      sync.Mutex
	entries *list.List
	maxSize int
	lastID  int64
	subs    map[int64]chan journalEntry
	nextSub int64
}

func newJournal(maxSize int) *journal {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &journal{
		entries: list.New(),
		maxSize: maxSize,
		subs:    make(map[int64]chan journalEntry),
	}
}

// append records a frame and delivers it to every live subscriber.
// A subscriber with a full buffer misses the frame.
func (j *journal) append(kind, data string) journalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.lastID++
	entry := journalEntry{ID: j.lastID, Kind: kind, Data: data}
	j.entries.PushBack(entry)
	for j.entries.Len() > j.maxSize {
		j.entries.Remove(j.entries.Front())
	}

	for _, ch := range j.subs {
		select {
		case ch <- entry:
		default:
		}
	}
	return entry
}

// subscribe registers a live subscriber. When afterID is positive and every
// frame after it is still retained, those frames are returned with
// resumed=true. lastID is the id of the newest recorded frame.
func (j *journal) subscribe(afterID int64, buf int) (missed []journalEntry, resumed bool, lastID int64, ch <-chan journalEntry, cancel func()) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if afterID > 0 && afterID <= j.lastID && j.retains(afterID+1) {
		resumed = true
		for e := j.entries.Front(); e != nil; e = e.Next() {
			if entry := e.Value.(journalEntry); entry.ID > afterID {
				missed = append(missed, entry)
			}
		}
	}

	id := j.nextSub
	j.nextSub++
	sub := make(chan journalEntry, buf)
	j.subs[id] = sub

	var once sync.Once
	return missed, resumed, j.lastID, sub, func() {
		once.Do(func() {
			j.mu.Lock()
			delete(j.subs, id)
			j.mu.Unlock()
		})
	}
}

// retains reports whether the frame with id is still held, or is the next
// one to be recorded.
func (j *journal) retains(id int64) bool {
	if id == j.lastID+1 {
		return true
	}
	front := j.entries.Front()
	return front != nil && front.Value.(journalEntry).ID <= id
}
