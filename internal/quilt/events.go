package quilt

import "time"

type EventKind string

const (
	EventReserve     EventKind = "RESERVE"
	EventRelease     EventKind = "RELEASE"
	EventExpire      EventKind = "EXPIRE"
	EventCommit      EventKind = "COMMIT"
	EventRefine      EventKind = "REFINE"
	EventRemoveCell  EventKind = "REMOVE_CELL"
	EventRemoveImage EventKind = "REMOVE_IMAGE"
	EventRemoveOwner EventKind = "REMOVE_OWNER"
	EventMarkCell    EventKind = "MARK_CELL"
	EventReset       EventKind = "RESET"
)

// Event describes one applied mutation. ImageIndex and OwnerIndex are -1 when
// not applicable.
type Event struct {
	Seq           uint64    `json:"seq"`
	Kind          EventKind `json:"kind"`
	Time          time.Time `json:"time"`
	CellSize      int       `json:"cell_size"`
	ImageIndex    int       `json:"image_index"`
	OwnerIndex    int       `json:"owner_index"`
	OwnerID       string    `json:"owner_id,omitempty"`
	OwnerName     string    `json:"owner_name,omitempty"`
	ReservationID string    `json:"reservation_id,omitempty"`
	Cells         []Cell    `json:"cells,omitempty"`
}

// EventSink receives events after the store lock is released, one at a time
// and in sequence order. Implementations must not block and must not call
// back into store mutators.
type EventSink interface {
	RecordEvent(ev Event)
}

func (s *Store) AddSink(sink EventSink) {
	if sink == nil {
		return
	}
	s.sinkMu.Lock()
	s.sinks = append(s.sinks, sink)
	s.sinkMu.Unlock()
}

func (s *Store) newEvent(kind EventKind, cellSize int) Event {
	return Event{
		Kind:       kind,
		Time:       s.cfg.Now().UTC(),
		CellSize:   cellSize,
		ImageIndex: -1,
		OwnerIndex: -1,
	}
}

// publishLocked numbers and queues events. s.mu must be held for writing, so
// the queue order is the order in which mutations were applied.
func (s *Store) publishLocked(evs ...Event) {
	if len(evs) == 0 {
		return
	}
	s.outMu.Lock()
	for _, ev := range evs {
		s.eventSeq++
		ev.Seq = s.eventSeq
		s.outbox = append(s.outbox, ev)
	}
	s.outMu.Unlock()
}

// deliver drains the queue into the sinks. Mutators call it after releasing
// s.mu; whichever caller gets there first delivers the events of the others,
// and every caller returns only once its own events were handed out.
func (s *Store) deliver() {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	for {
		s.outMu.Lock()
		batch := s.outbox
		s.outbox = nil
		s.outMu.Unlock()
		if len(batch) == 0 {
			return
		}
		s.sinkMu.RLock()
		sinks := s.sinks
		s.sinkMu.RUnlock()
		for _, ev := range batch {
			for _, sink := range sinks {
				sink.RecordEvent(ev)
			}
		}
	}
}
