package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/redmarklive/redmark/internal/liveroom/code"
	"github.com/redmarklive/redmark/internal/liveroom/highlight"
	"github.com/redmarklive/redmark/internal/liveroom/storage"
	"github.com/redmarklive/redmark/internal/liveroom/token"
	"github.com/redmarklive/redmark/internal/platform/id"
	"github.com/redmarklive/redmark/internal/platform/timeouts"
)

const roomOpBuffer = 256

var errSubmissionGone = errors.New("submission is gone")

type roomPhase int

const (
	phaseActive roomPhase = iota
	phaseClosing
	phaseClosed
)

type roomDeps struct {
	store    storage.SubmissionStore
	registry *code.Registry
	grace    time.Duration
	debounce time.Duration
}

// wsPeer wraps one bound socket. The encoder mutex keeps concurrent fan-out
// writes from interleaving frames.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
	conn    *websocket.Conn
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{encoder: json.NewEncoder(conn), conn: conn}
}

func (p *wsPeer) send(event outboundEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(event)
}

func (p *wsPeer) terminate() {
	if p == nil || p.conn == nil {
		return
	}
	_ = p.conn.Close()
}

// roomMember is one bound connection, keyed by an opaque id assigned at bind
// time rather than by transport handle identity.
type roomMember struct {
	connID   string
	identity token.Identity
	peer     *wsPeer
}

// reviewRoom owns the in-memory state of one active review session. All
// mutations run on the room's own goroutine; callers enqueue operations and
// timers post operations the same way, so state stays single-writer.
type reviewRoom struct {
	roomCode     string
	submissionID string
	deps         roomDeps
	hub          *roomHub

	mu     sync.Mutex
	closed bool
	ops    chan func()
	done   chan struct{}

	// Owned by the room goroutine.
	phase         roomPhase
	submission    storage.Submission
	activeTaskID  string
	highlights    []highlight.Highlight
	noteCounter   int
	members       map[string]*roomMember
	reviewers     map[string]struct{}
	dirty         bool
	flushTimer    *time.Timer
	closeTimer    *time.Timer
	codeExpiresAt time.Time

	// writeSeq orders snapshots; it is only advanced on the room goroutine.
	writeSeq uint64

	// Serializes durable writes of this room's snapshot and tracks the
	// newest sequence committed, so a delayed older write cannot clobber a
	// newer one.
	flushMu        sync.Mutex
	lastWrittenSeq uint64
}

func newReviewRoom(roomCode string, submission storage.Submission, deps roomDeps, hub *roomHub) *reviewRoom {
	room := &reviewRoom{
		roomCode:     roomCode,
		submissionID: submission.ID,
		deps:         deps,
		hub:          hub,
		ops:          make(chan func(), roomOpBuffer),
		done:         make(chan struct{}),
		submission:   submission,
		activeTaskID: submission.LiveFeedback.ActiveTaskID,
		highlights:   append([]highlight.Highlight(nil), submission.LiveFeedback.Highlights...),
		noteCounter:  submission.LiveFeedback.NoteCounter,
		members:      make(map[string]*roomMember),
		reviewers:    make(map[string]struct{}),
	}
	if room.activeTaskID == "" && len(submission.Tasks) > 0 {
		room.activeTaskID = submission.Tasks[0].ID
	}
	return room
}

func (r *reviewRoom) run() {
	defer close(r.done)
	for op := range r.ops {
		op()
		if r.phase == phaseClosed {
			// Drain operations that were enqueued before closure landed so
			// synchronous callers are released.
			for {
				select {
				case op := <-r.ops:
					op()
				default:
					return
				}
			}
		}
	}
}

// do enqueues an operation for the room goroutine. It reports false when the
// room is closed or flooded; callers treat both as the room being gone.
func (r *reviewRoom) do(op func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.ops <- op:
		return true
	default:
		return false
	}
}

func (r *reviewRoom) doSync(op func()) bool {
	ran := make(chan struct{})
	if !r.do(func() {
		op()
		close(ran)
	}) {
		return false
	}
	<-ran
	return true
}

// bind registers a connection, unicasts the room snapshot to it, and
// announces the new presence to the room. The snapshot is sent inside the
// room operation so the joiner always sees it before any later broadcast.
func (r *reviewRoom) bind(member *roomMember, codeExpiresAt time.Time) bool {
	bound := false
	ok := r.doSync(func() {
		if r.phase != phaseActive {
			return
		}
		bound = true
		r.members[member.connID] = member
		if member.identity.Role.ReviewerCapable() {
			r.reviewers[member.connID] = struct{}{}
			r.cancelCloseTimer()
		} else if len(r.reviewers) == 0 {
			// A room opened without a reviewer gets the same grace window a
			// reviewer disconnect would.
			r.armCloseTimer()
		}
		if !codeExpiresAt.IsZero() {
			r.codeExpiresAt = codeExpiresAt
		}
		_ = member.peer.send(outbound(eventRoomSnapshot, r.snapshotData()))
		r.broadcast(outbound(eventPresenceUpdate, r.presenceData()))
	})
	return ok && bound
}

// unbind removes a connection. When the last reviewer leaves, the close timer
// is armed with the disconnect grace period.
func (r *reviewRoom) unbind(connID string) {
	r.do(func() {
		if _, bound := r.members[connID]; !bound {
			return
		}
		delete(r.members, connID)
		delete(r.reviewers, connID)
		if r.phase != phaseActive {
			return
		}
		if len(r.reviewers) == 0 {
			r.armCloseTimer()
		}
		r.broadcast(outbound(eventPresenceUpdate, r.presenceData()))
	})
}

func (r *reviewRoom) armCloseTimer() {
	if r.closeTimer != nil {
		return
	}
	r.closeTimer = time.AfterFunc(r.deps.grace, func() {
		r.do(func() { r.close(closeReasonTeacherOffline) })
	})
}

// handle dispatches one inbound event on the room goroutine. Events from a
// single connection arrive in order; events from different connections are
// serialized by the room goroutine.
func (r *reviewRoom) handle(connID string, event inboundEvent) bool {
	return r.do(func() {
		member, bound := r.members[connID]
		if !bound || r.phase != phaseActive {
			return
		}
		switch event.Type {
		case eventRequestSnapshot:
			_ = member.peer.send(outbound(eventRoomSnapshot, r.snapshotData()))
		case eventSetActiveTask:
			r.handleSetActiveTask(member, event.Payload)
		case eventAddHighlight:
			r.handleAddHighlight(member, event.Payload)
		case eventRemoveHighlight:
			r.handleRemoveHighlight(member, event.Payload)
		case eventClearTaskHighlights:
			r.handleClearTaskHighlights(member, event.Payload)
		case eventEndRoom:
			if !r.requireReviewer(member) {
				return
			}
			r.close(closeReasonTeacherEnded)
		default:
			_ = member.peer.send(errorEvent(codeInvalidPayload, "unsupported event type"))
		}
	})
}

func (r *reviewRoom) requireReviewer(member *roomMember) bool {
	if member.identity.Role.ReviewerCapable() {
		return true
	}
	_ = member.peer.send(errorEvent(codeForbidden, "only the reviewer can modify the room"))
	return false
}

func (r *reviewRoom) handleSetActiveTask(member *roomMember, payload json.RawMessage) {
	if !r.requireReviewer(member) {
		return
	}
	var req setActiveTaskPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		_ = member.peer.send(errorEvent(codeInvalidPayload, "invalid set_active_task payload"))
		return
	}
	taskID := strings.TrimSpace(req.TaskID)
	if _, found := r.submission.Task(taskID); !found {
		_ = member.peer.send(errorEvent(codeInvalidTask, "task does not exist in submission"))
		return
	}
	r.activeTaskID = taskID
	r.broadcast(outbound(eventTaskChanged, taskChangedData{ActiveTaskID: taskID}))
	r.markDirty()
}

func (r *reviewRoom) handleAddHighlight(member *roomMember, payload json.RawMessage) {
	if !r.requireReviewer(member) {
		return
	}
	var raw highlight.Raw
	if err := json.Unmarshal(payload, &raw); err != nil {
		_ = member.peer.send(errorEvent(codeInvalidPayload, "invalid add_highlight payload"))
		return
	}
	if strings.TrimSpace(raw.TaskID) == "" {
		raw.TaskID = r.activeTaskID
	}
	task, found := r.submission.Task(strings.TrimSpace(raw.TaskID))
	if !found {
		_ = member.peer.send(errorEvent(codeInvalidTask, "task does not exist in submission"))
		return
	}

	entry, err := highlight.Sanitize(raw, task.AnswerText)
	if err != nil {
		switch {
		case errors.Is(err, highlight.ErrInvalidRange):
			_ = member.peer.send(errorEvent(codeInvalidRange, "highlight range is outside the task text"))
		default:
			_ = member.peer.send(errorEvent(codeInvalidPayload, "invalid highlight payload"))
		}
		return
	}

	highlightID, err := id.NewID()
	if err != nil {
		log.Printf("liveroom: generate highlight id: %v", err)
		_ = member.peer.send(errorEvent(codeInvalidPayload, "could not create highlight"))
		return
	}
	entry.ID = highlightID
	entry.CreatedAt = time.Now().UTC()
	entry.CreatedBy = member.identity.UserID
	if entry.Note != "" {
		// Note numbers are drawn from a counter that never rewinds, so a
		// removed note's number is never reused.
		r.noteCounter++
		entry.NoteIndex = r.noteCounter
	}

	r.highlights = append(r.highlights, entry)
	r.broadcast(outbound(eventHighlightAdded, highlightAddedData{Highlight: entry}))
	r.markDirty()
}

func (r *reviewRoom) handleRemoveHighlight(member *roomMember, payload json.RawMessage) {
	if !r.requireReviewer(member) {
		return
	}
	var req removeHighlightPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		_ = member.peer.send(errorEvent(codeInvalidPayload, "invalid remove_highlight payload"))
		return
	}
	highlightID := strings.TrimSpace(req.HighlightID)
	for i, entry := range r.highlights {
		if entry.ID != highlightID {
			continue
		}
		r.highlights = append(r.highlights[:i:i], r.highlights[i+1:]...)
		r.broadcast(outbound(eventHighlightRemoved, highlightRemovedData{HighlightID: highlightID}))
		r.markDirty()
		return
	}
	// Unknown id: no broadcast, removal is idempotent.
}

func (r *reviewRoom) handleClearTaskHighlights(member *roomMember, payload json.RawMessage) {
	if !r.requireReviewer(member) {
		return
	}
	var req clearTaskHighlightsPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		_ = member.peer.send(errorEvent(codeInvalidPayload, "invalid clear_task_highlights payload"))
		return
	}
	taskID := strings.TrimSpace(req.TaskID)
	if taskID == "" {
		taskID = r.activeTaskID
	}

	kept := r.highlights[:0:0]
	removed := 0
	for _, entry := range r.highlights {
		if entry.TaskID == taskID {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	r.highlights = kept
	// Nothing matched: no broadcast, clearing is idempotent.
	if removed == 0 {
		return
	}
	r.broadcast(outbound(eventHighlightsCleared, highlightsClearedData{TaskID: taskID}))
	r.markDirty()
}

func (r *reviewRoom) presenceData() presenceData {
	return presenceData{
		TeacherOnline:    len(r.reviewers) > 0,
		TeacherCount:     len(r.reviewers),
		ParticipantCount: len(r.members),
	}
}

func (r *reviewRoom) snapshotData() roomSnapshotData {
	return roomSnapshotData{
		RoomCode:                 r.roomCode,
		SubmissionID:             r.submissionID,
		ActiveTaskID:             r.activeTaskID,
		Highlights:               append([]highlight.Highlight(nil), r.highlights...),
		NoteCounter:              r.noteCounter,
		Presence:                 r.presenceData(),
		CodeExpiresAt:            r.codeExpiresAt,
		TeacherDisconnectGraceMs: r.deps.grace.Milliseconds(),
	}
}

// broadcast fans an event out to a snapshot of the current membership so a
// concurrent bind/unbind cannot corrupt iteration. Delivery is best-effort
// per socket.
func (r *reviewRoom) broadcast(event outboundEvent) {
	peers := make([]*wsPeer, 0, len(r.members))
	for _, member := range r.members {
		peers = append(peers, member.peer)
	}
	for _, peer := range peers {
		if err := peer.send(event); err != nil {
			log.Printf("liveroom: broadcast %s to room %s: %v", event.Type, r.roomCode, err)
		}
	}
}

func (r *reviewRoom) cancelCloseTimer() {
	if r.closeTimer != nil {
		r.closeTimer.Stop()
		r.closeTimer = nil
	}
}

func (r *reviewRoom) cancelFlushTimer() {
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
}

// markDirty records a pending mutation and (re)arms the debounce timer so a
// burst of mutations results in a single durable write.
func (r *reviewRoom) markDirty() {
	r.dirty = true
	if r.flushTimer != nil {
		r.flushTimer.Reset(r.deps.debounce)
		return
	}
	r.flushTimer = time.AfterFunc(r.deps.debounce, func() {
		r.do(func() {
			r.flushTimer = nil
			r.flushDebounced()
		})
	})
}

func (r *reviewRoom) feedbackSnapshot() storage.LiveFeedback {
	return storage.LiveFeedback{
		Highlights:   append([]highlight.Highlight(nil), r.highlights...),
		NoteCounter:  r.noteCounter,
		ActiveTaskID: r.activeTaskID,
		UpdatedAt:    time.Now().UTC(),
		LastRoomCode: r.roomCode,
	}
}

// flushDebounced writes the snapshot off the room goroutine. A failed write
// re-marks the room dirty so the next cycle retries; participants never see
// persistence errors because in-memory state stays authoritative.
func (r *reviewRoom) flushDebounced() {
	if !r.dirty {
		return
	}
	r.writeSeq++
	seq := r.writeSeq
	snapshot := r.feedbackSnapshot()
	r.dirty = false
	go func() {
		if err := r.write(seq, snapshot); err != nil {
			log.Printf("liveroom: persist room %s: %v", r.roomCode, err)
			r.do(func() { r.markDirty() })
		}
	}()
}

// flushForced bypasses the debounce window, waits for any in-flight write,
// and writes synchronously. Used during close and shutdown.
func (r *reviewRoom) flushForced() {
	r.cancelFlushTimer()
	r.writeSeq++
	seq := r.writeSeq
	snapshot := r.feedbackSnapshot()
	r.dirty = false
	if err := r.write(seq, snapshot); err != nil {
		log.Printf("liveroom: forced persist room %s: %v", r.roomCode, err)
	}
}

func (r *reviewRoom) write(seq uint64, snapshot storage.LiveFeedback) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	if seq < r.lastWrittenSeq {
		// A newer snapshot already committed; dropping this one keeps the
		// durable state monotonic.
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.StorageRequest)
	defer cancel()
	if err := r.deps.store.PutLiveFeedback(ctx, r.submissionID, snapshot); err != nil {
		return err
	}
	r.lastWrittenSeq = seq
	return nil
}

// close tears the room down: flush, closure broadcast, force-disconnect,
// code deletion, removal from the hub. Terminal.
func (r *reviewRoom) close(reason string) {
	if r.phase != phaseActive {
		return
	}
	r.phase = phaseClosing

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancelCloseTimer()
	r.flushForced()

	r.broadcast(outbound(eventRoomClosed, roomClosedData{Reason: reason}))
	for _, member := range r.members {
		member.peer.terminate()
	}
	r.members = make(map[string]*roomMember)
	r.reviewers = make(map[string]struct{})

	ctx, cancel := context.WithTimeout(context.Background(), timeouts.StorageRequest)
	if err := r.deps.registry.Delete(ctx, r.roomCode); err != nil {
		log.Printf("liveroom: delete code %s: %v", r.roomCode, err)
	}
	cancel()

	r.hub.remove(r.roomCode)
	r.phase = phaseClosed
	log.Printf("liveroom: room %s closed (%s)", r.roomCode, reason)
}

// shutdownFlush force-persists room state during process shutdown without
// closing the room, so a restarted process can rehydrate it. The write is
// unconditional: a debounced write may still be in flight in its own
// goroutine, and write() waits for it before committing, so shutdown never
// returns with the latest snapshot unwritten.
func (r *reviewRoom) shutdownFlush() {
	if r.phase != phaseActive {
		return
	}
	r.cancelCloseTimer()
	r.flushForced()

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.phase = phaseClosed
}

// roomHub is the process-wide registry of active rooms. It is constructed at
// startup and drained at shutdown rather than living as ambient state.
type roomHub struct {
	mu    sync.Mutex
	rooms map[string]*reviewRoom
	deps  roomDeps
}

func newRoomHub(deps roomDeps) *roomHub {
	return &roomHub{rooms: make(map[string]*reviewRoom), deps: deps}
}

// ensure returns the in-memory room for a resolved code, creating it seeded
// from the persisted snapshot on first use.
func (h *roomHub) ensure(ctx context.Context, roomCode string, submissionID string) (*reviewRoom, error) {
	h.mu.Lock()
	existing, ok := h.rooms[roomCode]
	h.mu.Unlock()
	if ok {
		return existing, nil
	}

	submission, err := h.deps.store.GetSubmission(ctx, submissionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errSubmissionGone
		}
		return nil, err
	}

	room := newReviewRoom(roomCode, submission, h.deps, h)

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.rooms[roomCode]; ok {
		return existing, nil
	}
	h.rooms[roomCode] = room
	go room.run()
	return room, nil
}

func (h *roomHub) lookup(roomCode string) *reviewRoom {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[roomCode]
}

func (h *roomHub) remove(roomCode string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms, roomCode)
}

// shutdown force-flushes every active room and stops their goroutines. Rooms
// are not closed: codes stay resolvable and state is preserved for restart.
func (h *roomHub) shutdown() {
	h.mu.Lock()
	rooms := make([]*reviewRoom, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.rooms = make(map[string]*reviewRoom)
	h.mu.Unlock()

	for _, room := range rooms {
		if room.doSync(room.shutdownFlush) {
			<-room.done
		}
	}
}
