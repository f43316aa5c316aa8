package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/websocket"

	"github.com/redmarklive/redmark/internal/liveroom/code"
	"github.com/redmarklive/redmark/internal/liveroom/storage"
	"github.com/redmarklive/redmark/internal/liveroom/storage/sqlite"
)

const testAnswerText = "The chart shows household water usage rising sharply between 1990 and 2020."

type wsTestEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// countingStore records durable feedback writes so tests can assert the
// debouncer coalesced a burst into one write.
type countingStore struct {
	storage.SubmissionStore
	feedbackWrites atomic.Int64
}

func (c *countingStore) PutLiveFeedback(ctx context.Context, submissionID string, feedback storage.LiveFeedback) error {
	c.feedbackWrites.Add(1)
	return c.SubmissionStore.PutLiveFeedback(ctx, submissionID, feedback)
}

type testEnv struct {
	srv      *httptest.Server
	server   *Server
	store    *countingStore
	sqlStore *sqlite.Store
	registry *code.Registry
}

func newTestEnv(t *testing.T, config Config) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, config, nil)
}

// newTestEnvWithStore lets a test interpose its own store decorator between
// the room hub and the durable store.
func newTestEnvWithStore(t *testing.T, config Config, wrap func(storage.SubmissionStore) storage.SubmissionStore) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	registry := code.NewRegistry(client)

	sqlStore, err := sqlite.Open(filepath.Join(t.TempDir(), "liveroom.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = sqlStore.Close() })

	store := &countingStore{SubmissionStore: sqlStore}
	var roomStore storage.SubmissionStore = store
	if wrap != nil {
		roomStore = wrap(store)
	}
	config.HTTPAddr = "127.0.0.1:0"
	app := newServer(config, roomStore, registry, nil)

	srv := httptest.NewServer(app.httpServer.Handler)
	t.Cleanup(srv.Close)
	t.Cleanup(app.hub.shutdown)

	return &testEnv{srv: srv, server: app, store: store, sqlStore: sqlStore, registry: registry}
}

func (env *testEnv) seedSubmission(t *testing.T, submissionID string) {
	t.Helper()
	err := env.sqlStore.PutSubmission(context.Background(), storage.Submission{
		ID:        submissionID,
		StudentID: "student-1",
		Tasks: []storage.Task{
			{ID: "task-1", Prompt: "Summarise the chart.", AnswerText: testAnswerText},
			{ID: "task-2", Prompt: "Discuss both views.", AnswerText: "Some argue that cities should grow upward."},
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed submission: %v", err)
	}
}

func (env *testEnv) issueCode(t *testing.T, submissionID string) string {
	t.Helper()
	issued, err := env.registry.Issue(context.Background(), submissionID, "teacher-1")
	if err != nil {
		t.Fatalf("issue code: %v", err)
	}
	return issued.Code
}

func (env *testEnv) dial(t *testing.T, roomCode string, userID string, role string) *websocket.Conn {
	t.Helper()
	httpURL := env.srv.URL
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/ws?code=" + roomCode + "&user=" + userID + "&role=" + role
	conn, err := websocket.Dial(wsURL, "", httpURL)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeEvent(t *testing.T, conn *websocket.Conn, event map[string]any) {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(event); err != nil {
		t.Fatalf("encode event: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) wsTestEvent {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got wsTestEvent
	if err := json.NewDecoder(conn).Decode(&got); err != nil {
		t.Fatalf("decode server event: %v", err)
	}
	return got
}

// awaitEvent reads until an event of the wanted type arrives, skipping
// interleaved presence updates and other broadcasts.
func awaitEvent(t *testing.T, conn *websocket.Conn, eventType string) wsTestEvent {
	t.Helper()
	for i := 0; i < 10; i++ {
		got := readEvent(t, conn)
		if got.Type == eventType {
			return got
		}
	}
	t.Fatalf("no %q event within 10 frames", eventType)
	return wsTestEvent{}
}

func joinRoom(t *testing.T, env *testEnv, roomCode string, userID string, role string) *websocket.Conn {
	t.Helper()
	conn := env.dial(t, roomCode, userID, role)
	got := readEvent(t, conn)
	if got.Type != eventRoomSnapshot {
		t.Fatalf("first event type = %q, want %q", got.Type, eventRoomSnapshot)
	}
	// The join also announces this connection's own presence.
	if got := readEvent(t, conn); got.Type != eventPresenceUpdate {
		t.Fatalf("second event type = %q, want %q", got.Type, eventPresenceUpdate)
	}
	return conn
}

func TestWebSocketJoinDeliversSnapshot(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seedSubmission(t, "sub-1")
	roomCode := env.issueCode(t, "sub-1")

	conn := env.dial(t, roomCode, "teacher-1", "teacher")

	got := readEvent(t, conn)
	if got.Type != eventRoomSnapshot {
		t.Fatalf("event type = %q, want %q", got.Type, eventRoomSnapshot)
	}
	var snapshot roomSnapshotData
	if err := json.Unmarshal(got.Data, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot.RoomCode != roomCode {
		t.Fatalf("snapshot room_code = %q, want %q", snapshot.RoomCode, roomCode)
	}
	if snapshot.SubmissionID != "sub-1" {
		t.Fatalf("snapshot submission_id = %q, want %q", snapshot.SubmissionID, "sub-1")
	}
	if snapshot.ActiveTaskID != "task-1" {
		t.Fatalf("snapshot active_task_id = %q, want first task", snapshot.ActiveTaskID)
	}
	if len(snapshot.Highlights) != 0 {
		t.Fatalf("snapshot highlights = %d, want 0", len(snapshot.Highlights))
	}

	presence := awaitEvent(t, conn, eventPresenceUpdate)
	if !strings.Contains(string(presence.Data), `"teacher_online":true`) {
		t.Fatalf("presence data = %s, expected teacher online", string(presence.Data))
	}
}

func TestWebSocketUnknownCodeReturnsRoomNotFound(t *testing.T) {
	env := newTestEnv(t, Config{})

	conn := env.dial(t, "ZZZZZZ", "teacher-1", "teacher")

	got := readEvent(t, conn)
	if got.Type != eventError {
		t.Fatalf("event type = %q, want %q", got.Type, eventError)
	}
	if !strings.Contains(string(got.Data), codeRoomNotFound) {
		t.Fatalf("error data = %s, expected %s", string(got.Data), codeRoomNotFound)
	}
}

func TestWebSocketAddHighlightBroadcastsToRoom(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seedSubmission(t, "sub-1")
	roomCode := env.issueCode(t, "sub-1")

	teacher := joinRoom(t, env, roomCode, "teacher-1", "teacher")
	student := joinRoom(t, env, roomCode, "student-1", "student")

	writeEvent(t, teacher, map[string]any{
		"type": eventAddHighlight,
		"payload": map[string]any{
			"task_id":   "task-1",
			"start":     4,
			"end":       9,
			"criterion": "lexical_resource",
			"note":      "good word choice",
		},
	})

	teacherGot := awaitEvent(t, teacher, eventHighlightAdded)
	studentGot := awaitEvent(t, student, eventHighlightAdded)

	var added highlightAddedData
	if err := json.Unmarshal(studentGot.Data, &added); err != nil {
		t.Fatalf("decode highlight_added: %v", err)
	}
	if added.Highlight.Text != "chart" {
		t.Fatalf("highlight text = %q, want %q", added.Highlight.Text, "chart")
	}
	if added.Highlight.NoteIndex != 1 {
		t.Fatalf("note_index = %d, want 1", added.Highlight.NoteIndex)
	}
	if added.Highlight.CreatedBy != "teacher-1" {
		t.Fatalf("created_by = %q, want teacher-1", added.Highlight.CreatedBy)
	}
	if string(teacherGot.Data) != string(studentGot.Data) {
		t.Fatalf("teacher and student saw different highlights: %s vs %s", teacherGot.Data, studentGot.Data)
	}
}

func TestWebSocketStudentMutationsForbidden(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seedSubmission(t, "sub-1")
	roomCode := env.issueCode(t, "sub-1")

	student := joinRoom(t, env, roomCode, "student-1", "student")

	writeEvent(t, student, map[string]any{
		"type": eventAddHighlight,
		"payload": map[string]any{
			"task_id": "task-1",
			"start":   0,
			"end":     3,
		},
	})

	got := awaitEvent(t, student, eventError)
	if !strings.Contains(string(got.Data), codeForbidden) {
		t.Fatalf("error data = %s, expected %s", string(got.Data), codeForbidden)
	}
}

func TestWebSocketInvalidRangeRejected(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seedSubmission(t, "sub-1")
	roomCode := env.issueCode(t, "sub-1")

	teacher := joinRoom(t, env, roomCode, "teacher-1", "teacher")

	writeEvent(t, teacher, map[string]any{
		"type": eventAddHighlight,
		"payload": map[string]any{
			"task_id": "task-1",
			"start":   5,
			"end":     100000,
		},
	})

	got := awaitEvent(t, teacher, eventError)
	if !strings.Contains(string(got.Data), codeInvalidRange) {
		t.Fatalf("error data = %s, expected %s", string(got.Data), codeInvalidRange)
	}
}

func TestWebSocketSetActiveTaskValidatesTask(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seedSubmission(t, "sub-1")
	roomCode := env.issueCode(t, "sub-1")

	teacher := joinRoom(t, env, roomCode, "teacher-1", "teacher")
	student := joinRoom(t, env, roomCode, "student-1", "student")

	writeEvent(t, teacher, map[string]any{
		"type":    eventSetActiveTask,
		"payload": map[string]any{"task_id": "task-9"},
	})
	got := awaitEvent(t, teacher, eventError)
	if !strings.Contains(string(got.Data), codeInvalidTask) {
		t.Fatalf("error data = %s, expected %s", string(got.Data), codeInvalidTask)
	}

	writeEvent(t, teacher, map[string]any{
		"type":    eventSetActiveTask,
		"payload": map[string]any{"task_id": "task-2"},
	})
	changed := awaitEvent(t, student, eventTaskChanged)
	if !strings.Contains(string(changed.Data), "task-2") {
		t.Fatalf("task_changed data = %s, expected task-2", string(changed.Data))
	}
}

func TestClearTaskWithoutHighlightsIsSilent(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seedSubmission(t, "sub-1")
	roomCode := env.issueCode(t, "sub-1")

	teacher := joinRoom(t, env, roomCode, "teacher-1", "teacher")

	writeEvent(t, teacher, map[string]any{
		"type":    eventClearTaskHighlights,
		"payload": map[string]any{"task_id": "task-2"},
	})
	writeEvent(t, teacher, map[string]any{"type": eventRequestSnapshot})

	got := readEvent(t, teacher)
	if got.Type != eventRoomSnapshot {
		t.Fatalf("event type = %q, want %q after clearing an empty task", got.Type, eventRoomSnapshot)
	}
}

func TestWebSocketRemoveUnknownHighlightIsSilent(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seedSubmission(t, "sub-1")
	roomCode := env.issueCode(t, "sub-1")

	teacher := joinRoom(t, env, roomCode, "teacher-1", "teacher")

	writeEvent(t, teacher, map[string]any{
		"type":    eventRemoveHighlight,
		"payload": map[string]any{"highlight_id": "missing"},
	})
	writeEvent(t, teacher, map[string]any{"type": eventRequestSnapshot})

	got := readEvent(t, teacher)
	if got.Type != eventRoomSnapshot {
		t.Fatalf("event type = %q, want %q after silent removal", got.Type, eventRoomSnapshot)
	}
}

func TestNoteIndexesNeverReused(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seedSubmission(t, "sub-1")
	roomCode := env.issueCode(t, "sub-1")

	teacher := joinRoom(t, env, roomCode, "teacher-1", "teacher")

	addNoted := func(start, end int) highlightAddedData {
		writeEvent(t, teacher, map[string]any{
			"type": eventAddHighlight,
			"payload": map[string]any{
				"task_id": "task-1",
				"start":   start,
				"end":     end,
				"note":    "needs work",
			},
		})
		var added highlightAddedData
		got := awaitEvent(t, teacher, eventHighlightAdded)
		if err := json.Unmarshal(got.Data, &added); err != nil {
			t.Fatalf("decode highlight_added: %v", err)
		}
		return added
	}

	first := addNoted(0, 3)
	if first.Highlight.NoteIndex != 1 {
		t.Fatalf("first note_index = %d, want 1", first.Highlight.NoteIndex)
	}

	writeEvent(t, teacher, map[string]any{
		"type":    eventRemoveHighlight,
		"payload": map[string]any{"highlight_id": first.Highlight.ID},
	})
	_ = awaitEvent(t, teacher, eventHighlightRemoved)

	second := addNoted(4, 9)
	if second.Highlight.NoteIndex != 2 {
		t.Fatalf("note_index after removal = %d, want 2", second.Highlight.NoteIndex)
	}
}

func TestWebSocketClearTaskHighlights(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seedSubmission(t, "sub-1")
	roomCode := env.issueCode(t, "sub-1")

	teacher := joinRoom(t, env, roomCode, "teacher-1", "teacher")

	for _, span := range [][2]int{{0, 3}, {4, 9}} {
		writeEvent(t, teacher, map[string]any{
			"type": eventAddHighlight,
			"payload": map[string]any{
				"task_id": "task-1",
				"start":   span[0],
				"end":     span[1],
			},
		})
		_ = awaitEvent(t, teacher, eventHighlightAdded)
	}

	writeEvent(t, teacher, map[string]any{
		"type":    eventClearTaskHighlights,
		"payload": map[string]any{"task_id": "task-1"},
	})
	cleared := awaitEvent(t, teacher, eventHighlightsCleared)
	if !strings.Contains(string(cleared.Data), "task-1") {
		t.Fatalf("highlights_cleared data = %s, expected task-1", string(cleared.Data))
	}

	writeEvent(t, teacher, map[string]any{"type": eventRequestSnapshot})
	snapshotEvent := awaitEvent(t, teacher, eventRoomSnapshot)
	var snapshot roomSnapshotData
	if err := json.Unmarshal(snapshotEvent.Data, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot.Highlights) != 0 {
		t.Fatalf("highlights after clear = %d, want 0", len(snapshot.Highlights))
	}
}

func TestDebounceCoalescesBurstIntoSingleWrite(t *testing.T) {
	env := newTestEnv(t, Config{PersistDebounce: 100 * time.Millisecond})
	env.seedSubmission(t, "sub-1")
	roomCode := env.issueCode(t, "sub-1")

	teacher := joinRoom(t, env, roomCode, "teacher-1", "teacher")

	for _, span := range [][2]int{{0, 3}, {4, 9}, {10, 19}} {
		writeEvent(t, teacher, map[string]any{
			"type": eventAddHighlight,
			"payload": map[string]any{
				"task_id": "task-1",
				"start":   span[0],
				"end":     span[1],
				"note":    "n",
			},
		})
		_ = awaitEvent(t, teacher, eventHighlightAdded)
	}

	time.Sleep(400 * time.Millisecond)

	if writes := env.store.feedbackWrites.Load(); writes != 1 {
		t.Fatalf("feedback writes = %d, want 1", writes)
	}

	stored, err := env.sqlStore.GetSubmission(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if len(stored.LiveFeedback.Highlights) != 3 {
		t.Fatalf("persisted highlights = %d, want 3", len(stored.LiveFeedback.Highlights))
	}
	if stored.LiveFeedback.NoteCounter != 3 {
		t.Fatalf("persisted note_counter = %d, want 3", stored.LiveFeedback.NoteCounter)
	}
	if stored.LiveFeedback.LastRoomCode != roomCode {
		t.Fatalf("persisted last_room_code = %q, want %q", stored.LiveFeedback.LastRoomCode, roomCode)
	}
}

func TestTeacherDisconnectClosesRoomAfterGrace(t *testing.T) {
	env := newTestEnv(t, Config{
		TeacherDisconnectGrace: 150 * time.Millisecond,
		PersistDebounce:        20 * time.Millisecond,
	})
	env.seedSubmission(t, "sub-1")
	roomCode := env.issueCode(t, "sub-1")

	teacher := joinRoom(t, env, roomCode, "teacher-1", "teacher")
	student := joinRoom(t, env, roomCode, "student-1", "student")

	_ = teacher.Close()

	closed := awaitEvent(t, student, eventRoomClosed)
	var data roomClosedData
	if err := json.Unmarshal(closed.Data, &data); err != nil {
		t.Fatalf("decode room_closed: %v", err)
	}
	if data.Reason != closeReasonTeacherOffline {
		t.Fatalf("close reason = %q, want %q", data.Reason, closeReasonTeacherOffline)
	}

	mapping, err := env.registry.Resolve(context.Background(), roomCode)
	if err != nil {
		t.Fatalf("resolve after close: %v", err)
	}
	if mapping != nil {
		t.Fatalf("code still resolvable after close: %+v", mapping)
	}
	if env.server.hub.lookup(roomCode) != nil {
		t.Fatal("room still registered after close")
	}
}

func TestStudentOnlyRoomClosesAfterGrace(t *testing.T) {
	env := newTestEnv(t, Config{
		TeacherDisconnectGrace: 150 * time.Millisecond,
		PersistDebounce:        20 * time.Millisecond,
	})
	env.seedSubmission(t, "sub-1")
	roomCode := env.issueCode(t, "sub-1")

	student := joinRoom(t, env, roomCode, "student-1", "student")

	closed := awaitEvent(t, student, eventRoomClosed)
	if !strings.Contains(string(closed.Data), closeReasonTeacherOffline) {
		t.Fatalf("room_closed data = %s, expected %s", string(closed.Data), closeReasonTeacherOffline)
	}
}

func TestTeacherReconnectCancelsGraceClose(t *testing.T) {
	env := newTestEnv(t, Config{
		TeacherDisconnectGrace: 300 * time.Millisecond,
		PersistDebounce:        20 * time.Millisecond,
	})
	env.seedSubmission(t, "sub-1")
	roomCode := env.issueCode(t, "sub-1")

	teacher := joinRoom(t, env, roomCode, "teacher-1", "teacher")
	student := joinRoom(t, env, roomCode, "student-1", "student")

	_ = teacher.Close()
	_ = awaitEvent(t, student, eventPresenceUpdate)

	reconnected := joinRoom(t, env, roomCode, "teacher-1", "teacher")

	time.Sleep(500 * time.Millisecond)

	writeEvent(t, reconnected, map[string]any{"type": eventRequestSnapshot})
	got := awaitEvent(t, reconnected, eventRoomSnapshot)
	if got.Type != eventRoomSnapshot {
		t.Fatalf("event type = %q, want room still serving", got.Type)
	}
	if env.server.hub.lookup(roomCode) == nil {
		t.Fatal("room closed despite reviewer reconnect")
	}
}

func TestEndRoomFlushesAndDisconnects(t *testing.T) {
	env := newTestEnv(t, Config{PersistDebounce: time.Hour})
	env.seedSubmission(t, "sub-1")
	roomCode := env.issueCode(t, "sub-1")

	teacher := joinRoom(t, env, roomCode, "teacher-1", "teacher")
	student := joinRoom(t, env, roomCode, "student-1", "student")

	writeEvent(t, teacher, map[string]any{
		"type": eventAddHighlight,
		"payload": map[string]any{
			"task_id": "task-1",
			"start":   0,
			"end":     3,
		},
	})
	_ = awaitEvent(t, teacher, eventHighlightAdded)

	writeEvent(t, teacher, map[string]any{"type": eventEndRoom})

	closed := awaitEvent(t, student, eventRoomClosed)
	if !strings.Contains(string(closed.Data), closeReasonTeacherEnded) {
		t.Fatalf("room_closed data = %s, expected %s", string(closed.Data), closeReasonTeacherEnded)
	}

	stored, err := env.sqlStore.GetSubmission(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if len(stored.LiveFeedback.Highlights) != 1 {
		t.Fatalf("persisted highlights = %d, want flush before close", len(stored.LiveFeedback.Highlights))
	}

	mapping, err := env.registry.Resolve(context.Background(), roomCode)
	if err != nil {
		t.Fatalf("resolve after close: %v", err)
	}
	if mapping != nil {
		t.Fatal("code still resolvable after end_room")
	}
}

func TestEndRoomRequiresReviewer(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seedSubmission(t, "sub-1")
	roomCode := env.issueCode(t, "sub-1")

	_ = joinRoom(t, env, roomCode, "teacher-1", "teacher")
	student := joinRoom(t, env, roomCode, "student-1", "student")

	writeEvent(t, student, map[string]any{"type": eventEndRoom})

	got := awaitEvent(t, student, eventError)
	if !strings.Contains(string(got.Data), codeForbidden) {
		t.Fatalf("error data = %s, expected %s", string(got.Data), codeForbidden)
	}
	if env.server.hub.lookup(roomCode) == nil {
		t.Fatal("student end_room closed the room")
	}
}

func TestWebSocketUnknownEventTypeReturnsError(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.seedSubmission(t, "sub-1")
	roomCode := env.issueCode(t, "sub-1")

	teacher := joinRoom(t, env, roomCode, "teacher-1", "teacher")

	writeEvent(t, teacher, map[string]any{"type": "bogus_event"})

	got := awaitEvent(t, teacher, eventError)
	if !strings.Contains(string(got.Data), codeInvalidPayload) {
		t.Fatalf("error data = %s, expected %s", string(got.Data), codeInvalidPayload)
	}
}

func TestWebSocketRequiresGetMethod(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, err := http.Post(env.srv.URL+"/ws", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post to ws route: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
}

// stallingStore parks feedback writes on a gate channel so a test can hold
// a write in flight while it exercises the shutdown path.
type stallingStore struct {
	storage.SubmissionStore
	entered chan struct{}
	release chan struct{}
}

func (s *stallingStore) PutLiveFeedback(ctx context.Context, submissionID string, feedback storage.LiveFeedback) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.SubmissionStore.PutLiveFeedback(ctx, submissionID, feedback)
}

func TestShutdownAwaitsInFlightWrite(t *testing.T) {
	stall := &stallingStore{entered: make(chan struct{}, 2), release: make(chan struct{})}
	env := newTestEnvWithStore(t, Config{PersistDebounce: 20 * time.Millisecond}, func(inner storage.SubmissionStore) storage.SubmissionStore {
		stall.SubmissionStore = inner
		return stall
	})
	env.seedSubmission(t, "sub-1")
	roomCode := env.issueCode(t, "sub-1")

	teacher := joinRoom(t, env, roomCode, "teacher-1", "teacher")

	writeEvent(t, teacher, map[string]any{
		"type": eventAddHighlight,
		"payload": map[string]any{
			"task_id": "task-1",
			"start":   4,
			"end":     9,
		},
	})
	_ = awaitEvent(t, teacher, eventHighlightAdded)

	// Hold the debounced write inside the store.
	select {
	case <-stall.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("debounced write never reached the store")
	}

	done := make(chan struct{})
	go func() {
		env.server.hub.shutdown()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("shutdown returned while a write was still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(stall.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not finish after the write completed")
	}

	stored, err := env.sqlStore.GetSubmission(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if len(stored.LiveFeedback.Highlights) != 1 {
		t.Fatalf("persisted highlights = %d, want the snapshot committed", len(stored.LiveFeedback.Highlights))
	}
}

func TestShutdownFlushesWithoutClosingRooms(t *testing.T) {
	env := newTestEnv(t, Config{PersistDebounce: time.Hour})
	env.seedSubmission(t, "sub-1")
	roomCode := env.issueCode(t, "sub-1")

	teacher := joinRoom(t, env, roomCode, "teacher-1", "teacher")

	writeEvent(t, teacher, map[string]any{
		"type": eventAddHighlight,
		"payload": map[string]any{
			"task_id": "task-1",
			"start":   0,
			"end":     3,
		},
	})
	_ = awaitEvent(t, teacher, eventHighlightAdded)

	env.server.hub.shutdown()

	stored, err := env.sqlStore.GetSubmission(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if len(stored.LiveFeedback.Highlights) != 1 {
		t.Fatalf("persisted highlights = %d, want flush on shutdown", len(stored.LiveFeedback.Highlights))
	}

	mapping, err := env.registry.Resolve(context.Background(), roomCode)
	if err != nil {
		t.Fatalf("resolve after shutdown: %v", err)
	}
	if mapping == nil {
		t.Fatal("code deleted by shutdown, want it preserved for restart")
	}
}
