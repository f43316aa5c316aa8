package server

import (
	"encoding/json"
	"log"
	"time"

	"github.com/redmarklive/redmark/internal/liveroom/highlight"
)

// Inbound event types accepted on the real-time channel.
const (
	eventRequestSnapshot     = "request_snapshot"
	eventSetActiveTask       = "set_active_task"
	eventAddHighlight        = "add_highlight"
	eventRemoveHighlight     = "remove_highlight"
	eventClearTaskHighlights = "clear_task_highlights"
	eventEndRoom             = "end_room"
)

// Outbound event types fanned out to bound sockets.
const (
	eventRoomSnapshot      = "room_snapshot"
	eventPresenceUpdate    = "presence_update"
	eventTaskChanged       = "task_changed"
	eventHighlightAdded    = "highlight_added"
	eventHighlightRemoved  = "highlight_removed"
	eventHighlightsCleared = "highlights_cleared"
	eventRoomClosed        = "room_closed"
	eventError             = "error"
)

// Wire error codes reported through error events.
const (
	codeAuthRequired        = "AuthRequired"
	codeInvalidToken        = "InvalidToken"
	codeRoomNotFound        = "RoomNotFound"
	codeSubmissionNotFound  = "SubmissionNotFound"
	codeForbidden           = "Forbidden"
	codeInvalidPayload      = "InvalidPayload"
	codeInvalidRange        = "InvalidRange"
	codeInvalidTask         = "InvalidTask"
	codeRegistryUnavailable = "RegistryUnavailable"
)

// Room close reasons.
const (
	closeReasonTeacherEnded   = "teacher_ended"
	closeReasonTeacherOffline = "teacher_offline_timeout"
)

type inboundEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outboundEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type presenceData struct {
	TeacherOnline    bool `json:"teacher_online"`
	TeacherCount     int  `json:"teacher_count"`
	ParticipantCount int  `json:"participant_count"`
}

type roomSnapshotData struct {
	RoomCode                 string                `json:"room_code"`
	SubmissionID             string                `json:"submission_id"`
	ActiveTaskID             string                `json:"active_task_id,omitempty"`
	Highlights               []highlight.Highlight `json:"highlights"`
	NoteCounter              int                   `json:"note_counter"`
	Presence                 presenceData          `json:"presence"`
	CodeExpiresAt            time.Time             `json:"code_expires_at"`
	TeacherDisconnectGraceMs int64                 `json:"teacher_disconnect_grace_ms"`
}

type taskChangedData struct {
	ActiveTaskID string `json:"active_task_id"`
}

type highlightAddedData struct {
	Highlight highlight.Highlight `json:"highlight"`
}

type highlightRemovedData struct {
	HighlightID string `json:"highlight_id"`
}

type highlightsClearedData struct {
	TaskID string `json:"task_id"`
}

type roomClosedData struct {
	Reason string `json:"reason"`
}

type setActiveTaskPayload struct {
	TaskID string `json:"task_id"`
}

type removeHighlightPayload struct {
	HighlightID string `json:"highlight_id"`
}

type clearTaskHighlightsPayload struct {
	TaskID string `json:"task_id"`
}

func outbound(eventType string, data any) outboundEvent {
	return outboundEvent{Type: eventType, Data: mustJSON(data)}
}

func errorEvent(code string, message string) outboundEvent {
	return outbound(eventError, errorData{Code: code, Message: message})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("liveroom: failed to marshal event payload: %v", err)
		return nil
	}
	return b
}
