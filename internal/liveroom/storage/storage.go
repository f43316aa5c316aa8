// Package storage defines persistence contracts for submissions and their
// live review feedback.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redmarklive/redmark/internal/liveroom/highlight"
)

// ErrNotFound indicates a requested submission is missing.
var ErrNotFound = errors.New("submission not found")

// Task is one essay task inside a submission: the prompt shown to the
// student and the answer text under review.
type Task struct {
	ID         string `json:"id"`
	Prompt     string `json:"prompt"`
	AnswerText string `json:"answer_text"`
}

// Submission is one student essay submission.
type Submission struct {
	ID           string       `json:"id"`
	StudentID    string       `json:"student_id"`
	Tasks        []Task       `json:"tasks"`
	LiveFeedback LiveFeedback `json:"live_feedback"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// LiveFeedback is the durable projection of a review room's state. It is the
// source used to rehydrate room state after a process restart or eviction.
type LiveFeedback struct {
	Highlights   []highlight.Highlight `json:"highlights"`
	NoteCounter  int                   `json:"note_counter"`
	ActiveTaskID string                `json:"active_task_id,omitempty"`
	UpdatedAt    time.Time             `json:"updated_at"`
	LastRoomCode string                `json:"last_room_code,omitempty"`
}

// Task returns the task with the given id, if present.
func (s Submission) Task(taskID string) (Task, bool) {
	for _, task := range s.Tasks {
		if task.ID == taskID {
			return task, true
		}
	}
	return Task{}, false
}

// SubmissionStore persists submissions and their live feedback.
type SubmissionStore interface {
	PutSubmission(ctx context.Context, submission Submission) error
	GetSubmission(ctx context.Context, submissionID string) (Submission, error)
	PutLiveFeedback(ctx context.Context, submissionID string, feedback LiveFeedback) error
}
