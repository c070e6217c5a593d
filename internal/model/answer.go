package model

import "time"

// Answer maps a question to the option the student chose.
type Answer struct {
	QuestionID string `json:"question_id"`
	OptionID   string `json:"option_id"`
}

// SetAnswerRequest is the payload for answering a single question.
type SetAnswerRequest struct {
	QuestionID string `json:"question_id" binding:"required,max=128"`
	OptionID   string `json:"option_id" binding:"required,max=128"`
}

// Submission is the all-or-nothing payload posted when a session is finished.
type Submission struct {
	SessionID   string    `json:"session_id"`
	TestID      string    `json:"test_id"`
	UserID      string    `json:"user_id"`
	Answers     []Answer  `json:"answers"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// SubmissionResult describes a successful submission.
type SubmissionResult struct {
	SessionID   string    `json:"session_id"`
	TestID      string    `json:"test_id"`
	UserID      string    `json:"user_id"`
	Answered    int       `json:"answered"`
	SubmittedAt time.Time `json:"submitted_at"`
	Session     *Session  `json:"session"`
}

// PersistAnswerJob is queued for every synced answer and written to the
// database by the autosave worker.
type PersistAnswerJob struct {
	SessionID  string    `json:"session_id"`
	QuestionID string    `json:"question_id"`
	OptionID   string    `json:"option_id"`
	AnsweredAt time.Time `json:"answered_at"`
}
