package websocket

import (
	"github.com/stemsi/exstem-session/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer   Action = "answer"
	ActionNext     Action = "next"
	ActionPrevious Action = "previous"
	ActionPage     Action = "page"
	ActionSubmit   Action = "submit"
	ActionPing     Action = "ping"
)

// Request is every client message. Fields not used by an action are ignored.
type Request struct {
	Action     Action `json:"action"`
	QuestionID string `json:"question_id,omitempty"`
	OptionID   string `json:"option_id,omitempty"`
	Page       int    `json:"page,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventSaved      Event = "saved"
	EventSynced     Event = "synced"
	EventRolledBack Event = "rolled_back"
	EventPage       Event = "page"
	EventProgress   Event = "progress"
	EventSubmitted  Event = "submitted"
	EventError      Event = "error"
	EventPong       Event = "pong"
)

// AnswerEvent reports the state of one answer write.
type AnswerEvent struct {
	Event      Event  `json:"event"`
	QuestionID string `json:"question_id"`
	OptionID   string `json:"option_id"`
	// Restored is the option in place after a rollback; empty when the answer was removed.
	Restored string `json:"restored,omitempty"`
}

type PageEvent struct {
	Event Event              `json:"event"`
	Page  model.QuestionPage `json:"page"`
}

type ProgressEvent struct {
	Event    Event                  `json:"event"`
	Progress model.ProgressSnapshot `json:"progress"`
}

type SubmittedEvent struct {
	Event  Event                   `json:"event"`
	Result *model.SubmissionResult `json:"result"`
}

type ErrorResponse struct {
	Event   Event  `json:"event"`
	Code    string `json:"code"`
	Error   string `json:"error"`
	Request Action `json:"request,omitempty"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
