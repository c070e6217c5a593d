package model

// Question is a single test question as served to students. Questions are
// read-only once fetched.
type Question struct {
	QuestionID   string   `json:"question_id"`
	QuestionText string   `json:"question_text"`
	Category     string   `json:"category,omitempty"`
	Theory       string   `json:"theory,omitempty"`
	Tag          string   `json:"tag,omitempty"`
	Grade        string   `json:"grade,omitempty"`
	Options      []Option `json:"options"`
}

// Option is one selectable choice of a question.
type Option struct {
	OptionID   string `json:"option_id"`
	OptionText string `json:"option_text"`
}

// HasOption reports whether optionID belongs to the question.
func (q *Question) HasOption(optionID string) bool {
	for _, o := range q.Options {
		if o.OptionID == optionID {
			return true
		}
	}
	return false
}

// QuestionPage is one normalized page of questions.
type QuestionPage struct {
	Questions  []Question      `json:"questions"`
	Pagination PaginationState `json:"pagination"`
	// Session is the session object echoed by the question source, if any.
	Session *SessionEcho `json:"session,omitempty"`
}

// SessionEcho carries the subset of session fields a question source may echo back.
type SessionEcho struct {
	ID            string `json:"id,omitempty"`
	Status        string `json:"status,omitempty"`
	TimeRemaining *int   `json:"time_remaining,omitempty"`
}
