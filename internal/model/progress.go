package model

// ProgressSnapshot is derived from the answer cache and pagination; it is never stored.
type ProgressSnapshot struct {
	Answered   int               `json:"answered"`
	Total      int               `json:"total"`
	Percentage float64           `json:"percentage"`
	Navigation []NavigationEntry `json:"navigation"`
}

// NavigationEntry marks one question of the current page in the navigator.
type NavigationEntry struct {
	Number     int    `json:"number"`
	QuestionID string `json:"question_id"`
	Page       int    `json:"page"`
	Answered   bool   `json:"answered"`
}
