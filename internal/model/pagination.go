package model

// PaginationState describes the page window currently loaded.
type PaginationState struct {
	CurrentPage    int  `json:"current_page"`
	TotalPages     int  `json:"total_pages"`
	TotalQuestions int  `json:"total_questions"`
	Limit          int  `json:"limit"`
	HasNext        bool `json:"has_next"`
	HasPrevious    bool `json:"has_previous"`
}

// NewPaginationState builds a consistent pagination state. TotalPages is at least 1,
// CurrentPage is clamped into [1, TotalPages] and the navigation flags are derived
// from the clamped values.
func NewPaginationState(currentPage, totalPages, totalQuestions, limit int) PaginationState {
	if totalPages < 1 {
		totalPages = 1
	}
	if currentPage < 1 {
		currentPage = 1
	}
	if currentPage > totalPages {
		currentPage = totalPages
	}
	if totalQuestions < 0 {
		totalQuestions = 0
	}
	if limit < 0 {
		limit = 0
	}
	return PaginationState{
		CurrentPage:    currentPage,
		TotalPages:     totalPages,
		TotalQuestions: totalQuestions,
		Limit:          limit,
		HasNext:        currentPage < totalPages,
		HasPrevious:    currentPage > 1,
	}
}

// TotalPagesFor returns ceil(total/limit), or 0 when either is unknown.
func TotalPagesFor(total, limit int) int {
	if total <= 0 || limit <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}

// Offset returns the zero-based index of the first question on the current page.
func (p PaginationState) Offset() int {
	if p.CurrentPage < 1 || p.Limit < 1 {
		return 0
	}
	return (p.CurrentPage - 1) * p.Limit
}

// PageQuery is the query string of a page request.
type PageQuery struct {
	Page  int `form:"page" binding:"omitempty,min=1"`
	Limit int `form:"limit" binding:"omitempty,min=1,max=500"`
}
