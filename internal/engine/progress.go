package engine

import "github.com/stemsi/exstem-session/internal/model"

// ProgressTracker derives completion progress from the answer cache and the
// pager. It keeps no state of its own, so a snapshot is never stale.
type ProgressTracker struct {
	answers *AnswerCache
	pager   *QuestionPager
}

// NewProgressTracker creates a ProgressTracker over answers and pager.
func NewProgressTracker(answers *AnswerCache, pager *QuestionPager) *ProgressTracker {
	return &ProgressTracker{answers: answers, pager: pager}
}

// Snapshot computes progress for the whole test, plus navigation entries for the
// questions on the current page.
func (t *ProgressTracker) Snapshot() model.ProgressSnapshot {
	page, _ := t.pager.Current()
	answered := t.answers.Map()

	snap := model.ProgressSnapshot{
		Answered:   len(answered),
		Total:      page.Pagination.TotalQuestions,
		Navigation: make([]model.NavigationEntry, 0, len(page.Questions)),
	}
	if snap.Total > 0 {
		snap.Percentage = float64(snap.Answered) / float64(snap.Total) * 100
	}

	offset := page.Pagination.Offset()
	for i, q := range page.Questions {
		_, ok := answered[q.QuestionID]
		snap.Navigation = append(snap.Navigation, model.NavigationEntry{
			Number:     offset + i + 1,
			QuestionID: q.QuestionID,
			Page:       page.Pagination.CurrentPage,
			Answered:   ok,
		})
	}
	return snap
}
