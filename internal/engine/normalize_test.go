package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePage_CanonicalShape(t *testing.T) {
	raw := `{
		"data": {
			"questions": [
				{"questionId": "q1", "questionText": "2+2?", "category": {"name": "Math"},
				 "tags": ["arith", "easy"], "grade": "7",
				 "options": [{"optionId": "a", "optionText": "3"}, {"optionId": "b", "optionText": "4"}]}
			],
			"pagination": {"currentPage": 2, "totalPages": 3, "totalQuestions": 25, "pageSize": 10},
			"session": {"id": "s1", "status": "in_progress", "timeRemaining": 1200}
		}
	}`

	page, err := NormalizePage([]byte(raw), 2, 10)
	require.NoError(t, err)

	require.Len(t, page.Questions, 1)
	q := page.Questions[0]
	assert.Equal(t, "q1", q.QuestionID)
	assert.Equal(t, "2+2?", q.QuestionText)
	assert.Equal(t, "Math", q.Category)
	assert.Equal(t, "arith", q.Tag)
	assert.Equal(t, "7", q.Grade)
	require.Len(t, q.Options, 2)
	assert.Equal(t, "b", q.Options[1].OptionID)
	assert.Equal(t, "4", q.Options[1].OptionText)

	p := page.Pagination
	assert.Equal(t, 2, p.CurrentPage)
	assert.Equal(t, 3, p.TotalPages)
	assert.Equal(t, 25, p.TotalQuestions)
	assert.Equal(t, 10, p.Limit)
	assert.True(t, p.HasNext)
	assert.True(t, p.HasPrevious)

	require.NotNil(t, page.Session)
	assert.Equal(t, "s1", page.Session.ID)
	require.NotNil(t, page.Session.TimeRemaining)
	assert.Equal(t, 1200, *page.Session.TimeRemaining)
}

func TestNormalizePage_Aliases(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantIDs    []string
		wantText   string
		wantOption string
	}{
		{
			name:       "top level array",
			raw:        `[{"id": 7, "text": "seven", "choices": [{"id": 1, "label": "x"}]}]`,
			wantIDs:    []string{"7"},
			wantText:   "seven",
			wantOption: "1",
		},
		{
			name:       "data array snake case",
			raw:        `{"data": [{"question_id": "a", "question_text": "A?", "answers": [{"option_id": "o1", "option_text": "one"}]}]}`,
			wantIDs:    []string{"a"},
			wantText:   "A?",
			wantOption: "o1",
		},
		{
			name:       "items with pascal case",
			raw:        `{"items": [{"QuestionID": "Q", "QuestionText": "Pascal", "Options": [{"OptionID": "P", "OptionText": "p"}]}]}`,
			wantIDs:    []string{"Q"},
			wantText:   "Pascal",
			wantOption: "P",
		},
		{
			name:       "data.items with mongo ids",
			raw:        `{"data": {"items": [{"_id": "m1", "title": "Mongo", "options": [{"_id": "x", "content": "X"}]}]}}`,
			wantIDs:    []string{"m1"},
			wantText:   "Mongo",
			wantOption: "x",
		},
		{
			name:       "string options get letters",
			raw:        `{"results": [{"ID": "s", "question": "Pick", "options": ["red", "green"]}]}`,
			wantIDs:    []string{"s"},
			wantText:   "Pick",
			wantOption: "A",
		},
		{
			name:       "option map uses keys",
			raw:        `{"Questions": [{"Id": "m", "text": "Map", "options": {"b": "two", "a": "one"}}]}`,
			wantIDs:    []string{"m"},
			wantText:   "Map",
			wantOption: "a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := NormalizePage([]byte(tt.raw), 1, 10)
			require.NoError(t, err)

			ids := make([]string, 0, len(page.Questions))
			for _, q := range page.Questions {
				ids = append(ids, q.QuestionID)
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, tt.wantText, page.Questions[0].QuestionText)
			require.NotEmpty(t, page.Questions[0].Options)
			assert.Equal(t, tt.wantOption, page.Questions[0].Options[0].OptionID)
		})
	}
}

func TestNormalizePage_SkipsQuestionsWithoutID(t *testing.T) {
	raw := `{"questions": [{"questionText": "orphan"}, {"questionId": "ok", "options": []}, "junk"]}`

	page, err := NormalizePage([]byte(raw), 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Questions, 1)
	assert.Equal(t, "ok", page.Questions[0].QuestionID)
	assert.NotNil(t, page.Questions[0].Options)
}

func TestNormalizePage_EmptyBodies(t *testing.T) {
	for _, raw := range []string{"", "  ", "{}", `{"data": null}`, `{"questions": []}`} {
		page, err := NormalizePage([]byte(raw), 1, 10)
		require.NoError(t, err, raw)
		assert.Empty(t, page.Questions, raw)
		assert.Equal(t, 1, page.Pagination.TotalPages, raw)
		assert.Equal(t, 1, page.Pagination.CurrentPage, raw)
		assert.False(t, page.Pagination.HasNext, raw)
		assert.False(t, page.Pagination.HasPrevious, raw)
	}
}

func TestNormalizePage_InvalidJSON(t *testing.T) {
	_, err := NormalizePage([]byte(`{"questions": [`), 1, 10)
	assert.Error(t, err)

	_, err = NormalizePage([]byte(`"just a string"`), 1, 10)
	assert.Error(t, err)
}

func TestNormalizePage_PaginationDerivation(t *testing.T) {
	t.Run("flags ignored when total is known", func(t *testing.T) {
		raw := `{"questions": [{"id": "1"}], "meta": {"page": 3, "total": 25, "limit": 10, "hasNext": true, "hasPrevious": false}}`
		page, err := NormalizePage([]byte(raw), 1, 10)
		require.NoError(t, err)
		assert.Equal(t, 3, page.Pagination.CurrentPage)
		assert.Equal(t, 3, page.Pagination.TotalPages)
		assert.False(t, page.Pagination.HasNext)
		assert.True(t, page.Pagination.HasPrevious)
	})

	t.Run("snake case page info", func(t *testing.T) {
		raw := `{"questions": [{"id": "1"}], "pageInfo": {"current_page": "2", "total_pages": 4, "per_page": 5, "total_items": 18}}`
		page, err := NormalizePage([]byte(raw), 1, 10)
		require.NoError(t, err)
		assert.Equal(t, 2, page.Pagination.CurrentPage)
		assert.Equal(t, 4, page.Pagination.TotalPages)
		assert.Equal(t, 5, page.Pagination.Limit)
		assert.Equal(t, 18, page.Pagination.TotalQuestions)
	})

	t.Run("falls back to requested values", func(t *testing.T) {
		raw := `{"questions": [{"id": "1"}, {"id": "2"}]}`
		page, err := NormalizePage([]byte(raw), 4, 2)
		require.NoError(t, err)
		assert.Equal(t, 4, page.Pagination.CurrentPage)
		assert.Equal(t, 2, page.Pagination.Limit)
		assert.Equal(t, 4, page.Pagination.TotalPages)
		assert.False(t, page.Pagination.HasNext)
	})

	t.Run("next flag used when nothing else is known", func(t *testing.T) {
		raw := `{"questions": [{"id": "1"}], "hasNextPage": true}`
		page, err := NormalizePage([]byte(raw), 1, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, page.Pagination.TotalPages)
		assert.True(t, page.Pagination.HasNext)
	})

	t.Run("out of range page is clamped", func(t *testing.T) {
		raw := `{"questions": [], "pagination": {"currentPage": 9, "totalPages": 3, "pageSize": 10}}`
		page, err := NormalizePage([]byte(raw), 9, 10)
		require.NoError(t, err)
		assert.Equal(t, 3, page.Pagination.CurrentPage)
		assert.False(t, page.Pagination.HasNext)
	})
}
