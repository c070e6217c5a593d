package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/stemsi/exstem-session/internal/model"
)

type object = map[string]any

// Field aliases observed from the question source, in priority order.
var (
	questionListKeys = []string{"questions", "Questions", "items", "Items", "results"}
	questionIDKeys   = []string{"questionId", "question_id", "QuestionId", "QuestionID", "questionID", "id", "_id", "Id", "ID"}
	questionTextKeys = []string{"questionText", "question_text", "QuestionText", "question", "text", "title"}
	categoryKeys     = []string{"category", "Category", "categoryName", "category_name"}
	theoryKeys       = []string{"theory", "Theory", "explanation"}
	tagKeys          = []string{"tag", "Tag", "tags"}
	gradeKeys        = []string{"grade", "Grade", "gradeId", "grade_id", "gradeLevel"}
	optionListKeys   = []string{"options", "Options", "choices", "answers", "answerOptions"}
	optionIDKeys     = []string{"optionId", "option_id", "OptionId", "OptionID", "id", "_id", "key", "value"}
	optionTextKeys   = []string{"optionText", "option_text", "OptionText", "text", "label", "option", "content"}

	paginationKeys     = []string{"pagination", "meta", "pageInfo"}
	currentPageKeys    = []string{"currentPage", "current_page", "page", "pageNumber"}
	totalPagesKeys     = []string{"totalPages", "total_pages", "pages", "pageCount"}
	totalQuestionsKeys = []string{"totalQuestions", "total_questions", "totalItems", "total_items", "total", "totalCount", "count"}
	pageSizeKeys       = []string{"pageSize", "page_size", "limit", "perPage", "per_page"}
	hasNextKeys        = []string{"hasNext", "has_next", "hasNextPage"}
	hasPreviousKeys    = []string{"hasPrevious", "has_previous", "hasPrev", "hasPreviousPage"}

	sessionKeys       = []string{"session", "Session"}
	sessionIDKeys     = []string{"id", "_id", "sessionId", "session_id"}
	sessionStatusKeys = []string{"status", "Status"}
	timeRemainingKeys = []string{"timeRemaining", "time_remaining", "remainingTime"}
)

// NormalizePage maps a raw question-source body onto the canonical page shape.
// requestedPage and requestedLimit fill in pagination fields the source omits.
// An empty body or a missing question list yields a zero-question page.
func NormalizePage(raw []byte, requestedPage, requestedLimit int) (model.QuestionPage, error) {
	var root any
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&root); err != nil {
			return model.QuestionPage{}, fmt.Errorf("decode question page: %w", err)
		}
	}

	var (
		list    []any
		scopes  []object
		rootObj object
	)
	switch v := root.(type) {
	case []any:
		list = v
	case object:
		rootObj = v
		scopes = append(scopes, v)
		if data, ok := v["data"]; ok {
			switch d := data.(type) {
			case []any:
				list = d
			case object:
				scopes = append(scopes, d)
			}
		}
	case nil:
	default:
		return model.QuestionPage{}, fmt.Errorf("decode question page: unexpected %T at top level", root)
	}

	if list == nil {
		for _, scope := range scopes {
			if v, ok := lookup(scope, questionListKeys...); ok {
				if arr, ok := v.([]any); ok {
					list = arr
					break
				}
			}
		}
	}

	questions := make([]model.Question, 0, len(list))
	for _, item := range list {
		q, ok := normalizeQuestion(item)
		if !ok {
			continue
		}
		questions = append(questions, q)
	}

	page := model.QuestionPage{
		Questions:  questions,
		Pagination: normalizePagination(scopes, requestedPage, requestedLimit, len(questions)),
	}
	if rootObj != nil {
		page.Session = normalizeSessionEcho(scopes)
	}
	return page, nil
}

func normalizeQuestion(v any) (model.Question, bool) {
	obj, ok := v.(object)
	if !ok {
		return model.Question{}, false
	}
	id := stringField(obj, questionIDKeys...)
	if id == "" {
		return model.Question{}, false
	}

	q := model.Question{
		QuestionID:   id,
		QuestionText: stringField(obj, questionTextKeys...),
		Category:     stringField(obj, categoryKeys...),
		Theory:       stringField(obj, theoryKeys...),
		Tag:          stringField(obj, tagKeys...),
		Grade:        stringField(obj, gradeKeys...),
		Options:      []model.Option{},
	}
	if raw, ok := lookup(obj, optionListKeys...); ok {
		q.Options = normalizeOptions(raw)
	}
	return q, true
}

func normalizeOptions(v any) []model.Option {
	options := []model.Option{}

	switch list := v.(type) {
	case []any:
		for i, item := range list {
			switch o := item.(type) {
			case object:
				id := stringField(o, optionIDKeys...)
				text := stringField(o, optionTextKeys...)
				if id == "" {
					id = optionLetter(i)
				}
				// A bare {"id": "x"} uses its id as text.
				if text == "" {
					text = id
				}
				options = append(options, model.Option{OptionID: id, OptionText: text})
			default:
				text, ok := scalarString(o)
				if !ok {
					continue
				}
				options = append(options, model.Option{OptionID: optionLetter(i), OptionText: text})
			}
		}
	case object:
		keys := make([]string, 0, len(list))
		for k := range list {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			text, _ := scalarString(list[k])
			options = append(options, model.Option{OptionID: k, OptionText: text})
		}
	}
	return options
}

func normalizePagination(scopes []object, requestedPage, requestedLimit, count int) model.PaginationState {
	var pag object
	for _, scope := range scopes {
		if v, ok := lookup(scope, paginationKeys...); ok {
			if p, ok := v.(object); ok {
				pag = p
				break
			}
		}
	}
	// Fall back to top-level fields.
	candidates := scopes
	if pag != nil {
		candidates = append([]object{pag}, scopes...)
	}

	current, ok := intFrom(candidates, currentPageKeys...)
	if !ok || current < 1 {
		current = requestedPage
	}
	if current < 1 {
		current = 1
	}

	limit, ok := intFrom(candidates, pageSizeKeys...)
	if !ok || limit < 1 {
		limit = requestedLimit
	}
	if limit < 1 {
		limit = count
	}

	total, totalKnown := intFrom(candidates, totalQuestionsKeys...)
	totalPages, pagesKnown := intFrom(candidates, totalPagesKeys...)
	if !pagesKnown || totalPages < 1 {
		pagesKnown = false
		if totalKnown {
			totalPages = model.TotalPagesFor(total, limit)
			pagesKnown = true
		}
	}

	if !pagesKnown {
		// Nothing authoritative: trust the source's next flag for this one page.
		totalPages = current
		if next, ok := boolFrom(candidates, hasNextKeys...); ok && next {
			totalPages = current + 1
		}
	}

	if !totalKnown {
		offset := (current - 1) * limit
		if current >= totalPages {
			total = offset + count
		} else {
			total = totalPages * limit
		}
	}

	return model.NewPaginationState(current, totalPages, total, limit)
}

func normalizeSessionEcho(scopes []object) *model.SessionEcho {
	for _, scope := range scopes {
		v, ok := lookup(scope, sessionKeys...)
		if !ok {
			continue
		}
		obj, ok := v.(object)
		if !ok {
			continue
		}
		echo := &model.SessionEcho{
			ID:     stringField(obj, sessionIDKeys...),
			Status: stringField(obj, sessionStatusKeys...),
		}
		if n, ok := intFrom([]object{obj}, timeRemainingKeys...); ok {
			echo.TimeRemaining = &n
		}
		return echo
	}
	return nil
}

// ─── value helpers ──────────────────────────────────────────────────────────

func lookup(obj object, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(obj object, keys ...string) string {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		if s, ok := looseString(v); ok && s != "" {
			return s
		}
	}
	return ""
}

// looseString also accepts {"name": ...} objects and takes the first element of arrays.
func looseString(v any) (string, bool) {
	switch t := v.(type) {
	case object:
		return stringField(t, "name", "Name", "title", "label", "id"), true
	case []any:
		for _, item := range t {
			if s, ok := looseString(item); ok && s != "" {
				return s, true
			}
		}
		return "", false
	default:
		return scalarString(v)
	}
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

func intFrom(scopes []object, keys ...string) (int, bool) {
	for _, scope := range scopes {
		for _, k := range keys {
			v, ok := scope[k]
			if !ok || v == nil {
				continue
			}
			if n, ok := toInt(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n), true
		}
		if f, err := t.Float64(); err == nil {
			return int(f), true
		}
	case float64:
		return int(t), true
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n, true
		}
	}
	return 0, false
}

func boolFrom(scopes []object, keys ...string) (bool, bool) {
	for _, scope := range scopes {
		for _, k := range keys {
			switch t := scope[k].(type) {
			case bool:
				return t, true
			case string:
				if b, err := strconv.ParseBool(t); err == nil {
					return b, true
				}
			}
		}
	}
	return false, false
}

func optionLetter(i int) string {
	if i < 26 {
		return string(rune('A' + i))
	}
	return strconv.Itoa(i + 1)
}
