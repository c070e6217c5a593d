package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPaginationState(t *testing.T) {
	tests := []struct {
		name                           string
		page, totalPages, total, limit int
		wantPage, wantTotalPages       int
		wantHasNext, wantHasPrevious   bool
	}{
		{name: "first of three", page: 1, totalPages: 3, total: 25, limit: 10, wantPage: 1, wantTotalPages: 3, wantHasNext: true},
		{name: "middle", page: 2, totalPages: 3, total: 25, limit: 10, wantPage: 2, wantTotalPages: 3, wantHasNext: true, wantHasPrevious: true},
		{name: "last", page: 3, totalPages: 3, total: 25, limit: 10, wantPage: 3, wantTotalPages: 3, wantHasPrevious: true},
		{name: "page above total is clamped", page: 9, totalPages: 3, total: 25, limit: 10, wantPage: 3, wantTotalPages: 3, wantHasPrevious: true},
		{name: "page below one is clamped", page: 0, totalPages: 3, total: 25, limit: 10, wantPage: 1, wantTotalPages: 3, wantHasNext: true},
		{name: "empty test has one page", page: 1, totalPages: 0, total: 0, limit: 10, wantPage: 1, wantTotalPages: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPaginationState(tt.page, tt.totalPages, tt.total, tt.limit)
			assert.Equal(t, tt.wantPage, p.CurrentPage)
			assert.Equal(t, tt.wantTotalPages, p.TotalPages)
			assert.Equal(t, tt.wantHasNext, p.HasNext)
			assert.Equal(t, tt.wantHasPrevious, p.HasPrevious)
		})
	}
}

func TestTotalPagesFor(t *testing.T) {
	assert.Equal(t, 3, TotalPagesFor(25, 10))
	assert.Equal(t, 2, TotalPagesFor(20, 10))
	assert.Equal(t, 0, TotalPagesFor(0, 10))
	assert.Equal(t, 0, TotalPagesFor(25, 0))
}

func TestPaginationState_Offset(t *testing.T) {
	assert.Equal(t, 20, NewPaginationState(3, 3, 25, 10).Offset())
	assert.Equal(t, 0, PaginationState{}.Offset())
}
