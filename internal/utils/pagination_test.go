package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculatePagination(t *testing.T) {
	meta := CalculatePagination(2, 25, 60)

	assert.Equal(t, 3, meta.LastPage)
	assert.Equal(t, 26, meta.From)
	assert.Equal(t, 50, meta.To)
	assert.True(t, meta.HasMore)

	meta = CalculatePagination(3, 25, 60)
	assert.Equal(t, 60, meta.To)
	assert.False(t, meta.HasMore)

	meta = CalculatePagination(1, 25, 0)
	assert.Zero(t, meta.From)
	assert.Zero(t, meta.To)
}

func TestPageBounds(t *testing.T) {
	start, end := PageBounds(PaginationParams{Page: 2, Limit: 10}, 15)
	assert.Equal(t, 10, start)
	assert.Equal(t, 15, end)

	start, end = PageBounds(PaginationParams{Page: 5, Limit: 10}, 15)
	assert.Equal(t, 15, start)
	assert.Equal(t, 15, end)
}
