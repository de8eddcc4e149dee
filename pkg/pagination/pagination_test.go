package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		page     string
		limit    string
		expected Params
	}{
		{"defaults", "", "", Params{Page: 1, Limit: 20, Offset: 0}},
		{"third page", "3", "10", Params{Page: 3, Limit: 10, Offset: 20}},
		{"negative page", "-2", "10", Params{Page: 1, Limit: 10, Offset: 0}},
		{"limit clamped high", "1", "500", Params{Page: 1, Limit: 100, Offset: 0}},
		{"limit clamped low", "2", "0", Params{Page: 2, Limit: 1, Offset: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.page, tt.limit)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, p)
		})
	}

	_, err := Parse("abc", "")
	assert.Error(t, err)
	_, err = Parse("", "ten")
	assert.Error(t, err)
}

func TestBuild(t *testing.T) {
	p := Params{Page: 1, Limit: 2}
	assert.Equal(t, 3, p.FetchLimit())

	page := Build(p, []int{1, 2, 3})
	assert.True(t, page.HasMore)
	assert.Equal(t, []int{1, 2}, page.Items)

	page = Build(p, []int{1})
	assert.False(t, page.HasMore)
	assert.Equal(t, []int{1}, page.Items)

	page = Build[int](p, nil)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)
}
