package pagination

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	require.Equal(t, Pagination{Limit: DefaultLimit}, Pagination{}.Normalize())
	require.Equal(t, Pagination{Limit: MaxLimit, Offset: 0}, Pagination{Limit: 1000, Offset: -3}.Normalize())
	require.Equal(t, 11, Pagination{Limit: 10}.FetchLimit())
}

func TestBuildPageInfo(t *testing.T) {
	page, info := BuildPageInfo([]int{1, 2, 3}, Pagination{Limit: 2, Offset: 4})
	require.Equal(t, []int{1, 2}, page)
	require.True(t, info.HasMore)
	require.Equal(t, 6, info.NextOffset)

	page, info = BuildPageInfo([]int{1}, Pagination{Limit: 2})
	require.Equal(t, []int{1}, page)
	require.False(t, info.HasMore)
	require.Zero(t, info.NextOffset)
}
