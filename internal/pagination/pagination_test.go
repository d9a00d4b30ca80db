package pagination

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	id string
	at time.Time
}

func rowKey(r row) Cursor { return Cursor{CreatedAt: r.at, ID: r.id} }

func fixture(n int) []row {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rows := make([]row, 0, n)
	for i := 0; i < n; i++ {
		// pairs share a timestamp so the id tie-break is exercised
		rows = append(rows, row{id: fmt.Sprintf("r%03d", i), at: base.Add(time.Duration(i/2) * time.Second)})
	}
	return rows
}

func collect(t *testing.T, rows []row, limit int, dir Direction) ([]row, int) {
	t.Helper()
	var all []row
	token := ""
	total := -1
	for i := 0; i < 100; i++ {
		page, err := Apply(append([]row(nil), rows...), rowKey, Request{Token: token, Limit: limit, Direction: dir})
		require.NoError(t, err)
		if total == -1 {
			total = page.Total
		}
		require.Equal(t, total, page.Total, "total must be stable without mutations")
		all = append(all, page.Items...)
		if !page.HasMore {
			require.Empty(t, page.Token)
			return all, total
		}
		require.NotEmpty(t, page.Token)
		token = page.Token
	}
	t.Fatal("pagination did not terminate")
	return nil, 0
}

func TestConcatenatedPagesYieldTotalDistinctItemsInOrder(t *testing.T) {
	rows := fixture(23)
	for _, limit := range []int{1, 4, 5, 23, 50} {
		for _, dir := range []Direction{Descending, Ascending} {
			all, total := collect(t, rows, limit, dir)
			require.Len(t, all, total)
			seen := map[string]bool{}
			for i, item := range all {
				assert.False(t, seen[item.id], "duplicate %s", item.id)
				seen[item.id] = true
				if i > 0 {
					assert.True(t, Less(rowKey(all[i-1]), rowKey(item), dir), "order broken at %d", i)
				}
			}
		}
	}
}

func TestSameTokenReturnsSameContinuation(t *testing.T) {
	rows := fixture(10)
	first, err := Apply(rows, rowKey, Request{Limit: 3})
	require.NoError(t, err)

	a, err := Apply(fixture(10), rowKey, Request{Token: first.Token, Limit: 3})
	require.NoError(t, err)
	b, err := Apply(fixture(10), rowKey, Request{Token: first.Token, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, a.Items, b.Items)
	assert.Equal(t, a.Token, b.Token)
}

func TestNewerInsertDoesNotShiftDescendingContinuation(t *testing.T) {
	rows := fixture(10)
	first, err := Apply(rows, rowKey, Request{Limit: 4})
	require.NoError(t, err)

	withInsert := append(fixture(10), row{id: "zzz", at: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)})
	second, err := Apply(withInsert, rowKey, Request{Token: first.Token, Limit: 4})
	require.NoError(t, err)
	for _, item := range second.Items {
		assert.NotEqual(t, "zzz", item.id)
		for _, prev := range first.Items {
			assert.NotEqual(t, prev.id, item.id)
		}
	}
	assert.Equal(t, 11, second.Total)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, _, err := Decode("%%%")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, ok, err := Decode("")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, NormalizeLimit(0))
	assert.Equal(t, MaxLimit, NormalizeLimit(MaxLimit+1))
	assert.Equal(t, 7, NormalizeLimit(7))
}

func TestFinishTrimsExtraRow(t *testing.T) {
	rows := fixture(4)
	page := Finish(rows, rowKey, 3, 9)
	assert.Len(t, page.Items, 3)
	assert.True(t, page.HasMore)
	assert.Equal(t, 9, page.Total)
	cursor, ok, err := Decode(page.Token)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rows[2].id, cursor.ID)
}
