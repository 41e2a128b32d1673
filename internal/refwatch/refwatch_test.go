package refwatch_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nwfabric/dpb/internal/refwatch"
)

type widget struct {
	ID int64
}

func TestGetRecoversOnce(t *testing.T) {
	calls := 0
	w := refwatch.New[widget](nil)

	recover := func(id int64) (*widget, error) {
		calls++
		return &widget{ID: id}, nil
	}

	first, err := w.Get(7, recover)
	require.NoError(t, err)
	require.Equal(t, int64(7), first.ID)

	second, err := w.Get(7, recover)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, calls)
}

func TestGetBaseReportsAbsence(t *testing.T) {
	w := refwatch.New[widget](nil)
	_, ok := w.GetBase(99)
	require.False(t, ok)
}

func TestForgetRunsCleanupImmediately(t *testing.T) {
	var cleaned []int64
	w := refwatch.New[widget](func(id int64) {
		cleaned = append(cleaned, id)
	})

	_, err := w.Get(3, func(id int64) (*widget, error) { return &widget{ID: id}, nil })
	require.NoError(t, err)

	w.Forget(3)
	require.Equal(t, []int64{3}, cleaned)

	_, ok := w.GetBase(3)
	require.False(t, ok)
}

func TestForgetOnUnknownIDIsNoop(t *testing.T) {
	var cleaned []int64
	w := refwatch.New[widget](func(id int64) {
		cleaned = append(cleaned, id)
	})
	w.Forget(404)
	require.Empty(t, cleaned)
}
