package workflow

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_RollbackIsLIFOAndOnce(t *testing.T) {
	run := NewRun()
	var calls []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		run.Push(name, func(context.Context) error {
			calls = append(calls, name)
			return nil
		})
	}

	applied, errs := run.Rollback(context.Background())
	assert.Empty(t, errs)
	assert.Equal(t, []string{"c", "b", "a"}, applied)
	assert.Equal(t, []string{"c", "b", "a"}, calls)
	assert.Zero(t, run.Pending())

	applied, errs = run.Rollback(context.Background())
	assert.Empty(t, applied)
	assert.Empty(t, errs)
	assert.Len(t, calls, 3)
}

func TestRun_RollbackContinuesPastFailures(t *testing.T) {
	run := NewRun()
	run.Push("first", func(context.Context) error { return nil })
	run.Push("second", func(context.Context) error { return errors.New("unreachable") })

	applied, errs := run.Rollback(context.Background())
	assert.Equal(t, []string{"first"}, applied)
	require.Len(t, errs, 1)

	var ce *CompensationError
	require.ErrorAs(t, errs[0], &ce)
	assert.Equal(t, "second", ce.Name)
}

func TestRun_Steps(t *testing.T) {
	run := NewRun()
	run.advance(StateProductFetched)
	run.advance(StateHeaderSaved)
	assert.Equal(t, StateHeaderSaved, run.State())
	assert.Equal(t, []State{StateStarted, StateProductFetched, StateHeaderSaved}, run.Steps())
}

func TestError_Message(t *testing.T) {
	err := &Error{
		Kind:             KindCompensationFailure,
		Step:             StateStockDecremented,
		RunID:            "run-1",
		Err:              errors.New("crash"),
		Compensated:      []string{"deleteOrder"},
		CompensationErrs: []error{&CompensationError{Name: "incrementStock", Err: errors.New("down")}},
	}
	assert.Contains(t, err.Error(), "STOCK_DECREMENTED")
	assert.Contains(t, err.Error(), "compensated: deleteOrder")
	assert.Contains(t, err.Error(), "manual intervention")
	assert.Equal(t, KindCompensationFailure, KindOf(errors.Wrap(err, "create order")))
	assert.Equal(t, Kind(""), KindOf(errors.New("other")))
}
