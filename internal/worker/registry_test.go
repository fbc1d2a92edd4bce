package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"dispatch-core/internal/models"
)

func TestPermanentWrapping(t *testing.T) {
	require.NoError(t, Permanent(nil))

	cause := errors.New("bad input")
	err := fmt.Errorf("ingest: %w", Permanent(cause))
	require.True(t, IsPermanent(err))
	require.ErrorIs(t, err, cause)
	require.False(t, IsPermanent(errors.New("timeout")))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register("", func(context.Context, models.Job) error { return nil })
	reg.Register("b", nil)
	reg.Register("b", func(context.Context, models.Job) error { return nil })
	reg.Register("a", func(context.Context, models.Job) error { return nil })

	require.Equal(t, []string{"a", "b"}, reg.Types())
	_, ok := reg.Lookup("c")
	require.False(t, ok)
}
