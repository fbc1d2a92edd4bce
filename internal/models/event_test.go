package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCursorBefore(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.True(t, Cursor{CreatedAt: t0, ID: "a"}.Before(Cursor{CreatedAt: t0, ID: "b"}))
	require.False(t, Cursor{CreatedAt: t0, ID: "b"}.Before(Cursor{CreatedAt: t0, ID: "b"}))
	require.True(t, Cursor{CreatedAt: t0, ID: "z"}.Before(Cursor{CreatedAt: t0.Add(time.Microsecond), ID: "a"}))
	require.True(t, Cursor{CreatedAt: t0}.Before(Cursor{CreatedAt: t0, ID: "0"}))
}

func TestStoreTimeTruncatesToMicroseconds(t *testing.T) {
	in := time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.FixedZone("x", 3600))
	out := StoreTime(in)
	require.Equal(t, time.UTC, out.Location())
	require.Equal(t, 123456000, out.Nanosecond())
}
