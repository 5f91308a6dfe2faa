package fileorg

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestMove_RelocatesIntoOrganizedDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/incoming/ms-001.ms", 0o755))
	o := New(fs, "/root")
	o.now = func() time.Time { return time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC) }

	dest, err := o.Move(context.Background(), "/incoming/ms-001.ms", RoleScience, o.now())
	require.NoError(t, err)
	require.Equal(t, "/root/science/2026-03-05/ms-001.ms", dest)

	ok, err := afero.DirExists(fs, dest)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = afero.DirExists(fs, "/incoming/ms-001.ms")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMove_IdempotentWhenAlreadyMoved(t *testing.T) {
	fs := afero.NewMemMapFs()
	o := New(fs, "/root")
	ts := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	require.NoError(t, fs.MkdirAll("/root/science/2026-03-05/ms-001.ms", 0o755))

	// source no longer exists (prior crash happened after the rename
	// completed but before the index update committed).
	dest, err := o.Move(context.Background(), "/incoming/ms-001.ms", RoleScience, ts)
	require.NoError(t, err)
	require.Equal(t, "/root/science/2026-03-05/ms-001.ms", dest)
}

func TestReconcile_FindsMovedButUnindexedEntries(t *testing.T) {
	fs := afero.NewMemMapFs()
	o := New(fs, "/root")
	ts := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	require.NoError(t, fs.MkdirAll("/root/calibrators/2026-03-05/ms-002.ms", 0o755))

	corrections, err := o.Reconcile(context.Background(), []IndexEntry{
		{Path: "/incoming/ms-002.ms", Role: RoleCalibrator, TS: ts},
	})
	require.NoError(t, err)
	require.Equal(t, "/root/calibrators/2026-03-05/ms-002.ms", corrections["/incoming/ms-002.ms"])
}

func TestCalibrationTablePrefix(t *testing.T) {
	o := New(afero.NewMemMapFs(), "/root")
	got := o.CalibrationTablePrefix("/root/calibrators/2026-03-05/ms-anchor.ms")
	require.Equal(t, "/root/calibrators/2026-03-05/ms-anchor", got)
}
