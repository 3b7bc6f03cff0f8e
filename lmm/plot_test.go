package lmm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLikePlotter(t *testing.T) {

	lp := NewLogLikePlotter().Width(5).Height(3)

	for k, seed := range []uint64{3, 11} {
		d := data1(30, 20, 0.7, seed)
		rslt, err := New(d.Y, d.W, d.X).Fit()
		require.NoError(t, err)
		require.NoError(t, lp.Add(rslt, []string{"a", "b"}[k]))
	}

	assert.NotNil(t, lp.Plot().GetPlotStruct())

	fname := filepath.Join(t.TempDir(), "trace.png")
	require.NoError(t, lp.Save(fname))

	fi, err := os.Stat(fname)
	require.NoError(t, err)
	assert.Greater(t, fi.Size(), int64(0))
}
