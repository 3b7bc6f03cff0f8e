package statmodel

import (
	"errors"
	"testing"

	"github.com/kshedden/dstream/dstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func data1() ([][]Dtype, []string) {
	x := [][]Dtype{
		{0, 1, 3, 2, 1, 1, 0},
		{1, 1, 1, 1, 1, 1, 1},
		{4, 1, -1, 3, 5, -5, 3},
	}
	return x, []string{"y", "x1", "x2"}
}

func TestDataset(t *testing.T) {

	da, na := data1()
	ds, err := NewDataset(da, na)
	require.NoError(t, err)

	assert.Equal(t, 7, ds.NumObs())
	assert.Equal(t, na, ds.Names())

	y, err := ds.Column("y")
	require.NoError(t, err)
	assert.True(t, floats.Equal(y, da[0]))

	_, err = ds.Column("z")
	assert.True(t, errors.Is(err, ErrUnknownVariable))

	m, err := ds.Matrix([]string{"x2", "x1"})
	require.NoError(t, err)
	r, c := m.Dims()
	assert.Equal(t, 7, r)
	assert.Equal(t, 2, c)
	assert.Equal(t, -5.0, m.At(5, 0))
	assert.Equal(t, 1.0, m.At(5, 1))

	_, err = ds.Matrix([]string{"x1", "nope"})
	assert.True(t, errors.Is(err, ErrUnknownVariable))
}

func TestDatasetRagged(t *testing.T) {

	_, err := NewDataset([][]Dtype{{1, 2}, {1}}, []string{"a", "b"})
	assert.True(t, errors.Is(err, ErrRaggedData))

	_, err = NewDataset([][]Dtype{{1, 2}}, []string{"a", "b"})
	assert.True(t, errors.Is(err, ErrRaggedData))
}

func TestFromDstream(t *testing.T) {

	da, na := data1()
	var cols []interface{}
	for _, x := range da {
		cols = append(cols, x)
	}

	ds, err := FromDstream(dstream.NewFromFlat(cols, na))
	require.NoError(t, err)
	assert.Equal(t, 7, ds.NumObs())

	for j, name := range na {
		x, err := ds.Column(name)
		require.NoError(t, err)
		assert.True(t, floats.Equal(x, da[j]), name)
	}

	bad := dstream.NewFromFlat([]interface{}{[]string{"a", "b"}}, []string{"s"})
	_, err = FromDstream(bad)
	assert.True(t, errors.Is(err, ErrUnsupportedType))
}
