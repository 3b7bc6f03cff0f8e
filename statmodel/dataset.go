package statmodel

import (
	"fmt"

	"github.com/kshedden/dstream/dstream"
	"gonum.org/v1/gonum/mat"
)

// Dataset holds a collection of equal-length data columns, stored
// column-major, along with the variable names.
type Dataset struct {
	data     [][]Dtype
	varnames []string
	pos      map[string]int
}

// NewDataset returns a Dataset holding the given columns.  The
// columns are not copied.
func NewDataset(data [][]Dtype, varnames []string) (Dataset, error) {

	if len(data) != len(varnames) {
		return Dataset{}, fmt.Errorf("%w: %d columns, %d names", ErrRaggedData, len(data), len(varnames))
	}

	for j := range data {
		if len(data[j]) != len(data[0]) {
			return Dataset{}, fmt.Errorf("%w: variable '%s' has length %d, expected %d",
				ErrRaggedData, varnames[j], len(data[j]), len(data[0]))
		}
	}

	pos := make(map[string]int, len(varnames))
	for j, na := range varnames {
		pos[na] = j
	}

	return Dataset{
		data:     data,
		varnames: varnames,
		pos:      pos,
	}, nil
}

// FromDstream reads every chunk of a Dstream into memory.  All
// variables in the stream must be numeric.
func FromDstream(ds dstream.Dstream) (Dataset, error) {

	names := ds.Names()
	data := make([][]Dtype, len(names))

	ds.Reset()
	for ds.Next() {
		for j := range names {
			switch x := ds.GetPos(j).(type) {
			case []float64:
				data[j] = append(data[j], x...)
			case []float32:
				for _, v := range x {
					data[j] = append(data[j], Dtype(v))
				}
			default:
				return Dataset{}, fmt.Errorf("%w: '%s' has type %T", ErrUnsupportedType, names[j], x)
			}
		}
	}

	return NewDataset(data, names)
}

// Names returns the variable names.
func (ds Dataset) Names() []string {
	return ds.varnames
}

// NumObs returns the number of observations (rows) in the dataset.
func (ds Dataset) NumObs() int {
	if len(ds.data) == 0 {
		return 0
	}
	return len(ds.data[0])
}

// Column returns the data for the named variable.  The returned
// slice refers to the dataset's storage.
func (ds Dataset) Column(name string) ([]Dtype, error) {
	j, ok := ds.pos[name]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownVariable, name)
	}
	return ds.data[j], nil
}

// Matrix returns an n x k matrix whose columns are the named
// variables, in the given order.
func (ds Dataset) Matrix(names []string) (*mat.Dense, error) {

	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no variables requested", ErrUnknownVariable)
	}

	n := ds.NumObs()
	if n == 0 {
		return nil, ErrEmpty
	}
	m := mat.NewDense(n, len(names), nil)
	for k, na := range names {
		x, err := ds.Column(na)
		if err != nil {
			return nil, err
		}
		m.SetCol(k, x)
	}

	return m, nil
}
