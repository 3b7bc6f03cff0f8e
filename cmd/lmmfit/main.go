// lmmfit fits linear mixed models with a single random effect variance
// component to the columns of a CSV file, or to simulated data.
//
// Example:
//
//	lmmfit -data expr.csv.gz -y gene1,gene2 -fixed '1 + age + sex' -factors sex -randomprefix snp_ -plot trace.png
//
// The fixed effects are given as a formula, "1" denotes the intercept
// and categorical variables listed with -factors are expanded into
// indicators.
package main

import (
	"compress/gzip"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"unicode"

	"github.com/kshedden/dstream/dstream"
	"github.com/kshedden/dstream/formula"
	"github.com/schollz/progressbar/v3"

	"github.com/YangLabHKUST/CoMM/lmm"
	"github.com/YangLabHKUST/CoMM/lmm/lmmsim"
	"github.com/YangLabHKUST/CoMM/statmodel"
)

const intercept = "icept"

var (
	logger *log.Logger
)

// setLogger directs log messages to <logname>_msg.log, or to stderr if
// logname is empty.
func setLogger(logname string) {

	if logname == "" {
		logger = log.New(os.Stderr, "", log.Ltime)
		return
	}

	fid, err := os.Create(logname + "_msg.log")
	if err != nil {
		panic(err)
	}
	logger = log.New(fid, "", log.Ltime)
}

func splitNames(s string) []string {
	var names []string
	for _, na := range strings.Split(s, ",") {
		if na = strings.TrimSpace(na); na != "" {
			names = append(names, na)
		}
	}
	return names
}

func openData(fname string) (io.ReadCloser, error) {

	fid, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(fname, ".gz") {
		return fid, nil
	}

	gid, err := gzip.NewReader(fid)
	if err != nil {
		fid.Close()
		return nil, err
	}

	return struct {
		io.Reader
		io.Closer
	}{gid, fid}, nil
}

// header returns the column names of a CSV file.
func header(fname string) ([]string, error) {

	rdr, err := openData(fname)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()

	return csv.NewReader(rdr).Read()
}

// selectRandom returns the random effect names, either given
// explicitly or as all columns that start with prefix.
func selectRandom(names []string, random, prefix string) []string {

	if random != "" {
		return splitNames(random)
	}

	var sel []string
	for _, na := range names {
		if strings.HasPrefix(na, prefix) {
			sel = append(sel, na)
		}
	}

	return sel
}

// formulaVars returns the variables that appear in a fixed effects
// formula, the intercept term "1" excluded.
func formulaVars(fml string) []string {

	fields := strings.FieldsFunc(fml, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
	})

	var vars []string
	seen := make(map[string]bool)
	for _, f := range fields {
		if f == "1" || seen[f] {
			continue
		}
		seen[f] = true
		vars = append(vars, f)
	}

	return vars
}

// readData reads the named columns of a CSV file into memory.
// Variables in factors are read as strings, all others as float64.
func readData(fname string, vars []string, factors map[string]bool) (dstream.Dstream, error) {

	rdr, err := openData(fname)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()

	var types []dstream.VarType
	for _, na := range vars {
		tp := dstream.Float64
		if factors[na] {
			tp = dstream.String
		}
		types = append(types, dstream.VarType{Name: na, Type: tp})
	}

	dst := dstream.FromCSV(rdr).SetTypes(types).ChunkSize(1000).HasHeader().Done()

	return dstream.MemCopy(dst, false), nil
}

// design builds the fixed effect design described by a formula from
// the raw data, retaining the variables in keep.  It returns the data
// set and the names of the fixed effect columns.
func design(fml string, raw dstream.Dstream, keep []string) (ds statmodel.Dataset, fixed []string, err error) {

	// The formula package reports errors by panicking.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fixed effects formula '%s': %v", fml, r)
		}
	}()

	if strings.TrimSpace(fml) == "1" {
		// The formula parser does not accept an intercept alone.
		return interceptOnly(raw)
	}

	fp := formula.New(fml, raw).Keep(keep...).Done()
	names := fp.Names()
	fixed = append([]string(nil), names[0:len(names)-len(keep)]...)

	ds, err = statmodel.FromDstream(fp)
	return ds, fixed, err
}

// interceptOnly reads the raw data and adds a column of ones named
// icept.
func interceptOnly(raw dstream.Dstream) (statmodel.Dataset, []string, error) {

	ds, err := statmodel.FromDstream(raw)
	if err != nil {
		return ds, nil, err
	}

	names := ds.Names()
	var cols [][]float64
	for _, na := range names {
		x, err := ds.Column(na)
		if err != nil {
			return ds, nil, err
		}
		cols = append(cols, x)
	}

	one := make([]float64, ds.NumObs())
	for i := range one {
		one[i] = 1
	}

	ds, err = statmodel.NewDataset(append(cols, one), append(append([]string(nil), names...), intercept))
	return ds, []string{intercept}, err
}

func main() {

	dataname := flag.String("data", "", "CSV data file, may be gzip compressed")
	ynames := flag.String("y", "", "Comma separated response variables")
	fixedfml := flag.String("fixed", "1", "Fixed effects formula, e.g. 1 + age + sex")
	factorvars := flag.String("factors", "", "Comma separated categorical variables in the fixed effects formula")
	randomvars := flag.String("random", "", "Comma separated random effect variables")
	prefix := flag.String("randomprefix", "", "Use all variables with this prefix as random effects")
	maxiter := flag.Int("maxiter", 1000, "Maximum number of iterations")
	tol := flag.Float64("tol", 1e-10, "Convergence tolerance for the log-likelihood")
	cont := flag.Bool("continue", false, "Continue iterating if the log-likelihood decreases")
	logname := flag.String("logname", "", "Prefix of log file, log to stderr if empty")
	plotname := flag.String("plot", "", "Save the log-likelihood traces to this file")
	simulate := flag.Bool("simulate", false, "Fit a model to simulated data")
	n := flag.Int("n", 200, "Sample size of simulated data")
	p := flag.Int("p", 1000, "Number of random effects in simulated data")
	h2 := flag.Float64("h2", 0.5, "Heritability of simulated data")
	seed := flag.Uint64("seed", 1, "Seed for simulated data")
	flag.Parse()

	setLogger(*logname)

	var ds statmodel.Dataset
	var yvars, fixed, random []string
	var err error

	if *simulate {
		d := lmmsim.Simulate(lmmsim.Config{
			N:           *n,
			P:           *p,
			H2:          *h2,
			Standardize: true,
			Seed:        *seed,
		})
		var yname string
		yname, fixed, random = d.Names()
		yvars = []string{yname}
		ds, err = statmodel.NewDataset(d.Columns(), append(append([]string{yname}, fixed...), random...))
		if err != nil {
			logger.Fatal(err)
		}
		logger.Printf("Simulated data: sigma2y=%g sigma2beta=%g", d.Sigma2Y, d.Sigma2Beta)
	} else {
		if *dataname == "" || *ynames == "" {
			_, _ = io.WriteString(os.Stderr, "'data' and 'y' are required arguments\n")
			os.Exit(1)
		}
		if (*randomvars == "") == (*prefix == "") {
			_, _ = io.WriteString(os.Stderr, "exactly one of 'random' and 'randomprefix' is required\n")
			os.Exit(1)
		}

		names, err := header(*dataname)
		if err != nil {
			logger.Fatal(err)
		}

		yvars = splitNames(*ynames)
		random = selectRandom(names, *randomvars, *prefix)
		if len(random) == 0 {
			logger.Fatalf("no variables start with '%s'", *prefix)
		}

		factors := make(map[string]bool)
		for _, na := range splitNames(*factorvars) {
			factors[na] = true
		}

		var keep []string
		keep = append(keep, yvars...)
		keep = append(keep, random...)
		vars := append(formulaVars(*fixedfml), keep...)

		raw, err := readData(*dataname, vars, factors)
		if err != nil {
			logger.Fatal(err)
		}

		ds, fixed, err = design(*fixedfml, raw, keep)
		if err != nil {
			logger.Fatal(err)
		}
	}

	logger.Printf("%d observations, %d fixed effects, %d random effects", ds.NumObs(), len(fixed), len(random))

	policy := lmm.AbortOnDecrease
	if *cont {
		policy = lmm.ContinueOnDecrease
	}

	var bar *progressbar.ProgressBar
	if len(yvars) > 1 {
		bar = progressbar.Default(int64(len(yvars)), "fitting")
	}

	lp := lmm.NewLogLikePlotter()
	var failed bool
	for _, yname := range yvars {

		rslt, err := lmm.NewLMM(ds, yname).Fixed(fixed...).Random(random...).Done().
			MaxIter(*maxiter).
			Tol(*tol).
			OnDecrease(policy).
			Log(logger).
			Fit()

		var ie *lmm.InstabilityError
		switch {
		case errors.As(err, &ie):
			logger.Printf("%s: %v", yname, err)
			failed = true
		case err != nil:
			logger.Printf("%s: %v", yname, err)
			failed = true
			if bar != nil {
				_ = bar.Add(1)
			}
			continue
		}

		fmt.Printf("Response: %s\n", yname)
		fmt.Println(rslt.Summary().String())
		if err := rslt.Err(); err != nil {
			logger.Printf("%s: %v", yname, err)
		}

		if *plotname != "" {
			if err := lp.Add(rslt, yname); err != nil {
				logger.Print(err)
			}
		}

		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	if *plotname != "" {
		if err := lp.Plot().Save(*plotname); err != nil {
			logger.Fatal(err)
		}
	}

	if failed {
		os.Exit(1)
	}
}
