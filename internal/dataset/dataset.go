// Package dataset loads and prepares the tabular data consumed by the
// simulation: labelled feature vectors, a label encoder, standardisation and
// a train/test split.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrNoSamples is returned when a source yields no usable rows.
var ErrNoSamples = errors.New("dataset has no samples")

// Sample is one labelled row.
type Sample struct {
	Features []float64
	Label    int
}

// Dataset is an ordered collection of samples plus the encoder that maps
// label indices back to their original class names.
type Dataset struct {
	Samples  []Sample
	Classes  []string // Index i is the name of label i
	Features []string // Column names, in feature order
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	return len(d.Samples)
}

// NumFeatures returns the width of a feature vector.
func (d *Dataset) NumFeatures() int {
	if len(d.Samples) == 0 {
		return len(d.Features)
	}
	return len(d.Samples[0].Features)
}

// NumClasses returns the number of encoded labels.
func (d *Dataset) NumClasses() int {
	return len(d.Classes)
}

// Labels returns every sample's label in order.
func (d *Dataset) Labels() []int {
	labels := make([]int, len(d.Samples))
	for i, s := range d.Samples {
		labels[i] = s.Label
	}
	return labels
}

// CSVOptions controls LoadCSV.
type CSVOptions struct {
	Delimiter rune   // Field separator; the student dataset uses ';'
	Target    string // Header of the label column
}

// DefaultCSVOptions matches the "Predict Students' Dropout and Academic
// Success" export.
func DefaultCSVOptions() CSVOptions {
	return CSVOptions{Delimiter: ';', Target: "Target"}
}

// LoadCSV reads a headered CSV file. Every column except the target must be
// numeric. Labels are encoded by sorting the distinct target values.
func LoadCSV(path string, opts CSVOptions) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	return ReadCSV(f, opts)
}

// ReadCSV is LoadCSV over an arbitrary reader.
func ReadCSV(r io.Reader, opts CSVOptions) (*Dataset, error) {
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
	}
	if opts.Target == "" {
		opts.Target = "Target"
	}

	reader := csv.NewReader(r)
	reader.Comma = opts.Delimiter
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}
	target := slices.Index(header, opts.Target)
	if target < 0 {
		return nil, fmt.Errorf("target column %q not found", opts.Target)
	}

	features := make([]string, 0, len(header)-1)
	for i, h := range header {
		if i != target {
			features = append(features, h)
		}
	}

	var rows [][]float64
	var rawLabels []string
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}
		row := make([]float64, 0, len(features))
		for i, field := range record {
			if i == target {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %q: %w", line, header[i], err)
			}
			row = append(row, v)
		}
		rows = append(rows, row)
		rawLabels = append(rawLabels, strings.TrimSpace(record[target]))
	}
	if len(rows) == 0 {
		return nil, ErrNoSamples
	}

	classes, encoded := EncodeLabels(rawLabels)
	ds := &Dataset{Classes: classes, Features: features, Samples: make([]Sample, len(rows))}
	for i, row := range rows {
		ds.Samples[i] = Sample{Features: row, Label: encoded[i]}
	}
	return ds, nil
}

// EncodeLabels maps string labels to indices into the sorted set of
// distinct values.
func EncodeLabels(raw []string) (classes []string, encoded []int) {
	seen := make(map[string]struct{}, 4)
	for _, l := range raw {
		if _, ok := seen[l]; !ok {
			seen[l] = struct{}{}
			classes = append(classes, l)
		}
	}
	slices.Sort(classes)

	index := make(map[string]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	encoded = make([]int, len(raw))
	for i, l := range raw {
		encoded[i] = index[l]
	}
	return classes, encoded
}

// Split shuffles a copy of the samples and divides them into a train and a
// test dataset. testFraction must lie in (0, 1).
func (d *Dataset) Split(testFraction float64, rng *rand.Rand) (train, test *Dataset, err error) {
	if testFraction <= 0 || testFraction >= 1 {
		return nil, nil, fmt.Errorf("test fraction %v must be in (0, 1)", testFraction)
	}
	if len(d.Samples) < 2 {
		return nil, nil, ErrNoSamples
	}
	samples := slices.Clone(d.Samples)
	rng.Shuffle(len(samples), func(i, j int) { samples[i], samples[j] = samples[j], samples[i] })

	nTest := int(math.Round(testFraction * float64(len(samples))))
	nTest = max(1, min(nTest, len(samples)-1))

	test = &Dataset{Samples: samples[:nTest], Classes: d.Classes, Features: d.Features}
	train = &Dataset{Samples: samples[nTest:], Classes: d.Classes, Features: d.Features}
	return train, test, nil
}

// Scaler standardises features to zero mean and unit variance.
type Scaler struct {
	Mean []float64
	Std  []float64
}

// FitScaler computes per-feature statistics over samples.
func FitScaler(samples []Sample) *Scaler {
	if len(samples) == 0 {
		return &Scaler{}
	}
	width := len(samples[0].Features)
	sc := &Scaler{Mean: make([]float64, width), Std: make([]float64, width)}
	column := make([]float64, len(samples))
	for j := 0; j < width; j++ {
		for i, s := range samples {
			column[i] = s.Features[j]
		}
		mean, std := stat.PopMeanStdDev(column, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		sc.Mean[j], sc.Std[j] = mean, std
	}
	return sc
}

// Transform returns standardised copies of samples.
func (sc *Scaler) Transform(samples []Sample) []Sample {
	out := make([]Sample, len(samples))
	for i, s := range samples {
		f := make([]float64, len(s.Features))
		for j, v := range s.Features {
			if j < len(sc.Mean) {
				v = (v - sc.Mean[j]) / sc.Std[j]
			}
			f[j] = v
		}
		out[i] = Sample{Features: f, Label: s.Label}
	}
	return out
}

// SyntheticOptions shapes a generated dataset.
type SyntheticOptions struct {
	Samples  int
	Features int
	Classes  int
	Spread   float64 // Standard deviation around each class centre
}

// Synthetic draws Gaussian blobs, one centre per class, for runs and tests
// that have no CSV at hand. Class proportions are unequal,
// roughly matching the 50/32/18 split of the student dataset for three
// classes.
func Synthetic(opts SyntheticOptions, rng *rand.Rand) (*Dataset, error) {
	if opts.Samples <= 0 || opts.Features <= 0 || opts.Classes < 2 {
		return nil, fmt.Errorf("synthetic dataset needs samples>0, features>0, classes>=2; got %+v", opts)
	}
	if opts.Spread <= 0 {
		opts.Spread = 1
	}

	centres := make([][]float64, opts.Classes)
	for c := range centres {
		centres[c] = make([]float64, opts.Features)
		for j := range centres[c] {
			centres[c][j] = rng.Float64()*6 - 3
		}
	}
	noise := distuv.Normal{Mu: 0, Sigma: opts.Spread, Src: rng}

	weights := make([]float64, opts.Classes)
	for c := range weights {
		weights[c] = 1 / float64(c+1)
	}
	classes := distuv.NewCategorical(weights, rng)

	ds := &Dataset{
		Samples:  make([]Sample, opts.Samples),
		Classes:  make([]string, opts.Classes),
		Features: make([]string, opts.Features),
	}
	for c := range ds.Classes {
		ds.Classes[c] = fmt.Sprintf("class-%d", c)
	}
	for j := range ds.Features {
		ds.Features[j] = fmt.Sprintf("x%d", j)
	}
	for i := range ds.Samples {
		label := int(classes.Rand())
		f := make([]float64, opts.Features)
		for j := range f {
			f[j] = centres[label][j] + noise.Rand()
		}
		ds.Samples[i] = Sample{Features: f, Label: label}
	}
	return ds, nil
}
