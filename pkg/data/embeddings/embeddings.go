// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

// Package embeddings holds pretrained word vectors in the fastText text format, and applies
// cross-lingual alignment matrices to them.
//
// The text format is a header line "<vocab_size> <dim>" followed by one line per word:
// the word and its dim values, separated by spaces.
package embeddings

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// Vectors is an in-memory table of word vectors, one row per word.
type Vectors struct {
	words []string
	index map[string]int
	dim   int

	// data is nil if there are no words.
	data *mat.Dense
}

// New creates a Vectors table from the given words and rows. It fails if a word is repeated
// or if the rows don't all have the same dimension.
func New(words []string, rows [][]float64) (*Vectors, error) {
	if len(words) != len(rows) {
		return nil, errors.Errorf("embeddings.New: %d words but %d vectors", len(words), len(rows))
	}
	if len(words) == 0 {
		return nil, errors.New("embeddings.New: no vectors given")
	}
	dim := len(rows[0])
	if dim == 0 {
		return nil, errors.New("embeddings.New: vectors of dimension 0")
	}
	v := &Vectors{
		words: make([]string, 0, len(words)),
		index: make(map[string]int, len(words)),
		dim:   dim,
		data:  mat.NewDense(len(words), dim, nil),
	}
	for ii, word := range words {
		if _, found := v.index[word]; found {
			return nil, errors.Errorf("embeddings.New: word %q repeated", word)
		}
		if len(rows[ii]) != dim {
			return nil, errors.Errorf("embeddings.New: vector for %q has dimension %d, expected %d", word, len(rows[ii]), dim)
		}
		v.index[word] = ii
		v.words = append(v.words, word)
		v.data.SetRow(ii, rows[ii])
	}
	return v, nil
}

// Load reads the vectors file in path.
func Load(path string) (*Vectors, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open word vectors %q", path)
	}
	defer func() { _ = f.Close() }()
	v, err := Read(bufio.NewReaderSize(f, 1<<20))
	if err != nil {
		return nil, errors.WithMessagef(err, "reading word vectors %q", path)
	}
	return v, nil
}

// splitLine splits a line of a vectors file on ASCII spaces only: words may contain other
// Unicode spaces, like the no-break space in "10\u00a0000".
func splitLine(line string) []string {
	line = strings.TrimRight(line, " \r\n")
	if line == "" {
		return nil
	}
	fields := strings.Split(line, " ")
	return slices.DeleteFunc(fields, func(field string) bool { return field == "" })
}

// Read vectors in the fastText text format from r.
//
// The vocabulary size in the header is only a hint: files written by vocabulary compression
// may list fewer words than announced. Repeated words keep their first vector.
func Read(r io.Reader) (*Vectors, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, errors.Wrap(err, "failed reading header")
		}
		return nil, errors.New("empty word vectors file")
	}
	header := splitLine(scanner.Text())
	if len(header) != 2 {
		return nil, errors.Errorf("invalid header %q, expected \"<vocab_size> <dim>\"", scanner.Text())
	}
	vocabSize, err := strconv.Atoi(header[0])
	if err != nil || vocabSize < 0 {
		return nil, errors.Errorf("invalid vocabulary size in header %q", scanner.Text())
	}
	dim, err := strconv.Atoi(header[1])
	if err != nil || dim <= 0 {
		return nil, errors.Errorf("invalid dimension in header %q", scanner.Text())
	}

	words := make([]string, 0, vocabSize)
	values := make([]float64, 0, vocabSize*dim)
	seen := make(map[string]struct{}, vocabSize)
	lineNum := 1
	for scanner.Scan() {
		lineNum++
		fields := splitLine(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != dim+1 {
			return nil, errors.Errorf("line %d: expected word plus %d values, got %d fields", lineNum, dim, len(fields))
		}
		if _, found := seen[fields[0]]; found {
			continue
		}
		for _, field := range fields[1:] {
			value, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d: invalid value for %q", lineNum, fields[0])
			}
			values = append(values, value)
		}
		seen[fields[0]] = struct{}{}
		words = append(words, fields[0])
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed scanning line %d", lineNum+1)
	}
	if len(words) == 0 {
		return nil, errors.New("no word vectors found")
	}
	if len(words) != vocabSize {
		klog.V(1).Infof("word vectors header announced %d words, read %d", vocabSize, len(words))
	}
	v := &Vectors{
		words: words,
		index: make(map[string]int, len(words)),
		dim:   dim,
		data:  mat.NewDense(len(words), dim, values),
	}
	for ii, word := range words {
		v.index[word] = ii
	}
	return v, nil
}

// Len is the number of words.
func (v *Vectors) Len() int { return len(v.words) }

// Dim is the dimension of the vectors.
func (v *Vectors) Dim() int { return v.dim }

// Words in file order. The returned slice must not be modified.
func (v *Vectors) Words() []string { return v.words }

// Lookup returns a copy of the vector of word.
func (v *Vectors) Lookup(word string) ([]float64, bool) {
	idx, found := v.index[word]
	if !found {
		return nil, false
	}
	return mat.Row(nil, idx, v.data), true
}

// ApplyTransform loads a square alignment matrix from path (whitespace-delimited, one row
// per line) and maps every vector with it. See ApplyMatrix.
func (v *Vectors) ApplyTransform(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open alignment matrix %q", path)
	}
	defer func() { _ = f.Close() }()
	m, err := ReadMatrix(f)
	if err != nil {
		return errors.WithMessagef(err, "reading alignment matrix %q", path)
	}
	return v.ApplyMatrix(m)
}

// ApplyMatrix replaces every vector x (a row) by x·W.
// W must be dim×dim.
func (v *Vectors) ApplyMatrix(w mat.Matrix) error {
	rows, cols := w.Dims()
	dim := v.Dim()
	if rows != dim || cols != dim {
		return errors.Errorf("alignment matrix is %dx%d, but vectors have dimension %d", rows, cols, dim)
	}
	if v.data == nil {
		return nil
	}
	var aligned mat.Dense
	aligned.Mul(v.data, w)
	v.data = &aligned
	return nil
}

// ReadMatrix reads a dense matrix written as whitespace-delimited text, one row per line.
func ReadMatrix(r io.Reader) (*mat.Dense, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var (
		values []float64
		cols   int
		rows   int
	)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if rows == 0 {
			cols = len(fields)
		} else if len(fields) != cols {
			return nil, errors.Errorf("row %d has %d values, expected %d", rows+1, len(fields), cols)
		}
		for _, field := range fields {
			value, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "row %d: invalid value", rows+1)
			}
			values = append(values, value)
		}
		rows++
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed scanning matrix")
	}
	if rows == 0 {
		return nil, errors.New("empty matrix")
	}
	return mat.NewDense(rows, cols, values), nil
}

// Subset returns the vectors of the given words that are present, in the given order, and
// the number of words that were missing. Words containing spaces are not representable in
// the text format and count as missing.
func (v *Vectors) Subset(words []string) (subset *Vectors, missing int) {
	subset = &Vectors{index: make(map[string]int), dim: v.dim}
	var rows []float64
	for _, word := range words {
		idx, found := v.index[word]
		if !found || strings.ContainsAny(word, " \t") {
			missing++
			continue
		}
		if _, dup := subset.index[word]; dup {
			continue
		}
		subset.index[word] = len(subset.words)
		subset.words = append(subset.words, word)
		rows = append(rows, v.data.RawRowView(idx)...)
	}
	if len(subset.words) > 0 {
		subset.data = mat.NewDense(len(subset.words), v.Dim(), rows)
	}
	return
}

// Write vectors to w in the fastText text format.
func (v *Vectors) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%d %d\n", v.Len(), v.Dim()); err != nil {
		return errors.Wrap(err, "failed writing header")
	}
	for ii, word := range v.words {
		if _, err := bw.WriteString(word); err != nil {
			return errors.Wrapf(err, "failed writing vector for %q", word)
		}
		for _, value := range v.data.RawRowView(ii) {
			if _, err := fmt.Fprintf(bw, " %s", strconv.FormatFloat(value, 'g', -1, 64)); err != nil {
				return errors.Wrapf(err, "failed writing vector for %q", word)
			}
		}
		if err := bw.WriteByte('\n'); err != nil {
			return errors.Wrapf(err, "failed writing vector for %q", word)
		}
	}
	return errors.Wrap(bw.Flush(), "failed flushing word vectors")
}
