// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints saves and restores model variables to a single checkpoint file,
// overwritten in place on each save.
//
// The file holds one JSON metadata line (run id, score, variable names, groups and shapes)
// followed by the raw little-endian float64 values of every variable, in order. The whole
// file may be gzip compressed (the default).
//
// Example:
//
//	ckpt, err := checkpoints.Build(saveDir).Name("da", "supervised_wpos", "nice", 0, 0).Done()
//	...
//	err = ckpt.Save(model.Variables(), acc)
//	...
//	err = ckpt.Restore(model.Variables())
package checkpoints

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/dmvflow/dmvflow/pkg/ml/params"
	"github.com/dmvflow/dmvflow/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// FilePermMode is the permission of the checkpoint files written.
	FilePermMode = os.FileMode(0660)
)

// FileSuffix of checkpoint files.
const FileSuffix = ".pt"

// formatVersion is written in the header, and checked on load.
const formatVersion = 1

// BinFormat defines the compression of checkpoint files.
type BinFormat int

const (
	// BinGZIP compresses the whole checkpoint file with gzip.
	BinGZIP BinFormat = iota

	// BinUncompressed writes the checkpoint file as is.
	BinUncompressed
)

// Config for the checkpoints Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() to get the Handler.
type Config struct {
	dir, baseName string
	binFormat     BinFormat
	err           error
}

// Build a checkpoints Handler configuration that stores checkpoints in dir. The directory
// is created if it doesn't exist. A "~" prefix is replaced by the user home directory.
func Build(dir string) *Config {
	c := &Config{}
	if dir == "" {
		c.err = errors.New("checkpoints directory not configured")
		return c
	}
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		c.err = err
		return c
	}
	c.dir = dir
	fileInfo, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		c.err = errors.Wrapf(err, "failed to os.Stat(%q)", dir)
		return c
	}
	if err == nil {
		if !fileInfo.IsDir() {
			c.err = errors.Errorf("directory name %q exists but it's a normal file, not a directory", dir)
		}
		return c
	}
	if err = os.MkdirAll(dir, DirPermMode); err != nil {
		c.err = errors.Wrapf(err, "trying to create dir %q", dir)
	}
	return c
}

// Name sets the checkpoint file name from the run identification:
// "<lang>_<mode>_<model>_<jobID>_<taskID>.pt".
func (c *Config) Name(lang, mode, model string, jobID, taskID int) *Config {
	return c.File(fmt.Sprintf("%s_%s_%s_%d_%d%s", lang, mode, model, jobID, taskID, FileSuffix))
}

// File sets the checkpoint file name explicitly.
func (c *Config) File(name string) *Config {
	if name == "" || filepath.Base(name) != name {
		c.err = errors.Errorf("invalid checkpoint file name %q, it must be a plain file name", name)
		return c
	}
	c.baseName = name
	return c
}

// WithCompression sets the binary format. The default is BinGZIP.
func (c *Config) WithCompression(bf BinFormat) *Config {
	c.binFormat = bf
	if bf != BinGZIP && bf != BinUncompressed {
		c.binFormat = BinGZIP
	}
	return c
}

// Done creates a Handler with the current configuration. It returns an error if
// the configuration is invalid or if it's missing information.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.baseName == "" {
		return nil, errors.New("checkpoint file name not configured, use Config.Name or Config.File")
	}
	h := &Handler{
		config: c,
		path:   filepath.Join(c.dir, c.baseName),
		runID:  uuid.NewString(),
	}
	klog.V(1).Infof("%s: run id %s", h, h.runID)
	return h, nil
}

// Handler saves and restores checkpoints of one training run.
// It implements train.Checkpointer.
type Handler struct {
	config *Config
	path   string
	runID  string
}

// String implements fmt.Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.path)
}

// Path of the checkpoint file.
func (h *Handler) Path() string { return h.path }

// RunID identifies the training run, and is stored in every checkpoint saved.
func (h *Handler) RunID() string { return h.runID }

// Exists returns whether a checkpoint was saved.
func (h *Handler) Exists() bool {
	_, err := os.Stat(h.path)
	return err == nil
}

// Header is the metadata stored at the start of a checkpoint file.
type Header struct {
	Format    int             `json:"format"`
	RunID     string          `json:"run_id"`
	SavedAt   time.Time       `json:"saved_at"`
	Score     float64         `json:"score"`
	Variables []VariableEntry `json:"variables"`
}

// VariableEntry describes one variable of a checkpoint.
type VariableEntry struct {
	Name  string `json:"name"`
	Group string `json:"group"`
	Shape []int  `json:"shape"`
}

// size is the number of elements of the variable.
func (e *VariableEntry) size() int {
	n := 1
	for _, dim := range e.Shape {
		n *= dim
	}
	return n
}

// Save all vars, with the score they achieved, overwriting any previous checkpoint.
//
// The file is written to a temporary file first and then renamed, so an interrupted save
// never leaves a partial checkpoint behind.
func (h *Handler) Save(vars []*params.Variable, score float64) error {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return errors.Errorf("%s: invalid score %f", h, score)
	}
	header := Header{
		Format:  formatVersion,
		RunID:   h.runID,
		SavedAt: time.Now(),
		Score:   score,
	}
	seen := make(map[string]bool, len(vars))
	for _, v := range vars {
		if seen[v.Name()] {
			return errors.Errorf("%s: variable %q given more than once", h, v.Name())
		}
		seen[v.Name()] = true
		header.Variables = append(header.Variables, VariableEntry{Name: v.Name(), Group: string(v.Group()), Shape: v.Shape()})
	}

	tmp, err := os.CreateTemp(h.config.dir, h.config.baseName+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create temporary checkpoint file", h)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	err = h.write(tmp, &header, vars)
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "%s: failed to close checkpoint file %s", h, tmpPath)
	}
	if err != nil {
		return err
	}
	if err = os.Chmod(tmpPath, FilePermMode); err != nil {
		return errors.Wrapf(err, "%s: failed to os.Chmod(%q)", h, tmpPath)
	}
	if err = os.Rename(tmpPath, h.path); err != nil {
		return errors.Wrapf(err, "%s: failed to move checkpoint into place", h)
	}
	klog.V(1).Infof("%s: saved %d variables, score %.4f", h, len(vars), score)
	return nil
}

func (h *Handler) write(f io.Writer, header *Header, vars []*params.Variable) error {
	w := bufio.NewWriter(f)
	var out io.Writer = w
	var gz *gzip.Writer
	if h.config.binFormat == BinGZIP {
		gz = gzip.NewWriter(w)
		out = gz
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to encode checkpoint header", h)
	}
	headerJSON = append(headerJSON, '\n')
	if _, err = out.Write(headerJSON); err != nil {
		return errors.Wrapf(err, "%s: failed to write checkpoint header", h)
	}
	for _, v := range vars {
		if err = binary.Write(out, binary.LittleEndian, v.Values()); err != nil {
			return errors.Wrapf(err, "%s: failed to write variable %s", h, v)
		}
	}
	if gz != nil {
		if err = gz.Close(); err != nil {
			return errors.Wrapf(err, "%s: failed to compress checkpoint", h)
		}
	}
	return errors.Wrapf(w.Flush(), "%s: failed to flush checkpoint", h)
}

// Restore the values of vars from the checkpoint. Every variable must be present in the
// checkpoint with the same shape, otherwise nothing is restored.
func (h *Handler) Restore(vars []*params.Variable) error {
	ckpt, err := Load(h.path)
	if err != nil {
		return err
	}
	return ckpt.restore(vars)
}

// Checkpoint is the loaded contents of a checkpoint file.
type Checkpoint struct {
	Header Header
	values map[string][]float64
	byName map[string]*VariableEntry
}

// Load the checkpoint file at path.
func Load(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint %q", path)
	}
	defer func() { _ = f.Close() }()
	ckpt, err := read(bufio.NewReader(f))
	if err != nil {
		return nil, errors.WithMessagef(err, "reading checkpoint %q", path)
	}
	return ckpt, nil
}

// gzipMagic are the first bytes of a gzip stream.
var gzipMagic = []byte{0x1f, 0x8b}

func read(r *bufio.Reader) (*Checkpoint, error) {
	in := r
	magic, err := r.Peek(len(gzipMagic))
	if err == nil && bytes.Equal(magic, gzipMagic) {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decompress")
		}
		defer func() { _ = gz.Close() }()
		in = bufio.NewReader(gz)
	}
	line, err := in.ReadBytes('\n')
	if err != nil {
		return nil, errors.Wrap(err, "failed to read header")
	}
	ckpt := &Checkpoint{
		values: make(map[string][]float64),
		byName: make(map[string]*VariableEntry),
	}
	if err = json.Unmarshal(line, &ckpt.Header); err != nil {
		return nil, errors.Wrap(err, "failed to decode header")
	}
	if ckpt.Header.Format != formatVersion {
		return nil, errors.Errorf("unsupported checkpoint format %d, expected %d", ckpt.Header.Format, formatVersion)
	}
	for ii := range ckpt.Header.Variables {
		entry := &ckpt.Header.Variables[ii]
		if entry.size() <= 0 {
			return nil, errors.Errorf("variable %q has invalid shape %v", entry.Name, entry.Shape)
		}
		values := make([]float64, entry.size())
		if err = binary.Read(in, binary.LittleEndian, values); err != nil {
			return nil, errors.Wrapf(err, "failed to read values of variable %q", entry.Name)
		}
		ckpt.values[entry.Name] = values
		ckpt.byName[entry.Name] = entry
	}
	return ckpt, nil
}

// Score stored with the checkpoint.
func (c *Checkpoint) Score() float64 { return c.Header.Score }

// Has returns whether the checkpoint holds a variable with the given name.
func (c *Checkpoint) Has(name string) bool {
	_, found := c.byName[name]
	return found
}

// Values returns a copy of the values of the named variable.
func (c *Checkpoint) Values(name string) ([]float64, bool) {
	values, found := c.values[name]
	if !found {
		return nil, false
	}
	return append([]float64(nil), values...), true
}

// restore copies the values of vars, after checking all of them are compatible.
func (c *Checkpoint) restore(vars []*params.Variable) error {
	for _, v := range vars {
		entry, found := c.byName[v.Name()]
		if !found {
			return errors.Errorf("variable %s missing from checkpoint", v)
		}
		if !v.SameShape(entry.Shape) {
			return errors.Errorf("variable %s has shape %v in checkpoint", v, entry.Shape)
		}
	}
	for _, v := range vars {
		v.SetValues(c.values[v.Name()])
	}
	return nil
}

// LoadSubset restores vars from the checkpoint file at path: typically a pretrained subset
// of a model's variables, saved by a previous run.
func LoadSubset(path string, vars []*params.Variable) error {
	ckpt, err := Load(path)
	if err != nil {
		return err
	}
	if err = ckpt.restore(vars); err != nil {
		return errors.WithMessagef(err, "loading variables from %q", path)
	}
	klog.Infof("loaded %d variables from %q (run %s, score %.4f)", len(vars), path, ckpt.Header.RunID, ckpt.Score())
	return nil
}
