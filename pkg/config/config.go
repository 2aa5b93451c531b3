// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

// Package config defines the configuration of a training run: the command line options,
// merged with the parameters of the language from the Languages registry, optionally
// overridden from a YAML file or from "key=value" settings.
//
// Example:
//
//	cfg, err := config.ForLanguage("da")
//	...
//	err = cfg.LoadYAML("overrides.yaml")
//	...
//	err = cfg.ApplySettings("epochs=10;batch_size=32")
//	...
//	err = cfg.Validate()
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dmvflow/dmvflow/pkg/ml/dmv"
	"github.com/dmvflow/dmvflow/pkg/ml/train"
	"github.com/dmvflow/dmvflow/pkg/ml/train/optimizers"
	"github.com/dmvflow/dmvflow/pkg/support/fsutil"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"gopkg.in/yaml.v3"
)

// Config of a training run. The YAML keys match the command line flags.
type Config struct {
	Language  string  `yaml:"lang"`
	Model     string  `yaml:"model"`
	Mode      string  `yaml:"mode"`
	Optimizer string  `yaml:"opt"`
	PriorLR   float64 `yaml:"prior_lr"`
	ProjLR    float64 `yaml:"proj_lr"`
	ClipNorm  float64 `yaml:"clip_norm"`

	// MaxLen drops longer sentences from all splits.
	MaxLen int `yaml:"max_len"`

	// LoadNICE and LoadGaussian are optional pretrained checkpoints.
	LoadNICE     string `yaml:"load_nice"`
	LoadGaussian string `yaml:"load_gaussian"`

	Seed    int64 `yaml:"seed"`
	SetSeed bool  `yaml:"set_seed"`

	// JobID and TaskID identify the run in the checkpoint name.
	JobID  int `yaml:"jobid"`
	TaskID int `yaml:"taskid"`

	SaveDir string `yaml:"save_dir"`

	// DataRoot is prepended to the relative data file paths.
	DataRoot string `yaml:"data_root"`

	LanguageParams `yaml:",inline"`
}

// Default values.
const (
	DefaultModel     = dmv.Gaussian
	DefaultMode      = train.SupervisedWithPOS
	DefaultOptimizer = "adam"
	DefaultLR        = 0.001
	DefaultMaxLen    = 1000
	DefaultSeed      = 783435
	DefaultSaveDir   = "dump_models/dmv"
)

// Default returns a Config with default values and no language.
func Default() *Config {
	return &Config{
		Model:     string(DefaultModel),
		Mode:      string(DefaultMode),
		Optimizer: DefaultOptimizer,
		PriorLR:   DefaultLR,
		ProjLR:    DefaultLR,
		ClipNorm:  train.DefaultClipNorm,
		MaxLen:    DefaultMaxLen,
		Seed:      DefaultSeed,
		SaveDir:   DefaultSaveDir,
	}
}

// ForLanguage returns the default Config with the parameters of lang from Languages.
func ForLanguage(lang string) (*Config, error) {
	c := Default()
	if err := c.SetLanguage(lang); err != nil {
		return nil, err
	}
	return c, nil
}

// SetLanguage replaces the language parameters by those of lang from Languages.
func (c *Config) SetLanguage(lang string) error {
	params, found := Languages[lang]
	if !found {
		return errors.Errorf("unknown language %q, known languages are %q", lang, KnownLanguages())
	}
	c.Language = lang
	c.LanguageParams = params
	return nil
}

// KnownLanguages returns the sorted keys of Languages.
func KnownLanguages() []string {
	langs := maps.Keys(Languages)
	slices.Sort(langs)
	return langs
}

// LoadYAML overrides the fields present in the YAML file at path. Unknown keys are an
// error. If the file sets "lang", the parameters of that language are loaded first, and
// the rest of the file applies on top of them.
func (c *Config) LoadYAML(path string) error {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return err
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read configuration %q", path)
	}
	if err = c.decodeYAML(contents); err != nil {
		return errors.WithMessagef(err, "configuration %q", path)
	}
	return nil
}

func (c *Config) decodeYAML(contents []byte) error {
	var header struct {
		Language string `yaml:"lang"`
	}
	if err := yaml.Unmarshal(contents, &header); err != nil {
		return errors.Wrap(err, "failed to parse YAML")
	}
	if header.Language != "" && header.Language != c.Language {
		if err := c.SetLanguage(header.Language); err != nil {
			return err
		}
	}
	decoder := yaml.NewDecoder(bytes.NewReader(contents))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && err != io.EOF {
		return errors.Wrap(err, "failed to decode YAML")
	}
	return nil
}

// ApplySettings overrides fields from settings of the form "key=value;key=value", with the
// keys of the YAML configuration. An entry "file:<path>" reads settings from a file, one or
// more per line, with lines starting with "#" ignored.
//
// It returns the keys set, in order.
func (c *Config) ApplySettings(settings string) (keys []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		setting = strings.TrimSpace(setting)
		if setting == "" {
			continue
		}
		if filePath, found := strings.CutPrefix(setting, "file:"); found {
			fileKeys, err := c.applySettingsFile(filePath)
			if err != nil {
				return keys, err
			}
			keys = append(keys, fileKeys...)
			continue
		}
		key, value, found := strings.Cut(setting, "=")
		if !found || key == "" {
			return keys, errors.Errorf("can't parse setting %q: each setting requires the format \"<key>=<value>\"", setting)
		}
		key = strings.TrimSpace(key)
		if key == "lang" {
			err = c.SetLanguage(strings.TrimSpace(value))
		} else {
			err = c.decodeYAML([]byte(fmt.Sprintf("%s: %s\n", key, value)))
		}
		if err != nil {
			return keys, errors.WithMessagef(err, "setting %q", setting)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (c *Config) applySettingsFile(filePath string) ([]string, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read settings from file %q", filePath)
	}
	var keys []string
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lineKeys, err := c.ApplySettings(line)
		keys = append(keys, lineKeys...)
		if err != nil {
			return keys, errors.WithMessagef(err, "settings file %q", filePath)
		}
	}
	return keys, nil
}

// Validate checks the configuration is complete and its choices are known.
func (c *Config) Validate() error {
	if c.Language == "" {
		return errors.New("language not configured")
	}
	if _, err := dmv.ParseProjection(c.Model); err != nil {
		return err
	}
	if _, err := train.ParseMode(c.Mode); err != nil {
		return err
	}
	if _, err := optimizers.ByName(c.Optimizer); err != nil {
		return err
	}
	switch {
	case c.PriorLR <= 0 || c.ProjLR <= 0:
		return errors.Errorf("learning rates must be positive, got prior_lr=%g, proj_lr=%g", c.PriorLR, c.ProjLR)
	case c.BatchSize <= 0:
		return errors.Errorf("batch_size must be positive, got %d", c.BatchSize)
	case c.Epochs < 0:
		return errors.Errorf("epochs must not be negative, got %d", c.Epochs)
	case c.CoupleLayers < 0 || c.CellLayers < 0 || c.LSTMLayers < 0:
		return errors.Errorf("invalid flow layers: couple_layers=%d, cell_layers=%d, lstm_layers=%d",
			c.CoupleLayers, c.CellLayers, c.LSTMLayers)
	case c.TrainFile == "" || c.ValFile == "" || c.TestFile == "" || c.VecFile == "":
		return errors.New("train_file, val_file, test_file and vec_file are required")
	case c.SaveDir == "":
		return errors.New("save_dir is required")
	}
	return nil
}

// RunName identifies the run: "<lang>_<mode>_<model>_<jobid>_<taskid>".
func (c *Config) RunName() string {
	return fmt.Sprintf("%s_%s_%s_%d_%d", c.Language, c.Mode, c.Model, c.JobID, c.TaskID)
}

// CheckpointPath is where the checkpoint of the run is saved.
func (c *Config) CheckpointPath() string {
	return filepath.Join(c.SaveDir, c.RunName()+".pt")
}

// DataPath resolves a data file path: relative paths are taken from DataRoot.
func (c *Config) DataPath(path string) string {
	if path == "" || filepath.IsAbs(path) || c.DataRoot == "" {
		return path
	}
	return filepath.Join(c.DataRoot, path)
}

// TrainConfig is the configuration of the trainer.
func (c *Config) TrainConfig() train.Config {
	return train.Config{
		Mode:        train.Mode(c.Mode),
		Optimizer:   c.Optimizer,
		PriorLR:     c.PriorLR,
		ProjLR:      c.ProjLR,
		BatchSize:   c.BatchSize,
		Epochs:      c.Epochs,
		ValidNEpoch: c.ValidNEpoch,
		ClipNorm:    c.ClipNorm,
		Seed:        c.Seed,
		SetSeed:     c.SetSeed,
	}
}

// ModelOptions are the options of the model, given the POS vocabulary size and the
// embeddings dimension of the data. Without set_seed the model is seeded from the clock.
func (c *Config) ModelOptions(numTags, dim int) dmv.Options {
	mode := train.Mode(c.Mode)
	seed := c.Seed
	if !c.SetSeed {
		seed = time.Now().UnixNano()
	}
	return dmv.Options{
		Projection:       dmv.Projection(c.Model),
		NumTags:          numTags,
		Dim:              dim,
		CoupleLayers:     c.CoupleLayers,
		CellLayers:       c.CellLayers,
		ContextWindow:    c.LSTMLayers,
		InitFromGoldTags: mode.IsSupervised(),
		LoadNICE:         c.DataPath(c.LoadNICE),
		LoadGaussian:     c.DataPath(c.LoadGaussian),
		Seed:             seed,
	}
}

// String prints the configuration as YAML.
func (c *Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("config.Config(%v)", err)
	}
	return string(out)
}
