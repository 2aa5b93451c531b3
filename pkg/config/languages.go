// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package config

// LanguageParams are the per language training parameters and data files. File paths are
// relative to Config.DataRoot.
type LanguageParams struct {
	CoupleLayers int `yaml:"couple_layers"`
	CellLayers   int `yaml:"cell_layers"`
	LSTMLayers   int `yaml:"lstm_layers"`
	ValidNEpoch  int `yaml:"valid_nepoch"`
	Epochs       int `yaml:"epochs"`
	BatchSize    int `yaml:"batch_size"`

	EmbDir    string `yaml:"emb_dir"`
	TrainFile string `yaml:"train_file"`
	ValFile   string `yaml:"val_file"`
	TestFile  string `yaml:"test_file"`
	VecFile   string `yaml:"vec_file"`
	AlignFile string `yaml:"align_file"`
}

// DefaultLSTMLayers is used for languages that don't set it.
const DefaultLSTMLayers = 2

// ud22 builds the parameters shared by the UD v2.2 treebank languages.
func ud22(lang, treebankDir, treebank, valSplit, vecFile string) LanguageParams {
	prefix := "ud-treebanks-v2.2/" + treebankDir + "/" + lang + "_" + treebank + "-ud-"
	return LanguageParams{
		CoupleLayers: 8,
		CellLayers:   1,
		LSTMLayers:   DefaultLSTMLayers,
		ValidNEpoch:  1,
		Epochs:       5,
		BatchSize:    16,
		EmbDir:       "fastText_data",
		TrainFile:    prefix + "train.conllu",
		ValFile:      prefix + valSplit + ".conllu",
		TestFile:     prefix + "test.conllu",
		VecFile:      "fastText_data/" + vecFile,
		AlignFile:    "multilingual_trans/alignment_matrices/" + lang + ".txt",
	}
}

// Languages is the registry of the languages with known treebanks and embeddings.
var Languages = map[string]LanguageParams{
	"da": ud22("da", "UD_Danish-DDT", "ddt", "dev", "wiki.da.ddt.vec.new"),
	"et": ud22("et", "UD_Estonian-EDT", "edt", "dev", "wiki.et.edt.vec.new"),
	"fa": ud22("fa", "UD_Persian-Seraji", "seraji", "dev", "wiki.fa.seraji.vec.new"),
	"tl": ud22("tl", "UD_Tagalog-TRG", "trg", "test", "wiki.tl.trg.vec.new"),
	"tr": ud22("tr", "UD_Turkish-IMST", "imst", "dev", "wiki.tr.imst.vec.new"),

	// Thai only has the PUD test treebank, used for all splits.
	"th": {
		CoupleLayers: 4,
		CellLayers:   1,
		LSTMLayers:   DefaultLSTMLayers,
		ValidNEpoch:  1,
		Epochs:       50,
		BatchSize:    16,
		EmbDir:       "fastText_data",
		TrainFile:    "ud-treebanks-v2.2/UD_Thai-PUD/th_pud-ud-test.conllu",
		ValFile:      "ud-treebanks-v2.2/UD_Thai-PUD/th_pud-ud-test.conllu",
		TestFile:     "ud-treebanks-v2.2/UD_Thai-PUD/th_pud-ud-test.conllu",
		VecFile:      "fastText_data/wiki.th.pud.vec",
		AlignFile:    "multilingual_trans/alignment_matrices/th.txt",
	},
}
