// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

// Package conllu reads treebanks in the CoNLL-U format.
//
// Sentences are separated by blank lines, comment lines start with "#", and each token line
// holds 10 tab-separated fields. Multiword token ranges ("1-2") and empty nodes ("1.1") are
// skipped, since they take no part in the basic dependency tree.
//
// See https://universaldependencies.org/format.html
package conllu

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	fieldSeparator = "\t"
	numFields      = 10

	// NoHead is the Token.Head value when the HEAD field is unspecified ("_").
	NoHead = -1
)

// Token is one syntactic word of a sentence.
type Token struct {
	// ID is the 1-based position of the word in the sentence.
	ID int

	Form, Lemma string

	// UPOS is the universal part-of-speech tag, XPOS the language specific one.
	UPOS, XPOS string

	// Head is the ID of the syntactic head, 0 for the root, or NoHead if unspecified.
	Head int

	DepRel string
}

// Sentence is a sequence of tokens, with the comments that preceded it.
type Sentence struct {
	Comments []string
	Tokens   []Token
}

// Len returns the number of tokens.
func (s *Sentence) Len() int { return len(s.Tokens) }

// Forms returns the word forms of the sentence.
func (s *Sentence) Forms() []string {
	forms := make([]string, len(s.Tokens))
	for ii, token := range s.Tokens {
		forms[ii] = token.Form
	}
	return forms
}

// ReadFile reads all sentences of the CoNLL-U file in path.
func ReadFile(path string) ([]*Sentence, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open treebank %q", path)
	}
	defer func() { _ = f.Close() }()
	sentences, err := Read(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading treebank %q", path)
	}
	return sentences, nil
}

// Read all sentences from r.
func Read(r io.Reader) ([]*Sentence, error) {
	var (
		sentences []*Sentence
		current   = &Sentence{}
		lineNum   int
	)
	flush := func() {
		if len(current.Tokens) > 0 {
			sentences = append(sentences, current)
		}
		current = &Sentence{}
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, "#") {
			current.Comments = append(current.Comments, strings.TrimSpace(strings.TrimPrefix(line, "#")))
			continue
		}
		token, skip, err := parseToken(line)
		if err != nil {
			return nil, errors.WithMessagef(err, "line %d", lineNum)
		}
		if skip {
			continue
		}
		if token.ID != len(current.Tokens)+1 {
			return nil, errors.Errorf("line %d: token ID %d out of sequence, expected %d",
				lineNum, token.ID, len(current.Tokens)+1)
		}
		current.Tokens = append(current.Tokens, token)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed scanning line %d", lineNum+1)
	}
	flush()
	return sentences, nil
}

// parseToken parses one token line. It returns skip=true for multiword ranges and empty nodes.
func parseToken(line string) (token Token, skip bool, err error) {
	fields := strings.Split(line, fieldSeparator)
	if len(fields) != numFields {
		err = errors.Errorf("expected %d tab-separated fields, got %d", numFields, len(fields))
		return
	}
	if strings.ContainsAny(fields[0], "-.") {
		skip = true
		return
	}
	token.ID, err = strconv.Atoi(fields[0])
	if err != nil || token.ID <= 0 {
		err = errors.Errorf("invalid token ID %q", fields[0])
		return
	}
	token.Form = fields[1]
	token.Lemma = fields[2]
	token.UPOS = fields[3]
	token.XPOS = fields[4]
	token.DepRel = fields[7]
	if fields[6] == "_" {
		token.Head = NoHead
		return
	}
	token.Head, err = strconv.Atoi(fields[6])
	if err != nil || token.Head < 0 {
		err = errors.Errorf("invalid HEAD %q for token %d", fields[6], token.ID)
	}
	return
}
