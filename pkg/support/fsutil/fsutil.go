// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with the paths given in flags and
// configuration files.
package fsutil

import (
	"os"
	"os/user"
	"path"
	"strings"

	"github.com/pkg/errors"
)

// FileExists returns whether the file or directory exists, or an error if something went
// wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to stat %q", path)
}

// RequireFile returns an error if path is not an existing regular file. what names the
// file in the error message (e.g.: "train treebank").
func RequireFile(what, path string) error {
	if path == "" {
		return errors.Errorf("%s not configured", what)
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errors.Errorf("%s %q not found", what, path)
		}
		return errors.Wrapf(err, "failed to stat %s %q", what, path)
	}
	if info.IsDir() {
		return errors.Errorf("%s %q is a directory", what, path)
	}
	return nil
}

// ReplaceTildeInDir replaces a leading "~" or "~user" by the corresponding home directory.
// Other paths are returned unchanged.
func ReplaceTildeInDir(dir string) (string, error) {
	if !strings.HasPrefix(dir, "~") {
		return dir, nil
	}
	userName := dir[1:]
	if sepIdx := strings.IndexRune(dir, '/'); sepIdx != -1 {
		userName = dir[1:sepIdx]
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	return path.Join(usr.HomeDir, dir[1+len(userName):]), nil
}
