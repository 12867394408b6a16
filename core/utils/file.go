// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package utils provides filesystem helpers shared by the host and the
// operator client.
package utils

import (
	"errors"
	"fmt"
	"os"
)

// BothExists returns true if both files exist.
func BothExists(a, b string) bool {
	return Exists(a) && Exists(b)
}

// BothNotExists returns true if neither file exists.
func BothNotExists(a, b string) bool {
	return !Exists(a) && !Exists(b)
}

// Exists returns true if f exists. Stat failures other than not-exist are
// treated as existing so callers don't clobber files they can't inspect.
func Exists(f string) bool {
	_, err := os.Stat(f)
	return !errors.Is(err, os.ErrNotExist)
}

// MkDataDir ensures d exists as a directory with mode 0700, creating it if
// needed.
func MkDataDir(d string) error {
	const dirMode = os.ModeDir | 0700

	fi, err := os.Lstat(d)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat() DataDir: %v", err)
		}
		if err = os.MkdirAll(d, dirMode); err != nil {
			return fmt.Errorf("failed to create DataDir: %v", err)
		}
		return nil
	}
	if !fi.IsDir() {
		return fmt.Errorf("DataDir '%v' is not a directory", d)
	}
	if fi.Mode() != dirMode {
		return fmt.Errorf("DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
	}
	return nil
}
