package wallet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

var ErrFileNotFound = errors.New("test file not found in its directory listing")

// ListFilenames returns the regular files in dir, trimmed and sorted by byte
// order. The order is what makes offsets reproducible, so it must not depend
// on locale or on the order the filesystem returns entries in.
func ListFilenames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		names = append(names, strings.TrimSpace(e.Name()))
	}
	sort.Strings(names)
	return names, nil
}

// OffsetForFile is the rank of path among the files of its own directory.
func OffsetForFile(path string) (int, error) {
	off, _, err := rankInDir(path)
	return off, err
}

// rankInDir returns the rank of path and the number of files beside it.
func rankInDir(path string) (rank, files int, err error) {
	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	names, err := ListFilenames(dir)
	if err != nil {
		return 0, 0, err
	}
	name = strings.TrimSpace(name)
	i := sort.SearchStrings(names, name)
	if i == len(names) || names[i] != name {
		return 0, 0, fmt.Errorf("%w: %q in %q", ErrFileNotFound, name, dir)
	}
	return i, len(names), nil
}

// CallerTestFile walks up the stack to the first _test.go frame.
func CallerTestFile() (string, error) {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(1, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if strings.HasSuffix(f.File, "_test.go") {
			return f.File, nil
		}
		if !more {
			break
		}
	}
	return "", fmt.Errorf("%w: no _test.go frame on the stack", ErrFileNotFound)
}
