package firmware

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidPath = errors.New("invalid volume path")
	ErrNotFound    = errors.New("file not found")
)

// Volume is a host directory served as the boot volume. Paths are rooted,
// backslash separated and matched case-insensitively, as on a FAT
// system partition.
type Volume struct {
	root string
}

// NewVolume serves dir.
func NewVolume(dir string) (*Volume, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}

	if !st.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, dir)
	}

	return &Volume{root: dir}, nil
}

func (v *Volume) resolve(path string) (string, error) {
	if !strings.HasPrefix(path, `\`) {
		return "", fmt.Errorf("%w: %q is not rooted", ErrInvalidPath, path)
	}

	cur := v.root

	for _, name := range strings.Split(path[1:], `\`) {
		switch name {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}

		entries, err := os.ReadDir(cur)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}

		found := ""

		for _, e := range entries {
			if strings.EqualFold(e.Name(), name) {
				found = e.Name()

				break
			}
		}

		if found == "" {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}

		cur = filepath.Join(cur, found)
	}

	return cur, nil
}

// ReadFile returns the contents of the file at path.
func (v *Volume) ReadFile(path string) ([]byte, error) {
	p, err := v.resolve(path)
	if err != nil {
		return nil, err
	}

	st, err := os.Stat(p)
	if err != nil {
		return nil, err
	}

	if st.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}

	return os.ReadFile(p)
}
