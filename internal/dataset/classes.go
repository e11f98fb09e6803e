package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Classes returns the label set of an image folder: the names of its
// subdirectories in sorted order. The position of a name is the class index
// used by training, evaluation and the prediction service alike.
func Classes(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset directory: %w", err)
	}

	var classes []string
	for _, entry := range entries {
		dir, err := isDir(root, entry)
		if err != nil {
			return nil, err
		}
		if dir {
			classes = append(classes, entry.Name())
		}
	}
	sort.Strings(classes)

	if len(classes) == 0 {
		return nil, fmt.Errorf("no class directories in %s", root)
	}

	return classes, nil
}

// isDir follows symlinks, so class directories assembled from links count.
// A dangling link is ignored.
func isDir(parent string, entry os.DirEntry) (bool, error) {
	if entry.Type()&os.ModeSymlink == 0 {
		return entry.IsDir(), nil
	}
	info, err := os.Stat(filepath.Join(parent, entry.Name()))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// Index maps each class name to its position.
func Index(classes []string) map[string]int {
	idx := make(map[string]int, len(classes))
	for i, c := range classes {
		idx[c] = i
	}
	return idx
}
