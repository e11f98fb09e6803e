package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Sample struct {
	Path  string
	Label int
}

// Folder is a split (train, val, test) of a class-per-directory dataset.
type Folder struct {
	Root    string
	Classes []string
	Samples []Sample
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".gif":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

// Open scans root for images, labelling them against classes. Every class
// directory found under root must be a member of classes, otherwise indices
// would silently disagree with the ones the model was trained on.
func Open(root string, classes []string) (*Folder, error) {
	found, err := Classes(root)
	if err != nil {
		return nil, err
	}

	index := Index(classes)
	for _, c := range found {
		if _, ok := index[c]; !ok {
			return nil, fmt.Errorf("class %q in %s is not in the label set %v", c, root, classes)
		}
	}

	var samples []Sample
	for _, c := range found {
		dir := filepath.Join(root, c)
		var paths []string
		if err := scan(dir, map[string]bool{}, &paths); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
		}
		if len(paths) == 0 {
			return nil, fmt.Errorf("class %q in %s has no images", c, root)
		}
		sort.Strings(paths)

		for _, p := range paths {
			samples = append(samples, Sample{Path: p, Label: index[c]})
		}
	}

	return &Folder{
		Root:    root,
		Classes: classes,
		Samples: samples,
	}, nil
}

func (f *Folder) Len() int {
	return len(f.Samples)
}

// scan collects image files under dir, descending into symlinked
// directories. seen holds resolved paths so a link cycle ends the walk.
func scan(dir string, seen map[string]bool, paths *[]string) error {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return err
	}
	if seen[resolved] {
		return nil
	}
	seen[resolved] = true

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		sub, err := isDir(dir, entry)
		if err != nil {
			return err
		}
		switch {
		case sub:
			if err := scan(path, seen, paths); err != nil {
				return err
			}
		case imageExtensions[strings.ToLower(filepath.Ext(path))]:
			*paths = append(*paths, path)
		}
	}
	return nil
}
