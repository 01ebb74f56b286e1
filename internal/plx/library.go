package plx

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
)

// Extensions lists the file suffixes ReadLibrary picks up in directories.
var Extensions = []string{".plx", ".yaml", ".yml"}

// ReadLibrary parses every definition under paths. A path may name a file,
// which is read whatever its extension, or a directory, which is walked for
// files with one of Extensions. Files are parsed in lexical order within
// each directory.
func ReadLibrary(paths []string) ([]*domain.Blueprint, error) {
	var files []string
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("library path: %w", err)
		}
		if !info.IsDir() {
			files = append(files, root)
			continue
		}
		var found []string
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && hasExtension(path) {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk library %s: %w", root, err)
		}
		sort.Strings(found)
		files = append(files, found...)
	}

	bps := make([]*domain.Blueprint, 0, len(files))
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read library file: %w", err)
		}
		bp, err := Parse(string(data))
		if err != nil {
			if de, ok := domain.AsError(err); ok {
				de.Message = path
				return nil, de
			}
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		bps = append(bps, bp)
	}
	return bps, nil
}

func hasExtension(path string) bool {
	ext := filepath.Ext(path)
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}
