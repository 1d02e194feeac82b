package dataset

import (
	"encoding/csv"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when the root is missing, is not a directory,
	// or holds no usable images
	ErrNotFound = errors.New("dataset: no images found")
	// ErrLabels is returned when labels cannot be derived for the tree
	ErrLabels = errors.New("dataset: invalid labels")
	// ErrEmptySubset is returned when the tree has images but the split
	// leaves none for the requested subset
	ErrEmptySubset = errors.New("dataset: empty subset")
)

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".bmp": true,
	".gif": true, ".tif": true, ".tiff": true, ".webp": true,
}

// Sample is one labeled image file
type Sample struct {
	Path  string
	Class int
	Label float64
}

// scan lists class directories and their image files, both sorted
func scan(root string) (classes []string, files [][]string, err error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, nil, errors.Wrapf(ErrNotFound, "%s: %v", root, err)
	}
	if !info.IsDir() {
		return nil, nil, errors.Wrapf(ErrNotFound, "%s is not a directory", root)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, nil, errors.Wrapf(ErrNotFound, "%s: %v", root, err)
	}
	total := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var paths []string
		dir := filepath.Join(root, e.Name())
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && imageExts[strings.ToLower(filepath.Ext(path))] {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, nil, errors.Wrapf(err, "scan %s", dir)
		}
		sort.Strings(paths)
		classes = append(classes, e.Name())
		files = append(files, paths)
		total += len(paths)
	}
	if total == 0 {
		return nil, nil, errors.Wrapf(ErrNotFound, "%s has no images under class directories", root)
	}
	return classes, files, nil
}

// readLabelFile parses path,value rows; a first row whose value is not a
// number is treated as a header
func readLabelFile(name string) (map[string]float64, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, errors.Wrapf(ErrLabels, "open labels: %v", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 2
	r.TrimLeadingSpace = true

	labels := make(map[string]float64)
	for line := 1; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(ErrLabels, "%s: %v", name, err)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, errors.Wrapf(ErrLabels, "%s line %d: %v", name, line, err)
		}
		labels[filepath.ToSlash(filepath.Clean(rec[0]))] = v
	}
	return labels, nil
}

// label assigns a label to every file according to cfg
func label(root string, classes []string, files [][]string, cfg Config) ([][]Sample, error) {
	var table map[string]float64
	var classValues []float64

	switch {
	case cfg.LabelMode == Binary:
		if len(classes) != 2 {
			return nil, errors.Wrapf(ErrLabels, "binary mode needs exactly 2 class directories, found %d %v", len(classes), classes)
		}
	case cfg.Labels != "":
		var err error
		if table, err = readLabelFile(cfg.Labels); err != nil {
			return nil, err
		}
	default:
		classValues = make([]float64, len(classes))
		for i, c := range classes {
			v, err := strconv.ParseFloat(c, 64)
			if err != nil {
				return nil, errors.Wrapf(ErrLabels, "class directory %q is not numeric; use binary mode or a labels file", c)
			}
			classValues[i] = v
		}
	}

	out := make([][]Sample, len(classes))
	used := 0
	for ci, paths := range files {
		out[ci] = make([]Sample, len(paths))
		for i, p := range paths {
			s := Sample{Path: p, Class: ci}
			switch {
			case cfg.LabelMode == Binary:
				s.Label = float64(ci)
			case table != nil:
				rel, err := filepath.Rel(root, p)
				if err != nil {
					return nil, errors.Wrapf(ErrLabels, "%s: %v", p, err)
				}
				v, ok := table[filepath.ToSlash(rel)]
				if !ok {
					return nil, errors.Wrapf(ErrLabels, "no label for %s", filepath.ToSlash(rel))
				}
				s.Label = v
				used++
			default:
				s.Label = classValues[ci]
			}
			out[ci][i] = s
		}
	}
	if table != nil && used != len(table) {
		return nil, errors.Wrapf(ErrLabels, "%s names %d files not found under %s", cfg.Labels, len(table)-used, root)
	}
	return out, nil
}

// split permutes each class with a class-specific seed and returns the
// samples of the requested subset, class by class
func split(classes [][]Sample, cfg Config, subset Subset) []Sample {
	var out []Sample
	for ci, samples := range classes {
		perm := rand.New(rand.NewSource(cfg.Seed + int64(ci))).Perm(len(samples))
		nVal := int(cfg.ValidationSplit * float64(len(samples)))
		idx := perm[nVal:]
		if subset == Validation {
			idx = perm[:nVal]
		}
		sorted := append([]int(nil), idx...)
		sort.Ints(sorted)
		for _, i := range sorted {
			out = append(out, samples[i])
		}
	}
	return out
}
