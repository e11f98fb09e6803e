package weights

import (
	"fmt"
	"slices"
	"sort"
)

// LoadReport summarises a best-effort load.
type LoadReport struct {
	Loaded []string `yaml:"loaded"`
	// Missing parameters kept their current values.
	Missing []string `yaml:"missing"`
	// Unexpected tensors in the artifact have no live parameter.
	Unexpected []string `yaml:"unexpected"`
	// Mismatched tensors exist on both sides with different shapes.
	Mismatched []string `yaml:"mismatched"`
	// Undecodable tensors use a dtype this package cannot read.
	Undecodable []string `yaml:"undecodable"`
}

// Clean reports whether every live parameter was loaded and nothing was
// skipped.
func (r *LoadReport) Clean() bool {
	return len(r.Missing) == 0 && len(r.Unexpected) == 0 &&
		len(r.Mismatched) == 0 && len(r.Undecodable) == 0
}

// Skipped lists everything not copied, with the reason.
func (r *LoadReport) Skipped() []string {
	var out []string
	for _, n := range r.Missing {
		out = append(out, n+" (missing)")
	}
	for _, n := range r.Unexpected {
		out = append(out, n+" (unexpected)")
	}
	for _, n := range r.Mismatched {
		out = append(out, n+" (shape mismatch)")
	}
	for _, n := range r.Undecodable {
		out = append(out, n+" (unsupported dtype)")
	}
	return out
}

// LoadInto copies tensors from f into params by name. A tensor whose shape
// differs from the live parameter is skipped and reported instead of failing
// the whole load; params that are not copied keep their values.
func LoadInto(f *File, params map[string]Tensor) *LoadReport {
	r := &LoadReport{Undecodable: slices.Clone(f.Skipped)}

	for name, dst := range params {
		src, ok := f.Tensors[name]
		switch {
		case !ok:
			r.Missing = append(r.Missing, name)
		case !slices.Equal(src.Shape, dst.Shape):
			r.Mismatched = append(r.Mismatched, fmt.Sprintf("%s %v != %v", name, src.Shape, dst.Shape))
		default:
			copy(dst.Data, src.Data)
			r.Loaded = append(r.Loaded, name)
		}
	}

	for name := range f.Tensors {
		if _, ok := params[name]; !ok {
			r.Unexpected = append(r.Unexpected, name)
		}
	}

	sort.Strings(r.Loaded)
	sort.Strings(r.Missing)
	sort.Strings(r.Unexpected)
	sort.Strings(r.Mismatched)

	return r
}

func LoadFile(path string, params map[string]Tensor) (*LoadReport, error) {
	f, err := Read(path)
	if err != nil {
		return nil, err
	}
	return LoadInto(f, params), nil
}
