// Package grouper assembles discovered raw files into the file-sets that
// make up one job. It is a pure function of the file listing.
package grouper

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"

	"github.com/me/jobpool/pkg/model"
)

// DefaultPrecision is the sample precision of files without a bit tag.
const DefaultPrecision = 4

// Observation identifies one pointing: all files of one job share it.
type Observation struct {
	Project string
	Date    string
	Source  string
	Beam    int
	Scan    string
}

func (o Observation) String() string {
	return fmt.Sprintf("%s.%s.%s.b%d.%s", o.Project, o.Date, o.Source, o.Beam, o.Scan)
}

// FileInfo is what a raw filename encodes.
type FileInfo struct {
	Observation
	Subband   int
	Precision int // bits per sample
}

// <project>.<date>.<source>.b<beam>s<subband>[g<n>][.<N>bit].<scan>.fits
// Source names may contain dots (G45.52+00.08).
var filenameRE = regexp.MustCompile(`^([^.]+)\.(\d{8})\.(.+)\.b(\d+)s(\d+)(?:g\d+)?(?:\.(\d+)bit)?\.(\d+)\.fits$`)

// Parse extracts the observation encoding from a file's base name.
func Parse(name string) (FileInfo, error) {
	m := filenameRE.FindStringSubmatch(name)
	if m == nil {
		return FileInfo{}, fmt.Errorf("unrecognized raw data filename %q", name)
	}
	beam, _ := strconv.Atoi(m[4])
	subband, _ := strconv.Atoi(m[5])
	precision := DefaultPrecision
	if m[6] != "" {
		precision, _ = strconv.Atoi(m[6])
	}
	return FileInfo{
		Observation: Observation{Project: m[1], Date: m[2], Source: m[3], Beam: beam, Scan: m[7]},
		Subband:     subband,
		Precision:   precision,
	}, nil
}

// Policy decides what makes a file-set complete and which precision variant
// wins when an observation exists at several.
type Policy struct {
	// Required lists the subbands a complete file-set must contain.
	Required []int

	// Prefer reports whether precision a should win over b.
	Prefer func(a, b int) bool
}

// HighestPrecision prefers the variant with more bits per sample.
func HighestPrecision(a, b int) bool { return a > b }

// LowestPrecision prefers the smaller variant.
func LowestPrecision(a, b int) bool { return a < b }

// DefaultPolicy requires subbands 0 and 1 and prefers the highest precision.
func DefaultPolicy() Policy {
	return Policy{Required: []int{0, 1}, Prefer: HighestPrecision}
}

// Group is one candidate job.
type Group struct {
	Observation Observation
	Precision   int
	Files       []*model.File // ordered by subband
}

// FileIDs returns the ids of the group's files.
func (g Group) FileIDs() []int64 {
	ids := make([]int64, len(g.Files))
	for i, f := range g.Files {
		ids[i] = f.ID
	}
	return ids
}

// Result is the outcome of one grouping pass.
type Result struct {
	Groups []Group

	// Excluded files belong to an observation that is grouped at another
	// precision (now or by an existing job), or duplicate a grouped subband.
	// They are left alone, neither grouped nor deleted.
	Excluded []*model.File

	// Incomplete files wait for the rest of their observation.
	Incomplete []*model.File

	Unrecognized []*model.File
}

// variant holds the files of one observation at one precision, by subband.
type variant struct {
	precision int
	subbands  map[int]*model.File
	extra     []*model.File
}

// Group partitions candidates into job file-sets. Observations that appear
// among taken (files already linked to a job) are not grouped again. Groups
// are ordered by their lowest file id so older data is scheduled first.
func (p Policy) Group(candidates, taken []*model.File) Result {
	prefer := p.Prefer
	if prefer == nil {
		prefer = HighestPrecision
	}

	done := make(map[Observation]bool)
	for _, f := range taken {
		if info, err := Parse(f.Base()); err == nil {
			done[info.Observation] = true
		}
	}

	var res Result
	byObs := make(map[Observation]map[int]*variant)
	var order []Observation

	for _, f := range sortedByID(candidates) {
		info, err := Parse(f.Base())
		if err != nil {
			res.Unrecognized = append(res.Unrecognized, f)
			continue
		}
		if done[info.Observation] {
			res.Excluded = append(res.Excluded, f)
			continue
		}
		variants, ok := byObs[info.Observation]
		if !ok {
			variants = make(map[int]*variant)
			byObs[info.Observation] = variants
			order = append(order, info.Observation)
		}
		v, ok := variants[info.Precision]
		if !ok {
			v = &variant{precision: info.Precision, subbands: make(map[int]*model.File)}
			variants[info.Precision] = v
		}
		if _, dup := v.subbands[info.Subband]; dup {
			v.extra = append(v.extra, f)
			continue
		}
		v.subbands[info.Subband] = f
	}

	// order follows each observation's lowest file id.
	for _, obs := range order {
		variants := byObs[obs]
		var best *variant
		for _, prec := range sortedKeys(variants) {
			v := variants[prec]
			if !p.complete(v) {
				continue
			}
			if best == nil || prefer(v.precision, best.precision) {
				best = v
			}
		}

		if best == nil {
			for _, prec := range sortedKeys(variants) {
				res.Incomplete = append(res.Incomplete, variants[prec].all()...)
			}
			continue
		}

		g := Group{Observation: obs, Precision: best.precision}
		for _, sb := range sortedKeys(best.subbands) {
			f := best.subbands[sb]
			if slices.Contains(p.Required, sb) {
				g.Files = append(g.Files, f)
			} else {
				res.Excluded = append(res.Excluded, f)
			}
		}
		res.Excluded = append(res.Excluded, best.extra...)
		res.Groups = append(res.Groups, g)

		for _, prec := range sortedKeys(variants) {
			if v := variants[prec]; v != best {
				res.Excluded = append(res.Excluded, v.all()...)
			}
		}
	}

	res.Excluded = sortedByID(res.Excluded)
	res.Incomplete = sortedByID(res.Incomplete)
	return res
}

func (p Policy) complete(v *variant) bool {
	for _, sb := range p.Required {
		if _, ok := v.subbands[sb]; !ok {
			return false
		}
	}
	return len(p.Required) > 0
}

func (v *variant) all() []*model.File {
	out := make([]*model.File, 0, len(v.subbands)+len(v.extra))
	for _, f := range v.subbands {
		out = append(out, f)
	}
	return append(out, v.extra...)
}

func sortedByID(files []*model.File) []*model.File {
	out := slices.Clone(files)
	slices.SortFunc(out, func(a, b *model.File) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
