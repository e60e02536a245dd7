package version

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ErrMalformed is returned when a string does not carry a major.minor.patch triple.
var ErrMalformed = errors.New("malformed release version")

// ErrExhausted is returned when the latest patch number cannot be bumped.
var ErrExhausted = errors.New("patch version space exhausted")

var (
	// Initial is allocated when the release store holds no usable versions.
	Initial = Version{Major: 1, Minor: 0, Patch: 0}

	// Sentinel means "no version currently allocated".
	Sentinel = Version{}
)

// trailingTriple matches a major.minor.patch triple at the end of a name.
var trailingTriple = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)$`)

// Version is a release version, ordered by (Major, Minor, Patch).
type Version struct {
	Major int
	Minor int
	Patch int
}

// Parse parses an exact "major.minor.patch" string.
func Parse(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}

	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || strings.HasPrefix(p, "+") {
			return Version{}, fmt.Errorf("%w: %q", ErrMalformed, s)
		}
		nums[i] = n
	}

	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// FromFilename extracts the trailing version of a bundle filename such as
// "app_1.2.3.swbn". ext is stripped first when present.
func FromFilename(name, ext string) (Version, error) {
	base := name
	if ext != "" {
		base = strings.TrimSuffix(base, ext)
	}

	m := trailingTriple.FindStringSubmatch(base)
	if m == nil {
		return Version{}, fmt.Errorf("%w: %q", ErrMalformed, name)
	}

	var nums [3]int
	for i := range nums {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			// digit runs too long for an int
			return Version{}, fmt.Errorf("%w: %q", ErrMalformed, name)
		}
		nums[i] = n
	}

	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// String renders the version as "major.minor.patch".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// IsSentinel reports whether v is the "no pending version" placeholder.
func (v Version) IsSentinel() bool {
	return v == Sentinel
}

// Compare returns -1, 0 or 1 ordering v against o lexicographically.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmpInt(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpInt(v.Minor, o.Minor)
	default:
		return cmpInt(v.Patch, o.Patch)
	}
}

// Less reports whether v sorts before o.
func (v Version) Less(o Version) bool {
	return v.Compare(o) < 0
}

// Bump returns the next patch release after v. It fails when the patch
// number would overflow.
func (v Version) Bump() (Version, error) {
	if v.Patch == math.MaxInt {
		return Version{}, fmt.Errorf("%w: %s", ErrExhausted, v)
	}
	return Version{Major: v.Major, Minor: v.Minor, Patch: v.Patch + 1}, nil
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Sort orders versions ascending in place.
func Sort(vs []Version) {
	sort.Slice(vs, func(i, j int) bool { return vs[i].Less(vs[j]) })
}

// Max returns the greatest version and false when vs is empty.
func Max(vs []Version) (Version, bool) {
	if len(vs) == 0 {
		return Version{}, false
	}
	top := vs[0]
	for _, v := range vs[1:] {
		if top.Less(v) {
			top = v
		}
	}
	return top, true
}

// Next computes the version for the upcoming release from the filenames
// currently in the release store. Names without a trailing version are
// ignored. Only the patch component is ever bumped, so the result is
// strictly greater than every parsable version or an error.
func Next(filenames []string, ext string) (Version, error) {
	candidates := make([]Version, 0, len(filenames))
	for _, name := range filenames {
		if ext != "" && !strings.HasSuffix(name, ext) {
			continue
		}
		v, err := FromFilename(name, ext)
		if err != nil {
			continue
		}
		candidates = append(candidates, v)
	}

	latest, ok := Max(candidates)
	if !ok {
		return Initial, nil
	}
	return latest.Bump()
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
