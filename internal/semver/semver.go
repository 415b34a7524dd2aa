// Package semver implements the three-part numeric versioning used for
// artifact versions: parsing, ordering, compatibility, and increments.
package semver

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidVersion  = errors.New("invalid version format")
	ErrEmptyVersionSet = errors.New("empty version set")
	ErrInvalidField    = errors.New("unknown version field")
)

// Version is an ordered (major, minor, patch) triple. The zero value is 0.0.0.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// Parse accepts exactly three dot-separated non-negative integers.
func Parse(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}
	var nums [3]int
	for i, part := range parts {
		n, err := parseComponent(part)
		if err != nil {
			return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func parseComponent(part string) (int, error) {
	if part == "" {
		return 0, ErrInvalidVersion
	}
	// Leading zeroes would make distinct strings compare equal.
	if len(part) > 1 && part[0] == '0' {
		return 0, ErrInvalidVersion
	}
	for _, r := range part {
		if r < '0' || r > '9' {
			return 0, ErrInvalidVersion
		}
	}
	return strconv.Atoi(part)
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0, or 1 ordering a against b numerically per component.
func Compare(a, b Version) int {
	if c := compareInt(a.Major, b.Major); c != 0 {
		return c
	}
	if c := compareInt(a.Minor, b.Minor); c != 0 {
		return c
	}
	return compareInt(a.Patch, b.Patch)
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// IsCompatible reports whether two versions share a major version.
func IsCompatible(a, b Version) bool {
	return a.Major == b.Major
}

// Latest returns the maximum version by Compare.
func Latest(versions []Version) (Version, error) {
	if len(versions) == 0 {
		return Version{}, ErrEmptyVersionSet
	}
	max := versions[0]
	for _, v := range versions[1:] {
		if Compare(v, max) > 0 {
			max = v
		}
	}
	return max, nil
}

// LatestString parses every input and returns the maximum in canonical form.
func LatestString(versions []string) (string, error) {
	if len(versions) == 0 {
		return "", ErrEmptyVersionSet
	}
	parsed := make([]Version, 0, len(versions))
	for _, s := range versions {
		v, err := Parse(s)
		if err != nil {
			return "", err
		}
		parsed = append(parsed, v)
	}
	max, err := Latest(parsed)
	if err != nil {
		return "", err
	}
	return max.String(), nil
}

// Bump increments the named field. Bumping major zeroes minor and patch;
// bumping minor zeroes patch.
func Bump(v Version, field string) (Version, error) {
	switch field {
	case "major":
		return Version{Major: v.Major + 1}, nil
	case "minor":
		return Version{Major: v.Major, Minor: v.Minor + 1}, nil
	case "patch":
		return Version{Major: v.Major, Minor: v.Minor, Patch: v.Patch + 1}, nil
	}
	return Version{}, fmt.Errorf("%w: %q", ErrInvalidField, field)
}
