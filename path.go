package chest

import (
	"fmt"
	"strings"
)

// Path addresses an item by name segments, either absolutely from the root
// table ("//Schema/Core/Kind") or relative to some starting item
// ("photos/2004"). "." and ".." segments are normalized away at parse time.
// Path is an immutable value type; methods return new values.
type Path struct {
	abs  bool
	segs []string
}

// ParsePath parses and normalizes a textual path. An empty path is invalid,
// and ".." may not escape past the head of an absolute path.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return Path{}, fmt.Errorf("empty path")
	}
	abs := strings.HasPrefix(s, "//")
	if abs {
		s = s[2:]
	} else {
		s = strings.TrimPrefix(s, "/")
	}
	var segs []string
	for _, seg := range strings.Split(s, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(segs) == 0 {
				if abs {
					return Path{}, fmt.Errorf("path %q escapes the root", s)
				}
				segs = append(segs, seg)
			} else if segs[len(segs)-1] == ".." {
				segs = append(segs, seg)
			} else {
				segs = segs[:len(segs)-1]
			}
		default:
			segs = append(segs, seg)
		}
	}
	if abs && len(segs) == 0 {
		return Path{}, fmt.Errorf("absolute path %q names no root", s)
	}
	return Path{abs: abs, segs: segs}, nil
}

// MustParsePath is ParsePath for statically known paths.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func makeAbsPath(segs ...string) Path {
	return Path{abs: true, segs: segs}
}

func (p Path) IsAbsolute() bool { return p.abs }

func (p Path) Len() int { return len(p.segs) }

func (p Path) Segment(i int) string { return p.segs[i] }

// Child returns the path extended by one name segment.
func (p Path) Child(name string) Path {
	segs := make([]string, len(p.segs)+1)
	copy(segs, p.segs)
	segs[len(p.segs)] = name
	return Path{abs: p.abs, segs: segs}
}

func (p Path) String() string {
	var buf strings.Builder
	if p.abs {
		buf.WriteString("//")
	}
	for i, seg := range p.segs {
		if i > 0 {
			buf.WriteByte('/')
		}
		buf.WriteString(seg)
	}
	return buf.String()
}

// Compare orders paths deterministically: absolute before relative, then
// segment-wise lexicographic, shorter prefix first.
func (p Path) Compare(q Path) int {
	if p.abs != q.abs {
		if p.abs {
			return -1
		}
		return 1
	}
	n := min(len(p.segs), len(q.segs))
	for i := 0; i < n; i++ {
		if c := strings.Compare(p.segs[i], q.segs[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(p.segs) < len(q.segs):
		return -1
	case len(p.segs) > len(q.segs):
		return 1
	default:
		return 0
	}
}

func (p Path) Equal(q Path) bool { return p.Compare(q) == 0 }
