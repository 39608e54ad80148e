package validate

import (
	"fmt"
	"path"
	"strings"
)

// LinkSet remembers the symlinks an archive declares. Once a name is a
// symlink, no later entry may be written through it or over it, and no link
// target may be resolved through it, because the filesystem would follow the
// link where a name check cannot.
type LinkSet struct {
	symlinks map[string]bool
	targets  []linkTarget
}

type linkTarget struct {
	name string
	path string // target joined to the link's directory, not cleaned
}

func NewLinkSet() *LinkSet {
	return &LinkSet{symlinks: make(map[string]bool)}
}

func entryKey(name string) string {
	return path.Clean(strings.ReplaceAll(name, `\`, "/"))
}

// Add records one entry and returns why it is unsafe, or "".
func (s *LinkSet) Add(name, linkname string, symlink, hardlink bool) string {
	key := entryKey(name)
	if via := s.through(key); via != "" {
		return fmt.Sprintf("path goes through symlink %q", via)
	}
	if s.symlinks[key] {
		return fmt.Sprintf("entry replaces symlink %q", key)
	}
	if hardlink && linkname != "" {
		if via := s.through(entryKey(linkname)); via != "" {
			return fmt.Sprintf("hardlink source goes through symlink %q", via)
		}
	}
	if symlink {
		s.symlinks[key] = true
		target := strings.ReplaceAll(linkname, `\`, "/")
		s.targets = append(s.targets, linkTarget{name: key, path: path.Dir(key) + "/" + target})
	}
	return ""
}

// through returns the first proper prefix of key that is a symlink.
func (s *LinkSet) through(key string) string {
	parts := strings.Split(key, "/")
	for i := 1; i < len(parts); i++ {
		prefix := strings.Join(parts[:i], "/")
		if s.symlinks[prefix] {
			return prefix
		}
	}
	return ""
}

// Finish checks every symlink target against the complete set of symlinks,
// so declaration order does not matter. It returns "name (reason)" entries.
func (s *LinkSet) Finish() []string {
	var bad []string
	for _, t := range s.targets {
		if reason := s.targetReason(t.path); reason != "" {
			bad = append(bad, fmt.Sprintf("%s (%s)", t.name, reason))
		}
	}
	return bad
}

// targetReason walks the target one segment at a time the way the kernel
// would, refusing to step through another symlink or above the root.
func (s *LinkSet) targetReason(target string) string {
	segs := strings.Split(target, "/")
	var stack []string
	for i, seg := range segs {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(stack) == 0 {
				return "link escapes archive root"
			}
			stack = stack[:len(stack)-1]
			continue
		}
		stack = append(stack, seg)
		if i < len(segs)-1 && s.symlinks[strings.Join(stack, "/")] {
			return fmt.Sprintf("link target goes through symlink %q", strings.Join(stack, "/"))
		}
	}
	return ""
}

// TraversalError reports an entry rejected during extraction.
func TraversalError(name, reason string) *Error {
	return &Error{
		Kind:      KindPathTraversal,
		Message:   "the archive contains entries that would escape the install folder",
		Details:   fmt.Sprintf("%q: %s", truncateName(name), reason),
		Offending: []string{truncateName(name)},
	}
}
