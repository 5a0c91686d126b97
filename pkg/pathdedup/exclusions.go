package pathdedup

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-vault/pkg/plog"
)

type exclusionMatchType int

const (
	prefixMatch exclusionMatchType = iota
	suffixMatch
	globMatch
)

// exclusionSet holds the categorized exclude patterns for fast matching.
// Patterns without a slash match an entry's basename anywhere in the tree.
// Absolute patterns match its full normalized path, other patterns with a
// slash match its path relative to the include root it was found under.
type exclusionSet struct {
	// literals are exact full-path matches, e.g. "/home/me/.cache".
	literals map[string]struct{}
	// relLiterals are exact matches relative to the include root, e.g. "build/out".
	relLiterals map[string]struct{}
	// basenameLiterals are exact basename matches, e.g. "node_modules".
	basenameLiterals map[string]struct{}
	// nonLiterals need wildcard or prefix logic.
	nonLiterals []exclusion
}

type exclusion struct {
	pattern       string
	cleanPattern  string
	matchType     exclusionMatchType
	matchBasename bool
	absolute      bool
}

// makeExclusionSet analyzes and categorizes patterns to enable optimized matching later.
func makeExclusionSet(patterns []string) exclusionSet {
	set := exclusionSet{
		literals:         make(map[string]struct{}),
		relLiterals:      make(map[string]struct{}),
		basenameLiterals: make(map[string]struct{}),
		nonLiterals:      make([]exclusion, 0, len(patterns)),
	}

	shouldMatchBasename := func(p string) bool { return !strings.Contains(p, "/") }

	for _, p := range patterns {
		p = normalizeExclusionPattern(p)
		if p == "" {
			continue
		}
		abs := isAbsolutePattern(p)
		if !abs {
			p = strings.TrimPrefix(p, "./")
		}
		switch {
		case strings.HasSuffix(p, "/*") && !strings.ContainsAny(p[:len(p)-2], "*?["):
			// "/var/tmp/*" or "build/*" excludes everything below a directory.
			set.nonLiterals = append(set.nonLiterals, exclusion{
				pattern: p, cleanPattern: strings.TrimSuffix(p, "*"), matchType: prefixMatch, absolute: abs,
			})
		case strings.HasSuffix(p, "*") && !strings.ContainsAny(p[:len(p)-1], "*?["):
			// "~*" or "temp_*".
			set.nonLiterals = append(set.nonLiterals, exclusion{
				pattern: p, cleanPattern: strings.TrimSuffix(p, "*"), matchType: prefixMatch, matchBasename: shouldMatchBasename(p), absolute: abs,
			})
		case strings.HasPrefix(p, "*") && !strings.ContainsAny(p[1:], "*?["):
			// "*.tmp", or "*/cache" for any first-level directory named cache.
			if shouldMatchBasename(p) {
				set.nonLiterals = append(set.nonLiterals, exclusion{
					pattern: p, cleanPattern: p[1:], matchType: suffixMatch, matchBasename: true,
				})
			} else {
				set.nonLiterals = append(set.nonLiterals, exclusion{
					pattern: p, cleanPattern: p, matchType: globMatch, absolute: abs,
				})
			}
		case strings.ContainsAny(p, "*?["):
			set.nonLiterals = append(set.nonLiterals, exclusion{
				pattern: p, cleanPattern: p, matchType: globMatch, matchBasename: shouldMatchBasename(p), absolute: abs,
			})
		case shouldMatchBasename(p):
			set.basenameLiterals[p] = struct{}{}
		case abs:
			set.literals[strings.TrimSuffix(p, "/")] = struct{}{}
		default:
			set.relLiterals[strings.TrimSuffix(p, "/")] = struct{}{}
		}
	}
	return set
}

// matches reports whether an entry is excluded. fullPath is its normalized
// absolute path, relPath its slash-separated path below the include root.
func (es *exclusionSet) matches(fullPath, relPath string) bool {
	normalizedPath := normalizeExclusionPattern(fullPath)
	normalizedRel := normalizeExclusionPattern(relPath)
	normalizedBasename := path.Base(normalizedPath)

	if _, ok := es.literals[normalizedPath]; ok {
		return true
	}
	if _, ok := es.relLiterals[normalizedRel]; ok {
		return true
	}
	if _, ok := es.basenameLiterals[normalizedBasename]; ok {
		return true
	}

	for _, p := range es.nonLiterals {
		var pathToCheck string
		switch {
		case p.matchBasename:
			pathToCheck = normalizedBasename
		case p.absolute:
			pathToCheck = normalizedPath
		default:
			pathToCheck = normalizedRel
		}

		switch p.matchType {
		case prefixMatch:
			if strings.HasPrefix(pathToCheck, p.cleanPattern) {
				return true
			}
		case suffixMatch:
			if strings.HasSuffix(pathToCheck, p.cleanPattern) {
				return true
			}
		case globMatch:
			match, err := path.Match(p.cleanPattern, pathToCheck)
			if err != nil {
				plog.Warn("Invalid exclusion pattern", "pattern", p.pattern, "error", err)
				continue
			}
			if match {
				return true
			}
		}
	}
	return false
}

// isAbsolutePattern reports whether a normalized pattern is anchored at the
// filesystem root, "/..." or a drive like "c:/...".
func isAbsolutePattern(p string) bool {
	if strings.HasPrefix(p, "/") {
		return true
	}
	return len(p) >= 3 && p[1] == ':' && p[2] == '/'
}

// normalizeExclusionPattern converts a path or pattern into a standardized,
// case-insensitive key format (forward slashes, lowercase).
func normalizeExclusionPattern(p string) string {
	return strings.ToLower(filepath.ToSlash(p))
}
