package release

import "regexp"

// CompileTagRegex compiles pattern as a start-anchored match: Go's regexp
// is unanchored by default, so ^ is prepended unless the caller already
// anchored it.
func CompileTagRegex(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	if pattern[0] != '^' {
		pattern = "^" + pattern
	}
	return regexp.Compile(pattern)
}

// TagQualifies reports whether tag matches re: tag events are processed
// only when releaseTagRegex matches. A nil regex (empty releaseTagRegex)
// matches nothing — tag builds are disabled.
func TagQualifies(re *regexp.Regexp, tag string) bool {
	if re == nil {
		return false
	}
	return re.MatchString(tag)
}

// PrepareVersion returns the release version for tag: the first capture
// group of re if it has one, else the tag verbatim.
func PrepareVersion(re *regexp.Regexp, tag string) string {
	if re == nil {
		return tag
	}
	m := re.FindStringSubmatch(tag)
	if len(m) < 2 {
		return tag
	}
	return m[1]
}
