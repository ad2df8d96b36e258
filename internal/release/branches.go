package release

import (
	"strings"
	"time"
)

// BranchesFormat substitutes {branch}/{Branch}/{BRANCH} (lower/title/upper
// case of branch) into s, then applies any strftime directives against
// now. For example, BranchesFormat("{branch}-{Branch}-{BRANCH}", "dev",
// 2020-01-02) == "dev-Dev-DEV".
func BranchesFormat(s, branch string, now time.Time) string {
	replacer := strings.NewReplacer(
		"{branch}", strings.ToLower(branch),
		"{Branch}", titleCase(branch),
		"{BRANCH}", strings.ToUpper(branch),
	)
	return strftime(replacer.Replace(s), now)
}

// titleCase mirrors Python's str.title(): every letter that follows a
// non-letter (or starts the string) is upper-cased, everything else is
// lower-cased — so "release-branch" becomes "Release-Branch".
func titleCase(s string) string {
	runes := []rune(s)
	prevIsLetter := false
	for i, r := range runes {
		isLetter := ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z')
		switch {
		case isLetter && !prevIsLetter:
			runes[i] = []rune(strings.ToUpper(string(r)))[0]
		case isLetter:
			runes[i] = []rune(strings.ToLower(string(r)))[0]
		}
		prevIsLetter = isLetter
	}
	return string(runes)
}

// strftime translates the small subset of C strftime directives the
// configured templates actually use (nightlyTagTemplate,
// nightlyVersionTemplate, nightlyNameTemplate all rely only on date/time
// fields, never locale-aware week numbers or timezone names) into Go's
// reference-layout formatting.
func strftime(format string, t time.Time) string {
	var b strings.Builder
	runes := []rune(format)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '%' || i == len(runes)-1 {
			b.WriteRune(runes[i])
			continue
		}
		i++
		switch runes[i] {
		case 'Y':
			b.WriteString(t.Format("2006"))
		case 'y':
			b.WriteString(t.Format("06"))
		case 'm':
			b.WriteString(t.Format("01"))
		case 'd':
			b.WriteString(t.Format("02"))
		case 'H':
			b.WriteString(t.Format("15"))
		case 'M':
			b.WriteString(t.Format("04"))
		case 'S':
			b.WriteString(t.Format("05"))
		case 'B':
			b.WriteString(t.Format("January"))
		case 'b':
			b.WriteString(t.Format("Jan"))
		case 'A':
			b.WriteString(t.Format("Monday"))
		case 'a':
			b.WriteString(t.Format("Mon"))
		case '%':
			b.WriteRune('%')
		default:
			b.WriteRune('%')
			b.WriteRune(runes[i])
		}
	}
	return b.String()
}
