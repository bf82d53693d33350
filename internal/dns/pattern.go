package dns

import (
	"strings"

	"github.com/gobwas/glob"
)

// pattern is one DNS-resource match rule: a glob over the domain with '.'
// replaced by '/' so that '*' cannot silently cross a label boundary.
type pattern struct {
	original string
	compiled glob.Glob
}

func newPattern(p string) (pattern, error) {
	g, err := glob.Compile(slashify(p), '/')
	if err != nil {
		return pattern{}, err
	}
	return pattern{original: p, compiled: g}, nil
}

func slashify(domain string) string { return strings.ReplaceAll(domain, ".", "/") }

// matches reports whether domain (already lower-cased) satisfies this
// pattern. "*/rest" patterns additionally match the bare root domain,
// since gobwas/glob's '*' requires at least one separator-free segment
// where the Rust glob crate's "*/" prefix also accepted zero.
func (p pattern) matches(domain string) bool {
	candidate := slashify(strings.ToLower(domain))
	if rest, ok := strings.CutPrefix(p.original, "*."); ok && strings.EqualFold(rest, domain) {
		return true
	}
	return p.compiled.Match(candidate)
}

// less orders two patterns so the most specific non-wildcard match wins
// ties: compared right-to-left (TLD-first) the way DNS names sort
// naturally, preferring literal labels over '*'/'?' wildcards and shorter
// domains before longer ones.
func less(a, b pattern) bool {
	ar := reverseRunes(a.original)
	br := reverseRunes(b.original)

	for i := 0;; i++ {
		var ac, bc rune
		aok := i < len(ar)
		bok := i < len(br)
		if aok {
			ac = ar[i]
		}
		if bok {
			bc = br[i]
		}

		switch {
		case aok && bok && ac == bc:
			continue
		case ac == '*' && bc == '?':
			return false // '*' sorts after '?'
		case ac == '?' && bc == '*':
			return true
		case (ac == '*' || ac == '?') && (!bok || bc == '.'):
			return false // wildcard sorts after a completed literal domain
		case (!aok || ac == '.') && (bc == '*' || bc == '?'):
			return true
		case (ac == '*' || ac == '?') && bok:
			return false
		case aok && (bc == '*' || bc == '?'):
			return true
		case aok && bok:
			return ac < bc
		case aok && !bok:
			return false // longer domain sorts after shorter
		case !aok && bok:
			return true
		default:
			return false
		}
	}
}

func reverseRunes(s string) []rune {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return r
}
