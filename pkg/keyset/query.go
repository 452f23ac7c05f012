package keyset

import "github.com/ryanuber/go-glob"

// matchLabel implements the keyset query selector match (spec §4.7
// "query(selector)"). Selectors are shell-style globs over whatever
// label a backend indexes entries by.
func matchLabel(selector, label string) bool {
	if selector == "" {
		return true
	}
	return glob.Glob(selector, label)
}
