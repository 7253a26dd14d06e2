package delivery

import "megaphone/internal/types"

// localize picks the text for a locale from a per-locale map, falling back to
// the default locale when the requested translation is missing. Returns false
// when neither locale has text.
func localize(byLocale map[string]string, locale string) (string, bool) {
	if len(byLocale) == 0 {
		return "", false
	}
	if s, ok := byLocale[locale]; ok && s != "" {
		return s, true
	}
	if s, ok := byLocale[types.DefaultLocale]; ok && s != "" {
		return s, true
	}
	return "", false
}
