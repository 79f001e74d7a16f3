package contact

import (
	"strings"

	"golang.org/x/text/language"
)

// Locale is a supported message language.
type Locale string

// Supported locales.
const (
	LocaleTR Locale = "tr"
	LocaleEN Locale = "en"
)

// Locales lists the supported locales in matcher order.
var Locales = []Locale{LocaleTR, LocaleEN}

var matcher = language.NewMatcher([]language.Tag{language.Turkish, language.English})

// ParseLocale returns the supported locale named by s.
func ParseLocale(s string) (Locale, bool) {
	switch Locale(strings.ToLower(strings.TrimSpace(s))) {
	case LocaleTR:
		return LocaleTR, true
	case LocaleEN:
		return LocaleEN, true
	}
	return "", false
}

// Tag returns the language tag of l.
func (l Locale) Tag() language.Tag {
	if l == LocaleEN {
		return language.English
	}
	return language.Turkish
}

// Negotiate picks the locale for a visitor: an explicit supported locale wins,
// then the best Accept-Language match, then fallback.
func Negotiate(explicit, acceptLanguage string, fallback Locale) Locale {
	if l, ok := ParseLocale(explicit); ok {
		return l
	}

	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return fallback
	}

	_, index, confidence := matcher.Match(tags...)
	if confidence == language.No {
		return fallback
	}
	return Locales[index]
}
