// Package i18n provides the translation table for user-facing strings.
// Raw provider errors never reach the user; handlers surface a short
// localized message instead.
package i18n

import (
	_ "embed"
	"encoding/json"
	"fmt"
)

//go:embed translations.json
var translationsJSON []byte

var translations map[string]map[string]string

func init() {
	if err := json.Unmarshal(translationsJSON, &translations); err != nil {
		panic(fmt.Sprintf("i18n: bad embedded translations: %v", err))
	}
}

// Text returns the translation for key in lang. Missing languages fall
// back to English; a missing key comes back verbatim.
func Text(lang, key string) string {
	if m, ok := translations[lang]; ok {
		if s, ok := m[key]; ok {
			return s
		}
	}
	if s, ok := translations["en"][key]; ok {
		return s
	}
	return key
}

// Languages returns the language codes present in the table.
func Languages() []string {
	out := make([]string, 0, len(translations))
	for lang := range translations {
		out = append(out, lang)
	}
	return out
}
