package migration

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeLabel folds case, strips accents and collapses whitespace so that
// "Contrat non signé" and "contrat  non signe" compare equal.
func NormalizeLabel(label string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, label)
	if err != nil {
		stripped = label
	}
	folded := cases.Fold().String(stripped)
	return strings.Join(strings.Fields(folded), " ")
}
