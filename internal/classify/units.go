package classify

import "strings"

// unitVocabulary lists unit-of-measure tokens as they appear in bid tables,
// lowercased. Covers both the portal's local forms and the English forms
// used in bilingual tenders.
var unitVocabulary = map[string]struct{}{
	"piece": {}, "pieces": {}, "pcs": {}, "pc": {},
	"kom": {}, "komad": {}, "komada": {},
	"set": {}, "pair": {}, "par": {},
	"kg": {}, "g": {}, "t": {}, "tona": {},
	"l": {}, "lit": {}, "litar": {}, "litara": {},
	"m": {}, "m2": {}, "m3": {}, "km": {},
	"h": {}, "sat": {}, "cas": {}, "hour": {}, "hours": {},
	"day": {}, "dan": {}, "mesec": {}, "month": {},
	"pak": {}, "paket": {}, "kutija": {}, "box": {},
	"usluga": {}, "service": {}, "kompl": {}, "komplet": {},
}

// IsUnit reports whether the line is a bare unit-of-measure token.
func IsUnit(line string) bool {
	key := strings.ToLower(NormalizeSpace(line))
	key = strings.Trim(key, ".")
	if key == "" {
		return false
	}
	_, ok := unitVocabulary[key]
	return ok
}

// CanonicalUnit trims a unit token without changing its spelling; the source
// form is retained so downstream consumers see what the table said.
func CanonicalUnit(line string) string {
	return strings.Trim(NormalizeSpace(line), ".")
}
