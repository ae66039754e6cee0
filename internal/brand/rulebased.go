package brand

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"pricefeed/internal/model"
)

type entry struct {
	brand    string
	patterns []string
}

// Dictionary order is match priority.
var hebrewBrands = []entry{
	{"תנובה", []string{"תנובה", "tnuva"}},
	{"אסם", []string{"אסם", "osem"}},
	{"שטראוס", []string{"שטראוס", "strauss"}},
	{"עלית", []string{"עלית", "elit"}},
	{"טרה", []string{"טרה", "tera"}},
	{"יטבתה", []string{"יטבתה"}},
	{"גד", []string{"גד", "gad"}},
	{"תרה", []string{"תרה"}},
	{"שופרסל", []string{"שופרסל", "shufersal"}},
	{"קוקה קולה", []string{"קוקה קולה", "coca cola", "coke"}},
	{"פפסי", []string{"פפסי", "pepsi"}},
	{"נסטלה", []string{"נסטלה", "nestle", "nestlé"}},
	{"שוופס", []string{"שוופס", "schweppes"}},
	{"ספרייט", []string{"ספרייט", "sprite"}},
	{"פנטה", []string{"פנטה", "fanta"}},
	{"מילקי", []string{"מילקי", "milky"}},
	{"ביסלי", []string{"ביסלי", "bissli"}},
	{"במבה", []string{"במבה", "bamba"}},
	{"אפרסק", []string{"אפרסק"}},
	{"יפו", []string{"יפו", "jaffa"}},
	{"פריגת", []string{"פריגת", "prigat"}},
	{"רמי לוי", []string{"רמי לוי", "rami levy"}},
	{"מגה", []string{"מגא", "mega"}},
	{"יוניליוור", []string{"יוניליוור", "unilever"}},
	{"פרוקטר", []string{"פרוקטר", "procter"}},
}

var englishBrands = []entry{
	{"Coca-Cola", []string{"coca cola", "coke", "קוקה קולה"}},
	{"Pepsi", []string{"pepsi", "פפסי"}},
	{"Nestle", []string{"nestle", "nestlé", "נסטלה"}},
	{"Nutella", []string{"nutella", "נוטלה"}},
	{"Kellogg", []string{"kellogg", "קלוג"}},
	{"Heinz", []string{"heinz", "היינץ"}},
	{"Pringles", []string{"pringles", "פרינגלס"}},
	{"Oreo", []string{"oreo", "אוראו"}},
	{"KitKat", []string{"kitkat", "kit kat", "קיט קט"}},
	{"Snickers", []string{"snickers", "סניקרס"}},
	{"Mars", []string{"mars", "מארס"}},
	{"Twix", []string{"twix", "טוויקס"}},
	{"Sprite", []string{"sprite", "ספרייט"}},
	{"Fanta", []string{"fanta", "פנטה"}},
	{"Red Bull", []string{"red bull", "רד בול"}},
	{"Monster", []string{"monster", "מונסטר"}},
}

var unknownValues = map[string]bool{"": true, "לא ידוע": true, "unknown": true}

// Unit words that are never a brand.
var stopwords = map[string]bool{"ליטר": true, "גרם": true, "יחידה": true, "חבילה": true, "קופסה": true}

var (
	punctRe = regexp.MustCompile(`[^\p{L}\p{M}\p{N}_\s]`)
	wordRe  = regexp.MustCompile(`[\p{L}\p{M}\p{N}_]+`)
)

// RuleBased is the deterministic dictionary -> manufacturer -> first word cascade.
// It is stateless and safe for concurrent use.
type RuleBased struct {
	hebrew  []entry
	english []entry
}

func NewRuleBased() *RuleBased {
	return &RuleBased{hebrew: hebrewBrands, english: englishBrands}
}

// Stats describes the loaded dictionaries.
type Stats struct {
	ExtractorType string `json:"extractor_type"`
	HebrewBrands  int    `json:"hebrew_brands_count"`
	EnglishBrands int    `json:"english_brands_count"`
	TotalPatterns int    `json:"total_patterns"`
}

func (r *RuleBased) Stats() Stats {
	s := Stats{ExtractorType: "rule_based", HebrewBrands: len(r.hebrew), EnglishBrands: len(r.english)}
	for _, group := range [][]entry{r.hebrew, r.english} {
		for _, e := range group {
			s.TotalPatterns += len(e.patterns)
		}
	}
	return s
}

func (r *RuleBased) Extract(_ context.Context, it model.Item) model.BrandGuess {
	name := strings.ToLower(it.ItemName)
	manuf := strings.ToLower(it.Manufacturer)
	desc := strings.ToLower(it.Description)

	combined := strings.TrimSpace(name + " " + manuf + " " + desc)
	if unknownValues[combined] {
		return model.BrandGuess{Method: MethodNoData}
	}

	if g, ok := matchDictionary(r.hebrew, combined, name, manuf, MethodHebrew); ok {
		return g
	}
	if g, ok := matchDictionary(r.english, combined, name, manuf, MethodEnglish); ok {
		return g
	}

	if !unknownValues[manuf] {
		clean := strings.TrimSpace(punctRe.ReplaceAllString(manuf, ""))
		if utf8.RuneCountInString(clean) > 2 {
			return model.BrandGuess{Brand: title(clean), Confidence: 0.6, Source: model.SourceManufacturer, Method: MethodManufacturer}
		}
	}

	for _, w := range wordRe.FindAllString(name, -1) {
		if utf8.RuneCountInString(w) > 2 && !stopwords[w] {
			return model.BrandGuess{Brand: title(w), Confidence: 0.4, Source: model.SourceItemName, Method: MethodFirstWord}
		}
	}
	return model.BrandGuess{Method: MethodNoMatch}
}

func matchDictionary(group []entry, combined, name, manuf, method string) (model.BrandGuess, bool) {
	for _, e := range group {
		for _, p := range e.patterns {
			p = strings.ToLower(p)
			if !strings.Contains(combined, p) {
				continue
			}
			g := model.BrandGuess{Brand: e.brand, Confidence: 0.7, Method: method}
			switch {
			case strings.Contains(name, p):
				g.Confidence = 0.9
				g.Source = model.SourceItemName
			case strings.Contains(manuf, p):
				g.Source = model.SourceManufacturer
			default:
				g.Source = model.SourceDescription
			}
			return g, true
		}
	}
	return model.BrandGuess{}, false
}

// title upper-cases the first letter of each word. cases.Caser is not safe for
// concurrent use, so one is built per call.
func title(s string) string {
	return cases.Title(language.Und).String(s)
}
