package contact

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// NormalizeHandle keeps digits only and prefixes countryCode when the result
// does not already start with it. An empty countryCode disables prefixing.
func NormalizeHandle(raw, countryCode string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()
	if d == "" {
		return ""
	}
	if countryCode != "" && !strings.HasPrefix(d, countryCode) {
		return countryCode + d
	}
	return d
}

// Car is what DetectCar extracts from free text.
type Car struct {
	Year  int
	Model string
}

var (
	yearRe   = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	dashesRe = regexp.MustCompile(`[\-–—]+`)
)

const maxModelLen = 80

// DetectCar finds the first 19xx/20xx year in text. The model is the text
// with years removed, dashes turned into spaces and whitespace collapsed.
func DetectCar(text string) Car {
	t := strings.TrimSpace(text)
	if t == "" {
		return Car{}
	}
	var c Car
	if m := yearRe.FindStringSubmatch(t); m != nil {
		c.Year, _ = strconv.Atoi(m[1])
	}
	model := yearRe.ReplaceAllString(t, "")
	model = dashesRe.ReplaceAllString(model, " ")
	model = strings.Join(strings.FieldsFunc(model, unicode.IsSpace), " ")
	if r := []rune(model); len(r) > maxModelLen {
		model = strings.TrimSpace(string(r[:maxModelLen]))
	}
	c.Model = model
	return c
}
