package funnel

import (
	"regexp"
	"strconv"
	"strings"

	"funnelbot/internal/contact"
)

var placeholderRe = regexp.MustCompile(`(?i)\{\{\s*([A-Z0-9_]+)\s*\}\}`)

// Render replaces {{KEY}} placeholders (case-insensitive, optional inner
// spaces) with data[KEY]. Unknown keys render as "".
func Render(tpl string, data map[string]string) string {
	if tpl == "" {
		return ""
	}
	norm := make(map[string]string, len(data))
	for k, v := range data {
		norm[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return placeholderRe.ReplaceAllStringFunc(tpl, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		return norm[strings.ToUpper(sub[1])]
	})
}

// ContactData exposes record fields to step templates.
func ContactData(r *contact.Record) map[string]string {
	d := map[string]string{
		"NOME":     r.Name,
		"TELEFONE": r.PhoneKey,
		"VEICULO":  r.DetectedModel,
		"ANO":      "",
	}
	if r.DetectedYear > 0 {
		d["ANO"] = strconv.Itoa(r.DetectedYear)
	}
	return d
}
