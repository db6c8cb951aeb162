package seriescache

import (
	"regexp"
	"sort"

	"github.com/tidwall/gjson"
)

// monthLabel matches a strict YYYY-MM period label.
var monthLabel = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// Normalize turns an upstream label->value JSON object into a Series.
// Only labels matching YYYY-MM with numeric values are kept; when a label
// repeats, the last value wins. The result is sorted by period.
func Normalize(payload []byte) (Series, error) {
	if !gjson.ValidBytes(payload) {
		return nil, invalidFormat("payload is not valid JSON")
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return nil, invalidFormat("payload is not a JSON object")
	}

	values := make(map[string]float64)
	root.ForEach(func(k, v gjson.Result) bool {
		label := k.String()
		if v.Type == gjson.Number && monthLabel.MatchString(label) {
			values[label] = v.Float()
		}
		return true
	})
	if len(values) == 0 {
		return nil, invalidFormat("no valid monthly data")
	}

	out := make(Series, 0, len(values))
	for label, v := range values {
		out = append(out, Point{Period: label, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period < out[j].Period })
	return out, nil
}
