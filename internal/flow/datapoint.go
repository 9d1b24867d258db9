package flow

import (
	"strconv"
	"strings"
)

const nameSeparator = " - "

// DisplayName builds a datapoint name from the answers to the form's
// name-flagged questions, in form order.
func DisplayName(form *Form, store *ResponseStore) string {
	var parts []string
	for _, q := range form.Questions() {
		if !q.LocaleName {
			continue
		}
		r := store.Get(q.ID)
		if !r.HasValue() {
			continue
		}
		parts = append(parts, sanitizeValue(strings.ReplaceAll(r.Value, "|", " ")))
	}
	return strings.Join(parts, nameSeparator)
}

// DisplayLocation returns the position captured by the first location-flagged
// question, or nil.
func DisplayLocation(form *Form, store *ResponseStore) *GeoLocation {
	for _, q := range form.Questions() {
		if !q.LocaleLocation {
			continue
		}
		if loc := ParseGeo(store.Get(q.ID)); loc != nil {
			return loc
		}
	}
	return nil
}

// ParseGeo parses a "lat|lon|elevation" geo value.
func ParseGeo(r *Response) *GeoLocation {
	if !r.HasValue() {
		return nil
	}
	parts := strings.Split(r.Value, "|")
	if len(parts) < 2 {
		return nil
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return nil
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil
	}
	loc := &GeoLocation{Latitude: lat, Longitude: lon}
	if len(parts) > 2 {
		if elev, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64); err == nil {
			loc.Elevation = elev
		}
	}
	return loc
}

// sanitizeValue flattens whitespace that would break line-oriented consumers.
func sanitizeValue(s string) string {
	return strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ", "\t", " ").Replace(s))
}
