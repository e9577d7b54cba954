package extract

import (
	"regexp"
	"strings"
)

var orgPhrase = regexp.MustCompile(
	`\b((?:[A-Z][\w&-]*[ \t]+){1,4}(?:Inc|LLC|Corp|Corporation|Company|Ltd|Technologies|Systems|Solutions|Labs|Group)\b\.?)`)

// RecognizeOrganization finds the first capitalized phrase that ends in
// a corporate suffix ("Initech Systems", "Acme Corp").
func RecognizeOrganization(text string) (string, bool) {
	m := orgPhrase.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	v := cleanText(strings.TrimRight(m[1], "."))
	return v, v != ""
}

var places = []string{
	"New York", "San Francisco", "Los Angeles", "San Diego", "San Jose",
	"Seattle", "Austin", "Boston", "Chicago", "Denver", "Atlanta",
	"Miami", "Dallas", "Houston", "Portland", "Philadelphia", "Phoenix",
	"Washington", "Minneapolis", "Pittsburgh", "Salt Lake City", "Raleigh",
	"Nashville", "Detroit", "Toronto", "Vancouver", "Montreal", "London",
	"Dublin", "Berlin", "Amsterdam", "Paris", "Madrid", "Barcelona",
	"Lisbon", "Stockholm", "Zurich", "Singapore", "Sydney", "Melbourne",
	"Bangalore", "Tokyo",
}

var placePattern = func() *regexp.Regexp {
	quoted := make([]string, len(places))
	for i, p := range places {
		quoted[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile(`\b(` + strings.Join(quoted, "|") + `)\b`)
}()

// RecognizePlace finds the first well-known city name in text.
func RecognizePlace(text string) (string, bool) {
	m := placePattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}
