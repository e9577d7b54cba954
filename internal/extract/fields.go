package extract

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

const (
	maxDescriptionLen = 500
	minParagraphLen   = 50
)

const roleSuffixes = `Manager|Developer|Engineer|Analyst|Specialist|Coordinator|Director|Lead|Designer|Scientist|Consultant|Architect|Administrator|Associate|Recruiter`

var (
	sentenceSplit   = regexp.MustCompile(`[.!?\n]+`)
	roleTitlePhrase = regexp.MustCompile(`\b((?:[A-Z][a-zA-Z/&-]*[ \t]+){0,4}(?:` + roleSuffixes + `))\b`)
	titleKeywords   = []string{"position", "role", "job", "opening"}

	atByCompany = regexp.MustCompile(
		`\b(?:at|by)[ \t]+([A-Z][\w&-]*(?:[ \t]+(?:[A-Z][\w&-]*|&))*(?:,?[ \t]+(?:Inc|LLC|Corp|Company|Ltd)\.?)?)`)

	cityState = regexp.MustCompile(`\b([A-Z][a-zA-Z]+(?:[ \t]+[A-Z][a-zA-Z]+)*,[ \t]*[A-Z]{2}(?:,?[ \t]+\d{5})?)\b`)
	remote    = regexp.MustCompile(`(?i)\b(remote|work from home|wfh)\b`)

	descriptionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bdescription[:\s]+([\s\S]{50,500})`),
		regexp.MustCompile(`(?i)\bresponsibilities[:\s]+([\s\S]{50,500})`),
		regexp.MustCompile(`(?i)\babout this role[:\s]+([\s\S]{50,500})`),
		regexp.MustCompile(`(?i)\bjob summary[:\s]+([\s\S]{50,500})`),
	}

	labeledURL = regexp.MustCompile(`(?i)\b(?:apply|view job|more details)[:\s]+(https?://[^\s<>"']+)`)
	anyURL     = regexp.MustCompile(`https?://[^\s<>"']+`)

	salaryPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bsalary[:\s]+\$?(\d+(?:,\d{3})*)(?:\s*-\s*\$?(\d+(?:,\d{3})*))?`),
		regexp.MustCompile(`(?i)\bcompensation[:\s]+\$?(\d+(?:,\d{3})*)(?:\s*-\s*\$?(\d+(?:,\d{3})*))?`),
		regexp.MustCompile(`(?i)\bpay[:\s]+\$?(\d+(?:,\d{3})*)(?:\s*-\s*\$?(\d+(?:,\d{3})*))?`),
		regexp.MustCompile(`(?i)\$(\d+(?:,\d{3})*)k?\s*-\s*\$?(\d+(?:,\d{3})*)k?`),
		regexp.MustCompile(`(?i)\$(\d+(?:,\d{3})*)\s*per\s+year`),
	}
)

// DefaultTitle is the title cascade: labeled fields, then a sentence
// scan for capitalized role phrases.
func DefaultTitle() Cascade {
	return Cascade{
		Labeled("job title", "position", "role", "opening", "opportunity", "hiring"),
		roleSentence,
	}
}

// DefaultCompany is the company cascade: labeled fields, "at/by Name",
// then the organization recognizer.
func DefaultCompany() Cascade {
	return Cascade{
		Labeled("company", "employer", "organization"),
		Pattern(atByCompany),
		RecognizeOrganization,
	}
}

// DefaultLocation is the location cascade: labeled fields, "City, ST",
// remote indicators, then the place recognizer.
func DefaultLocation() Cascade {
	return Cascade{
		Labeled("location", "based in", "office"),
		Pattern(cityState),
		Pattern(remote),
		RecognizePlace,
	}
}

// DefaultDescription is the description cascade: labeled sections, then
// the first substantial paragraph.
func DefaultDescription() Cascade {
	return Cascade{labeledDescription, firstParagraph}
}

// DefaultURL prefers a labeled apply link over the first link in the text.
func DefaultURL() Cascade {
	return Cascade{
		linkStrategy(labeledURL, 1),
		linkStrategy(anyURL, 0),
	}
}

func roleSentence(text string) (string, bool) {
	for _, sentence := range sentenceSplit.Split(text, -1) {
		lower := strings.ToLower(sentence)
		if !containsAny(lower, titleKeywords) {
			continue
		}
		if m := roleTitlePhrase.FindStringSubmatch(sentence); m != nil {
			if v := cleanText(m[1]); v != "" {
				return v, true
			}
		}
	}
	return "", false
}

func labeledDescription(text string) (string, bool) {
	for _, re := range descriptionPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			if v := truncate(cleanText(m[1]), maxDescriptionLen); v != "" {
				return v, true
			}
		}
	}
	return "", false
}

func firstParagraph(text string) (string, bool) {
	for _, p := range strings.Split(text, "\n\n") {
		if len([]rune(p)) > minParagraphLen {
			if v := truncate(cleanText(p), maxDescriptionLen); v != "" {
				return v, true
			}
		}
	}
	return "", false
}

func linkStrategy(re *regexp.Regexp, group int) Strategy {
	return func(text string) (string, bool) {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if link, ok := validURL(m[group]); ok {
				return link, true
			}
		}
		return "", false
	}
}

func validURL(raw string) (string, bool) {
	raw = strings.TrimRight(raw, ".,;:!?)]}>'\"")
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	return raw, true
}

// Salary is a parsed pay range. Text is the matched substring verbatim.
type Salary struct {
	Min  *int
	Max  *int
	Text string
}

// ExtractSalary returns the first salary range found in text. Labeled
// fields are tried before bare dollar ranges. Thousands separators are
// stripped; no other scaling is applied.
func ExtractSalary(text string) (Salary, bool) {
	for _, re := range salaryPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		s := Salary{Text: m[0]}
		s.Min = parseAmount(m[1])
		if len(m) > 2 {
			s.Max = parseAmount(m[2])
		}
		if s.Min != nil || s.Max != nil {
			return s, true
		}
	}
	return Salary{}, false
}

func parseAmount(s string) *int {
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n == 0 {
		return nil
	}
	return &n
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
