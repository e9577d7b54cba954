package extract

import (
	"regexp"
	"strings"

	"github.com/nhle/jobmail/internal/model"
)

type platformSignature struct {
	platform   model.Platform
	signatures []*regexp.Regexp
}

// platformSignatures is evaluated in order; the first platform with a
// matching signature wins.
var platformSignatures = []platformSignature{
	{model.PlatformLinkedIn, []*regexp.Regexp{
		regexp.MustCompile(`linkedin\.com`),
		regexp.MustCompile(`jobalerts-noreply@linkedin\.com`),
		regexp.MustCompile(`noreply@linkedin\.com`),
	}},
	{model.PlatformIndeed, []*regexp.Regexp{
		regexp.MustCompile(`indeed\.com`),
		regexp.MustCompile(`noreply@indeed\.com`),
		regexp.MustCompile(`no-reply@indeed\.com`),
	}},
	{model.PlatformBuiltIn, []*regexp.Regexp{
		regexp.MustCompile(`builtin\.com`),
		regexp.MustCompile(`team@builtin\.com`),
		regexp.MustCompile(`jobs@builtin\.com`),
	}},
	{model.PlatformZipRecruiter, []*regexp.Regexp{
		regexp.MustCompile(`ziprecruiter\.com`),
		regexp.MustCompile(`no-reply@ziprecruiter\.com`),
		regexp.MustCompile(`noreply@ziprecruiter\.com`),
	}},
}

// Classify returns the job board msg came from. Signatures are checked
// against the sender first, then the body. It never fails; unrecognized
// mail is PlatformOther.
func Classify(msg model.NormalizedMessage) model.Platform {
	from := strings.ToLower(msg.From)
	body := strings.ToLower(content(msg))

	for _, ps := range platformSignatures {
		for _, sig := range ps.signatures {
			if sig.MatchString(from) {
				return ps.platform
			}
		}
		for _, sig := range ps.signatures {
			if sig.MatchString(body) {
				return ps.platform
			}
		}
	}
	return model.PlatformOther
}

// content is the text extraction runs over.
func content(msg model.NormalizedMessage) string {
	switch {
	case msg.Content != "":
		return msg.Content
	case strings.TrimSpace(msg.BodyText) != "":
		return msg.BodyText
	default:
		return msg.Subject
	}
}
