package email

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"

	"github.com/nhle/jobmail/internal/model"
	"github.com/nhle/jobmail/internal/source"
)

var (
	addressPattern  = regexp.MustCompile(`[^\s<>"',;:]+@[^\s<>"',;:]+`)
	blockTagPattern = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/li|/tr|/h[1-6])\s*/?>`)
	spacePattern    = regexp.MustCompile(`[ \t\f\v\r]+`)
	blankLines      = regexp.MustCompile(`\n\s*\n+`)

	htmlPolicy = bluemonday.StrictPolicy()
)

// Decode turns a raw RFC 5322 payload into a NormalizedMessage. It
// returns a *source.DecodeError when the payload is empty, its header
// block is malformed, or it carries neither a subject nor a body.
func Decode(raw RawMessage) (model.NormalizedMessage, error) {
	ref := raw.Ref()
	if len(bytes.TrimSpace(raw.Body)) == 0 {
		return model.NormalizedMessage{}, &source.DecodeError{MessageRef: ref, Err: errors.New("empty payload")}
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw.Body))
	if err != nil && !message.IsUnknownCharset(err) {
		return model.NormalizedMessage{}, &source.DecodeError{MessageRef: ref, Err: err}
	}
	defer mr.Close()

	msg := model.NormalizedMessage{
		From:         firstAddress(mr.Header, "From"),
		To:           joinAddresses(mr.Header, "To"),
		InternalDate: raw.InternalDate,
	}

	msg.Subject, err = mr.Header.Subject()
	if err != nil {
		msg.Subject = mr.Header.Get("Subject")
	}
	msg.Subject = strings.TrimSpace(msg.Subject)

	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		msg.ReceivedAt = date
	} else if !raw.InternalDate.IsZero() {
		msg.ReceivedAt = raw.InternalDate
	} else {
		msg.ReceivedAt = raw.RetrievedAt
	}

	msg.MessageID = messageID(mr.Header, raw)

	msg.BodyText, msg.BodyHTML, msg.Attachments = readParts(mr)

	if msg.Subject == "" && strings.TrimSpace(msg.BodyText) == "" && strings.TrimSpace(msg.BodyHTML) == "" {
		return model.NormalizedMessage{}, &source.DecodeError{MessageRef: ref, Err: errors.New("no subject or body")}
	}

	msg.Content = contentOf(msg)
	return msg, nil
}

// messageID prefers the sender's Message-ID, bracketed or not, then the
// server UID. Only a message with neither gets an ID from the fetch
// position, which changes between cycles.
func messageID(h mail.Header, raw RawMessage) string {
	if id, err := h.MessageID(); err == nil && id != "" {
		return id
	}
	if id := strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>"); id != "" {
		if fields := strings.Fields(id); len(fields) > 0 {
			return strings.Trim(fields[0], "<>")
		}
	}
	if raw.UID != "" {
		return "uid-" + raw.UID + "@jobmail.local"
	}
	return fmt.Sprintf("%d-%d@jobmail.local", raw.SeqNum, raw.RetrievedAt.UnixMilli())
}

// readParts walks the MIME tree. The first text/plain and text/html
// inline parts win; attachments keep metadata only.
func readParts(mr *mail.Reader) (text, htmlBody string, attachments []model.Attachment) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			break
		}
		if part == nil {
			continue
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			if contentType == "" {
				contentType = "text/plain"
			}
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain") && text == "":
				text = normalizeNewlines(string(body))
			case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
				htmlBody = normalizeNewlines(string(body))
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			size, readErr := io.Copy(io.Discard, part.Body)
			if readErr != nil {
				continue
			}
			attachments = append(attachments, model.Attachment{
				Filename: filename,
				Size:     size,
				MIMEType: contentType,
			})
		}
	}
	return text, htmlBody, attachments
}

func contentOf(msg model.NormalizedMessage) string {
	if text := strings.TrimSpace(msg.BodyText); text != "" {
		return text
	}
	if msg.BodyHTML != "" {
		if text := StripHTML(msg.BodyHTML); text != "" {
			return text
		}
	}
	return msg.Subject
}

// StripHTML reduces an HTML body to plain text. Block-level tags become
// line breaks, every other tag is dropped, entities are decoded and runs
// of spaces collapse to one.
func StripHTML(s string) string {
	if s == "" {
		return ""
	}
	s = blockTagPattern.ReplaceAllString(s, "\n")
	// Keep adjacent inline elements from gluing words together.
	s = strings.ReplaceAll(s, "<", " <")
	s = htmlPolicy.Sanitize(s)
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\u00a0", " ")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spacePattern.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

func firstAddress(h mail.Header, key string) string {
	if list, err := h.AddressList(key); err == nil && len(list) > 0 {
		return strings.ToLower(list[0].Address)
	}
	return strings.ToLower(addressPattern.FindString(h.Get(key)))
}

func joinAddresses(h mail.Header, key string) string {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		return strings.ToLower(strings.Join(addressPattern.FindAllString(h.Get(key), -1), ", "))
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		out = append(out, strings.ToLower(addr.Address))
	}
	return strings.Join(out, ", ")
}
