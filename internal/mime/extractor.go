// Package mime extracts the parts of an RFC 5322 message that the bridge
// forwards: the subject, the display name and address of the From header,
// the first text/plain and text/html body parts encountered in document
// order, and a caller-selected set of header prefixes passed through
// verbatim.
package mime

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message/mail"
	"golang.org/x/text/unicode/norm"
)

// Message is the result of extracting a raw MIME document.
type Message struct {
	Subject    string
	SenderName string
	SenderAddr string
	TextBody   string
	HTMLBody   string
	Headers    map[string]string
}

// Extract parses r as an RFC 5322 message and walks its MIME tree for the
// fields described in the package doc comment. headerPrefixes is matched
// case-insensitively against each header name; a header is copied into
// Headers the first time its name matches any configured prefix.
func Extract(r io.Reader, headerPrefixes []string) (Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return Message{}, fmt.Errorf("mime: create reader: %w", err)
	}

	out := Message{Headers: map[string]string{}}
	if subject, err := mr.Header.Subject(); err == nil {
		out.Subject = decodeToUTF8(subject)
	}
	if addrs, err := mr.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		out.SenderName = decodeToUTF8(addrs[0].Name)
		out.SenderAddr = addrs[0].Address
	}
	collectHeaders(mr.Header.Header, headerPrefixes, out.Headers)

	for {
		part, perr := mr.NextPart()
		if perr == io.EOF {
			break
		}
		if perr != nil {
			// A malformed part does not invalidate parts already collected.
			break
		}
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			body, err := ioutil.ReadAll(part.Body)
			if err != nil {
				continue
			}
			text := decodeBytesToUTF8(body)
			switch {
			case ct == "text/plain" && out.TextBody == "":
				out.TextBody = text
			case ct == "text/html" && out.HTMLBody == "":
				out.HTMLBody = text
			}
		case *mail.AttachmentHeader:
			// Attachments are outside the scope of the forwarded payload;
			// drain the body so the reader can advance to the next part.
			_, _ = io.Copy(ioutil.Discard, part.Body)
		}
	}

	if out.TextBody == "" && out.HTMLBody != "" {
		out.TextBody = RenderText(out.HTMLBody)
	}
	return out, nil
}

func collectHeaders(h mail.Header, prefixes []string, dst map[string]string) {
	if len(prefixes) == 0 {
		return
	}
	fields := h.Fields()
	for fields.Next() {
		name := fields.Key()
		for _, prefix := range prefixes {
			if len(name) >= len(prefix) && strings.EqualFold(name[:len(prefix)], prefix) {
				if _, exists := dst[name]; !exists {
					val, err := fields.Text()
					if err != nil {
						val = fields.Value()
					}
					dst[name] = decodeToUTF8(val)
				}
				break
			}
		}
	}
}

// decodeToUTF8 replaces byte sequences that are not valid UTF-8 with the
// Unicode replacement character, since upstream clients occasionally send
// headers in a declared charset that does not actually hold, and normalizes
// the result to NFC so accented text compares stably regardless of the
// sending client's normal form.
func decodeToUTF8(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	return norm.NFC.String(s)
}

func decodeBytesToUTF8(b []byte) string {
	var s string
	if utf8.Valid(b) {
		s = string(b)
	} else {
		s = string(bytes.ToValidUTF8(b, []byte("�")))
	}
	return norm.NFC.String(s)
}
