package doctype

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/AvengeMedia/pimsearch/internal/index"
	"github.com/AvengeMedia/pimsearch/internal/registry"
	"github.com/AvengeMedia/pimsearch/internal/store"
)

const (
	EmailSlotDate     = 0
	EmailSlotSize     = 1
	EmailSlotOnlyDate = 2

	maxBodyBytes = 1 << 20
)

var emailFlags = flagMap{
	`\Seen`:       "R",
	`\Flagged`:    "I",
	`$ToAct`:      "A",
	`$Watched`:    "W",
	`$Ignored`:    "G",
	`$Junk`:       "S",
	`$NotJunk`:    "H",
	`\Answered`:   "RE",
	`$Forwarded`:  "FW",
	`$Attachment`: "ATT",
	`$Encrypted`:  "E",
}

type EmailType struct {
	base
}

func Email() *EmailType {
	return &EmailType{base{
		name:  "email",
		mimes: []string{store.MimeEmail},
		types: []string{TypePIM, "Email"},
		reg: registry.NewBuilder("email").
			Text("subject", "SU").
			Text("from", "F").
			Text("to", "TO").
			Text("cc", "CC").
			Text("bcc", "BC").
			Text("replyto", "RT").
			Text("organization", "O").
			Text("body", "BO").
			Text("listid", "LI").
			Flag("isread", "R").
			Flag("isimportant", "I").
			Flag("istoact", "A").
			Flag("iswatched", "W").
			Flag("isignored", "G").
			Flag("isspam", "S").
			Flag("isham", "H").
			Flag("isreplied", "RE").
			Flag("isforwarded", "FW").
			Flag("hasattachment", "ATT").
			Flag("isencrypted", "E").
			Value("messageid", "MI").
			Slot("date", EmailSlotDate).
			Slot("size", EmailSlotSize).
			Slot("onlydate", EmailSlotOnlyDate).
			MustBuild(),
	}}
}

var headerDecoder = new(mime.WordDecoder)

func decodeHeader(v string) string {
	if d, err := headerDecoder.DecodeHeader(v); err == nil {
		return d
	}
	return v
}

// addressText renders an address header as "name address" pairs.
func addressText(h mail.Header, key string) string {
	raw := h.Get(key)
	if raw == "" {
		return ""
	}
	addrs, err := h.AddressList(key)
	if err != nil {
		return decodeHeader(raw)
	}
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, joinText(a.Name, a.Address))
	}
	return strings.Join(parts, " ")
}

func (t *EmailType) Extract(item store.Item, doc *index.Document) error {
	msg, err := mail.ReadMessage(bytes.NewReader(item.Payload))
	if err != nil {
		return fmt.Errorf("parse message %d: %w", item.ID, err)
	}
	h := msg.Header

	subject := decodeHeader(h.Get("Subject"))
	from := addressText(h, "From")
	body, parts := readBody(textproto.MIMEHeader(h), msg.Body)

	doc.IndexText(subject, "SU")
	doc.IndexText(from, "F")
	doc.IndexText(addressText(h, "To"), "TO")
	doc.IndexText(addressText(h, "Cc"), "CC")
	doc.IndexText(addressText(h, "Bcc"), "BC")
	doc.IndexText(addressText(h, "Reply-To"), "RT")
	doc.IndexText(decodeHeader(h.Get("Organization")), "O")
	doc.IndexText(decodeHeader(h.Get("List-Id")), "LI")
	doc.IndexText(body, "BO")
	doc.IndexText(joinText(subject, from, body), "")

	if id := strings.Trim(h.Get("Message-Id"), "<> \t"); id != "" {
		doc.AddBoolTerm("MI" + id)
	}

	flags := slices.Clone(item.Flags)
	if parts.attachment {
		flags = append(flags, "$Attachment")
	}
	if parts.encrypted {
		flags = append(flags, "$Encrypted")
	}
	emailFlags.documentTerms(flags, doc)

	date, err := h.Date()
	if err != nil {
		date = item.ModTime
	}
	indexDate(doc, EmailSlotDate, date, true)
	if !date.IsZero() {
		y, m, d := date.Date()
		doc.AddValue(EmailSlotOnlyDate, time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix())
	}
	size := item.Size
	if size == 0 {
		size = int64(len(item.Payload))
	}
	doc.AddValue(EmailSlotSize, size)

	doc.SetData(preview(map[string]any{
		"subject": subject,
		"from":    from,
		"date":    date,
		"snippet": body,
	}))
	return nil
}

func (t *EmailType) FlagTerms(added, removed []string) (add, remove []string) {
	return emailFlags.changes(added, removed)
}

type bodyParts struct {
	attachment bool
	encrypted  bool
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// readBody returns the plain text of a message, falling back to stripped
// HTML, and notes attachments and encryption on the way.
func readBody(h textproto.MIMEHeader, r io.Reader) (string, bodyParts) {
	var plain, html []string
	var parts bodyParts
	walkPart(h, io.LimitReader(r, maxBodyBytes), &plain, &html, &parts, 0)
	if len(plain) > 0 {
		return strings.Join(plain, "\n"), parts
	}
	if len(html) > 0 {
		return strings.Join(strings.Fields(tagPattern.ReplaceAllString(strings.Join(html, "\n"), " ")), " "), parts
	}
	return "", parts
}

func walkPart(h textproto.MIMEHeader, r io.Reader, plain, html *[]string, parts *bodyParts, depth int) {
	if depth > 8 {
		return
	}
	mediaType, params, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		mediaType = "text/plain"
	}

	if disp, _, err := mime.ParseMediaType(h.Get("Content-Disposition")); err == nil && disp == "attachment" {
		parts.attachment = true
		return
	}

	switch {
	case mediaType == "multipart/encrypted" || mediaType == "application/pkcs7-mime":
		parts.encrypted = true
		return
	case strings.HasPrefix(mediaType, "multipart/"):
		mr := multipart.NewReader(r, params["boundary"])
		for {
			p, err := mr.NextPart()
			if err != nil {
				return
			}
			walkPart(p.Header, p, plain, html, parts, depth+1)
		}
	case mediaType == "text/plain" || mediaType == "text/html":
		data, err := io.ReadAll(decodeTransfer(h.Get("Content-Transfer-Encoding"), r))
		if err != nil && len(data) == 0 {
			return
		}
		if mediaType == "text/plain" {
			*plain = append(*plain, string(data))
		} else {
			*html = append(*html, string(data))
		}
	default:
		if depth > 0 {
			parts.attachment = true
		}
	}
}

func decodeTransfer(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	}
	return r
}
