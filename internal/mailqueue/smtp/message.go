package smtp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/sarus-health/mailqueue/internal/domain"
	"github.com/sarus-health/mailqueue/internal/mailqueue"
)

type envelope struct {
	From      *mail.Address
	To        *mail.Address
	ReplyTo   string
	MessageID string
	Date      time.Time
}

// part is one MIME entity: its headers and encoded body.
type part struct {
	header textproto.MIMEHeader
	body   []byte
}

// buildMessage renders the RFC 5322 message. The body is text/plain,
// text/html or multipart/alternative of both; attachments wrap it in
// multipart/mixed.
func buildMessage(env envelope, msg mailqueue.Message) ([]byte, error) {
	content, err := bodyPart(msg.TextBody, msg.HTMLBody)
	if err != nil {
		return nil, err
	}

	if len(msg.Attachments) > 0 {
		parts := []part{content}
		for _, a := range msg.Attachments {
			parts = append(parts, attachmentPart(a))
		}
		if content, err = multipartOf("mixed", parts); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	writeHeader(&buf, "From", env.From.String())
	writeHeader(&buf, "To", env.To.String())
	if env.ReplyTo != "" {
		if replyTo, err := mail.ParseAddress(env.ReplyTo); err == nil {
			writeHeader(&buf, "Reply-To", replyTo.String())
		}
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader(&buf, "Date", env.Date.Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", env.MessageID)
	writeHeader(&buf, "MIME-Version", "1.0")

	keys := make([]string, 0, len(content.header))
	for k := range content.header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range content.header[k] {
			writeHeader(&buf, k, v)
		}
	}

	buf.WriteString("\r\n")
	buf.Write(content.body)
	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	// Header values must not break out of their line.
	value = strings.NewReplacer("\r", "", "\n", "").Replace(value)
	fmt.Fprintf(buf, "%s: %s\r\n", key, value)
}

func bodyPart(text, html string) (part, error) {
	switch {
	case text != "" && html != "":
		return multipartOf("alternative", []part{
			textPart("text/plain", text),
			textPart("text/html", html),
		})
	case html != "":
		return textPart("text/html", html), nil
	default:
		return textPart("text/plain", text), nil
	}
}

func textPart(contentType, content string) part {
	var body bytes.Buffer
	qp := quotedprintable.NewWriter(&body)
	_, _ = qp.Write([]byte(content))
	_ = qp.Close()

	h := textproto.MIMEHeader{}
	h.Set("Content-Type", contentType+"; charset=utf-8")
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	return part{header: h, body: body.Bytes()}
}

func attachmentPart(a domain.Attachment) part {
	contentType := "application/octet-stream"
	if mediaType, _, err := mime.ParseMediaType(a.ContentType); err == nil {
		contentType = mediaType
	}

	h := textproto.MIMEHeader{}
	h.Set("Content-Type", mime.FormatMediaType(contentType, map[string]string{"name": a.Filename}))
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename}))
	h.Set("Content-Transfer-Encoding", "base64")
	return part{header: h, body: wrapBase64(a.Content)}
}

func multipartOf(subtype string, parts []part) (part, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, p := range parts {
		w, err := mw.CreatePart(p.header)
		if err != nil {
			return part{}, fmt.Errorf("create %s part: %w", subtype, err)
		}
		if _, err := w.Write(p.body); err != nil {
			return part{}, fmt.Errorf("write %s part: %w", subtype, err)
		}
	}
	if err := mw.Close(); err != nil {
		return part{}, fmt.Errorf("close %s multipart: %w", subtype, err)
	}

	h := textproto.MIMEHeader{}
	h.Set("Content-Type", "multipart/"+subtype+"; boundary="+mw.Boundary())
	return part{header: h, body: body.Bytes()}, nil
}

// wrapBase64 encodes data in lines of 76 characters.
func wrapBase64(data []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(data)
	var out bytes.Buffer
	for len(encoded) > 76 {
		out.WriteString(encoded[:76])
		out.WriteString("\r\n")
		encoded = encoded[76:]
	}
	out.WriteString(encoded)
	return out.Bytes()
}
