// Package mailtranslate is the Mail Translator: converts a
// parsed MIME message plus its SMTP envelope into the upstream API's JSON
// message representation.
package mailtranslate

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"m365proxy/mailerr"
)

// ParsedAttachment is an attachment as extracted from a MIME part: decoded
// payload bytes, not yet base64-encoded for upstream.
type ParsedAttachment struct {
	Name      string
	Content   []byte
	Inline    bool
	ContentID string
}

// OutAttachment is one upstream attachment:
// content is base64-encoded text, ready to embed in the JSON request body.
type OutAttachment struct {
	Name      string
	Content   string
	Inline    bool
	ContentID string
}

// BodyKind distinguishes an HTML body from a plain-text one.
type BodyKind int

const (
	BodyText BodyKind = iota
	BodyHTML
)

// Message is the Upstream Message data model.
type Message struct {
	Subject     string
	BodyKind    BodyKind
	BodyContent string
	To          []string
	Cc          []string
	Bcc         []string
	Attachments []OutAttachment
}

// ParsedMessage is the result of parsing raw RFC5322 bytes: the header,
// the extracted bodies, and every attachment part.
type ParsedMessage struct {
	Header      message.Header
	From        string
	Attachments []ParsedAttachment
	HTMLBody    string
	HasHTML     bool
	TextBody    string
	HasText     bool
}

// Parse parses raw RFC5322 message bytes, walking the MIME tree
// depth-first.
func Parse(raw []byte) (*ParsedMessage, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, &mailerr.ProtocolError{Detail: fmt.Sprintf("parse message: %v", err)}
	}

	pm := &ParsedMessage{Header: entity.Header}

	if addr, err := firstAddress(entity.Header, "From"); err == nil {
		pm.From = strings.ToLower(addr)
	}

	if err := walk(entity, pm); err != nil {
		return nil, err
	}

	return pm, nil
}

func firstAddress(h message.Header, key string) (string, error) {
	mh := mail.Header{Header: h}
	addrs, err := mh.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return "", fmt.Errorf("no %s address", key)
	}
	return addrs[0].Address, nil
}

func walk(e *message.Entity, pm *ParsedMessage) error {
	if mr := e.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return &mailerr.ProtocolError{Detail: fmt.Sprintf("walk multipart: %v", err)}
			}
			if err := walk(part, pm); err != nil {
				return err
			}
		}
		return nil
	}

	return handlePart(e, pm)
}

func handlePart(e *message.Entity, pm *ParsedMessage) error {
	disp, dispParams, _ := e.Header.ContentDisposition()
	contentID := strings.Trim(e.Header.Get("Content-Id"), "<>")
	ctype, ctypeParams, _ := e.Header.ContentType()

	data, err := io.ReadAll(e.Body)
	if err != nil {
		return &mailerr.ProtocolError{Detail: fmt.Sprintf("read part body: %v", err)}
	}

	isAttachment := disp == "attachment" || (disp == "" && contentID != "")
	if isAttachment {
		name := dispParams["filename"]
		if name == "" {
			name = ctypeParams["name"]
		}
		if name == "" {
			name = contentID
		}
		if name == "" {
			name = "attachment"
		}
		pm.Attachments = append(pm.Attachments, ParsedAttachment{
			Name:      name,
			Content:   data,
			Inline:    contentID != "",
			ContentID: contentID,
		})
		return nil
	}

	switch {
	case strings.HasPrefix(ctype, "text/html"):
		pm.HTMLBody = string(data) // last wins
		pm.HasHTML = true
	case strings.HasPrefix(ctype, "text/plain"):
		if !pm.HasText {
			pm.TextBody = string(data) // first wins
			pm.HasText = true
		}
	}
	return nil
}

// SplitRecipients aligns envelope recipients with the message headers: if the
// header To/Cc/Bcc counts sum to len(rcptTos), the envelope recipients are
// assigned in header order; otherwise all envelope recipients are treated
// as To.
func SplitRecipients(header message.Header, rcptTos []string) (to, cc, bcc []string) {
	mh := mail.Header{Header: header}
	t := addressCount(mh, "To")
	c := addressCount(mh, "Cc")
	b := addressCount(mh, "Bcc")

	if t+c+b == len(rcptTos) {
		return rcptTos[:t], rcptTos[t : t+c], rcptTos[t+c:]
	}
	return append([]string{}, rcptTos...), nil, nil
}

func addressCount(h mail.Header, key string) int {
	addrs, err := h.AddressList(key)
	if err != nil {
		return 0
	}
	return len(addrs)
}

// Translate converts a ParsedMessage plus its envelope recipients into an
// upstream Message, enforcing the attachment size cap.
func Translate(pm *ParsedMessage, rcptTos []string, attachmentLimitMB int) (*Message, error) {
	var total int
	for _, a := range pm.Attachments {
		total += len(a.Content)
	}
	limit := attachmentLimitMB * 1024 * 1024
	if total > limit {
		return nil, &mailerr.PolicyReject{
			Kind:   mailerr.AttachmentTooLarge,
			Detail: fmt.Sprintf("%d bytes exceeds %d MiB limit", total, attachmentLimitMB),
		}
	}

	to, cc, bcc := SplitRecipients(pm.Header, rcptTos)

	msg := &Message{
		To:  to,
		Cc:  cc,
		Bcc: bcc,
	}

	if subj := pm.Header.Get("Subject"); subj != "" {
		msg.Subject = subj
	}

	switch {
	case pm.HasHTML:
		msg.BodyKind = BodyHTML
		msg.BodyContent = pm.HTMLBody
	case pm.HasText:
		msg.BodyKind = BodyText
		msg.BodyContent = pm.TextBody
	default:
		msg.BodyKind = BodyText
		msg.BodyContent = ""
	}

	for _, a := range pm.Attachments {
		msg.Attachments = append(msg.Attachments, OutAttachment{
			Name:      a.Name,
			Content:   base64.StdEncoding.EncodeToString(a.Content),
			Inline:    a.Inline,
			ContentID: a.ContentID,
		})
	}

	return msg, nil
}
