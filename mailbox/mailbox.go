// Package mailbox implements the Mailbox Operations: the four
// higher-level verbs (send, list, fetch raw, delete) built on top of the
// Mail Translator and the Upstream Adapter, each wrapped by the adapter's
// safe-call fallback policy.
package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"m365proxy/mailerr"
	"m365proxy/mailtranslate"
	"m365proxy/upstream"
)

// Enqueuer is the Spool, used as Send's fallback when the upstream call
// cannot complete.
type Enqueuer interface {
	Enqueue(ctx context.Context, mailFrom string, rcptTos []string, raw []byte) error
}

// AttachmentRef is one attachment's id/size, captured while listing a
// mailbox.
type AttachmentRef struct {
	ID   string
	Size int
}

// Descriptor is the Session Message Descriptor: everything a POP3
// session needs to know about a message without holding its body.
type Descriptor struct {
	ID          string
	Size        int
	ETag        string
	Attachments []AttachmentRef
}

// Operations is the Mailbox Operations component. One instance is shared by
// the SMTP front-end, the POP3 front-end, and the Spool Worker.
type Operations struct {
	adapter           *upstream.Adapter
	spool             Enqueuer
	log               *zap.Logger
	attachmentLimitMB int
}

// New builds Operations over adapter, with spool as the send fallback.
func New(adapter *upstream.Adapter, spool Enqueuer, log *zap.Logger, attachmentLimitMB int) *Operations {
	return &Operations{adapter: adapter, spool: spool, log: log, attachmentLimitMB: attachmentLimitMB}
}

// Send submits one message as mailFrom. pm must already be the result of
// parsing raw; callers that only have raw bytes (the Spool Worker) parse it
// themselves first. raw is kept so a transient failure can be handed to the
// Spool unchanged.
func (o *Operations) Send(ctx context.Context, mailFrom string, rcptTos []string, raw []byte, pm *mailtranslate.ParsedMessage) error {
	mailFrom = strings.ToLower(mailFrom)
	if pm.From != mailFrom {
		return &mailerr.PolicyReject{Kind: mailerr.SenderMismatch, Detail: fmt.Sprintf("parsed From %q != mail_from %q", pm.From, mailFrom)}
	}

	translated, err := mailtranslate.Translate(pm, rcptTos, o.attachmentLimitMB)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]any{"message": toGraphMessage(translated)})
	if err != nil {
		return err
	}

	result := o.adapter.SafeCall(ctx,
		func(ctx context.Context) (any, error) {
			resp, err := o.adapter.Request(ctx, http.MethodPost, fmt.Sprintf("/users/%s/sendMail", mailFrom), nil, body)
			if err != nil {
				return nil, err
			}
			switch {
			case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
				return true, nil
			case isTransientStatus(resp.StatusCode):
				return nil, &mailerr.UpstreamTransient{Op: "sendMail", Status: resp.StatusCode}
			default:
				return nil, &mailerr.UpstreamPermanent{Op: "sendMail", Status: resp.StatusCode}
			}
		},
		func(ctx context.Context) any {
			if o.spool == nil {
				return false
			}
			if err := o.spool.Enqueue(ctx, mailFrom, rcptTos, raw); err != nil {
				o.log.Error("spool enqueue failed", zap.Error(err))
				return false
			}
			o.log.Warn("upstream unavailable, message spooled", zap.String("mail_from", mailFrom))
			return true
		},
	)

	switch v := result.(type) {
	case bool:
		if v {
			return nil
		}
		return &mailerr.UpstreamTransient{Op: "sendMail", Err: fmt.Errorf("spool enqueue failed")}
	case error:
		return v
	default:
		return fmt.Errorf("mailbox: unexpected send result %#v", v)
	}
}

// List is a paginated inbox listing with per-message size and ETag. An
// unreachable upstream or a transient failure falls back to an empty list;
// a permanent upstream error is returned so the caller can refuse the
// current command instead of presenting an empty maildrop.
func (o *Operations) List(ctx context.Context, mailboxAddr string) ([]Descriptor, error) {
	result := o.adapter.SafeCall(ctx,
		func(ctx context.Context) (any, error) { return o.list(ctx, mailboxAddr) },
		func(ctx context.Context) any { return []Descriptor{} },
	)
	switch v := result.(type) {
	case []Descriptor:
		return v, nil
	case error:
		o.log.Error("list failed", zap.Error(v))
		return nil, v
	default:
		return []Descriptor{}, nil
	}
}

func (o *Operations) list(ctx context.Context, mailboxAddr string) ([]Descriptor, error) {
	var descriptors []Descriptor
	path := fmt.Sprintf("/users/%s/mailFolders/Inbox/messages?$top=50", mailboxAddr)

	for path != "" {
		resp, err := o.adapter.Request(ctx, http.MethodGet, path, nil, nil)
		if err != nil {
			return nil, err
		}
		if err := statusError("list", resp.StatusCode); err != nil {
			return nil, err
		}

		var page struct {
			Value []struct {
				ID             string `json:"id"`
				ETag           string `json:"@odata.etag"`
				HasAttachments bool   `json:"hasAttachments"`
			} `json:"value"`
			NextLink string `json:"@odata.nextLink"`
		}
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return nil, &mailerr.UpstreamPermanent{Op: "list: decode page", Status: resp.StatusCode}
		}

		for _, m := range page.Value {
			d := Descriptor{ID: m.ID, ETag: m.ETag}

			msgResp, err := o.adapter.Request(ctx, http.MethodGet, fmt.Sprintf("/users/%s/messages/%s", mailboxAddr, m.ID), nil, nil)
			if err != nil {
				return nil, err
			}
			if err := statusError("get message", msgResp.StatusCode); err != nil {
				return nil, err
			}
			d.Size = len(msgResp.Body)

			if m.HasAttachments {
				attResp, err := o.adapter.Request(ctx, http.MethodGet,
					fmt.Sprintf("/users/%s/messages/%s/attachments?$select=id,size", mailboxAddr, m.ID), nil, nil)
				if err != nil {
					return nil, err
				}
				if err := statusError("get attachments", attResp.StatusCode); err != nil {
					return nil, err
				}
				var attPage struct {
					Value []struct {
						ID   string `json:"id"`
						Size int    `json:"size"`
					} `json:"value"`
				}
				if err := json.Unmarshal(attResp.Body, &attPage); err == nil {
					for _, a := range attPage.Value {
						d.Attachments = append(d.Attachments, AttachmentRef{ID: a.ID, Size: a.Size})
						d.Size += a.Size
					}
				}
			}

			descriptors = append(descriptors, d)
		}

		path = page.NextLink
	}

	return descriptors, nil
}

// FetchRaw retrieves a message's raw RFC5322 bytes, falling back to absent.
func (o *Operations) FetchRaw(ctx context.Context, mailboxAddr, id string) ([]byte, bool) {
	result := o.adapter.SafeCall(ctx,
		func(ctx context.Context) (any, error) {
			resp, err := o.adapter.Request(ctx, http.MethodGet, fmt.Sprintf("/users/%s/messages/%s/$value", mailboxAddr, id), nil, nil)
			if err != nil {
				return nil, err
			}
			if err := statusError("fetch_raw", resp.StatusCode); err != nil {
				return nil, err
			}
			return resp.Body, nil
		},
		func(ctx context.Context) any { return []byte(nil) },
	)
	switch v := result.(type) {
	case []byte:
		return v, v != nil
	case error:
		o.log.Error("fetch_raw failed", zap.Error(v))
		return nil, false
	default:
		return nil, false
	}
}

// Delete removes one message: a conditional DELETE with
// If-Match: etag. A 412 (ConcurrentModification) is logged but reported to
// the caller the same as any other failure; it is the caller's job (the
// POP3 front-end's QUIT handler) not to abort the remaining deletions.
func (o *Operations) Delete(ctx context.Context, mailboxAddr, id, etag string) error {
	result := o.adapter.SafeCall(ctx,
		func(ctx context.Context) (any, error) {
			resp, err := o.adapter.Request(ctx, http.MethodDelete, fmt.Sprintf("/users/%s/messages/%s", mailboxAddr, id),
				map[string]string{"If-Match": etag}, nil)
			if err != nil {
				return nil, err
			}
			switch resp.StatusCode {
			case http.StatusNoContent:
				return nil, nil
			case http.StatusPreconditionFailed:
				return nil, &mailerr.ConcurrentModification{Op: fmt.Sprintf("delete %s", id)}
			case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
				return nil, &mailerr.UpstreamTransient{Op: "delete", Status: resp.StatusCode}
			default:
				return nil, &mailerr.UpstreamPermanent{Op: "delete", Status: resp.StatusCode}
			}
		},
		func(ctx context.Context) any { return nil },
	)
	if result == nil {
		return nil
	}
	if err, ok := result.(error); ok {
		return err
	}
	return nil
}

func isTransientStatus(status int) bool {
	return status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout
}

func statusError(op string, status int) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return &mailerr.UpstreamTransient{Op: op, Status: status}
	default:
		return &mailerr.UpstreamPermanent{Op: op, Status: status}
	}
}

// toGraphMessage converts a translated Upstream Message into the Microsoft
// Graph sendMail JSON shape.
func toGraphMessage(m *mailtranslate.Message) map[string]any {
	bodyType := "Text"
	if m.BodyKind == mailtranslate.BodyHTML {
		bodyType = "HTML"
	}

	msg := map[string]any{
		"subject": m.Subject,
		"body": map[string]any{
			"contentType": bodyType,
			"content":     m.BodyContent,
		},
		"toRecipients":  recipientList(m.To),
		"ccRecipients":  recipientList(m.Cc),
		"bccRecipients": recipientList(m.Bcc),
	}

	if len(m.Attachments) > 0 {
		atts := make([]map[string]any, 0, len(m.Attachments))
		for _, a := range m.Attachments {
			att := map[string]any{
				"@odata.type":  "#microsoft.graph.fileAttachment",
				"name":         a.Name,
				"contentBytes": a.Content,
				"isInline":     a.Inline,
			}
			if a.ContentID != "" {
				att["contentId"] = a.ContentID
			}
			atts = append(atts, att)
		}
		msg["attachments"] = atts
	}

	return msg
}

func recipientList(addrs []string) []map[string]any {
	out := make([]map[string]any, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, map[string]any{"emailAddress": map[string]any{"address": addr}})
	}
	return out
}
