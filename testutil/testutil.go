// Package testutil holds test helpers shared across packages, most notably
// FakeUpstream: an httptest-backed stand-in for the Graph-shaped upstream
// mail API.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// SkipIfShort skips a test in -short mode.
func SkipIfShort(t *testing.T, reason string) {
	t.Helper()
	if testing.Short() {
		t.Skipf("skipping in short mode: %s", reason)
	}
}

// FakeAttachment is one attachment's listing entry served by FakeUpstream.
type FakeAttachment struct {
	ID   string `json:"id"`
	Size int    `json:"size"`
}

// FakeMessage is one inbox message held by FakeUpstream.
type FakeMessage struct {
	ID          string
	ETag        string
	Raw         string
	Attachments []FakeAttachment
}

// FakeUpstream serves the subset of the upstream mail API the proxy calls:
// the reachability probe, sendMail, inbox listing, per-message detail and
// attachments, raw fetch, and conditional delete. All exported fields are
// guarded by Mu once the server is running.
type FakeUpstream struct {
	Server *httptest.Server

	Mu        sync.Mutex
	Reachable bool
	Messages  []FakeMessage
	// Sent collects the JSON body of every accepted sendMail POST.
	Sent []json.RawMessage
	// FailSendWith, when non-zero, is returned as the sendMail status.
	FailSendWith int
	// Deleted collects the id of every successful DELETE.
	Deleted []string
}

// NewFakeUpstream starts the fake server; it is shut down with the test.
func NewFakeUpstream(t *testing.T) *FakeUpstream {
	t.Helper()
	f := &FakeUpstream{Reachable: true}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Server.Close)
	return f
}

// BaseURL is the value to pass to upstream.WithBase.
func (f *FakeUpstream) BaseURL() string {
	return f.Server.URL
}

func (f *FakeUpstream) handle(w http.ResponseWriter, r *http.Request) {
	f.Mu.Lock()
	defer f.Mu.Unlock()

	if r.Method == http.MethodHead {
		if f.Reachable {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// Expected shapes: users/{u}/sendMail, users/{u}/mailFolders/Inbox/messages,
	// users/{u}/messages/{id}[/attachments|/$value]
	if len(parts) < 3 || parts[0] != "users" {
		http.NotFound(w, r)
		return
	}

	switch {
	case r.Method == http.MethodPost && parts[2] == "sendMail":
		if f.FailSendWith != 0 {
			w.WriteHeader(f.FailSendWith)
			return
		}
		var body json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.Sent = append(f.Sent, body)
		w.WriteHeader(http.StatusAccepted)

	case r.Method == http.MethodGet && parts[2] == "mailFolders":
		values := make([]map[string]any, 0, len(f.Messages))
		for _, m := range f.Messages {
			values = append(values, map[string]any{
				"id":             m.ID,
				"@odata.etag":    m.ETag,
				"hasAttachments": len(m.Attachments) > 0,
			})
		}
		writeJSON(w, map[string]any{"value": values})

	case parts[2] == "messages" && len(parts) >= 4:
		msg, ok := f.find(parts[3])
		if !ok {
			http.NotFound(w, r)
			return
		}
		switch {
		case r.Method == http.MethodGet && len(parts) == 4:
			fmt.Fprint(w, msg.Raw)
		case r.Method == http.MethodGet && parts[len(parts)-1] == "attachments":
			writeJSON(w, map[string]any{"value": msg.Attachments})
		case r.Method == http.MethodGet && parts[len(parts)-1] == "$value":
			w.Write([]byte(msg.Raw)) //nolint:errcheck
		case r.Method == http.MethodDelete:
			if r.Header.Get("If-Match") != msg.ETag {
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
			f.Deleted = append(f.Deleted, msg.ID)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}

	default:
		http.NotFound(w, r)
	}
}

func (f *FakeUpstream) find(id string) (FakeMessage, bool) {
	for _, m := range f.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return FakeMessage{}, false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
