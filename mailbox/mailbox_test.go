package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"m365proxy/mailerr"
	"m365proxy/mailtranslate"
	"m365proxy/upstream"
)

type fakeTokens struct{}

func (fakeTokens) GetAccessToken(ctx context.Context) (string, bool) { return "tok", true }

type fakeSpool struct {
	enqueued bool
	from     string
	tos      []string
}

func (f *fakeSpool) Enqueue(ctx context.Context, mailFrom string, rcptTos []string, raw []byte) error {
	f.enqueued = true
	f.from = mailFrom
	f.tos = rcptTos
	return nil
}

func newAdapter(t *testing.T, srv *httptest.Server) *upstream.Adapter {
	t.Helper()
	return upstream.New(fakeTokens{}, zap.NewNop(), upstream.WithBase(srv.URL, "127.0.0.1"))
}

func parsedMessage(t *testing.T, from, to string) *mailtranslate.ParsedMessage {
	t.Helper()
	raw := []byte("From: " + from + "\r\nTo: " + to + "\r\nSubject: hi\r\n\r\nbody\r\n")
	pm, err := mailtranslate.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return pm
}

func TestSend_Success(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ops := New(newAdapter(t, srv), &fakeSpool{}, zap.NewNop(), 80)
	pm := parsedMessage(t, "a@x.test", "b@y.test")

	if err := ops.Send(context.Background(), "a@x.test", []string{"b@y.test"}, []byte("raw"), pm); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/users/a@x.test/sendMail" {
		t.Errorf("path: want sendMail path, got %q", gotPath)
	}
}

func TestSend_SenderMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ops := New(newAdapter(t, srv), &fakeSpool{}, zap.NewNop(), 80)
	pm := parsedMessage(t, "intruder@x.test", "b@y.test")

	err := ops.Send(context.Background(), "a@x.test", []string{"b@y.test"}, []byte("raw"), pm)
	if err == nil {
		t.Fatal("expected SenderMismatch error")
	}
}

func TestSend_UpstreamDownSpoolsMessage(t *testing.T) {
	// No server at all: reachability probe fails against an address nobody listens on.
	a := upstream.New(fakeTokens{}, zap.NewNop(), upstream.WithBase("http://127.0.0.1:1", "127.0.0.1"))
	sp := &fakeSpool{}
	ops := New(a, sp, zap.NewNop(), 80)
	pm := parsedMessage(t, "a@x.test", "b@y.test")

	if err := ops.Send(context.Background(), "a@x.test", []string{"b@y.test"}, []byte("raw-bytes"), pm); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !sp.enqueued {
		t.Error("expected message to be spooled when upstream is unreachable")
	}
	if sp.from != "a@x.test" {
		t.Errorf("spool from: want a@x.test, got %q", sp.from)
	}
}

func TestSend_AttachmentTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ops := New(newAdapter(t, srv), &fakeSpool{}, zap.NewNop(), 0) // 0 MiB limit: anything fails
	raw := []byte("From: a@x.test\r\nTo: b@y.test\r\nContent-Type: multipart/mixed; boundary=X\r\n\r\n" +
		"--X\r\nContent-Type: application/pdf\r\nContent-Disposition: attachment; filename=r.pdf\r\n\r\n" +
		"some bytes\r\n--X--\r\n")
	pm, err := mailtranslate.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	err = ops.Send(context.Background(), "a@x.test", []string{"b@y.test"}, raw, pm)
	if err == nil {
		t.Fatal("expected AttachmentTooLarge error")
	}
}

func TestList_PaginatesAndSumsAttachmentSizes(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/users/a@x.test/mailFolders/Inbox/messages":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]any{
					{"id": "m1", "@odata.etag": "e1", "hasAttachments": false},
				},
				"@odata.nextLink": srv.URL + "/page2",
			})
		case r.URL.Path == "/page2":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]any{
					{"id": "m2", "@odata.etag": "e2", "hasAttachments": true},
				},
			})
		case r.URL.Path == "/users/a@x.test/messages/m1":
			w.Write([]byte(`{"id":"m1"}`))
		case r.URL.Path == "/users/a@x.test/messages/m2":
			w.Write([]byte(`{"id":"m2","hasAttachments":true}`))
		case r.URL.Path == "/users/a@x.test/messages/m2/attachments":
			json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]any{{"id": "a1", "size": 42}},
			})
		default:
			t.Errorf("unexpected request: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ops := New(newAdapter(t, srv), &fakeSpool{}, zap.NewNop(), 80)
	descriptors, err := ops.List(context.Background(), "a@x.test")
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	if len(descriptors) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(descriptors))
	}
	if descriptors[0].ID != "m1" || descriptors[0].ETag != "e1" {
		t.Errorf("descriptor 0: %+v", descriptors[0])
	}
	if descriptors[1].ID != "m2" || descriptors[1].Size < 42 {
		t.Errorf("descriptor 1 should include attachment size: %+v", descriptors[1])
	}
}

func TestList_FallsBackToEmptyWhenUnreachable(t *testing.T) {
	a := upstream.New(fakeTokens{}, zap.NewNop(), upstream.WithBase("http://127.0.0.1:1", "127.0.0.1"))
	ops := New(a, &fakeSpool{}, zap.NewNop(), 80)
	descriptors, err := ops.List(context.Background(), "a@x.test")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if descriptors == nil || len(descriptors) != 0 {
		t.Errorf("expected empty, non-nil list, got %v", descriptors)
	}
}

func TestList_PermanentErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	ops := New(newAdapter(t, srv), &fakeSpool{}, zap.NewNop(), 80)
	_, err := ops.List(context.Background(), "a@x.test")
	if err == nil {
		t.Fatal("expected a 403 listing to surface as an error, not an empty list")
	}
	var permanent *mailerr.UpstreamPermanent
	if !errors.As(err, &permanent) {
		t.Errorf("expected UpstreamPermanent, got %v", err)
	}
}

func TestFetchRaw(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Write([]byte("raw message bytes"))
	}))
	defer srv.Close()

	ops := New(newAdapter(t, srv), &fakeSpool{}, zap.NewNop(), 80)
	raw, ok := ops.FetchRaw(context.Background(), "a@x.test", "m1")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if string(raw) != "raw message bytes" {
		t.Errorf("raw: got %q", raw)
	}
}

func TestDelete_ConcurrentModificationIsNonFatalButReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer srv.Close()

	ops := New(newAdapter(t, srv), &fakeSpool{}, zap.NewNop(), 80)
	err := ops.Delete(context.Background(), "a@x.test", "m1", "e1")
	if err == nil {
		t.Fatal("expected an error to be reported for 412")
	}
}

func TestDelete_Success(t *testing.T) {
	var gotIfMatch string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		gotIfMatch = r.Header.Get("If-Match")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ops := New(newAdapter(t, srv), &fakeSpool{}, zap.NewNop(), 80)
	if err := ops.Delete(context.Background(), "a@x.test", "m1", "e1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if gotIfMatch != "e1" {
		t.Errorf("If-Match: want e1, got %q", gotIfMatch)
	}
}
