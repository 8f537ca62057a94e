package pop3d_test

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"m365proxy/config"
	"m365proxy/credverify"
	"m365proxy/mailbox"
	"m365proxy/mailerr"
	"m365proxy/pop3d"
)

type fakeOps struct {
	descriptors []mailbox.Descriptor
	listErr     error
	bodies      map[string][]byte
	fetchCalls  map[string]int
	deleted     []string
}

func (o *fakeOps) List(ctx context.Context, mailboxAddr string) ([]mailbox.Descriptor, error) {
	return o.descriptors, o.listErr
}

func (o *fakeOps) FetchRaw(ctx context.Context, mailboxAddr, id string) ([]byte, bool) {
	o.fetchCalls[id]++
	b, ok := o.bodies[id]
	return b, ok
}

func (o *fakeOps) Delete(ctx context.Context, mailboxAddr, id, etag string) error {
	o.deleted = append(o.deleted, id+":"+etag)
	return nil
}

func hashPW(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %v", err)
	}
	return string(h)
}

type client struct {
	t    *testing.T
	conn net.Conn
	rd   *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c := &client{t: t, conn: conn, rd: bufio.NewReader(conn)}
	c.readLine() // greeting
	return c
}

func (c *client) readLine() string {
	c.t.Helper()
	line, err := c.rd.ReadString('\n')
	if err != nil {
		c.t.Fatalf("readLine: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (c *client) send(line string) string {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		c.t.Fatalf("write: %v", err)
	}
	return c.readLine()
}

func (c *client) readMultiline() []string {
	c.t.Helper()
	var lines []string
	for {
		l := c.readLine()
		if l == "." {
			return lines
		}
		lines = append(lines, l)
	}
}

func startPop3(t *testing.T, cfg *config.Config, ops *fakeOps) string {
	t.Helper()
	verifier := credverify.New(cfg.Mailboxes)
	f, err := pop3d.New(cfg, verifier, ops, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go f.Run(ctx)
	// give the listener a moment to bind
	time.Sleep(50 * time.Millisecond)
	return addrFromConfig(cfg)
}

func addrFromConfig(cfg *config.Config) string {
	return net.JoinHostPort(cfg.Bind, strconv.Itoa(*cfg.POP3Port))
}

func baseConfig(password string) *config.Config {
	port := freePort()
	return &config.Config{
		Bind:           "127.0.0.1",
		POP3Port:       &port,
		AllowedDomains: []string{"example.com"},
		Mailboxes: []config.Mailbox{
			{Username: "alice@corp.test", PasswordHash: password},
		},
	}
}

func freePort() int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestS4_ListRetrDeleQuit(t *testing.T) {
	ops := &fakeOps{
		descriptors: []mailbox.Descriptor{
			{ID: "m1", ETag: "e1", Size: 100},
			{ID: "m2", ETag: "e2", Size: 200},
			{ID: "m3", ETag: "e3", Size: 300},
		},
		bodies:     map[string][]byte{"m2": []byte("From: x\r\n\r\nbody\r\n")},
		fetchCalls: map[string]int{},
	}
	addr := startPop3(t, baseConfig(hashPW(t, "secret")), ops)

	c := dial(t, addr)
	defer c.conn.Close()

	if resp := c.send("USER alice@corp.test"); !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("USER: %s", resp)
	}
	if resp := c.send("PASS secret"); !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("PASS: %s", resp)
	}

	if resp := c.send("STAT"); resp != "+OK 3 600" {
		t.Fatalf("STAT: got %q, want '+OK 3 600'", resp)
	}

	c.send("RETR 2")
	first := c.readMultiline()
	c.send("RETR 2")
	second := c.readMultiline()
	if strings.Join(first, "\n") != strings.Join(second, "\n") {
		t.Errorf("expected identical cached RETR bytes, got %v vs %v", first, second)
	}
	if ops.fetchCalls["m2"] != 1 {
		t.Errorf("expected exactly one fetch_raw call for m2, got %d", ops.fetchCalls["m2"])
	}

	if resp := c.send("DELE 1"); !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("DELE: %s", resp)
	}

	if resp := c.send("STAT"); resp != "+OK 2 500" {
		t.Fatalf("STAT after DELE: got %q, want '+OK 2 500'", resp)
	}

	if resp := c.send("QUIT"); !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("QUIT: %s", resp)
	}

	if len(ops.deleted) != 1 || ops.deleted[0] != "m1:e1" {
		t.Errorf("expected exactly one delete of m1:e1, got %v", ops.deleted)
	}
}

// generateSelfSignedCert writes a throwaway self-signed cert/key pair under
// dir, for exercising STLS without a fixture file.
func generateSelfSignedCert(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")

	certOut, err := os.Create(certPath)
	if err != nil {
		t.Fatalf("create cert file: %v", err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		t.Fatalf("encode cert: %v", err)
	}

	keyOut, err := os.Create(keyPath)
	if err != nil {
		t.Fatalf("create key file: %v", err)
	}
	defer keyOut.Close()
	if err := pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}); err != nil {
		t.Fatalf("encode key: %v", err)
	}

	return certPath, keyPath
}

func TestS6_STLSUpgrade(t *testing.T) {
	certPath, keyPath := generateSelfSignedCert(t, t.TempDir())
	cfg := baseConfig(hashPW(t, "secret"))
	cfg.TLS = &config.TLSConfig{CertFile: certPath, KeyFile: keyPath}
	ops := &fakeOps{fetchCalls: map[string]int{}}

	addr := startPop3(t, cfg, ops)
	c := dial(t, addr)
	defer c.conn.Close()

	resp := c.send("CAPA")
	caps := c.readMultiline()
	if !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("CAPA: %s", resp)
	}
	if !containsLine(caps, "STLS") {
		t.Fatalf("expected STLS in CAPA before upgrade, got %v", caps)
	}

	if resp := c.send("STLS"); !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("STLS: %s", resp)
	}

	tlsConn := tls.Client(c.conn, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("TLS handshake: %v", err)
	}
	c.conn = tlsConn
	c.rd = bufio.NewReader(tlsConn)

	resp = c.send("CAPA")
	caps = c.readMultiline()
	if !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("CAPA after upgrade: %s", resp)
	}
	if containsLine(caps, "STLS") {
		t.Errorf("expected STLS no longer advertised after upgrade, got %v", caps)
	}

	if resp := c.send("USER alice@corp.test"); !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("USER after STLS: %s", resp)
	}
	if resp := c.send("PASS secret"); !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("PASS after STLS: %s", resp)
	}
}

func containsLine(lines []string, want string) bool {
	for _, l := range lines {
		if l == want {
			return true
		}
	}
	return false
}

func TestAuthRefusedOverPlaintextWhenTLSConfigured(t *testing.T) {
	certPath, keyPath := generateSelfSignedCert(t, t.TempDir())
	cfg := baseConfig(hashPW(t, "secret"))
	cfg.TLS = &config.TLSConfig{CertFile: certPath, KeyFile: keyPath}
	ops := &fakeOps{fetchCalls: map[string]int{}}

	addr := startPop3(t, cfg, ops)
	c := dial(t, addr)
	defer c.conn.Close()

	if resp := c.send("USER alice@corp.test"); !strings.HasPrefix(resp, "-ERR") {
		t.Errorf("USER before STLS should be refused, got %q", resp)
	}
	if resp := c.send("AUTH PLAIN"); !strings.HasPrefix(resp, "-ERR") {
		t.Errorf("AUTH before STLS should be refused, got %q", resp)
	}
}

func TestPassRefusedWhenListingFailsPermanently(t *testing.T) {
	ops := &fakeOps{
		listErr:    &mailerr.UpstreamPermanent{Op: "list", Status: 403},
		fetchCalls: map[string]int{},
	}
	addr := startPop3(t, baseConfig(hashPW(t, "secret")), ops)

	c := dial(t, addr)
	defer c.conn.Close()

	if resp := c.send("USER alice@corp.test"); !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("USER: %s", resp)
	}
	if resp := c.send("PASS secret"); !strings.HasPrefix(resp, "-ERR") {
		t.Errorf("PASS with a failing listing should be refused, got %q", resp)
	}

	// Still in the authorization state: transaction commands are rejected.
	if resp := c.send("STAT"); !strings.HasPrefix(resp, "-ERR") {
		t.Errorf("STAT before a successful login should fail, got %q", resp)
	}
}
