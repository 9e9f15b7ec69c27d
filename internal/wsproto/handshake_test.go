package wsproto

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAcceptKeyKnownVector(t *testing.T) {
	// RFC 6455 §1.3 worked example.
	got := AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Fatalf("AcceptKey = %q, want %q", got, want)
	}
}

func TestClientServerHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := ServerHandshake(w, r)
		if err != nil {
			t.Errorf("ServerHandshake: %v", err)
			return
		}
		defer conn.Close()
	})}
	go srv.Serve(ln)
	defer srv.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := ClientHandshake(conn, ln.Addr().String()); err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
}

func TestServerHandshakeRejectsNonUpgrade(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, _, err := ServerHandshake(rec, req); err == nil {
		t.Fatal("expected error for non-upgrade request")
	}
}
