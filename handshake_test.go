package wsocket

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

func validHandshakeRequest(key string) string {
	return "GET /chat HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + key + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
}

func TestParseAndValidateHandshakeOK(t *testing.T) {
	hs := newHandshakeState(1024, 32)
	raw := validHandshakeRequest("dGhlIHNhbXBsZSBub25jZQ==")
	req, err := ParseHandshake(strings.NewReader(raw), hs, time.Time{})
	if err != nil {
		t.Fatalf("ParseHandshake: %v", err)
	}
	if err := ValidateHandshake(req, 32); err != nil {
		t.Fatalf("ValidateHandshake: %v", err)
	}
}

func TestValidateHandshakeRejectsWrongMethod(t *testing.T) {
	raw := strings.Replace(validHandshakeRequest("dGhlIHNhbXBsZSBub25jZQ=="), "GET", "POST", 1)
	hs := newHandshakeState(1024, 32)
	req, err := ParseHandshake(strings.NewReader(raw), hs, time.Time{})
	if err != nil {
		t.Fatalf("ParseHandshake: %v", err)
	}
	if err := ValidateHandshake(req, 32); err == nil {
		t.Fatalf("expected a method error")
	}
}

func TestValidateHandshakeRejectsMissingUpgrade(t *testing.T) {
	raw := "GET /chat HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	hs := newHandshakeState(1024, 32)
	req, err := ParseHandshake(strings.NewReader(raw), hs, time.Time{})
	if err != nil {
		t.Fatalf("ParseHandshake: %v", err)
	}
	if err := ValidateHandshake(req, 32); err == nil {
		t.Fatalf("expected a missing-Upgrade error")
	}
}

func TestValidateHandshakeRejectsBadVersion(t *testing.T) {
	raw := strings.Replace(validHandshakeRequest("dGhlIHNhbXBsZSBub25jZQ=="), "Sec-WebSocket-Version: 13", "Sec-WebSocket-Version: 8", 1)
	hs := newHandshakeState(1024, 32)
	req, err := ParseHandshake(strings.NewReader(raw), hs, time.Time{})
	if err != nil {
		t.Fatalf("ParseHandshake: %v", err)
	}
	if err := ValidateHandshake(req, 32); err == nil {
		t.Fatalf("expected an unsupported-version error")
	}
}

func TestValidateHandshakeRejectsMissingKey(t *testing.T) {
	raw := "GET /chat HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	hs := newHandshakeState(1024, 32)
	req, err := ParseHandshake(strings.NewReader(raw), hs, time.Time{})
	if err != nil {
		t.Fatalf("ParseHandshake: %v", err)
	}
	if err := ValidateHandshake(req, 32); err == nil {
		t.Fatalf("expected a missing-key error")
	}
}

func TestValidateHandshakeRejectsMalformedKey(t *testing.T) {
	raw := validHandshakeRequest("not-base64!!")
	hs := newHandshakeState(1024, 32)
	req, err := ParseHandshake(strings.NewReader(raw), hs, time.Time{})
	if err != nil {
		t.Fatalf("ParseHandshake: %v", err)
	}
	if err := ValidateHandshake(req, 32); err == nil {
		t.Fatalf("expected a malformed-key error")
	}
}

func TestValidateHandshakeRejectsTooManyHeaders(t *testing.T) {
	hs := newHandshakeState(4096, 2)
	req, err := ParseHandshake(strings.NewReader(validHandshakeRequest("dGhlIHNhbXBsZSBub25jZQ==")), hs, time.Time{})
	if err != nil {
		t.Fatalf("ParseHandshake: %v", err)
	}
	if err := ValidateHandshake(req, 2); err == nil {
		t.Fatalf("expected a too-many-headers error")
	}
}

func TestParseHandshakeTooLarge(t *testing.T) {
	hs := newHandshakeState(32, 32)
	_, err := ParseHandshake(strings.NewReader(validHandshakeRequest("dGhlIHNhbXBsZSBub25jZQ==")), hs, time.Time{})
	if !errors.Is(err, ErrHandshakeTooLarge) {
		t.Fatalf("got %v, want ErrHandshakeTooLarge", err)
	}
}

func TestParseHandshakeIncompleteIsInvalid(t *testing.T) {
	hs := newHandshakeState(1024, 32)
	_, err := ParseHandshake(strings.NewReader("GET /chat HTTP/1.1\r\nHost: example.com\r\n"), hs, time.Time{})
	if !errors.Is(err, ErrHandshakeInvalid) {
		t.Fatalf("got %v, want ErrHandshakeInvalid", err)
	}
}

func TestParseHandshakeTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	// client never writes anything; the deadline must fire.
	hs := newHandshakeState(1024, 32)
	deadline := time.Now().Add(20 * time.Millisecond)

	_, err := ParseHandshake(server, hs, deadline)
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("got %v, want ErrHandshakeTimeout", err)
	}
}

func TestComputeAcceptMatchesRFCExample(t *testing.T) {
	// The exact key/accept pair from RFC 6455 §1.3.
	key := "dGhlIHNhbXBsZSBub25jZQ=="
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got := ComputeAccept(key); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	sum := sha1.Sum([]byte(key + wsGUID))
	if base64.StdEncoding.EncodeToString(sum[:]) != want {
		t.Fatalf("test itself is inconsistent with the RFC example")
	}
}

func TestWriteUpgradeResponseContainsAccept(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteUpgradeResponse(&buf, "dGhlIHNhbXBsZSBub25jZQ=="); err != nil {
		t.Fatalf("WriteUpgradeResponse: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "101 Switching Protocols") {
		t.Fatalf("missing status line: %s", out)
	}
	if !strings.Contains(out, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=") {
		t.Fatalf("missing computed accept key: %s", out)
	}
}

func TestHandshakePoolAcquireRelease(t *testing.T) {
	p := newHandshakePool(1, 1024, 32)
	hs, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(hs)

	hs2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if hs2 != hs {
		t.Fatalf("expected the released state to be reused")
	}
}
