package signer

import (
	"net/url"
	"strings"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	at := time.Date(2024, 3, 15, 10, 30, 45, 0, time.UTC)
	return func() time.Time { return at }
}

func testCredential() Credential {
	return Credential{
		AccessKey:    "AKIDEXAMPLE",
		SecretKey:    "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY",
		SessionToken: "session-token-value",
		Region:       "cn-north-1",
		Service:      "imagex",
	}
}

func TestSign_Deterministic(t *testing.T) {
	s := New(WithClock(fixedClock()))
	query := url.Values{
		"Action":    {"ApplyImageUpload"},
		"Version":   {"2018-08-01"},
		"ServiceId": {"abc123"},
	}

	first := s.Sign("GET", "imagex.example.com", "/", query, testCredential(), nil)
	second := s.Sign("GET", "imagex.example.com", "/", query, testCredential(), nil)

	if first.Authorization != second.Authorization {
		t.Errorf("identical inputs within one second produced different signatures:\n%s\n%s",
			first.Authorization, second.Authorization)
	}
	if first.Date != "20240315T103045Z" {
		t.Errorf("unexpected x-amz-date: %s", first.Date)
	}
}

func TestSign_QueryPerturbationChangesSignature(t *testing.T) {
	s := New(WithClock(fixedClock()))
	base := url.Values{
		"Action":    {"ApplyImageUpload"},
		"Version":   {"2018-08-01"},
		"ServiceId": {"abc123"},
		"FileSize":  {"1024"},
	}
	reference := s.Sign("GET", "imagex.example.com", "/", base, testCredential(), nil)

	for key := range base {
		perturbed := url.Values{}
		for k, v := range base {
			perturbed[k] = append([]string(nil), v...)
		}
		perturbed.Set(key, base.Get(key)+"x")

		got := s.Sign("GET", "imagex.example.com", "/", perturbed, testCredential(), nil)
		if got.Authorization == reference.Authorization {
			t.Errorf("changing query param %q did not change the signature", key)
		}
	}
}

func TestSign_HeaderSetWithoutBody(t *testing.T) {
	s := New(WithClock(fixedClock()))
	signed := s.Sign("GET", "imagex.example.com", "/", nil, testCredential(), nil)

	if !strings.Contains(signed.Authorization, "SignedHeaders=host;x-amz-date;x-amz-security-token,") {
		t.Errorf("unexpected signed header list in %s", signed.Authorization)
	}
	if signed.PayloadHash != emptyBodyHash {
		t.Errorf("GET payload hash should be the empty-string hash, got %s", signed.PayloadHash)
	}
}

func TestSign_ContentHashSigningForBody(t *testing.T) {
	s := New(WithClock(fixedClock()))
	body := []byte(`{"SessionKey":"abc"}`)
	signed := s.Sign("POST", "imagex.example.com", "/", nil, testCredential(), body)

	if !strings.Contains(signed.Authorization, "x-amz-content-sha256") {
		t.Errorf("POST with body must sign x-amz-content-sha256, got %s", signed.Authorization)
	}
	if signed.PayloadHash == emptyBodyHash {
		t.Error("POST payload hash should cover the body")
	}
}

func TestSign_NoSessionToken(t *testing.T) {
	cred := testCredential()
	cred.SessionToken = ""

	s := New(WithClock(fixedClock()))
	signed := s.Sign("GET", "imagex.example.com", "/", nil, cred, nil)

	if strings.Contains(signed.Authorization, "x-amz-security-token") {
		t.Errorf("security token header signed without a session token: %s", signed.Authorization)
	}
}

func TestSign_CredentialScope(t *testing.T) {
	s := New(WithClock(fixedClock()))
	signed := s.Sign("GET", "imagex.example.com", "/", nil, testCredential(), nil)

	want := "Credential=AKIDEXAMPLE/20240315/cn-north-1/imagex/aws4_request,"
	if !strings.Contains(signed.Authorization, want) {
		t.Errorf("authorization %q missing scope %q", signed.Authorization, want)
	}
}

func TestCanonicalQuery_EncodingAndOrder(t *testing.T) {
	query := url.Values{
		"b key":  {"has space"},
		"a":      {"slash/value"},
		"repeat": {"z", "a"},
	}

	got := canonicalQuery(query)
	want := "a=slash%2Fvalue&b%20key=has%20space&repeat=a&repeat=z"
	if got != want {
		t.Errorf("canonicalQuery = %q, want %q", got, want)
	}
}

func TestUriEscape_ReservedCharacters(t *testing.T) {
	got := uriEscape("a-b_c.d~e f/g+h=")
	want := "a-b_c.d~e%20f%2Fg%2Bh%3D"
	if got != want {
		t.Errorf("uriEscape = %q, want %q", got, want)
	}
}
