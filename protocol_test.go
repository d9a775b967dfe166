// Copyright 2012 Jolla Ltd.
// SPDX-License-Identifier: BSD-3-Clause

package libssu

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/sailfishos/libssu/identity"
	"github.com/sailfishos/libssu/store"
)

func generateCredentialPEM(t *testing.T) (certPEM, keyPEM string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "device"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	keyPEM, err = identity.EncodePrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	return identity.EncodeCertificate(cert), keyPEM
}

func TestVerifyResponseRejectsVersionMismatch(t *testing.T) {
	resp := &serverResponse{ProtocolVersion: "999", Action: "register", DeviceID: "dev-1"}
	err := verifyResponse(resp)
	if err == nil {
		t.Fatal("expected version mismatch error")
	}
	if err.Kind != ErrorKindProtocolVersionMismatch {
		t.Errorf("Kind = %v, want ProtocolVersionMismatch", err.Kind)
	}
}

func TestVerifyResponseAcceptsCurrentVersion(t *testing.T) {
	resp := &serverResponse{ProtocolVersion: protocolVersion, Action: "register", DeviceID: "dev-1"}
	if err := verifyResponse(resp); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestParseResponseRejectsGarbage(t *testing.T) {
	_, err := parseResponse([]byte("not xml at all <<<"))
	if err == nil {
		t.Fatal("expected xml parse error")
	}
}

func TestApplyRegistrationStoresCertAndKey(t *testing.T) {
	dir := t.TempDir()
	user, err := store.NewUserState(filepath.Join(dir, "state.ini"))
	if err != nil {
		t.Fatal(err)
	}
	certPEM, keyPEM := generateCredentialPEM(t)
	resp := &serverResponse{Certificate: certPEM, PrivateKey: keyPEM, User: "alice"}

	if err := applyRegistration(user, resp); err != nil {
		t.Fatalf("applyRegistration: %v", err)
	}
	if !user.GetBool("", "registered") {
		t.Errorf("registered = false, want true")
	}
	if user.GetString("", "certificate") == "" {
		t.Errorf("certificate not stored")
	}
	if user.GetString("", "privateKey") == "" {
		t.Errorf("privateKey not stored")
	}
}

func TestApplyRegistrationInvalidCertificateClearsRegistered(t *testing.T) {
	dir := t.TempDir()
	user, err := store.NewUserState(filepath.Join(dir, "state.ini"))
	if err != nil {
		t.Fatal(err)
	}
	user.SetBool("", "registered", true)
	resp := &serverResponse{Certificate: "garbage", PrivateKey: "garbage"}

	err2 := applyRegistration(user, resp)
	if err2 == nil {
		t.Fatal("expected error for invalid certificate")
	}
	if err2.Kind != ErrorKindInvalidCertificate {
		t.Errorf("Kind = %v, want InvalidCertificate", err2.Kind)
	}
	if user.GetBool("", "registered") {
		t.Errorf("registered should be false after failed registration")
	}
}

func TestApplyCredentialsWritesAllScopes(t *testing.T) {
	dir := t.TempDir()
	user, err := store.NewUserState(filepath.Join(dir, "state.ini"))
	if err != nil {
		t.Fatal(err)
	}
	resp := &serverResponse{
		Credentials: []credentialEntry{
			{Scope: "store", Username: "alice", Password: "s3cret"},
			{Scope: "repo", Username: "bob", Password: "t0ken"},
		},
	}

	if err := applyCredentials(user, resp); err != nil {
		t.Fatalf("applyCredentials: %v", err)
	}
	if got := user.GetString("credentials-store", "username"); got != "alice" {
		t.Errorf("store username = %q, want alice", got)
	}
	if got := user.GetString("credentials-repo", "password"); got != "t0ken" {
		t.Errorf("repo password = %q, want t0ken", got)
	}
	scopes := user.GetStringList("", "credentialScopes")
	if len(scopes) != 2 {
		t.Errorf("credentialScopes = %v, want 2 entries", scopes)
	}
	if user.GetTime("", "lastCredentialsUpdate").IsZero() {
		t.Errorf("lastCredentialsUpdate not set")
	}
}

func TestApplyCredentialsAbortsWholeResponseOnMissingField(t *testing.T) {
	dir := t.TempDir()
	user, err := store.NewUserState(filepath.Join(dir, "state.ini"))
	if err != nil {
		t.Fatal(err)
	}
	resp := &serverResponse{
		Credentials: []credentialEntry{
			{Scope: "store", Username: "alice", Password: "s3cret"},
			{Scope: "repo", Username: "", Password: "t0ken"},
		},
	}

	if err := applyCredentials(user, resp); err == nil {
		t.Fatal("expected error for missing username")
	}
	if user.Contains("credentials-store", "username") {
		t.Errorf("partial application: store scope should not have been written")
	}
}

func TestApplyCredentialsRejectsMissingScopeAttribute(t *testing.T) {
	dir := t.TempDir()
	user, err := store.NewUserState(filepath.Join(dir, "state.ini"))
	if err != nil {
		t.Fatal(err)
	}
	resp := &serverResponse{
		Credentials: []credentialEntry{{Scope: "", Username: "alice", Password: "s3cret"}},
	}

	err2 := applyCredentials(user, resp)
	if err2 == nil {
		t.Fatal("expected error")
	}
	if err2.Kind != ErrorKindMissingCredentialField {
		t.Errorf("Kind = %v, want MissingCredentialField", err2.Kind)
	}
}
