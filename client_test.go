// Copyright 2012 Jolla Ltd.
// SPDX-License-Identifier: BSD-3-Clause

package libssu

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sailfishos/libssu/identity"
)

func writeTestCACert(t *testing.T, dir string) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test-ca"},
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
	path := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(path, []byte(identity.EncodeCertificate(cert)), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	dir := t.TempDir()
	c, err := NewClient(Paths{
		UserState:       filepath.Join(dir, "state.ini"),
		DefaultTemplate: filepath.Join(dir, "defaults.ini"),
		RepoTemplates:   filepath.Join(dir, "repos.ini"),
		BoardMap:        filepath.Join(dir, "board.ini"),
	}, nil, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	caPath := writeTestCACert(t, dir)
	c.UserState.Set("", "ca-certificate", caPath)
	return c
}

func waitForDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for done notification")
	}
}

func TestSendRegistrationSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		certPEM, keyPEM := generateCredentialPEM(t)
		fmt.Fprintf(w, `<response>
			<protocolVersion>%s</protocolVersion>
			<deviceId>dev-1</deviceId>
			<action>register</action>
			<certificate><![CDATA[%s]]></certificate>
			<privateKey><![CDATA[%s]]></privateKey>
		</response>`, protocolVersion, certPEM, keyPEM)
	}))
	defer srv.Close()

	c := newTestClient(t)
	c.UserState.Set("", "register-url", srv.URL)

	done := make(chan struct{}, 1)
	registrationChanged := make(chan bool, 1)
	c.SetObserver(ObserverFuncs{
		RegistrationChanged: func(r bool) { registrationChanged <- r },
		Done:                func() { done <- struct{}{} },
	})

	c.SendRegistration(context.Background(), "alice", "secret")
	waitForDone(t, done)

	if c.Error() {
		t.Fatalf("unexpected error: %s", c.LastError())
	}
	if !c.IsRegistered() {
		t.Errorf("IsRegistered() = false, want true after successful registration")
	}
	select {
	case r := <-registrationChanged:
		if !r {
			t.Errorf("registrationChanged delivered false, want true")
		}
	default:
		t.Errorf("registrationChanged was never delivered")
	}
}

func TestSendRegistrationProtocolVersionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<response>
			<protocolVersion>999</protocolVersion>
			<deviceId>dev-1</deviceId>
			<action>register</action>
		</response>`)
	}))
	defer srv.Close()

	c := newTestClient(t)
	c.UserState.Set("", "register-url", srv.URL)

	done := make(chan struct{}, 2)
	c.SetObserver(ObserverFuncs{Done: func() { done <- struct{}{} }})

	c.SendRegistration(context.Background(), "alice", "secret")
	waitForDone(t, done)

	if !c.Error() {
		t.Fatal("expected latched error for protocol version mismatch")
	}
	if c.IsRegistered() {
		t.Errorf("IsRegistered() = true, want false after mismatch")
	}
}

func TestSendRegistrationMissingCACertificate(t *testing.T) {
	dir := t.TempDir()
	c, err := NewClient(Paths{
		UserState:       filepath.Join(dir, "state.ini"),
		DefaultTemplate: filepath.Join(dir, "defaults.ini"),
		RepoTemplates:   filepath.Join(dir, "repos.ini"),
		BoardMap:        filepath.Join(dir, "board.ini"),
	}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{}, 1)
	c.SetObserver(ObserverFuncs{Done: func() { done <- struct{}{} }})

	c.SendRegistration(context.Background(), "alice", "secret")
	waitForDone(t, done)

	if !c.Error() {
		t.Fatal("expected latched error for missing ca-certificate")
	}
}

func TestUpdateCredentialsSkipsWithinTwentyFourHours(t *testing.T) {
	c := newTestClient(t)
	c.UserState.SetBool("", "registered", true)
	c.UserState.Set("", "certificate", "placeholder")
	c.UserState.Set("", "privateKey", "placeholder")
	c.UserState.Set("", "credentials-url", "https://unused.example")
	c.UserState.SetTime("", "lastCredentialsUpdate", time.Now().Add(-time.Hour))
	c.Identifier.IMEI = func() string { return "123456789012345" }

	done := make(chan struct{}, 1)
	c.SetObserver(ObserverFuncs{Done: func() { done <- struct{}{} }})

	c.UpdateCredentials(context.Background(), false)
	waitForDone(t, done)

	if c.Error() {
		t.Errorf("unexpected error: %s", c.LastError())
	}
}

func TestUnregisterClearsIdentity(t *testing.T) {
	c := newTestClient(t)
	c.UserState.SetBool("", "registered", true)
	c.UserState.Set("", "certificate", "cert")
	c.UserState.Set("", "privateKey", "key")

	changed := make(chan bool, 1)
	c.SetObserver(ObserverFuncs{RegistrationChanged: func(r bool) { changed <- r }})

	c.Unregister()

	if c.IsRegistered() {
		t.Errorf("IsRegistered() = true after Unregister")
	}
	select {
	case r := <-changed:
		if r {
			t.Errorf("registrationChanged delivered true, want false")
		}
	default:
		t.Errorf("registrationChanged not delivered")
	}
}

func TestStoreAuthorizedKeysIdempotent(t *testing.T) {
	if os.Geteuid() < 1000 {
		t.Skip("test requires an unprivileged effective uid")
	}
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	c := newTestClient(t)

	if err := c.StoreAuthorizedKeys([]byte("key-one")); err != nil {
		t.Fatalf("first StoreAuthorizedKeys: %v", err)
	}
	if err := c.StoreAuthorizedKeys([]byte("key-two")); err != nil {
		t.Fatalf("second StoreAuthorizedKeys: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, ".ssh", "authorized_keys"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "key-one" {
		t.Errorf("authorized_keys = %q, want first write preserved", got)
	}
}

func TestStoreAuthorizedKeysNoopForSystemAccount(t *testing.T) {
	if os.Geteuid() >= 1000 {
		t.Skip("test requires a system-account effective uid (< 1000)")
	}
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	c := newTestClient(t)

	if err := c.StoreAuthorizedKeys([]byte("key")); err != nil {
		t.Fatalf("StoreAuthorizedKeys: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".ssh", "authorized_keys")); err == nil {
		t.Errorf("authorized_keys was created for a system account")
	}
}

func TestSetFlavourEmitsChangeUnconditionally(t *testing.T) {
	c := newTestClient(t)
	calls := 0
	c.SetObserver(ObserverFuncs{FlavourChanged: func(string) { calls++ }})

	c.SetFlavour("release")
	c.SetFlavour("release")

	if calls != 2 {
		t.Errorf("flavourChanged fired %d times, want 2 (unconditional emission)", calls)
	}
}

func TestFlavourDefaultsToRelease(t *testing.T) {
	c := newTestClient(t)
	if got := c.Flavour(); got != "release" {
		t.Errorf("Flavour() = %q, want release", got)
	}
}

func TestCredentialsRoundTrip(t *testing.T) {
	c := newTestClient(t)
	c.UserState.Set("credentials-store", "username", "alice")
	c.UserState.Set("credentials-store", "password", "s3cret")

	user, pass := c.Credentials("store")
	if user != "alice" || pass != "s3cret" {
		t.Errorf("Credentials(store) = (%q, %q), want (alice, s3cret)", user, pass)
	}

	user, pass = c.Credentials("unconfigured")
	if user != "" || pass != "" {
		t.Errorf("Credentials(unconfigured) = (%q, %q), want empty strings", user, pass)
	}
}

func TestCredentialsScopeIgnoresArguments(t *testing.T) {
	c := newTestClient(t)
	c.UserState.Set("", "credentials-scope", "store")

	if got := c.CredentialsScope("anything", true); got != "store" {
		t.Errorf("CredentialsScope() = %q, want store", got)
	}
	if got := c.CredentialsScope("something-else", false); got != "store" {
		t.Errorf("CredentialsScope() = %q, want store regardless of arguments", got)
	}
}

func TestCredentialsURLFallsBackToSentinelWhenUnset(t *testing.T) {
	c := newTestClient(t)
	if got := c.CredentialsURL("store"); got == "" {
		t.Errorf("CredentialsURL() = %q, want non-empty sentinel message", got)
	}

	c.UserState.Set("", "credentials-url-store", "https://creds.example/store")
	if got := c.CredentialsURL("store"); got != "https://creds.example/store" {
		t.Errorf("CredentialsURL() = %q, want configured URL", got)
	}
}
