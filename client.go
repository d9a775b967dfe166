// Copyright 2012 Jolla Ltd.
// SPDX-License-Identifier: BSD-3-Clause

package libssu

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sailfishos/libssu/device"
	"github.com/sailfishos/libssu/store"
	"github.com/sailfishos/libssu/transport"
)

// Paths names the four on-disk configuration planes, mirroring the
// SSU_CONFIGURATION/SSU_REPO_CONFIGURATION/SSU_BOARD_MAPPING_CONFIGURATION/
// SSU_DEFAULT_CONFIGURATION environment-supplied locations.
type Paths struct {
	UserState       string
	DefaultTemplate string
	RepoTemplates   string
	BoardMap        string
}

// Client is the facade aggregating the configuration store, migrator,
// device identifier, repository resolver, and HTTP/TLS transport; it owns
// the pending-request counter and the latched error required by legacy
// CLI consumers.
type Client struct {
	UserState       *store.UserState
	DefaultTemplate *store.DefaultTemplate
	RepoTemplates   *store.RepoTemplates
	BoardMap        *store.BoardMap

	Identifier *device.Identifier
	Transport  *transport.Transport
	Logger     *slog.Logger

	resolve *resolver
	events  *dispatcher
	replies chan replyMsg

	mu              sync.Mutex
	pendingRequests int
	errorFlag       bool
	errorString     string
}

// replyMsg carries one completed request's outcome to the dispatch loop.
type replyMsg struct {
	resp *transport.Response
	err  error
}

// NewClient opens the four configuration planes, runs the schema migrator,
// and wires up the device identifier and resolver. observer may be nil. If
// logger is nil, slog.Default() is used.
func NewClient(paths Paths, observer Observer, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	user, err := store.NewUserState(paths.UserState)
	if err != nil {
		return nil, fmt.Errorf("opening user state: %w", err)
	}
	defaults, err := store.NewDefaultTemplate(paths.DefaultTemplate)
	if err != nil {
		return nil, fmt.Errorf("opening default template: %w", err)
	}
	repos, err := store.NewRepoTemplates(paths.RepoTemplates)
	if err != nil {
		return nil, fmt.Errorf("opening repo templates: %w", err)
	}
	board, err := store.NewBoardMap(paths.BoardMap)
	if err != nil {
		return nil, fmt.Errorf("opening board map: %w", err)
	}

	if err := (store.Migrator{}).Run(user, defaults); err != nil {
		return nil, fmt.Errorf("running config migration: %w", err)
	}

	identifier := device.NewIdentifier(board, user)

	c := &Client{
		UserState:       user,
		DefaultTemplate: defaults,
		RepoTemplates:   repos,
		BoardMap:        board,
		Identifier:      identifier,
		Transport:       &transport.Transport{},
		Logger:          logger,
		events:          newDispatcher(observer),
		replies:         make(chan replyMsg),
	}
	c.resolve = &resolver{
		user:  user,
		repos: repos,
		identify: func() (string, string) {
			return identifier.Model(), identifier.Family()
		},
	}
	go c.dispatchLoop()
	return c, nil
}

// dispatchLoop drains c.replies on a single goroutine, so that no two
// replies are ever processed concurrently against UserState. It is the
// channel-based analogue of a single-threaded event loop.
func (c *Client) dispatchLoop() {
	for msg := range c.replies {
		c.handleReply(msg.resp, msg.err)
	}
}

// SetObserver replaces the notification sink.
func (c *Client) SetObserver(o Observer) {
	c.events.set(o)
}

// Error reports whether an error is latched from the most recent batch.
func (c *Client) Error() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorFlag
}

// LastError returns the human-readable message of the latched error.
func (c *Client) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorString
}

func (c *Client) clearError() {
	c.mu.Lock()
	c.errorFlag = false
	c.errorString = ""
	c.mu.Unlock()
}

// setError latches the error and eagerly emits done, unblocking CLI
// consumers even while other requests remain pending. pendingRequests is
// deliberately left untouched here; callers that reach setError from
// inside the reply-handling path are responsible for their own decrement,
// which is why some failure branches double-emit done, see handleReply.
func (c *Client) setError(kind ErrorKind, msg string) {
	c.mu.Lock()
	c.errorFlag = true
	c.errorString = newError(kind, msg).Error()
	c.mu.Unlock()
	c.Logger.Error("request failed", "kind", kind, "message", msg)
	c.events.done()
}

func (c *Client) setErrorFromError(err *Error) {
	c.setError(err.Kind, err.Msg)
}

// Release returns the configured release identifier for production repos,
// or the RND release when rnd is true.
func (c *Client) Release(rnd bool) string {
	if rnd {
		return c.UserState.GetString("", "rndRelease")
	}
	return c.UserState.GetString("", "release")
}

// SetRelease stores the release identifier for production repos, or the
// RND release when rnd is true.
func (c *Client) SetRelease(release string, rnd bool) {
	if rnd {
		c.UserState.Set("", "rndRelease", release)
	} else {
		c.UserState.Set("", "release", release)
	}
}

// Flavour returns the configured RND flavour, defaulting to "release".
func (c *Client) Flavour() string {
	if c.UserState.Contains("", "flavour") {
		return c.UserState.GetString("", "flavour")
	}
	return "release"
}

// SetFlavour stores the RND flavour and notifies observers unconditionally,
// even if the new value equals the old one, matching the original signal
// emission.
func (c *Client) SetFlavour(flavour string) {
	c.UserState.Set("", "flavour", flavour)
	c.events.flavourChanged(flavour)
}

// IsRegistered reports whether both halves of the identity pair are
// present and the registered flag is set.
func (c *Client) IsRegistered() bool {
	if !c.UserState.Contains("", "privateKey") {
		return false
	}
	if !c.UserState.Contains("", "certificate") {
		return false
	}
	return c.UserState.GetBool("", "registered")
}

// LastCredentialsUpdate returns the timestamp of the most recent
// successful credentials refresh, or the zero time if none has occurred.
func (c *Client) LastCredentialsUpdate() time.Time {
	return c.UserState.GetTime("", "lastCredentialsUpdate")
}

// RepoURL resolves repoName to a fully substituted URL. An empty result
// means no template is configured for this repo.
func (c *Client) RepoURL(repoName string, rndRepo bool, extraParams map[string]string) string {
	return c.resolve.resolve(repoName, rndRepo, extraParams)
}

func (c *Client) useSSLVerify() bool {
	if c.UserState.Contains("", "ssl-verify") {
		return c.UserState.GetBool("", "ssl-verify")
	}
	return true
}

// SendRegistration issues the registration POST, and, if home-url is
// configured, a concurrent authorized_keys GET. Both replies funnel
// through handleReply on completion.
func (c *Client) SendRegistration(ctx context.Context, username, password string) {
	c.clearError()

	if !c.UserState.Contains("", "ca-certificate") {
		c.setError(ErrorKindMissingConfigKey, "CA certificate for SSU not set (config key 'ca-certificate')")
		return
	}
	caCertPath := c.UserState.GetString("", "ca-certificate")

	if !c.UserState.Contains("", "register-url") {
		c.setError(ErrorKindMissingConfigKey, "URL for SSU registration not set (config key 'register-url')")
		return
	}
	registerURLTemplate := c.UserState.GetString("", "register-url")

	uid := c.Identifier.UID()
	if uid == "" {
		c.setError(ErrorKindInvalidUID, "no valid uid available for your device; for phones, is your modem online?")
		return
	}

	tlsConfig, err := transport.TLSConfig(caCertPath, c.useSSLVerify(), nil, nil)
	if err != nil {
		c.setError(ErrorKindTransportError, err.Error())
		return
	}

	registerURL := strings.ReplaceAll(registerURLTemplate, "%1", uid)
	deviceModel := c.Identifier.Model()
	c.Logger.Debug("sending registration", "url", registerURL, "deviceModel", deviceModel)

	homeURL := ""
	if homeURLTemplate := c.UserState.GetString("", "home-url"); homeURLTemplate != "" {
		homeURL = strings.TrimRight(strings.ReplaceAll(homeURLTemplate, "%1", username), "/")
	}

	// Both requests are counted before either goroutine is spawned, so the
	// batch size is fixed before any reply can reach dispatchLoop and
	// decrement it.
	c.beginRequest()
	if homeURL != "" {
		c.beginRequest()
	}

	go func() {
		resp, err := c.Transport.SendRegistration(ctx, tlsConfig, registerURL, username, password, protocolVersion, deviceModel)
		c.replies <- replyMsg{resp, err}
	}()

	if homeURL != "" {
		go func() {
			resp, err := c.Transport.SendAuthorizedKeysRequest(ctx, tlsConfig, homeURL+"/authorized_keys")
			if resp == nil {
				// Keep the reply tagged even on failure, so handleReply
				// routes it to the best-effort branch.
				resp = &transport.Response{Kind: transport.KindAuthorizedKeys}
			}
			c.replies <- replyMsg{resp, err}
		}()
	}
}

// UpdateCredentials issues the mutual-TLS credentials refresh GET, unless
// force is false and the last refresh was within the past 24 hours.
func (c *Client) UpdateCredentials(ctx context.Context, force bool) {
	c.clearError()

	if c.Identifier.UID() == "" {
		c.setError(ErrorKindInvalidUID, "no valid uid available for your device; for phones, is your modem online?")
		return
	}

	if !c.UserState.Contains("", "ca-certificate") {
		c.setError(ErrorKindMissingConfigKey, "CA certificate for SSU not set (config key 'ca-certificate')")
		return
	}
	caCertPath := c.UserState.GetString("", "ca-certificate")

	if !c.UserState.Contains("", "credentials-url") {
		c.setError(ErrorKindMissingConfigKey, "URL for credentials update not set (config key 'credentials-url')")
		return
	}
	credentialsURLTemplate := c.UserState.GetString("", "credentials-url")

	if !c.IsRegistered() {
		c.setError(ErrorKindMissingConfigKey, "device is not registered")
		return
	}

	if !force {
		last := c.UserState.GetTime("", "lastCredentialsUpdate")
		if !last.IsZero() && time.Since(last) < 24*time.Hour {
			c.events.done()
			return
		}
	}

	certPEM := c.UserState.GetString("", "certificate")
	keyPEM := c.UserState.GetString("", "privateKey")
	tlsConfig, err := transport.TLSConfig(caCertPath, c.useSSLVerify(), []byte(certPEM), []byte(keyPEM))
	if err != nil {
		c.setError(ErrorKindTransportError, err.Error())
		return
	}

	credentialsURL := strings.ReplaceAll(credentialsURLTemplate, "%1", c.Identifier.UID())
	c.Logger.Debug("refreshing credentials", "url", credentialsURL, "force", force)

	c.beginRequest()
	go func() {
		resp, err := c.Transport.SendCredentialsRefresh(ctx, tlsConfig, credentialsURL, protocolVersion)
		c.replies <- replyMsg{resp, err}
	}()
}

// Credentials returns the username/password stored for scope, or empty
// strings if that scope was never populated by a credentials refresh.
func (c *Client) Credentials(scope string) (username, password string) {
	group := "credentials-" + scope
	return c.UserState.GetString(group, "username"), c.UserState.GetString(group, "password")
}

// CredentialsScope returns the configured credentials scope. repoName and
// rnd are accepted but, matching the historical behavior of this accessor,
// not consulted: every repository shares the single configured scope.
func (c *Client) CredentialsScope(repoName string, rnd bool) string {
	if c.UserState.Contains("", "credentials-scope") {
		return c.UserState.GetString("", "credentials-scope")
	}
	return "credentials-scope not set"
}

// CredentialsURL returns the per-scope credentials endpoint, distinct from
// the single credentials-url key consulted by UpdateCredentials. It exists
// for callers that address an individual scope's refresh endpoint
// directly; the facade's own UpdateCredentials does not call it.
func (c *Client) CredentialsURL(scope string) string {
	key := "credentials-url-" + scope
	if c.UserState.Contains("", key) {
		return c.UserState.GetString("", key)
	}
	return fmt.Sprintf("credentials-url for scope %q not set (config key %q)", scope, key)
}

// Unregister clears the stored identity without contacting the server.
func (c *Client) Unregister() {
	c.UserState.Set("", "privateKey", "")
	c.UserState.Set("", "certificate", "")
	c.UserState.SetBool("", "registered", false)
	c.events.registrationChanged(false)
}

// StoreAuthorizedKeys writes data to ~/.ssh/authorized_keys. It is a no-op
// for system accounts (effective uid < 1000) and a no-op if the file
// already exists.
func (c *Client) StoreAuthorizedKeys(data []byte) error {
	if os.Geteuid() < 1000 {
		return nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("storeAuthorizedKeys: resolving home directory: %w", err)
	}

	sshDir := filepath.Join(home, ".ssh")
	authorizedKeys := filepath.Join(sshDir, "authorized_keys")

	if _, err := os.Stat(authorizedKeys); err == nil {
		return nil
	}

	if err := os.MkdirAll(sshDir, 0o700); err != nil {
		return fmt.Errorf("storeAuthorizedKeys: creating %s: %w", sshDir, err)
	}
	if err := os.Chmod(sshDir, 0o700); err != nil {
		return fmt.Errorf("storeAuthorizedKeys: setting permissions on %s: %w", sshDir, err)
	}
	if err := os.WriteFile(authorizedKeys, data, 0o600); err != nil {
		return fmt.Errorf("storeAuthorizedKeys: writing %s: %w", authorizedKeys, err)
	}
	return nil
}

func (c *Client) beginRequest() {
	c.mu.Lock()
	c.pendingRequests++
	c.mu.Unlock()
}

// finish decrements the pending-request counter and emits done exactly
// once the batch reaches zero. It is also where the "double done" quirk
// manifests: a branch that already called setError still passes through
// here and may emit a second done if the counter also happens to hit
// zero.
func (c *Client) finish() {
	c.mu.Lock()
	c.pendingRequests--
	zero := c.pendingRequests == 0
	c.mu.Unlock()
	if zero {
		c.events.done()
	}
}

// handleReply is the single-threaded reply dispatcher: every outstanding
// request's completion, success or failure, funnels through here so that
// no two replies are ever processed concurrently against UserState.
func (c *Client) handleReply(resp *transport.Response, sendErr error) {
	if resp != nil && resp.Kind == transport.KindAuthorizedKeys {
		// Errors on the secondary download are ignored; it is best-effort.
		logPeerCertificates(c.Logger, resp.PeerCerts)
		if sendErr == nil {
			_ = c.StoreAuthorizedKeys(resp.Body)
		}
		c.finish()
		return
	}

	if sendErr != nil {
		c.mu.Lock()
		c.pendingRequests--
		c.mu.Unlock()
		c.setError(ErrorKindTransportError, sendErr.Error())
		return
	}

	logPeerCertificates(c.Logger, resp.PeerCerts)

	parsed, perr := parseResponse(resp.Body)
	if perr != nil {
		c.mu.Lock()
		c.pendingRequests--
		c.mu.Unlock()
		c.setErrorFromError(perr.(*Error))
		return
	}
	c.Logger.Debug("received response", "bytes", len(resp.Body), "action", parsed.Action, "deviceId", parsed.DeviceID)

	if verr := verifyResponse(parsed); verr != nil {
		c.setErrorFromError(verr)
		c.finish()
		return
	}

	switch parsed.Action {
	case "register":
		if aerr := applyRegistration(c.UserState, parsed); aerr != nil {
			c.Logger.Warn("registration rejected", "error", aerr)
			c.setErrorFromError(aerr)
		} else if err := c.UserState.Sync(); err != nil {
			c.setError(ErrorKindMissingConfigKey, err.Error())
		} else {
			c.Logger.Info("device registered", "deviceId", parsed.DeviceID)
			c.events.registrationChanged(true)
		}
	case "credentials":
		if aerr := applyCredentials(c.UserState, parsed); aerr != nil {
			c.Logger.Warn("credentials refresh rejected", "error", aerr)
			c.setErrorFromError(aerr)
		} else if err := c.UserState.Sync(); err != nil {
			c.setError(ErrorKindMissingConfigKey, err.Error())
		} else {
			scopes := c.UserState.GetStringList("", "credentialScopes")
			c.Logger.Info("credentials refreshed", "scopes", scopes)
			c.events.credentialsChanged(scopes)
		}
	default:
		c.mu.Lock()
		c.pendingRequests--
		c.mu.Unlock()
		c.setError(ErrorKindUnknownAction, fmt.Sprintf("response to unknown action encountered: %s", parsed.Action))
		return
	}

	c.finish()
}

// logPeerCertificates emits the negotiated TLS peer chain at debug level;
// it is diagnostic only and never affects control flow.
func logPeerCertificates(logger *slog.Logger, chain []*x509.Certificate) {
	if len(chain) == 0 {
		return
	}
	logger.Debug("tls peer certificate",
		"subject", chain[0].Subject.CommonName,
		"issuer", chain[0].Issuer.CommonName,
		"chainLength", len(chain))
}
