// Copyright 2012 Jolla Ltd.
// SPDX-License-Identifier: BSD-3-Clause

package libssu

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/sailfishos/libssu/identity"
	"github.com/sailfishos/libssu/store"
)

// protocolVersion is the wire protocol version this client speaks.
const protocolVersion = "2"

// credentialEntry is one <credentials scope="..."> element.
type credentialEntry struct {
	Scope    string `xml:"scope,attr"`
	Username string `xml:"username"`
	Password string `xml:"password"`
}

// serverResponse is the XML shape of a reply body. Not every field is
// populated for every action.
type serverResponse struct {
	XMLName         xml.Name          `xml:"response"`
	ProtocolVersion string            `xml:"protocolVersion"`
	DeviceID        string            `xml:"deviceId"`
	Action          string            `xml:"action"`
	Certificate     string            `xml:"certificate"`
	PrivateKey      string            `xml:"privateKey"`
	User            string            `xml:"user"`
	Credentials     []credentialEntry `xml:"credentials"`
}

// parseResponse unmarshals the reply body. A parse failure is always an
// XmlParseError.
func parseResponse(body []byte) (*serverResponse, error) {
	var resp serverResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, wrapError(ErrorKindXMLParseError, "unable to parse server response", err)
	}
	return &resp, nil
}

// verifyResponse checks the response's protocolVersion against the
// compiled protocol version. It does not check deviceId or action.
func verifyResponse(resp *serverResponse) *Error {
	if resp.ProtocolVersion != protocolVersion {
		return newError(ErrorKindProtocolVersionMismatch,
			fmt.Sprintf("response has unsupported protocol version %s, client requires version %s",
				resp.ProtocolVersion, protocolVersion))
	}
	return nil
}

// applyRegistration parses and stores the certificate/private key pair
// carried by a register response. Either parse failure leaves the device
// unregistered and returns the latched error; on success it marks the
// device registered. Syncing to disk is left to the caller.
func applyRegistration(user *store.UserState, resp *serverResponse) *Error {
	cert, err := identity.ParseCertificate(resp.Certificate)
	if err != nil {
		user.SetBool("", "registered", false)
		return wrapError(ErrorKindInvalidCertificate, "certificate is invalid", err)
	}

	key, err := identity.ParsePrivateKey(resp.PrivateKey)
	if err != nil {
		user.SetBool("", "registered", false)
		return wrapError(ErrorKindInvalidPrivateKey, "private key is invalid", err)
	}

	keyPEM, err := identity.EncodePrivateKey(key)
	if err != nil {
		user.SetBool("", "registered", false)
		return wrapError(ErrorKindInvalidPrivateKey, "private key could not be re-encoded", err)
	}

	user.Set("", "certificate", identity.EncodeCertificate(cert))
	user.Set("", "privateKey", keyPEM)
	user.SetBool("", "registered", true)

	// resp.User is informational only (possible future owner-change
	// notice); nothing in this module consumes it.
	return nil
}

// applyCredentials enumerates every <credentials scope="..."> element and,
// if all are well-formed, persists them atomically: either every scope is
// written or none are (no partial application on error).
func applyCredentials(user *store.UserState, resp *serverResponse) *Error {
	if len(resp.Credentials) == 0 {
		return newError(ErrorKindMissingCredentialField, "response carries no credentials elements")
	}

	scopes := make([]string, 0, len(resp.Credentials))
	for _, entry := range resp.Credentials {
		if entry.Scope == "" {
			return newError(ErrorKindMissingCredentialField, "credentials element does not have scope")
		}
		if entry.Username == "" || entry.Password == "" {
			return newError(ErrorKindMissingCredentialField, "username and/or password not set")
		}
		scopes = append(scopes, entry.Scope)
	}

	for _, entry := range resp.Credentials {
		group := "credentials-" + entry.Scope
		user.Set(group, "username", entry.Username)
		user.Set(group, "password", entry.Password)
	}
	user.SetStringList("", "credentialScopes", scopes)
	user.SetTime("", "lastCredentialsUpdate", time.Now())

	return nil
}
