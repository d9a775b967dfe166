// Copyright 2012 Jolla Ltd.
// SPDX-License-Identifier: BSD-3-Clause

// Package libssu implements a device enrollment and repository-URL
// resolution client.
//
// A device identifies itself against a central update service, obtains a
// client X.509 certificate and private key, periodically refreshes
// per-scope credentials, and resolves abstract repository names into fully
// substituted URLs for a package manager.
//
// [Client] is the entrypoint: it aggregates the four on-disk configuration
// planes (user state, default template, repository templates, board map),
// runs the schema migrator once at construction, and exposes registration,
// credentials refresh, and repository URL resolution.
//
// Device fingerprinting lives in the device subpackage, the PEM-encoded
// identity pair in identity, and the HTTP/TLS client in transport. The
// wire protocol (registration and credentials XML) and the repository URL
// templating engine are implemented directly in this package, since both
// work directly against the configuration store: the protocol handler
// writes registration and credentials results into it, and the resolver
// reads its templates and variables from it.
package libssu
