// Copyright 2012 Jolla Ltd.
// SPDX-License-Identifier: BSD-3-Clause

package libssu

import (
	"strings"

	"github.com/sailfishos/libssu/store"
)

// resolver implements the repository URL templating engine:
// precedence-ordered variable assembly, precedence-ordered template
// lookup, and single-pass, non-recursive %(name) substitution.
type resolver struct {
	user     *store.UserState
	repos    *store.RepoTemplates
	identify func() (model, family string)
}

// resolve computes the fully substituted URL for repoName. An empty
// return value means no template was found for the given search list; the
// caller is expected to detect that and treat it as unconfigured.
func (r *resolver) resolve(repoName string, rndRepo bool, extraParams map[string]string) string {
	vars, sections := r.assembleVariables(repoName, rndRepo, extraParams)
	template := r.lookupTemplate(repoName, sections)
	return substitute(template, vars)
}

func (r *resolver) assembleVariables(repoName string, rndRepo bool, extraParams map[string]string) (map[string]string, []string) {
	vars := map[string]string{}

	for _, k := range r.user.Keys("repository-url-variables") {
		vars[k] = r.user.GetString("repository-url-variables", k)
	}

	for k, v := range extraParams {
		vars[k] = v
	}

	var sections []string
	flavour := r.user.GetString("", "flavour")
	if flavour == "" {
		flavour = "release"
	}
	if rndRepo {
		flavourSection := flavour + "-flavour"
		vars["flavour"] = r.repos.GetString(flavourSection, "flavour-pattern")
		vars["release"] = r.user.GetString("", "rndRelease")
		sections = []string{flavourSection, "rnd", "all"}
	} else {
		vars["release"] = r.user.GetString("", "release")
		sections = []string{"release", "all"}
	}

	if _, ok := vars["debugSplit"]; !ok {
		vars["debugSplit"] = "packages"
	}
	if _, ok := vars["arch"]; !ok {
		vars["arch"] = r.user.GetString("", "arch")
	}

	model, family := r.identify()
	vars["adaptation"] = r.user.GetString("", "adaptation")
	vars["deviceFamily"] = family
	vars["deviceModel"] = model

	return vars, sections
}

func (r *resolver) lookupTemplate(repoName string, sections []string) string {
	if t, ok := r.user.Get("repository-urls", repoName); ok {
		return t
	}
	for _, section := range sections {
		if t, ok := r.repos.Get(section, repoName); ok {
			return t
		}
	}
	return ""
}

// substitute replaces every literal %(name) token in template with the
// corresponding entry from vars, in one left-to-right pass. Replacement
// text is never re-scanned, so a substituted value containing "%(" cannot
// trigger a second expansion; unknown variables are left verbatim.
func substitute(template string, vars map[string]string) string {
	var b strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "%(")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[start+2:], ')')
		if end < 0 {
			b.WriteString(rest)
			break
		}
		end += start + 2

		name := rest[start+2 : end]
		b.WriteString(rest[:start])
		if v, ok := vars[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(rest[start : end+1])
		}
		rest = rest[end+1:]
	}
	return b.String()
}
