// Copyright 2012 Jolla Ltd.
// SPDX-License-Identifier: BSD-3-Clause

package store

import (
	"runtime"
	"sort"
	"strconv"
)

// VersionGroups is a pure snapshot of a DefaultTemplate plane: group name
// (stringified version number) to its key/value entries.
type VersionGroups map[string]map[string]string

// Migrate implements a default-preserving, user-override-safe schema
// upgrade. It is a pure function over snapshots so that the migration
// policy can be property-tested without touching disk; Migrator.Run
// (below) is the thin I/O wrapper that calls it against real Store-backed
// planes.
//
// For each version v in (userVersion+1)..defaultVersion, every key in
// defaults[strconv.Itoa(v)] is either copied into user (if absent there),
// or, if present in some earlier defaults group with a different value
// than the new one and the user's current value still equals that older
// default, updated to the new default. Keys the user has customised
// (current value differs from every known prior default) are left alone.
func Migrate(user map[string]string, defaults VersionGroups, userVersion, defaultVersion int) (newUser map[string]string, newVersion int) {
	newUser = make(map[string]string, len(user))
	for k, v := range user {
		newUser[k] = v
	}
	newVersion = userVersion

	for v := userVersion + 1; v <= defaultVersion; v++ {
		group := defaults[strconv.Itoa(v)]
		keys := make([]string, 0, len(group))
		for k := range group {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			newValue := group[k]
			current, exists := newUser[k]
			if !exists {
				newUser[k] = newValue
				continue
			}

			old, foundOld := previousDefault(defaults, v, k)
			if !foundOld {
				// Cannot prove the default changed; leave the user's value.
				continue
			}
			if old == newValue {
				continue
			}
			if current == old {
				newUser[k] = newValue
			}
			// else: user has customised this key away from the old
			// default; leave it alone.
		}
		newVersion = v
	}
	return newUser, newVersion
}

// previousDefault finds the most recent default value for key in a
// version strictly before v, scanning backwards from v-1 to 1.
func previousDefault(defaults VersionGroups, v int, key string) (string, bool) {
	for j := v - 1; j > 0; j-- {
		group, ok := defaults[strconv.Itoa(j)]
		if !ok {
			continue
		}
		if val, ok := group[key]; ok {
			return val, true
		}
	}
	return "", false
}

// Migrator runs the schema migration once at facade construction time.
type Migrator struct {
	// Arch is the compile-time architecture identifier seeded into a
	// freshly migrated UserState that lacks one. Defaults to
	// runtime.GOARCH when left empty.
	Arch string
}

// Run upgrades user in place to match defaults' configVersion, then syncs
// it to disk. It is idempotent: running it twice in a row is a no-op the
// second time, since the second run finds userVersion == defaultVersion.
func (m Migrator) Run(user *UserState, defaults *DefaultTemplate) error {
	userVersion := user.GetInt(rootGroup, "configVersion")
	defaultVersion := defaults.GetInt(rootGroup, "configVersion")

	if userVersion < defaultVersion {
		snapshot := make(VersionGroups)
		for _, g := range defaults.Groups() {
			entries := make(map[string]string)
			for _, k := range defaults.Keys(g) {
				entries[k] = defaults.GetString(g, k)
			}
			snapshot[g] = entries
		}

		userSnapshot := make(map[string]string)
		for _, k := range user.Keys(rootGroup) {
			userSnapshot[k] = user.GetString(rootGroup, k)
		}

		newUser, newVersion := Migrate(userSnapshot, snapshot, userVersion, defaultVersion)
		for k, v := range newUser {
			user.Set(rootGroup, k, v)
		}
		user.SetInt(rootGroup, "configVersion", newVersion)
	}

	if !user.Contains(rootGroup, "arch") {
		arch := m.Arch
		if arch == "" {
			arch = runtime.GOARCH
		}
		user.Set(rootGroup, "arch", arch)
	}

	return user.Sync()
}
