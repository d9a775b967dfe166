// Copyright 2012 Jolla Ltd.
// SPDX-License-Identifier: BSD-3-Clause

package store

// UserState is the mutable, persisted plane holding credentials,
// certificate/key material, release/flavour choices, and cached arch.
type UserState struct{ *Store }

// NewUserState opens (or creates) the user state plane at path.
func NewUserState(path string) (*UserState, error) {
	s, err := Open(path)
	if err != nil {
		return nil, err
	}
	return &UserState{s}, nil
}

// DefaultTemplate is the read-only plane carrying schema versions 1..V as
// top-level groups, consulted only by the migrator.
type DefaultTemplate struct{ *Store }

// NewDefaultTemplate opens the default template plane at path.
func NewDefaultTemplate(path string) (*DefaultTemplate, error) {
	s, err := OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	return &DefaultTemplate{s}, nil
}

// RepoTemplates is the read-only plane carrying "release", "rnd", "all",
// and per-flavour groups of repo-name -> URL-template entries.
type RepoTemplates struct{ *Store }

// NewRepoTemplates opens the repository template plane at path.
func NewRepoTemplates(path string) (*RepoTemplates, error) {
	s, err := OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	return &RepoTemplates{s}, nil
}

// BoardMap is the read-only plane driving device fingerprinting:
// file.exists, systeminfo.equals, cpuinfo.contains, arch.equals,
// variants/*, and <model>/family groups.
type BoardMap struct{ *Store }

// NewBoardMap opens the board mapping plane at path.
func NewBoardMap(path string) (*BoardMap, error) {
	s, err := OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	return &BoardMap{s}, nil
}
