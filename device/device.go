// Copyright 2012 Jolla Ltd.
// SPDX-License-Identifier: BSD-3-Clause

// Package device implements the ordered device-fingerprinting pipeline:
// board-map-driven model detection, family aliasing, and platform unique-id
// resolution with the IMEI carve-out for a handful of device families.
package device

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/sailfishos/libssu/store"
)

// imeiFamilies lists the device families whose uid() resolution falls back
// to the "imei" environment variable when the platform reports no IMEI.
// These are the only families that ever shipped a GSM modem behind this
// code path.
var imeiFamilies = map[string]bool{
	"n950-n9": true,
	"n900":    true,
}

var imeiPattern = regexp.MustCompile(`^[0-9]{15,16}$`)

// Identifier resolves model/family/uid against a BoardMap, with its probes
// injectable so tests never touch the real filesystem or platform APIs.
type Identifier struct {
	Board *store.BoardMap
	User  *store.UserState

	// FileExists defaults to checking the real filesystem.
	FileExists func(path string) bool
	// SystemInfoModel returns the platform's reported model string,
	// defaulting to gopsutil's host.Info().
	SystemInfoModel func() (string, error)
	// ReadCPUInfo defaults to reading /proc/cpuinfo.
	ReadCPUInfo func() (string, error)
	// IMEI returns the platform-reported IMEI, empty if unavailable.
	// There is no portable stdlib or gopsutil source for this on a
	// general-purpose OS; it defaults to always-empty, relying on the
	// environment-variable carve-out below for the families that need it.
	IMEI func() string
	// PlatformUniqueID defaults to gopsutil's host.Info().HostID.
	PlatformUniqueID func() (string, error)
	// Getenv defaults to os.Getenv.
	Getenv func(string) string

	model  string
	family string
	cached bool
}

// NewIdentifier constructs an Identifier with production probes wired in.
func NewIdentifier(board *store.BoardMap, user *store.UserState) *Identifier {
	return &Identifier{
		Board:            board,
		User:             user,
		FileExists:       defaultFileExists,
		SystemInfoModel:  defaultSystemInfoModel,
		ReadCPUInfo:      defaultReadCPUInfo,
		IMEI:             func() string { return "" },
		PlatformUniqueID: defaultPlatformUniqueID,
		Getenv:           os.Getenv,
	}
}

func defaultFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func defaultSystemInfoModel() (string, error) {
	info, err := host.Info()
	if err != nil {
		return "", err
	}
	return info.Platform, nil
}

func defaultReadCPUInfo() (string, error) {
	b, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func defaultPlatformUniqueID() (string, error) {
	info, err := host.Info()
	if err != nil {
		return "", err
	}
	return info.HostID, nil
}

// Model returns the detected device model, running the fingerprinting
// pipeline once and caching the result for the lifetime of the Identifier.
func (id *Identifier) Model() string {
	if id.cached {
		return id.model
	}
	id.model = id.detectModel()
	id.family = id.resolveFamily(id.model)
	id.cached = true
	return id.model
}

// Family returns the detected device family, deriving Model first if it
// has not been computed yet.
func (id *Identifier) Family() string {
	if !id.cached {
		id.Model()
	}
	return id.family
}

func (id *Identifier) detectModel() string {
	for _, key := range id.Board.Keys("file.exists") {
		path := id.Board.GetString("file.exists", key)
		if path != "" && id.FileExists(path) {
			return key
		}
	}

	if info, err := id.SystemInfoModel(); err == nil && info != "" {
		for _, key := range id.Board.Keys("systeminfo.equals") {
			if id.Board.GetString("systeminfo.equals", key) == info {
				return key
			}
		}
	}

	if text, err := id.ReadCPUInfo(); err == nil {
		for _, key := range id.Board.Keys("cpuinfo.contains") {
			substr := id.Board.GetString("cpuinfo.contains", key)
			if substr != "" && strings.Contains(text, substr) {
				return key
			}
		}
	}

	arch := id.User.GetString("", "arch")
	for _, key := range id.Board.Keys("arch.equals") {
		if id.Board.GetString("arch.equals", key) == arch {
			return key
		}
	}

	return "UNKNOWN"
}

func (id *Identifier) resolveFamily(model string) string {
	if alias, ok := id.Board.Get("variants", model); ok {
		model = alias
	}
	if family, ok := id.Board.Get(model, "family"); ok {
		return family
	}
	return "UNKNOWN"
}

// UID resolves the platform unique device identifier, applying the
// IMEI-environment-variable carve-out for device families whose hardware
// never reliably reports an IMEI through normal platform APIs.
func (id *Identifier) UID() string {
	if imei := id.IMEI(); imei != "" {
		return imei
	}

	if imeiFamilies[id.Family()] {
		if env := id.Getenv("imei"); env != "" && imeiPattern.MatchString(env) {
			if _, err := strconv.ParseInt(env, 10, 64); err == nil {
				return env
			}
		}
		return ""
	}

	if uid, err := id.PlatformUniqueID(); err == nil {
		return uid
	}
	return ""
}
