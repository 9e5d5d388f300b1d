// Copyright 2025 The imgbase Authors
// This file is part of the imgbase library.
//
// The imgbase library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The imgbase library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the imgbase library. If not, see <http://www.gnu.org/licenses/>.

// Package security implements the admission gate files must pass before
// scheduling, plus the per-client token-bucket rate limiter that guards it.
package security

import (
	"bytes"
	"fmt"
	"path/filepath"

	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/imgbase/imgbase/codec"
	"github.com/imgbase/imgbase/config"
	"github.com/imgbase/imgbase/errs"
)

// ThreatLevel grades a validation outcome.
type ThreatLevel string

const (
	ThreatNone   ThreatLevel = "none"
	ThreatLow    ThreatLevel = "low"
	ThreatMedium ThreatLevel = "medium"
	ThreatHigh   ThreatLevel = "high"
)

// Result is the validator's verdict on one file. A file with Safe == false
// must never be enqueued.
type Result struct {
	Safe           bool         `json:"safe"`
	ThreatLevel    ThreatLevel  `json:"threat_level"`
	Warnings       []string     `json:"warnings"`
	DetectedMIME   string       `json:"detected_mime,omitempty"`
	DetectedFormat codec.Format `json:"detected_format,omitempty"`

	kind errs.Kind
}

// Err converts an unsafe result into the error the edge surfaces. Safe
// results return nil.
func (r *Result) Err() error {
	if r.Safe {
		return nil
	}
	msg := "file rejected"
	if len(r.Warnings) > 0 {
		msg = r.Warnings[0]
	}
	return errs.New(r.kind, "%s", msg)
}

// scanVerdict is the memoized portion of a deep scan, keyed by content hash.
// The checks ahead of it depend on the declared filename and so cannot be
// memoized with it.
type scanVerdict struct {
	decodeErr string
	markers   []string
}

// Validator applies the admission checks in a fixed order, short-circuiting
// on the first failure: size, MIME allow-list, magic signature against the
// declared type, then the optional deep scan.
type Validator struct {
	maxSize   int64
	allowed   mapset.Set[string]
	deepScan  bool
	scanCache *lru.Cache[string, scanVerdict]
	log       *logrus.Entry
}

const scanCacheSize = 1024

// NewValidator builds a validator from the security configuration.
func NewValidator(cfg config.SecurityConfig, log *logrus.Entry) *Validator {
	allowed := mapset.NewSet[string]()
	for _, m := range cfg.AllowedMIMETypes {
		allowed.Add(m)
	}
	scanCache, _ := lru.New[string, scanVerdict](scanCacheSize)
	return &Validator{
		maxSize:   cfg.MaxFileSizeBytes(),
		allowed:   allowed,
		deepScan:  cfg.EnableContentScan,
		scanCache: scanCache,
		log:       log.WithField("component", "validator"),
	}
}

// Validate checks one file. filename is the client-declared name; its
// extension is the declared type the magic signature is checked against.
func (v *Validator) Validate(filename string, data []byte) *Result {
	if int64(len(data)) > v.maxSize {
		return &Result{
			Safe:        false,
			ThreatLevel: ThreatMedium,
			Warnings:    []string{fmt.Sprintf("file exceeds maximum size of %d bytes", v.maxSize)},
			kind:        errs.FileTooLarge,
		}
	}
	if len(data) == 0 {
		return &Result{
			Safe:        false,
			ThreatLevel: ThreatLow,
			Warnings:    []string{"empty file"},
			kind:        errs.InputInvalid,
		}
	}

	detected := codec.Sniff(data)
	if detected == "" {
		return &Result{
			Safe:        false,
			ThreatLevel: ThreatHigh,
			Warnings:    []string{"unrecognised file signature"},
			kind:        errs.UnsupportedFormat,
		}
	}
	mime := detected.MIME()
	if !v.allowed.Contains(mime) {
		return &Result{
			Safe:           false,
			ThreatLevel:    ThreatMedium,
			Warnings:       []string{fmt.Sprintf("MIME type %s is not allowed", mime)},
			DetectedMIME:   mime,
			DetectedFormat: detected,
			kind:           errs.UnsupportedFormat,
		}
	}

	var warnings []string
	declared := codec.FormatFromExt(filepath.Ext(filename))
	switch {
	case declared == "":
		warnings = append(warnings, "file extension does not declare a known image type")
	case declared != detected:
		// An image masquerading under another extension is the classic
		// polyglot smuggling vector.
		return &Result{
			Safe:        false,
			ThreatLevel: ThreatHigh,
			Warnings: []string{fmt.Sprintf("declared type %s does not match detected %s",
				declared, detected)},
			DetectedMIME:   mime,
			DetectedFormat: detected,
			kind:           errs.SecurityRejected,
		}
	}

	if v.deepScan {
		verdict := v.scan(data)
		if len(verdict.markers) > 0 {
			v.log.WithFields(logrus.Fields{
				"file":    filename,
				"markers": verdict.markers,
			}).Warn("embedded payload detected")
			return &Result{
				Safe:        false,
				ThreatLevel: ThreatHigh,
				Warnings: append(warnings,
					fmt.Sprintf("embedded payload markers: %v", verdict.markers)),
				DetectedMIME:   mime,
				DetectedFormat: detected,
				kind:           errs.SecurityRejected,
			}
		}
		if verdict.decodeErr != "" {
			return &Result{
				Safe:           false,
				ThreatLevel:    ThreatMedium,
				Warnings:       append(warnings, "image data fails to decode: "+verdict.decodeErr),
				DetectedMIME:   mime,
				DetectedFormat: detected,
				kind:           errs.SecurityRejected,
			}
		}
	}

	level := ThreatNone
	if len(warnings) > 0 {
		level = ThreatLow
	}
	return &Result{
		Safe:           true,
		ThreatLevel:    level,
		Warnings:       warnings,
		DetectedMIME:   mime,
		DetectedFormat: detected,
	}
}

// Payload markers looked for past the image header. Case variants of the
// script markers are checked explicitly; binary markers are exact.
var payloadMarkers = []struct {
	name string
	sig  []byte
}{
	{"php", []byte("<?php")},
	{"php", []byte("<?PHP")},
	{"script", []byte("<script")},
	{"script", []byte("<SCRIPT")},
	{"script", []byte("javascript:")},
	{"script", []byte("vbscript:")},
	{"shebang", []byte("#!/bin/")},
	{"pe-executable", []byte{0x4d, 0x5a, 0x90, 0x00}},
	{"elf-executable", []byte{0x7f, 'E', 'L', 'F'}},
}

// scan runs the content-dependent checks, memoized by content hash since
// identical bytes always scan identically.
func (v *Validator) scan(data []byte) scanVerdict {
	key := codec.ContentHash(data)
	if verdict, ok := v.scanCache.Get(key); ok {
		return verdict
	}
	var verdict scanVerdict
	for _, marker := range payloadMarkers {
		if bytes.Contains(data, marker.sig) {
			if n := len(verdict.markers); n > 0 && verdict.markers[n-1] == marker.name {
				continue
			}
			verdict.markers = append(verdict.markers, marker.name)
		}
	}
	if len(verdict.markers) == 0 {
		if _, _, err := codec.Decode(data); err != nil {
			verdict.decodeErr = err.Error()
		}
	}
	v.scanCache.Add(key, verdict)
	return verdict
}
