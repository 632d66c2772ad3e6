// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package magnet parses and validates magnet URIs as produced by the
// *arr blackhole convention (one magnet link per file).
package magnet

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const btihPrefix = "urn:btih:"

var (
	ErrNotMagnet   = errors.New("not a magnet link")
	ErrMissingHash = errors.New("magnet link has no btih hash")
)

// Link is a parsed magnet URI.
type Link struct {
	Raw         string
	Hash        string // lowercased btih info hash
	DisplayName string
	Trackers    []string
}

// Parse validates a magnet URI and extracts its btih hash, display name
// and tracker list. The hash is normalized to lowercase hex; base32 hashes
// are accepted as-is since the remote service resolves either form.
func Parse(raw string) (*Link, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrNotMagnet
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse magnet uri: %w", err)
	}
	if u.Scheme != "magnet" {
		return nil, ErrNotMagnet
	}

	q := u.Query()
	link := &Link{
		Raw:         raw,
		DisplayName: q.Get("dn"),
		Trackers:    q["tr"],
	}

	for _, xt := range q["xt"] {
		if strings.HasPrefix(strings.ToLower(xt), btihPrefix) {
			hash := xt[len(btihPrefix):]
			if !validHash(hash) {
				return nil, fmt.Errorf("invalid btih hash %q", hash)
			}
			link.Hash = strings.ToLower(hash)
			break
		}
	}
	if link.Hash == "" {
		return nil, ErrMissingHash
	}

	return link, nil
}

// validHash accepts 40-char hex or 32-char base32 info hashes.
func validHash(h string) bool {
	switch len(h) {
	case 40:
		for _, c := range h {
			if !isHex(c) {
				return false
			}
		}
		return true
	case 32:
		for _, c := range strings.ToUpper(h) {
			if !(c >= 'A' && c <= 'Z' || c >= '2' && c <= '7') {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func isHex(c rune) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}
