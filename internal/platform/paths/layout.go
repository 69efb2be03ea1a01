// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package paths owns the on-disk layout for media, staging, render scratch and previews.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const maxFileNameBytes = 120

// Layout roots. All four must be absolute.
type Layout struct {
	MediaRoot   string
	UploadRoot  string
	RenderRoot  string
	PreviewRoot string
}

// Ensure creates every root directory.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.MediaRoot, l.UploadRoot, l.RenderRoot, l.PreviewRoot} {
		if dir == "" {
			return fmt.Errorf("layout root is empty")
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// StagingDir is {UploadRoot}/{sessionId}/{recordingId}.
func (l Layout) StagingDir(sessionID, recordingID string) string {
	return filepath.Join(l.UploadRoot, segment(sessionID), segment(recordingID))
}

// StagingPath is {UploadRoot}/{sessionId}/{recordingId}/{ordinal}-{fileName}.
func (l Layout) StagingPath(sessionID, recordingID string, ordinal int, fileName string) string {
	return filepath.Join(l.StagingDir(sessionID, recordingID), strconv.Itoa(ordinal)+"-"+SanitizeFileName(fileName))
}

// MediaID is the path of a canonical media file relative to MediaRoot.
func (l Layout) MediaID(sessionID, recordingID string) string {
	return segment(sessionID) + "/" + segment(recordingID) + ".mp4"
}

// MediaPath resolves a media id under MediaRoot, rejecting escapes.
func (l Layout) MediaPath(mediaID string) (string, error) {
	return ConfineRel(l.MediaRoot, mediaID)
}

// RenderDir is the scratch directory of one burn.
func (l Layout) RenderDir(recordingID string) string {
	return filepath.Join(l.RenderRoot, segment(recordingID))
}

// PreviewDir holds preview frames of one recording.
func (l Layout) PreviewDir(recordingID string) string {
	return filepath.Join(l.PreviewRoot, segment(recordingID))
}

// ConfineRel joins rel onto root and fails if the result leaves root.
func ConfineRel(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.Contains(rel, "\\") {
		return "", fmt.Errorf("path contains backslash: %s", rel)
	}
	clean := filepath.Clean(rel)
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("path must be relative: %s", rel)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal attempt: %s", rel)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid root path: %w", err)
	}
	full := filepath.Join(absRoot, clean)

	// Follow symlinks on the longest existing prefix.
	if realRoot, err := filepath.EvalSymlinks(absRoot); err == nil {
		if real, err := filepath.EvalSymlinks(full); err == nil {
			if !within(realRoot, real) {
				return "", fmt.Errorf("path escapes root via symlink: %s", rel)
			}
		}
	}
	return full, nil
}

func within(root, p string) bool {
	r, err := filepath.Rel(root, p)
	return err == nil && r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator))
}

// SanitizeFileName reduces a client-supplied name to a safe single path
// segment: NFC normalized, directory parts dropped, unsafe runes replaced.
func SanitizeFileName(name string) string {
	name = norm.NFC.String(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	for len(out) > maxFileNameBytes {
		_, size := utf8.DecodeLastRuneInString(out)
		out = out[:len(out)-size]
	}
	if out == "" {
		return "source"
	}
	return out
}

func segment(id string) string {
	s := SanitizeFileName(id)
	if s == "source" && id != "source" {
		return "_"
	}
	return s
}
