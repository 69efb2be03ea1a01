// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hardware

import (
	"bufio"
	"bytes"
	"strings"
)

// parseHwaccels reads `ffmpeg -hwaccels` output:
//
//	Hardware acceleration methods:
//	vdpau
//	vaapi
func parseHwaccels(out []byte) map[string]bool {
	found := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(out))
	inList := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, ":") {
			inList = strings.HasPrefix(strings.ToLower(line), "hardware acceleration methods")
			continue
		}
		if inList {
			found[strings.ToLower(line)] = true
		}
	}
	return found
}

// parseEncoders reads `ffmpeg -encoders` output. Encoder rows follow the
// " ------" separator and look like " V....D h264_vaapi   H.264/AVC (VAAPI)".
func parseEncoders(out []byte) map[string]bool {
	found := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(out))
	inList := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "------") {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}
		if fields[0][0] != 'V' {
			continue
		}
		found[fields[1]] = true
	}
	return found
}
