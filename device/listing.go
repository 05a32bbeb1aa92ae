// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package device

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/multierr"
)

// ListingCommand is the remote command whose output enumerates the running
// components on a device.
var ListingCommand = []string{"cs"}

// A FuzzerKey identifies a packaged fuzz target executable.
type FuzzerKey struct {
	Package    string
	Executable string
}

func (k FuzzerKey) String() string {
	return fmt.Sprintf("%s/%s", k.Package, k.Executable)
}

// listingRegex matches lines of the form:
//   <executable>.cmx[<pid>]: fuchsia-pkg://fuchsia.com/<package>#meta/<executable>.cmx
var listingRegex = regexp.MustCompile(
	`^\s*(\S+)\.cmx\[(\d+)\]: fuchsia-pkg://fuchsia\.com/([^#\s]+)#meta/\S+\.cmx\s*$`)

// ParseError describes a listing line that looked like a component entry but
// could not be parsed.
type ParseError struct {
	Line   int
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("listing line %d: %s: %q", e.Line, e.Reason, e.Text)
}

// ParseListing extracts the running fuzz targets from the text of a component
// listing. It is tolerant: lines that do not match are skipped. Skipped lines
// that mention a component manifest are reported as ParseErrors; other lines
// are ignored silently.
func ParseListing(text string) (map[FuzzerKey]int, []*ParseError) {
	pids := make(map[FuzzerKey]int)
	var skipped []*ParseError
	for i, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := listingRegex.FindStringSubmatch(line)
		if m == nil {
			if strings.Contains(line, ".cmx") {
				skipped = append(skipped, &ParseError{Line: i + 1, Text: line, Reason: "unrecognized format"})
			}
			continue
		}
		pid, err := strconv.Atoi(m[2])
		if err != nil {
			skipped = append(skipped, &ParseError{Line: i + 1, Text: line, Reason: "invalid pid"})
			continue
		}
		pids[FuzzerKey{Package: m[3], Executable: m[1]}] = pid
	}
	return pids, skipped
}

// ParseListingStrict is like ParseListing, but fails if no entries could be
// parsed while some lines were rejected.
func ParseListingStrict(text string) (map[FuzzerKey]int, error) {
	pids, skipped := ParseListing(text)
	if err := strictError(pids, skipped); err != nil {
		return nil, err
	}
	return pids, nil
}

func strictError(pids map[FuzzerKey]int, skipped []*ParseError) error {
	if len(pids) > 0 || len(skipped) == 0 {
		return nil
	}
	var err error
	for _, e := range skipped {
		err = multierr.Append(err, e)
	}
	return err
}
