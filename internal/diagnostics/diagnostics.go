// Package diagnostics explains how a batch turned out. It is advisory only.
package diagnostics

import (
	"fmt"
	"strings"
)

// Outcome classifies a batch.
type Outcome string

const (
	AllSucceeded  Outcome = "all_succeeded"
	NoneSucceeded Outcome = "none_succeeded"
	Partial       Outcome = "partial"
	Empty         Outcome = "empty"
)

var causes = []string{
	"corrupted or truncated image data",
	"an unsupported or unrecognized image format",
	"insufficient disk space in the output directory",
	"missing read or write permissions",
}

// Report is a human-readable account of expected versus produced outputs.
type Report struct {
	Outcome  Outcome `json:"outcome"`
	Expected int     `json:"expected"`
	Produced int     `json:"produced"`
	Missing  int     `json:"missing"`
	Message  string  `json:"message"`
}

func (r Report) String() string { return r.Message }

// Diagnose classifies a batch from its expected and produced output counts.
func Diagnose(expected, produced int) Report {
	if produced < 0 {
		produced = 0
	}
	r := Report{Expected: expected, Produced: produced}
	if produced < expected {
		r.Missing = expected - produced
	}

	switch {
	case expected <= 0:
		r.Outcome = Empty
		r.Message = "No images were submitted, nothing to compress."
	case produced >= expected:
		r.Outcome = AllSucceeded
		r.Message = fmt.Sprintf("All %d images were compressed successfully.", expected)
		if produced > expected {
			r.Message += fmt.Sprintf(" The output area holds %d unexpected extra files.", produced-expected)
		}
	case produced == 0:
		r.Outcome = NoneSucceeded
		r.Message = fmt.Sprintf("None of the %d images could be compressed. Possible causes:\n%s",
			expected, bullets())
	default:
		r.Outcome = Partial
		r.Message = fmt.Sprintf("Compression was partial, %d/%d images produced output; %d failed. Possible causes:\n%s",
			produced, expected, r.Missing, bullets())
	}
	return r
}

func bullets() string {
	var b strings.Builder
	for i, c := range causes {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("  - ")
		b.WriteString(c)
	}
	return b.String()
}
