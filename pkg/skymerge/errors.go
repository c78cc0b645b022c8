package skymerge

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for batch-level outcomes.
var (
	// ErrNoValidFiles indicates every candidate event file was rejected
	// during validation.
	ErrNoValidFiles = errors.New("no valid event files were found")

	// ErrEmptyStack indicates the input stack expanded to nothing.
	ErrEmptyStack = errors.New("the input file stack is empty")

	// ErrNoCommonColumns indicates column filtering left nothing to merge.
	ErrNoCommonColumns = errors.New("no common columns in the input files to merge")
)

// ConfigurationError indicates invalid engine state or rule syntax.
// It is always fatal and aborts the whole operation.
type ConfigurationError struct {
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Err)
	}
	return "configuration error: " + e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NoMatchError indicates no candidate file matched an observation after
// all fallbacks (header lookup, primary-cycle retry) were exhausted.
type NoMatchError struct {
	// ObsId identifies the unmatched observation.
	ObsId ObsId
	// Label names the file category ("mask", "bad-pixel", ...).
	Label string
}

// Error implements the error interface.
func (e *NoMatchError) Error() string {
	return fmt.Sprintf("there is no %s file for ObsId %s", e.Label, e.ObsId)
}

// MissingAncillaryError indicates some (but not all) observations lack a
// header-embedded ancillary file reference.
type MissingAncillaryError struct {
	// Kind names the ancillary category ("asol", "bpix", "mask", "dtf").
	Kind AncKind
	// EventFiles are the observations missing the reference.
	EventFiles []string
}

// Error implements the error interface.
func (e *MissingAncillaryError) Error() string {
	if len(e.EventFiles) == 1 {
		return fmt.Sprintf("missing the %s file for %s", e.Kind, e.EventFiles[0])
	}
	return fmt.Sprintf("missing %s files for %d observations:\n    %s",
		e.Kind, len(e.EventFiles), strings.Join(e.EventFiles, "\n    "))
}

// CountMismatchError indicates the matched ancillary file count does not
// equal the observation count.
type CountMismatchError struct {
	Kind    AncKind
	Matched int
	Wanted  int
}

// Error implements the error interface.
func (e *CountMismatchError) Error() string {
	return fmt.Sprintf("the number of %s files (%d) does not match the number of input files (%d)",
		e.Kind, e.Matched, e.Wanted)
}

// InsufficientOverlapError indicates fewer than two observations remain
// after filtering against a user grid. Proceeding with one file is
// intentionally treated as fatal, not silently allowed.
type InsufficientOverlapError struct {
	// Survivor names the sole remaining observation; zero value when
	// nothing overlaps.
	Survivor ObsId
	// Rect describes the requested grid.
	Rect string
}

// Error implements the error interface.
func (e *InsufficientOverlapError) Error() string {
	if e.Survivor.ID == "" {
		return "no observations overlap the requested grid: " + e.Rect
	}
	return fmt.Sprintf("only one observation left (%s) that overlaps the requested grid: %s",
		e.Survivor, e.Rect)
}

// ShapeMismatchError indicates images/exposure maps being combined do
// not share one shape.
type ShapeMismatchError struct {
	Want [2]int
	Got  [2]int
	File string
}

// Error implements the error interface.
func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("expected %d x %d but found %d x %d in %s",
		e.Want[1], e.Want[0], e.Got[1], e.Got[0], e.File)
}

// ToolError wraps a failure from an external tool invocation, preserving
// the tool's own diagnostic text.
type ToolError struct {
	Tool string
	File string
	Err  error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Tool, e.File, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ToolError) Unwrap() error {
	return e.Err
}
