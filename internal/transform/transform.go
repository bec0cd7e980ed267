// Package transform is the boundary to the image/PDF codec.
package transform

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/pdfbot/internal/tasks"
	"github.com/mohammad-safakhou/pdfbot/session"
)

// ErrNotConfigured is returned when no command is set for the requested kind.
var ErrNotConfigured = errors.New("transform command not configured")

// Kind selects the operation.
type Kind string

const (
	KindConvert  Kind = "convert"
	KindCompress Kind = "compress"
	KindMerge    Kind = "merge"
)

// Level is the compression strength. The numeric values are the ones users pick from.
type Level int

const (
	LevelPrinter Level = 2
	LevelEbook   Level = 3
	LevelScreen  Level = 4
)

// ParseLevel accepts 2/3/4 or the preset names.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "printer", "hq", "high":
		return LevelPrinter, nil
	case "ebook", "balanced", "":
		return LevelEbook, nil
	case "screen", "max", "maxcomp":
		return LevelScreen, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < int(LevelPrinter) || n > int(LevelScreen) {
		return 0, fmt.Errorf("unknown compression level %q", s)
	}
	return Level(n), nil
}

// Preset is the codec preset name substituted for {level}.
func (l Level) Preset() string {
	switch l {
	case LevelPrinter:
		return "printer"
	case LevelScreen:
		return "screen"
	}
	return "ebook"
}

// Label is the user-facing quality name.
func (l Level) Label() string {
	switch l {
	case LevelPrinter:
		return "High Quality"
	case LevelScreen:
		return "Max Compression"
	}
	return "Balanced"
}

// Tag is the short form used in output filenames.
func (l Level) Tag() string {
	switch l {
	case LevelPrinter:
		return "HQ"
	case LevelScreen:
		return "MaxComp"
	}
	return "Balanced"
}

// EstimateCompressedSize predicts the output size shown before the user picks a level.
func EstimateCompressedSize(size int64, l Level) int64 {
	ratio := 0.40
	switch l {
	case LevelEbook:
		ratio = 0.25
	case LevelScreen:
		ratio = 0.15
	}
	return int64(float64(size) * ratio)
}

// Options parameterise one transform call.
type Options struct {
	Kind     Kind
	Level    Level
	PageMode session.PageMode
	// Output is where the result must be written.
	Output string
}

// Result describes a finished transform. OK is false when the codec ran but
// produced nothing usable, e.g. compression that did not shrink the file.
type Result struct {
	OK         bool
	OutputRef  string
	SizeBefore int64
	SizeAfter  int64
}

// Transformer turns source files into a PDF. Implementations poll tok between
// stages and return tasks.ErrCancelled after removing partial output.
type Transformer interface {
	Transform(ctx context.Context, tok *tasks.Token, sources []string, opts Options) (Result, error)
}
