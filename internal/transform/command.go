package transform

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mohammad-safakhou/pdfbot/config"
	"github.com/mohammad-safakhou/pdfbot/internal/fsutil"
	"github.com/mohammad-safakhou/pdfbot/internal/logging"
	"github.com/mohammad-safakhou/pdfbot/internal/tasks"
)

// CommandTransformer runs external tools described by argv templates.
// Placeholders: {input}, {inputs} (expands to every source), {output},
// {level} and {page_mode}.
type CommandTransformer struct {
	convert    []string
	structural []string
	compress   []string
	merge      []string
	timeout    time.Duration
	logger     *log.Logger
}

// NewCommandTransformer builds the runner; a nil logger discards output.
func NewCommandTransformer(cfg config.TransformConfig, logger *log.Logger) *CommandTransformer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &CommandTransformer{
		convert:    cfg.ConvertCommand,
		structural: cfg.StructuralCommand,
		compress:   cfg.CompressCommand,
		merge:      cfg.MergeCommand,
		timeout:    timeout,
		logger:     logger,
	}
}

func expand(tmpl []string, sources []string, output string, opts Options) []string {
	out := make([]string, 0, len(tmpl)+len(sources))
	first := ""
	if len(sources) > 0 {
		first = sources[0]
	}
	r := strings.NewReplacer(
		"{input}", first,
		"{output}", output,
		"{level}", opts.Level.Preset(),
		"{page_mode}", string(opts.PageMode),
	)
	for _, arg := range tmpl {
		if arg == "{inputs}" {
			out = append(out, sources...)
			continue
		}
		out = append(out, r.Replace(arg))
	}
	return out
}

func (t *CommandTransformer) run(ctx context.Context, tmpl, sources []string, output string, opts Options) error {
	if len(tmpl) == 0 {
		return fmt.Errorf("%w: %s", ErrNotConfigured, opts.Kind)
	}
	argv := expand(tmpl, sources, output, opts)
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s error: %v | %s", argv[0], err, strings.TrimSpace(stderr.String()))
	}
	if _, err := os.Stat(output); err != nil {
		return fmt.Errorf("%s produced no output: %w", argv[0], err)
	}
	return nil
}

func totalSize(paths []string) int64 {
	var n int64
	for _, p := range paths {
		n += fsutil.FileSize(p)
	}
	return n
}

// Transform dispatches on opts.Kind.
func (t *CommandTransformer) Transform(ctx context.Context, tok *tasks.Token, sources []string, opts Options) (Result, error) {
	if len(sources) == 0 {
		return Result{}, fmt.Errorf("no sources")
	}
	if opts.Output == "" {
		return Result{}, fmt.Errorf("output path required")
	}
	if err := tok.Err(); err != nil {
		return Result{}, err
	}
	switch opts.Kind {
	case KindConvert:
		return t.single(ctx, tok, t.convert, sources[:1], opts)
	case KindMerge:
		return t.single(ctx, tok, t.merge, sources, opts)
	case KindCompress:
		return t.compressPDF(ctx, tok, sources[0], opts)
	}
	return Result{}, fmt.Errorf("unknown transform kind %q", opts.Kind)
}

func (t *CommandTransformer) single(ctx context.Context, tok *tasks.Token, tmpl, sources []string, opts Options) (Result, error) {
	res := Result{SizeBefore: totalSize(sources)}
	if err := t.run(ctx, tmpl, sources, opts.Output, opts); err != nil {
		fsutil.RemoveQuietly(opts.Output)
		return res, err
	}
	if err := tok.Err(); err != nil {
		fsutil.RemoveQuietly(opts.Output)
		return res, err
	}
	res.OK = true
	res.OutputRef = opts.Output
	res.SizeAfter = fsutil.FileSize(opts.Output)
	return res, nil
}

// compressPDF runs the optional structural pass and then the compression pass,
// keeping whichever intermediate is smallest. When neither shrinks the file the
// result is not OK and no output is written.
func (t *CommandTransformer) compressPDF(ctx context.Context, tok *tasks.Token, input string, opts Options) (Result, error) {
	structural := input + "_structural.tmp"
	compressed := input + "_compressed.tmp"
	defer fsutil.RemoveQuietly(structural, compressed)

	res := Result{SizeBefore: fsutil.FileSize(input)}
	src := input
	if len(t.structural) > 0 {
		err := t.run(ctx, t.structural, []string{input}, structural, opts)
		if tokErr := tok.Err(); tokErr != nil {
			return res, tokErr
		}
		if err != nil {
			// optional stage: fall back to the original
			t.logger.Warn("structural pass failed, compressing original", "input", input, "err", err)
			fsutil.RemoveQuietly(structural)
		} else {
			src = structural
		}
	}
	if err := t.run(ctx, t.compress, []string{src}, compressed, opts); err != nil {
		return res, err
	}
	if err := tok.Err(); err != nil {
		return res, err
	}

	best, bestSize := "", res.SizeBefore
	for _, cand := range []string{compressed, structural} {
		if sz := fsutil.FileSize(cand); sz > 0 && sz < bestSize {
			best, bestSize = cand, sz
		}
	}
	if best == "" {
		res.SizeAfter = res.SizeBefore
		return res, nil
	}
	if err := os.Rename(best, opts.Output); err != nil {
		return res, fmt.Errorf("move compressed output: %w", err)
	}
	res.OK = true
	res.OutputRef = opts.Output
	res.SizeAfter = bestSize
	return res, nil
}
