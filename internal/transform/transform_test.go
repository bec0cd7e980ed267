package transform

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/pdfbot/config"
	"github.com/mohammad-safakhou/pdfbot/internal/tasks"
	"github.com/mohammad-safakhou/pdfbot/session"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(strings.Repeat("x", size)), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"2": LevelPrinter, "3": LevelEbook, "4": LevelScreen, "screen": LevelScreen, "HQ": LevelPrinter, "": LevelEbook}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("7"); err == nil {
		t.Fatal("expected error for out-of-range level")
	}
	if LevelScreen.Preset() != "screen" || LevelPrinter.Tag() != "HQ" || LevelEbook.Label() != "Balanced" {
		t.Fatal("unexpected level names")
	}
}

func TestEstimateCompressedSize(t *testing.T) {
	if got := EstimateCompressedSize(1000, LevelPrinter); got != 400 {
		t.Fatalf("printer estimate %d", got)
	}
	if got := EstimateCompressedSize(1000, LevelEbook); got != 250 {
		t.Fatalf("ebook estimate %d", got)
	}
	if got := EstimateCompressedSize(1000, LevelScreen); got != 150 {
		t.Fatalf("screen estimate %d", got)
	}
}

func TestExpand(t *testing.T) {
	got := expand(
		[]string{"tool", "-l", "{level}", "--mode={page_mode}", "{inputs}", "-o", "{output}", "{input}"},
		[]string{"a.jpg", "b.jpg"}, "out.pdf",
		Options{Level: LevelScreen, PageMode: session.PageModeAutoFit},
	)
	want := []string{"tool", "-l", "screen", "--mode=autoFit", "a.jpg", "b.jpg", "-o", "out.pdf", "a.jpg"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("expand = %v, want %v", got, want)
	}
}

func TestConvert(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	in := writeFile(t, dir, "photo.jpg", 64)
	out := filepath.Join(dir, "temp_out.pdf")

	tr := NewCommandTransformer(config.TransformConfig{ConvertCommand: []string{"cp", "{input}", "{output}"}}, nil)
	res, err := tr.Transform(context.Background(), &tasks.Token{}, []string{in}, Options{Kind: KindConvert, Output: out})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if !res.OK || res.OutputRef != out || res.SizeBefore != 64 || res.SizeAfter != 64 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestMergeExpandsInputs(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	a := writeFile(t, dir, "a.jpg", 10)
	b := writeFile(t, dir, "b.jpg", 20)
	out := filepath.Join(dir, "MULTIPDF_1.pdf")

	tr := NewCommandTransformer(config.TransformConfig{
		MergeCommand: []string{"sh", "-c", `o="$1"; shift; cat "$@" > "$o"`, "sh", "{output}", "{inputs}"},
	}, nil)
	res, err := tr.Transform(context.Background(), nil, []string{a, b}, Options{Kind: KindMerge, Output: out})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if res.SizeBefore != 30 || res.SizeAfter != 30 {
		t.Fatalf("unexpected sizes %+v", res)
	}
}

func TestCompressKeepsSmallerOutput(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	in := writeFile(t, dir, "doc.pdf", 100)
	out := filepath.Join(dir, "compressed_doc.pdf")

	tr := NewCommandTransformer(config.TransformConfig{
		StructuralCommand: []string{"sh", "-c", `head -c 80 "$0" > "$1"`, "{input}", "{output}"},
		CompressCommand:   []string{"sh", "-c", `head -c 30 "$0" > "$1"`, "{input}", "{output}"},
	}, nil)
	res, err := tr.Transform(context.Background(), &tasks.Token{}, []string{in}, Options{Kind: KindCompress, Level: LevelScreen, Output: out})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if !res.OK || res.SizeBefore != 100 || res.SizeAfter != 30 {
		t.Fatalf("unexpected result %+v", res)
	}
	for _, tmp := range []string{in + "_structural.tmp", in + "_compressed.tmp"} {
		if _, err := os.Stat(tmp); !os.IsNotExist(err) {
			t.Fatalf("temporary %s left behind", tmp)
		}
	}
}

func TestStructuralFailureFallsBackToOriginal(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	in := writeFile(t, dir, "doc.pdf", 200)
	out := filepath.Join(dir, "compressed_doc.pdf")

	tr := NewCommandTransformer(config.TransformConfig{
		StructuralCommand: []string{"sh", "-c", `echo half > "$1"; exit 1`, "{input}", "{output}"},
		CompressCommand:   []string{"sh", "-c", `head -c 100 "$0" > "$1"`, "{input}", "{output}"},
	}, nil)
	res, err := tr.Transform(context.Background(), &tasks.Token{}, []string{in}, Options{Kind: KindCompress, Output: out})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if !res.OK || res.SizeAfter != 100 || res.OutputRef != out {
		t.Fatalf("expected compression of the original, got %+v", res)
	}
	if _, err := os.Stat(in + "_structural.tmp"); !os.IsNotExist(err) {
		t.Fatal("failed structural output left behind")
	}
}

func TestCompressWithoutReduction(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	in := writeFile(t, dir, "doc.pdf", 50)
	out := filepath.Join(dir, "compressed_doc.pdf")

	tr := NewCommandTransformer(config.TransformConfig{CompressCommand: []string{"cp", "{input}", "{output}"}}, nil)
	res, err := tr.Transform(context.Background(), &tasks.Token{}, []string{in}, Options{Kind: KindCompress, Output: out})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if res.OK || res.SizeAfter != 50 {
		t.Fatalf("expected not-ok result, got %+v", res)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatal("no output expected when compression did not help")
	}
}

func TestCancelledBeforeStart(t *testing.T) {
	tok := &tasks.Token{}
	tok.Cancel()
	tr := NewCommandTransformer(config.TransformConfig{ConvertCommand: []string{"cp", "{input}", "{output}"}}, nil)
	_, err := tr.Transform(context.Background(), tok, []string{"in.jpg"}, Options{Kind: KindConvert, Output: "out.pdf"})
	if !errors.Is(err, tasks.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestCancelledBetweenStages(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	in := writeFile(t, dir, "doc.pdf", 100)
	out := filepath.Join(dir, "compressed_doc.pdf")

	tr := NewCommandTransformer(config.TransformConfig{
		StructuralCommand: []string{"sh", "-c", `sleep 0.3; head -c 80 "$0" > "$1"`, "{input}", "{output}"},
		CompressCommand:   []string{"sh", "-c", `head -c 30 "$0" > "$1"`, "{input}", "{output}"},
	}, nil)
	tok := &tasks.Token{}
	go func() {
		time.Sleep(50 * time.Millisecond)
		tok.Cancel()
	}()
	_, err := tr.Transform(context.Background(), tok, []string{in}, Options{Kind: KindCompress, Output: out})
	if !errors.Is(err, tasks.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	for _, p := range []string{out, in + "_structural.tmp", in + "_compressed.tmp"} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s should have been removed", p)
		}
	}
}

func TestCommandFailureReportsStderr(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	in := writeFile(t, dir, "photo.jpg", 8)
	out := filepath.Join(dir, "temp_out.pdf")

	tr := NewCommandTransformer(config.TransformConfig{
		ConvertCommand: []string{"sh", "-c", `echo partial > "$1"; echo "bad image" >&2; exit 3`, "{input}", "{output}"},
	}, nil)
	_, err := tr.Transform(context.Background(), &tasks.Token{}, []string{in}, Options{Kind: KindConvert, Output: out})
	if err == nil || !strings.Contains(err.Error(), "bad image") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatal("partial output should be removed")
	}
}

func TestNotConfigured(t *testing.T) {
	tr := NewCommandTransformer(config.TransformConfig{}, nil)
	_, err := tr.Transform(context.Background(), nil, []string{"x"}, Options{Kind: KindMerge, Output: "y"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
