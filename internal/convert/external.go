package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"cpterm/internal/logging"
)

var texReplacer = strings.NewReplacer("≤", `$\leq$`, "≥", `$\geq$`)

// Pandoc pipes the cleaned statement into pandoc. Inequality signs are
// rewritten as TeX so that tex_math_dollars hands them to the PDF engine.
type Pandoc struct {
	Path string
	Args []string
}

func (p *Pandoc) Convert(ctx context.Context, html, baseURI, outputPath string) error {
	doc, err := Clean(html, baseURI, true)
	if err != nil {
		return &Error{Converter: NamePandoc, Output: outputPath, Err: err}
	}
	doc = texReplacer.Replace(doc)

	args := append(append([]string{}, p.Args...), "-f", "html+tex_math_dollars", "-o", outputPath)
	if err := run(ctx, p.Path, args, strings.NewReader(doc)); err != nil {
		return &Error{Converter: NamePandoc, Output: outputPath, Err: err}
	}
	return nil
}

// LibreOffice writes the cleaned statement next to the output and has a
// headless Writer convert it. The target format follows the output extension
// unless Args already carry --convert-to.
type LibreOffice struct {
	Path string
	Args []string
}

func (l *LibreOffice) Convert(ctx context.Context, html, baseURI, outputPath string) error {
	doc, err := Clean(html, baseURI, true)
	if err != nil {
		return &Error{Converter: NameLibreOffice, Output: outputPath, Err: err}
	}

	input := strings.TrimSuffix(outputPath, filepath.Ext(outputPath)) + ".html"
	if input == outputPath {
		input = outputPath + ".src.html"
	}
	if err := os.WriteFile(input, []byte(doc), 0644); err != nil {
		return &Error{Converter: NameLibreOffice, Output: outputPath, Err: err}
	}
	defer func() {
		if err := os.Remove(input); err != nil {
			logging.Get(logging.CategoryConvert).Warn("temp file deletion failed: %v", err)
		}
	}()

	if err := run(ctx, l.Path, l.args(input, outputPath), nil); err != nil {
		return &Error{Converter: NameLibreOffice, Output: outputPath, Err: err}
	}
	return nil
}

func (l *LibreOffice) args(input, outputPath string) []string {
	args := []string{"--headless", "--norestore", "--writer"}
	hasConvertTo := false
	for _, a := range l.Args {
		if a == "--convert-to" {
			hasConvertTo = true
		}
	}
	if !hasConvertTo {
		ext := strings.TrimPrefix(filepath.Ext(outputPath), ".")
		if ext == "" {
			ext = "pdf"
		}
		args = append(args, "--convert-to", ext)
	}
	args = append(args, l.Args...)
	return append(args, "--outdir", filepath.Dir(outputPath), input)
}

// run executes a converter process and turns a non-zero exit into an error
// carrying its output.
func run(ctx context.Context, name string, args []string, stdin io.Reader) error {
	log := logging.Get(logging.CategoryConvert)
	timer := logging.StartTimer(logging.CategoryConvert, filepath.Base(name))
	defer timer.Stop()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug("running %s %s", name, strings.Join(args, " "))
	err := cmd.Run()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		log.Error("exit code was %d", exitErr.ExitCode())
		log.Error("stdout:\n%s", stdout.String())
		log.Error("stderr:\n%s", stderr.String())
		out := strings.TrimSpace(stdout.String() + "\n" + stderr.String())
		return fmt.Errorf("%s exited with code %d: %s", filepath.Base(name), exitErr.ExitCode(), out)
	}
	log.Error("communication with process failed: %v", err)
	return err
}
