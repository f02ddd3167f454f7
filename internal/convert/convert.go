// Package convert renders a scraped problem statement into a file the user
// can read: a PDF printed by headless Chrome, a document produced by Pandoc or
// LibreOffice, or cleaned-up HTML.
package convert

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"cpterm/internal/config"
)

// Converter names accepted by the problem_converter preference.
const (
	NameOpenHTMLToPDF = "open_html_to_pdf"
	NameChromePDF     = "chrome_pdf"
	NamePandoc        = "pandoc"
	NameLibreOffice   = "libreoffice"
	NameRawHTML       = "raw_html"
)

// Converter writes html, scraped from baseURI, to outputPath.
type Converter interface {
	Convert(ctx context.Context, html, baseURI, outputPath string) error
}

// Error is a failed conversion.
type Error struct {
	Converter string
	Output    string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s conversion to %s failed: %v", e.Converter, e.Output, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Prefs is the subset of preferences the factory reads.
type Prefs interface {
	Get(key string) string
	Bool(key string) bool
}

// New builds the converter selected by the problem_converter preference.
func New(p Prefs) (Converter, error) {
	name := p.Get(config.PrefProblemConverter)
	switch name {
	case NameOpenHTMLToPDF, NameChromePDF:
		return &ChromePDF{Bin: p.Get(config.PrefChromePath)}, nil
	case NamePandoc:
		exe, err := executable(p.Get(config.PrefPandocPath), "pandoc")
		if err != nil {
			return nil, err
		}
		return &Pandoc{Path: exe, Args: SplitArgs(p.Get(config.PrefPandocArgs))}, nil
	case NameLibreOffice:
		exe, err := executable(p.Get(config.PrefLibreOfficePath), "soffice")
		if err != nil {
			return nil, err
		}
		return &LibreOffice{Path: exe, Args: SplitArgs(p.Get(config.PrefLibreOfficeArgs))}, nil
	case NameRawHTML:
		return &RawHTML{RenderSVG: p.Bool(config.PrefRawHTMLRenderSVG)}, nil
	}
	return nil, fmt.Errorf("unknown problem converter %q", name)
}

// Close releases resources held by c, if it holds any.
func Close(c Converter) error {
	if cl, ok := c.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// executable resolves a configured path, or fallback on PATH when the
// configured path is empty.
func executable(configured, fallback string) (string, error) {
	name := configured
	if name == "" {
		name = fallback
	}
	exe, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("converter executable %q: %w", name, err)
	}
	return exe, nil
}

// SplitArgs tokenizes an argument string. Arguments are separated by spaces;
// text inside single or double quotes is literal, and one argument may combine
// both quoting styles back to back:
//
//	--title="Bob's "'"website"' --favicon=bob.ico
//
// yields `--title=Bob's "website"` and `--favicon=bob.ico`.
func SplitArgs(s string) []string {
	var (
		args   []string
		buf    strings.Builder
		sq, dq bool
	)
	for _, r := range s {
		switch {
		case !sq && r == '"':
			dq = !dq
		case !dq && r == '\'':
			sq = !sq
		case !dq && !sq && r == ' ':
			if buf.Len() > 0 {
				args = append(args, buf.String())
				buf.Reset()
			}
		default:
			buf.WriteRune(r)
		}
	}
	if buf.Len() > 0 {
		args = append(args, buf.String())
	}
	return args
}
