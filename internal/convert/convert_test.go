package convert

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"

	"cpterm/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"   ", nil},
		{"--standalone", []string{"--standalone"}},
		{"-V  geometry:margin=1in", []string{"-V", "geometry:margin=1in"}},
		{`--title="Bob's "'"website"' --favicon=bob.ico`, []string{`--title=Bob's "website"`, "--favicon=bob.ico"}},
		{`'a b' "c d"`, []string{"a b", "c d"}},
		{`x"" ''`, []string{"x"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SplitArgs(tt.in), "input %q", tt.in)
	}
}

func TestNewSelectsConverter(t *testing.T) {
	p := config.NewPrefs()
	c, err := New(p)
	require.NoError(t, err)
	assert.IsType(t, &ChromePDF{}, c)

	p.Merge(map[string]string{config.PrefProblemConverter: NameRawHTML, config.PrefRawHTMLRenderSVG: "true"})
	c, err = New(p)
	require.NoError(t, err)
	assert.Equal(t, &RawHTML{RenderSVG: true}, c)

	p.Merge(map[string]string{config.PrefProblemConverter: "wkhtmltopdf"})
	_, err = New(p)
	assert.ErrorContains(t, err, "wkhtmltopdf")
}

func TestNewExternalNeedsExecutable(t *testing.T) {
	p := config.NewPrefs()
	p.Merge(map[string]string{
		config.PrefProblemConverter: NamePandoc,
		config.PrefPandocPath:       filepath.Join(t.TempDir(), "no-pandoc"),
	})
	_, err := New(p)
	assert.Error(t, err)
}

func TestCloseWithoutBrowser(t *testing.T) {
	assert.NoError(t, Close(&ChromePDF{}))
	assert.NoError(t, Close(&RawHTML{}))
}

func TestCleanRemovesActiveContent(t *testing.T) {
	src := `<div onclick="steal()"><script>alert(1)</script><p>Given <b>n</b> numbers</p>` +
		`<a href="javascript:void(0)">x</a><a href="/problems/2">next</a>` +
		`<img src="img/fig1.png"><!-- tracking --><iframe src="https://ads"></iframe></div>`

	out, err := Clean(src, "https://judge.example/problems/1", false)
	require.NoError(t, err)

	assert.NotContains(t, out, "<script")
	assert.NotContains(t, out, "onclick")
	assert.NotContains(t, out, "javascript:")
	assert.NotContains(t, out, "iframe")
	assert.NotContains(t, out, "tracking")
	assert.Contains(t, out, "<p>Given <b>n</b> numbers</p>")
	assert.Contains(t, out, `href="https://judge.example/problems/2"`)
	assert.Contains(t, out, `src="https://judge.example/problems/img/fig1.png"`)
	assert.Contains(t, out, `<meta charset="utf-8"/>`)
}

func TestCleanDropsEmptyOrUnsizedSVG(t *testing.T) {
	src := `<p><svg><path d="M0 0"/></svg><svg width="1" height="1"></svg>` +
		`<svg width="10" height="10"><circle r="4"/></svg></p>`

	out, err := Clean(src, "", false)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "<svg"))
	assert.Contains(t, out, "<circle")
}

func TestCleanRendersSVGAsImage(t *testing.T) {
	src := `<span style="vertical-align:-1ex"><svg width="10" height="10" style="color:red" onload="x()"><circle r="4"/></svg></span>`

	out, err := Clean(src, "", true)
	require.NoError(t, err)
	assert.NotContains(t, out, "<svg")
	assert.NotContains(t, out, "vertical-align")

	m := regexp.MustCompile(`src="data:image/svg\+xml;base64,([^"]+)"`).FindStringSubmatch(out)
	require.Len(t, m, 2)
	svg, err := base64.StdEncoding.DecodeString(m[1])
	require.NoError(t, err)
	assert.Contains(t, string(svg), `xmlns="http://www.w3.org/2000/svg"`)
	assert.Contains(t, string(svg), "<circle")
	assert.NotContains(t, string(svg), "onload")
	assert.Contains(t, out, `style="color:red"`)
	assert.Contains(t, out, `alt="Converted image"`)
}

func TestRawHTMLConvert(t *testing.T) {
	out := filepath.Join(t.TempDir(), "A.html")
	r := &RawHTML{}
	require.NoError(t, r.Convert(context.Background(), "<h1>A + B</h1><script>x</script>", "https://x.test/a", out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<h1>A + B</h1>")
	assert.NotContains(t, string(data), "script")
}

func TestRawHTMLWriteFailure(t *testing.T) {
	r := &RawHTML{}
	err := r.Convert(context.Background(), "<p>x</p>", "", filepath.Join(t.TempDir(), "missing", "A.html"))
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, NameRawHTML, ce.Converter)
}

// script writes an executable shell script for the fake converters.
func script(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts required")
	}
	path := filepath.Join(t.TempDir(), "fake")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestPandocConvert(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	exe := script(t, `echo "$@" > `+argsFile+`
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; fi
  shift
done
cat > "$out"
`)
	out := filepath.Join(dir, "A.pdf")
	p := &Pandoc{Path: exe, Args: SplitArgs("--standalone -V 'geometry:margin=1in'")}
	require.NoError(t, p.Convert(context.Background(), "<p>1 ≤ n ≥ 0</p>", "", out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `1 $\leq$ n $\geq$ 0`)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "--standalone -V geometry:margin=1in -f html+tex_math_dollars -o "+out, strings.TrimSpace(string(args)))
}

func TestPandocFailureCarriesOutput(t *testing.T) {
	exe := script(t, "cat > /dev/null\necho 'pdflatex not found' >&2\nexit 43\n")
	p := &Pandoc{Path: exe}

	err := p.Convert(context.Background(), "<p>x</p>", "", filepath.Join(t.TempDir(), "A.pdf"))
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, NamePandoc, ce.Converter)
	assert.Contains(t, err.Error(), "pdflatex not found")
	assert.Contains(t, err.Error(), "43")
}

func TestLibreOfficeConvert(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	exe := script(t, `echo "$@" > `+argsFile+`
outdir=""
input=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--outdir" ]; then outdir="$2"; input="$3"; fi
  shift
done
base=$(basename "$input" .html)
cp "$input" "$outdir/$base.docx"
`)
	out := filepath.Join(dir, "A.docx")
	l := &LibreOffice{Path: exe}
	require.NoError(t, l.Convert(context.Background(), "<p>statement</p>", "", out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<p>statement</p>")
	assert.NoFileExists(t, filepath.Join(dir, "A.html"))

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "--headless --norestore --writer --convert-to docx --outdir "+dir+" "+filepath.Join(dir, "A.html"),
		strings.TrimSpace(string(args)))
}

func TestLibreOfficeArgs(t *testing.T) {
	l := &LibreOffice{Path: "soffice", Args: []string{"--convert-to", "pdf:writer_pdf_Export"}}
	assert.Equal(t,
		[]string{"--headless", "--norestore", "--writer", "--convert-to", "pdf:writer_pdf_Export", "--outdir", "/out", "/out/A.html"},
		l.args("/out/A.html", "/out/A.pdf"))

	l.Args = nil
	assert.Equal(t,
		[]string{"--headless", "--norestore", "--writer", "--convert-to", "pdf", "--outdir", "/out", "/out/A.src.html"},
		l.args("/out/A.src.html", "/out/A"))
}
