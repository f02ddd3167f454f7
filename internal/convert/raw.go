package convert

import (
	"context"
	"os"
)

// RawHTML writes the cleaned statement as an HTML file.
type RawHTML struct {
	RenderSVG bool
}

func (r *RawHTML) Convert(_ context.Context, html, baseURI, outputPath string) error {
	doc, err := Clean(html, baseURI, r.RenderSVG)
	if err != nil {
		return &Error{Converter: NameRawHTML, Output: outputPath, Err: err}
	}
	if err := os.WriteFile(outputPath, []byte(doc), 0644); err != nil {
		return &Error{Converter: NameRawHTML, Output: outputPath, Err: err}
	}
	return nil
}
