package config

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Preference keys understood by the host. Values are strings on the wire.
const (
	PrefProblemUseTempFile  = "write_problem_to_temp_file"
	PrefProblemFilePath     = "problem_file_path"
	PrefCodeUseTempFile     = "write_code_to_temp_file"
	PrefCodeFilePath        = "code_file_path"
	PrefTestCaseUseTempFile = "write_test_case_to_temp_file"
	PrefTestCaseFilePath    = "test_case_file_path"
	PrefProblemConverter    = "problem_converter"
	PrefProblemFileSuffix   = "problem_file_suffix"
	PrefRenderProblem       = "render_problem"
	PrefReloadProblem       = "reload_problem"
	PrefReuseCodeFile       = "reuse_code_file"
	PrefEditor              = "editor"
	PrefProblemViewer       = "problem_viewer"
	PrefPreProblemHook      = "pre_problem_hook"
	PrefPostProblemHook     = "post_problem_hook"
	PrefUseCommandServer    = "use_command_server"
	PrefCommandServerPort   = "command_server_port"
	PrefPandocPath          = "pandoc_path"
	PrefPandocArgs          = "pandoc_args"
	PrefLibreOfficePath     = "libreoffice_path"
	PrefLibreOfficeArgs     = "libreoffice_args"
	PrefRawHTMLRenderSVG    = "raw_html_should_render_svg"
	PrefChromePath          = "chrome_path"
)

// DefaultPrefs returns the built-in preference defaults.
func DefaultPrefs() map[string]string {
	return map[string]string{
		PrefProblemUseTempFile:  "true",
		PrefProblemFilePath:     "",
		PrefCodeUseTempFile:     "true",
		PrefCodeFilePath:        "",
		PrefTestCaseUseTempFile: "true",
		PrefTestCaseFilePath:    "",
		PrefProblemConverter:    "open_html_to_pdf",
		PrefProblemFileSuffix:   ".pdf",
		PrefRenderProblem:       "true",
		PrefReloadProblem:       "false",
		PrefReuseCodeFile:       "false",
		PrefEditor:              "",
		PrefProblemViewer:       "",
		PrefPreProblemHook:      "",
		PrefPostProblemHook:     "",
		PrefUseCommandServer:    "false",
		PrefCommandServerPort:   "50000",
		PrefPandocPath:          "",
		PrefPandocArgs:          "",
		PrefLibreOfficePath:     "",
		PrefLibreOfficeArgs:     "",
		PrefRawHTMLRenderSVG:    "false",
		PrefChromePath:          "",
	}
}

// Prefs is a flat string map layered over DefaultPrefs. It is safe for
// concurrent use.
type Prefs struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewPrefs returns the defaults.
func NewPrefs() *Prefs {
	return &Prefs{values: DefaultPrefs()}
}

// Get returns the value for key, or "" if unset.
func (p *Prefs) Get(key string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.values[key]
}

// Bool parses key the way the extension writes booleans: only "true"
// (case-insensitively) is true.
func (p *Prefs) Bool(key string) bool {
	return strings.EqualFold(strings.TrimSpace(p.Get(key)), "true")
}

// Int parses key, reporting whether it held a valid integer.
func (p *Prefs) Int(key string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(p.Get(key)))
	return n, err == nil
}

// Merge overwrites the given keys. Unknown keys are kept so newer extensions
// can pass settings through.
func (p *Prefs) Merge(m map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range m {
		p.values[k] = v
	}
}

// Snapshot returns a copy of every value.
func (p *Prefs) Snapshot() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// Keys returns the keys in sorted order.
func (p *Prefs) Keys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
