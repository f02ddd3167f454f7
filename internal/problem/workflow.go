// Package problem implements the start-problem workflow: rendering the
// statement, preparing and watching the code file, running user hooks and
// saving test results pulled through the command server.
package problem

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"sync"
	"time"

	"cpterm/internal/config"
	"cpterm/internal/convert"
	"cpterm/internal/logging"
	"cpterm/internal/message"
	"cpterm/internal/scratchfile"
	"cpterm/internal/watch"

	"golang.org/x/sync/errgroup"
)

// Sender is the part of the host the workflow talks through.
type Sender interface {
	Send(m message.Message) error
	Log(level, text string)
	Errorf(format string, args ...interface{})
}

// Watcher follows a single code file.
type Watcher interface {
	Watch(path string, cb watch.Callback) error
	Stop()
}

// CommandServer is the loopback control channel.
type CommandServer interface {
	Start() error
	Stop()
	Port() int
}

// ServerFactory builds a command server on port that saves results through save.
type ServerFactory func(port int, save *Workflow) CommandServer

// ConverterFactory builds the problem converter from the current preferences.
type ConverterFactory func(p convert.Prefs) (convert.Converter, error)

// HookRunner runs a user hook. When wait is false the hook is started and
// left running.
type HookRunner func(ctx context.Context, wait bool, name string, args ...string) error

var caseNameRe = regexp.MustCompile(`[^0-9A-Za-z]`)

// Workflow reacts to NewProblem and SetPrefs and owns the converter and the
// command server.
type Workflow struct {
	sender  Sender
	prefs   *config.Prefs
	files   *scratchfile.Manager
	watcher Watcher

	newConverter ConverterFactory
	newServer    ServerFactory
	runHook      HookRunner

	mu        sync.Mutex // guards the fields below and serializes file work
	converter convert.Converter
	convErr   error
	lastURL   string
	lastName  string

	serverMu sync.Mutex
	server   CommandServer
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithConverterFactory replaces convert.New.
func WithConverterFactory(f ConverterFactory) Option {
	return func(w *Workflow) { w.newConverter = f }
}

// WithServerFactory enables the command server.
func WithServerFactory(f ServerFactory) Option {
	return func(w *Workflow) { w.newServer = f }
}

// WithHookRunner replaces the os/exec hook runner.
func WithHookRunner(r HookRunner) Option {
	return func(w *Workflow) { w.runHook = r }
}

// New builds a workflow. The converter is built from prefs straight away; a
// configuration error is kept and reported when a problem arrives.
func New(sender Sender, prefs *config.Prefs, files *scratchfile.Manager, watcher Watcher, opts ...Option) *Workflow {
	w := &Workflow{
		sender:       sender,
		prefs:        prefs,
		files:        files,
		watcher:      watcher,
		newConverter: convert.New,
		runHook:      runHook,
	}
	for _, opt := range opts {
		opt(w)
	}

	w.mu.Lock()
	if err := w.rebuildConverterLocked(); err != nil {
		logging.Get(logging.CategoryProblem).Warn("problem converter not ready: %v", err)
	}
	w.mu.Unlock()
	return w
}

// Start brings the command server in line with the preferences.
func (w *Workflow) Start() {
	w.reconcileServer()
}

// HandleNewProblem is the NewProblem handler. Failures are reported to the
// extension and never end the session.
func (w *Workflow) HandleNewProblem(ctx context.Context, m message.Message) bool {
	np, ok := m.(*message.NewProblem)
	if !ok {
		return true
	}
	w.startProblem(ctx, np)
	return true
}

func (w *Workflow) startProblem(ctx context.Context, np *message.NewProblem) {
	log := logging.Get(logging.CategoryProblem)
	timer := logging.StartTimer(logging.CategoryProblem, "new problem")
	defer timer.StopWithThreshold(5 * time.Second)

	w.mu.Lock()
	defer w.mu.Unlock()

	render := w.prefs.Bool(config.PrefRenderProblem)
	if render && w.converter == nil {
		w.sender.Errorf("Problem converter is improperly configured\n%v", w.convErr)
		return
	}

	w.watcher.Stop()

	if hook := w.prefs.Get(config.PrefPreProblemHook); hook != "" {
		if err := w.runHook(ctx, true, hook); err != nil {
			w.sender.Errorf("Failed to run hook\n%v", err)
		}
	}

	w.lastName = np.Name
	log.Info("starting problem %q (%s)", np.Name, np.URL)

	if render && (w.prefs.Bool(config.PrefReloadProblem) || np.URL != w.lastURL) {
		w.renderProblem(ctx, np)
	}
	w.lastURL = np.URL
	problemPath := ""
	if rec := w.files.Current(scratchfile.RoleProblem); rec != nil {
		problemPath = rec.Path
	}

	codePath := w.prepareCode(np)

	if hook := w.prefs.Get(config.PrefPostProblemHook); hook != "" {
		if err := w.runHook(ctx, false, hook, codePath, problemPath); err != nil {
			w.sender.Errorf("Failed to run hook\n%v", err)
		}
	}
}

// renderProblem converts the statement into a new problem file and opens it.
// A failed conversion leaves no current problem file.
func (w *Workflow) renderProblem(ctx context.Context, np *message.NewProblem) {
	dir := w.dirFor(config.PrefProblemUseTempFile, config.PrefProblemFilePath)
	rec, err := w.files.Create(scratchfile.RoleProblem, dir, np.Name+w.prefs.Get(config.PrefProblemFileSuffix))
	if err != nil {
		w.sender.Errorf("Failed to create problem file\n%v", err)
		return
	}
	if err := w.converter.Convert(ctx, np.Problem, np.URL, rec.Path); err != nil {
		w.files.Supersede(scratchfile.RoleProblem)
		w.sender.Log(message.LevelError, "Conversion error\n"+err.Error())
		return
	}
	if err := w.files.Open(rec, w.prefs.Get(config.PrefProblemViewer)); err != nil {
		w.sender.Errorf("Unable to open file with handler\n%v", err)
	}
}

// prepareCode returns the path of the code file, or "" on failure.
func (w *Workflow) prepareCode(np *message.NewProblem) string {
	dir := w.dirFor(config.PrefCodeUseTempFile, config.PrefCodeFilePath)
	rec, err := w.files.Create(scratchfile.RoleCode, dir, np.Name+"."+LanguageExt(np.Language))
	if err != nil {
		w.sender.Errorf("Failed to create and start watcher for code file\n%v", err)
		return ""
	}

	reused := false
	if rec.Existed && w.prefs.Bool(config.PrefReuseCodeFile) {
		data, err := os.ReadFile(rec.Path)
		if err != nil {
			w.sender.Errorf("Could not read file\n%v", err)
		} else if len(data) > 0 {
			reused = true
			if err := w.sender.Send(&message.SetCode{Text: string(data)}); err != nil {
				logging.Get(logging.CategoryProblem).Warn("could not push reused code: %v", err)
			}
		}
	}
	if !reused {
		if err := w.files.Write(rec, np.Code); err != nil {
			w.sender.Errorf("Failed to create and start watcher for code file\n%v", err)
			return ""
		}
	}

	if err := w.watcher.Watch(rec.Path, w.codeChanged); err != nil {
		w.sender.Errorf("Failed to create and start watcher for code file\n%v", err)
	}
	if err := w.files.Open(rec, w.prefs.Get(config.PrefEditor)); err != nil {
		w.sender.Errorf("Unable to open file with handler\n%v", err)
	}
	return rec.Path
}

// codeChanged runs on the watch goroutine and must not take w.mu: Stop joins
// that goroutine while w.mu is held.
func (w *Workflow) codeChanged(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.sender.Errorf("Could not read file\n%v", err)
		return
	}
	if err := w.sender.Send(&message.SetCode{Text: string(data)}); err != nil {
		logging.Get(logging.CategoryProblem).Error("could not push code change: %v", err)
	}
}

// dirFor returns "" when the role uses temporary files, or its configured
// directory. An empty directory also means temporary.
func (w *Workflow) dirFor(tempKey, pathKey string) string {
	if w.prefs.Bool(tempKey) {
		return ""
	}
	return w.prefs.Get(pathKey)
}

// HandleSetPrefs is the SetPrefs handler.
func (w *Workflow) HandleSetPrefs(_ context.Context, m message.Message) bool {
	sp, ok := m.(*message.SetPrefs)
	if !ok {
		return true
	}
	w.ApplyPrefs(sp.Prefs)
	return true
}

// ApplyPrefs merges prefs, rebuilds the converter and restarts the command
// server when its settings changed.
func (w *Workflow) ApplyPrefs(prefs map[string]string) {
	w.mu.Lock()
	w.prefs.Merge(prefs)
	logging.Get(logging.CategoryProblem).Debug("merged %d preferences", len(prefs))
	if w.prefs.Bool(config.PrefRenderProblem) {
		if err := w.rebuildConverterLocked(); err != nil {
			w.sender.Errorf("Problem converter is improperly configured\n%v", err)
		}
	}
	w.mu.Unlock()

	// Outside w.mu: stopping the server waits for an in-flight request that
	// may be saving results.
	w.reconcileServer()
}

func (w *Workflow) rebuildConverterLocked() error {
	old := w.converter
	w.converter, w.convErr = w.newConverter(w.prefs)
	if old != nil {
		if err := convert.Close(old); err != nil {
			logging.Get(logging.CategoryProblem).Warn("closing previous converter: %v", err)
		}
	}
	return w.convErr
}

func (w *Workflow) reconcileServer() {
	if w.newServer == nil {
		return
	}
	log := logging.Get(logging.CategoryProblem)

	w.serverMu.Lock()
	defer w.serverMu.Unlock()

	want := w.prefs.Bool(config.PrefUseCommandServer)
	port, ok := w.prefs.Int(config.PrefCommandServerPort)
	if want && (!ok || port < 0 || port > 65535) {
		w.sender.Errorf("Invalid command server port %q", w.prefs.Get(config.PrefCommandServerPort))
		want = false
	}

	if w.server != nil && (!want || w.server.Port() != port) {
		log.Info("stopping command server on port %d", w.server.Port())
		w.server.Stop()
		w.server = nil
	}
	if !want || w.server != nil {
		return
	}

	s := w.newServer(port, w)
	if err := s.Start(); err != nil {
		w.sender.Errorf("Could not start command server\n%v", err)
		return
	}
	log.Info("command server listening on port %d", port)
	w.server = s
}

// SaveTestResults writes the test-case artifacts for r and returns one row of
// [error, input, output, expected] paths per case, ordered by case name. A
// result carrying a top-level error yields a single row with its path.
func (w *Workflow) SaveTestResults(r *message.TestResults) ([][]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.files.Supersede(scratchfile.RoleTestCase)
	dir := w.dirFor(config.PrefTestCaseUseTempFile, config.PrefTestCaseFilePath)

	if r.Error != "" {
		p, err := w.saveArtifact(dir, "", "error", r.Error)
		if err != nil {
			return nil, err
		}
		return [][]string{{p}}, nil
	}

	names := make([]string, 0, len(r.Cases))
	for name := range r.Cases {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]string, len(names))
	used := make(map[string]bool, len(names))
	var g errgroup.Group
	for i, name := range names {
		tc := r.Cases[name]
		caseName := uniqueCaseName(caseNameRe.ReplaceAllString(name, "_"), used)
		rows[i] = make([]string, 4)
		fields := []struct{ kind, content string }{
			{"error", tc.Error},
			{"in", tc.Input},
			{"out", tc.Output},
			{"expected", tc.Expected},
		}
		row := rows[i]
		for j, f := range fields {
			j, f := j, f
			g.Go(func() error {
				p, err := w.saveArtifact(dir, caseName, f.kind, f.content)
				row[j] = p
				return err
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryProblem).Debug("saved %d test cases for %q", len(rows), w.lastName)
	return rows, nil
}

// uniqueCaseName suffixes base with _2, _3, ... until it is not in used, and
// marks the result used. Distinct case names like "a-b" and "a.b" sanitize
// to the same file name otherwise.
func uniqueCaseName(base string, used map[string]bool) string {
	name := base
	for n := 2; used[name]; n++ {
		name = fmt.Sprintf("%s_%d", base, n)
	}
	used[name] = true
	return name
}

// saveArtifact writes content, newline-terminated, to
// <name>_<case>_<kind>.txt. Empty content writes nothing and returns "".
func (w *Workflow) saveArtifact(dir, caseName, kind, content string) (string, error) {
	if content == "" {
		return "", nil
	}
	rec, err := w.files.Add(scratchfile.RoleTestCase, dir, fmt.Sprintf("%s_%s_%s.txt", w.lastName, caseName, kind))
	if err != nil {
		return "", err
	}
	if err := w.files.Write(rec, content+"\n"); err != nil {
		return "", err
	}
	return rec.Path, nil
}

// Shutdown stops the command server and the watcher, closes the converter
// and deletes temporary files.
func (w *Workflow) Shutdown() {
	w.serverMu.Lock()
	if w.server != nil {
		w.server.Stop()
		w.server = nil
	}
	w.serverMu.Unlock()

	w.watcher.Stop()

	w.mu.Lock()
	if w.converter != nil {
		if err := convert.Close(w.converter); err != nil {
			logging.Get(logging.CategoryProblem).Warn("closing converter: %v", err)
		}
		w.converter = nil
	}
	w.mu.Unlock()

	w.files.Shutdown()
}

func runHook(ctx context.Context, wait bool, name string, args ...string) error {
	if !wait {
		return scratchfile.StartDetached(name, args...)
	}
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w\n%s", name, err, out)
	}
	return nil
}
