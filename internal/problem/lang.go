package problem

import (
	"regexp"
	"strings"
)

type language struct {
	name    string
	ext     string
	pattern *regexp.Regexp
}

// languages is ordered so that more specific names are tried first
// (C# and C++ before C, JavaScript before Java).
var languages = []language{
	{"C#", "cs", regexp.MustCompile(`(?i)C#`)},
	{"C++", "cpp", regexp.MustCompile(`(?i)C\+\+`)},
	{"Clojure", "clj", regexp.MustCompile(`(?i)Clojure`)},
	{"Dart", "dart", regexp.MustCompile(`(?i)Dart`)},
	{"Elixir", "ex", regexp.MustCompile(`(?i)Elixir`)},
	{"Erlang", "erl", regexp.MustCompile(`(?i)Erlang`)},
	{"Go", "go", regexp.MustCompile(`(?i)Go`)},
	{"Haskell", "hs", regexp.MustCompile(`(?i)Haskell`)},
	{"JavaScript", "js", regexp.MustCompile(`(?i)JavaScript|Node`)},
	{"Java", "java", regexp.MustCompile(`(?i)Java`)},
	{"Julia", "jl", regexp.MustCompile(`(?i)Julia`)},
	{"Kotlin", "kt", regexp.MustCompile(`(?i)Kotlin`)},
	{"Lua", "lua", regexp.MustCompile(`(?i)Lua`)},
	{"Objective-C", "m", regexp.MustCompile(`(?i)Objective-C`)},
	{"Perl", "pl", regexp.MustCompile(`(?i)Perl`)},
	{"PHP", "php", regexp.MustCompile(`(?i)PHP`)},
	{"Python", "py", regexp.MustCompile(`(?i)Python|Pypy`)},
	{"R", "R", regexp.MustCompile(`(?i)\bR\b`)},
	{"Racket", "rkt", regexp.MustCompile(`(?i)Racket`)},
	{"Ruby", "rb", regexp.MustCompile(`(?i)Ruby`)},
	{"Rust", "rs", regexp.MustCompile(`(?i)Rust`)},
	{"Scala", "scala", regexp.MustCompile(`(?i)Scala`)},
	{"Swift", "swift", regexp.MustCompile(`(?i)Swift`)},
	{"TypeScript", "ts", regexp.MustCompile(`(?i)TypeScript`)},
	{"C", "c", regexp.MustCompile(`(?i)\bC\b`)},
}

// LanguageExt returns the file extension, without the dot, for a language
// name as shown by a judge ("Python 3 (PyPy 7.3)", "GNU C++17"). Unknown
// languages get "c".
func LanguageExt(name string) string {
	for _, l := range languages {
		if strings.EqualFold(l.name, name) {
			return l.ext
		}
	}
	for _, l := range languages {
		if l.pattern.MatchString(name) {
			return l.ext
		}
	}
	return "c"
}
