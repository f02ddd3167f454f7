package problem

import "testing"

func TestLanguageExt(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Go", "go"},
		{"python", "py"},
		{"C", "c"},
		{"C#", "cs"},
		{"R", "R"},
		{"GNU G++17 7.3.0", "c"},
		{"GNU C++17", "cpp"},
		{"Python 3 (PyPy 7.3)", "py"},
		{"PyPy 3-64", "py"},
		{"Java 21", "java"},
		{"JavaScript V8", "js"},
		{"Node.js 15.8.0", "js"},
		{"Kotlin 1.9", "kt"},
		{"Rust 2021", "rs"},
		{"Visual C# 10", "cs"},
		{"GNU Objective-C", "m"},
		{"R 4.3", "R"},
		{"Ruby 3", "rb"},
		{"TypeScript 5", "ts"},
		{"Brainfuck", "c"},
		{"", "c"},
	}
	for _, tt := range tests {
		if got := LanguageExt(tt.name); got != tt.want {
			t.Errorf("LanguageExt(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
