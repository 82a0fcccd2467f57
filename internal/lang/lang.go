// Package lang maps file paths to the source languages the pipeline knows
// how to excerpt and check.
package lang

import (
	"path"
	"strings"
)

// Language identifies a source language by its conventional short name.
type Language string

const (
	Unknown    Language = ""
	Go         Language = "go"
	Python     Language = "python"
	JavaScript Language = "javascript"
	TypeScript Language = "typescript"
	Java       Language = "java"
	Kotlin     Language = "kotlin"
	Swift      Language = "swift"
	C          Language = "c"
	Cpp        Language = "cpp"
	CSharp     Language = "csharp"
	Rust       Language = "rust"
	PHP        Language = "php"
	Ruby       Language = "ruby"
	JSON       Language = "json"
	YAML       Language = "yaml"
	TOML       Language = "toml"
)

var byExt = map[string]Language{
	".go":    Go,
	".py":    Python,
	".pyi":   Python,
	".js":    JavaScript,
	".jsx":   JavaScript,
	".mjs":   JavaScript,
	".cjs":   JavaScript,
	".ts":    TypeScript,
	".tsx":   TypeScript,
	".java":  Java,
	".kt":    Kotlin,
	".kts":   Kotlin,
	".swift": Swift,
	".c":     C,
	".h":     C,
	".cc":    Cpp,
	".cpp":   Cpp,
	".cxx":   Cpp,
	".hpp":   Cpp,
	".cs":    CSharp,
	".rs":    Rust,
	".php":   PHP,
	".rb":    Ruby,
	".json":  JSON,
	".yaml":  YAML,
	".yml":   YAML,
	".toml":  TOML,
}

// Detect returns the language for p by extension.
func Detect(p string) Language {
	return byExt[strings.ToLower(path.Ext(p))]
}

// BraceDelimited reports whether blocks in l are delimited by { and }.
func (l Language) BraceDelimited() bool {
	switch l {
	case Go, JavaScript, TypeScript, Java, Kotlin, Swift, C, Cpp, CSharp, Rust, PHP:
		return true
	}
	return false
}

// SingleQuoteStrings reports whether ' opens an arbitrary-length string
// rather than a character literal or lifetime.
func (l Language) SingleQuoteStrings() bool {
	switch l {
	case JavaScript, TypeScript, PHP, Python, Ruby:
		return true
	}
	return false
}

// LineComment returns the line comment prefixes of l.
func (l Language) LineComment() []string {
	switch l {
	case Python, Ruby, YAML, TOML:
		return []string{"#"}
	case PHP:
		return []string{"//", "#"}
	case JSON, Unknown:
		return nil
	}
	return []string{"//"}
}
