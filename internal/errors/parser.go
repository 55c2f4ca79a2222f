package errors

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrorSeverity classifies a parsed diagnostic.
type ErrorSeverity int

const (
	ErrorSeverityInfo ErrorSeverity = iota
	ErrorSeverityWarning
	ErrorSeverityError
	ErrorSeverityFatal
)

func (s ErrorSeverity) String() string {
	switch s {
	case ErrorSeverityInfo:
		return "INFO"
	case ErrorSeverityWarning:
		return "WARNING"
	case ErrorSeverityError:
		return "ERROR"
	case ErrorSeverityFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// BuildErrorType represents different types of build errors
type BuildErrorType int

const (
	BuildErrorTypeUnknown BuildErrorType = iota
	BuildErrorTypeSyntax
	BuildErrorTypeSemantics
	BuildErrorTypeTool
	BuildErrorTypeFileNotFound
	BuildErrorTypePermission
)

func (t BuildErrorType) String() string {
	switch t {
	case BuildErrorTypeSyntax:
		return "syntax"
	case BuildErrorTypeSemantics:
		return "semantics"
	case BuildErrorTypeTool:
		return "tool"
	case BuildErrorTypeFileNotFound:
		return "file not found"
	case BuildErrorTypePermission:
		return "permission"
	default:
		return "unknown"
	}
}

// ParsedError is one diagnostic extracted from compiler output.
type ParsedError struct {
	Type     BuildErrorType `json:"type"`
	Severity ErrorSeverity  `json:"severity"`
	File     string         `json:"file"`
	Line     int            `json:"line"`
	Column   int            `json:"column"`
	Message  string         `json:"message"`
	RawError string         `json:"raw_error"`
}

// ErrorParser turns the output of an external build command into
// structured diagnostics.
type ErrorParser struct {
	patterns []errorPattern
}

type errorPattern struct {
	regex       *regexp.Regexp
	errorType   BuildErrorType
	parseFields func(matches []string) (file string, line int, column int, message string)
}

// NewErrorParser creates a new error parser
func NewErrorParser() *ErrorParser {
	return &ErrorParser{patterns: buildPatterns()}
}

// ParseError parses build output line by line. Lines that match no pattern
// are kept only when they mention an error or failure.
func (ep *ErrorParser) ParseError(output string) []*ParsedError {
	var parsed []*ParsedError

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if pe := ep.match(line); pe != nil {
			parsed = append(parsed, pe)
			continue
		}

		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
			parsed = append(parsed, &ParsedError{
				Type:     BuildErrorTypeUnknown,
				Severity: ErrorSeverityError,
				Message:  line,
				RawError: line,
			})
		}
	}

	return parsed
}

func (ep *ErrorParser) match(line string) *ParsedError {
	for _, pattern := range ep.patterns {
		matches := pattern.regex.FindStringSubmatch(line)
		if matches == nil {
			continue
		}
		file, lineNum, column, message := pattern.parseFields(matches)

		return &ParsedError{
			Type:     pattern.errorType,
			Severity: ErrorSeverityError,
			File:     file,
			Line:     lineNum,
			Column:   column,
			Message:  message,
			RawError: line,
		}
	}
	return nil
}

// ToCompileFailure converts command output into a compile failure for key.
// The first diagnostic carrying a location provides the file, line and
// column; the message is the first diagnostic's text, or the trimmed output
// when nothing could be parsed.
func (ep *ErrorParser) ToCompileFailure(key, output string, cause error) *DevError {
	parsed := ep.ParseError(output)

	message := strings.TrimSpace(output)
	if len(parsed) > 0 {
		message = parsed[0].Message
	}
	if message == "" && cause != nil {
		message = cause.Error()
	}

	failure := NewCompileFailure(key, message, cause)
	for _, pe := range parsed {
		if pe.File != "" {
			failure.WithLocation(pe.File, pe.Line, pe.Column)
			break
		}
	}
	if len(parsed) > 1 {
		failure.WithContext("diagnostics", len(parsed))
	}

	return failure
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func buildPatterns() []errorPattern {
	return []errorPattern{
		{
			regex:     regexp.MustCompile(`^(.+?):(\d+):(\d+): (.+)$`),
			errorType: BuildErrorTypeSyntax,
			parseFields: func(m []string) (string, int, int, string) {
				return m[1], atoi(m[2]), atoi(m[3]), m[4]
			},
		},
		{
			regex:     regexp.MustCompile(`^templ: (.+?) \((.+?):(\d+):(\d+)\): (.+)$`),
			errorType: BuildErrorTypeSemantics,
			parseFields: func(m []string) (string, int, int, string) {
				return m[2], atoi(m[3]), atoi(m[4]), fmt.Sprintf("%s: %s", m[1], m[5])
			},
		},
		{
			regex:     regexp.MustCompile(`^(.+?):(\d+): (.+)$`),
			errorType: BuildErrorTypeSyntax,
			parseFields: func(m []string) (string, int, int, string) {
				return m[1], atoi(m[2]), 0, m[3]
			},
		},
		{
			regex:     regexp.MustCompile(`^(?:go|templ generate|esbuild|tailwindcss): (.+)$`),
			errorType: BuildErrorTypeTool,
			parseFields: func(m []string) (string, int, int, string) {
				return "", 0, 0, m[1]
			},
		},
		{
			regex:     regexp.MustCompile(`^permission denied: (.+)$`),
			errorType: BuildErrorTypePermission,
			parseFields: func(m []string) (string, int, int, string) {
				return m[1], 0, 0, "Permission denied"
			},
		},
		{
			regex:     regexp.MustCompile(`^no such file or directory: (.+)$`),
			errorType: BuildErrorTypeFileNotFound,
			parseFields: func(m []string) (string, int, int, string) {
				return m[1], 0, 0, "File not found"
			},
		},
		{
			regex:     regexp.MustCompile(`^(.+\.[A-Za-z0-9]+): (.+)$`),
			errorType: BuildErrorTypeSyntax,
			parseFields: func(m []string) (string, int, int, string) {
				return m[1], 0, 0, m[2]
			},
		},
	}
}

// FormatError formats a parsed error for terminal display.
func (pe *ParsedError) FormatError() string {
	var b strings.Builder

	fmt.Fprintf(&b, "[%s] %s", pe.Severity, pe.Type)
	if pe.File != "" {
		fmt.Fprintf(&b, " in %s", pe.File)
		if pe.Line > 0 {
			fmt.Fprintf(&b, ":%d", pe.Line)
			if pe.Column > 0 {
				fmt.Fprintf(&b, ":%d", pe.Column)
			}
		}
	}
	fmt.Fprintf(&b, "\n  %s\n", pe.Message)

	return b.String()
}
