// Package activity inspects terminal output for shell prompts and Claude
// status lines, and builds the OSC title sequences injected by sessions
// running in static or dynamic title mode.
package activity

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// TitleMode selects how a session manages the terminal title.
type TitleMode string

const (
	TitleNone    TitleMode = "none"
	TitleFilter  TitleMode = "filter"
	TitleStatic  TitleMode = "static"
	TitleDynamic TitleMode = "dynamic"
)

// ParseTitleMode validates a mode string, defaulting empty to TitleNone.
func ParseTitleMode(s string) (TitleMode, error) {
	switch TitleMode(s) {
	case "":
		return TitleNone, nil
	case TitleNone, TitleFilter, TitleStatic, TitleDynamic:
		return TitleMode(s), nil
	}
	return "", fmt.Errorf("title mode %q: want one of none, filter, static, dynamic", s)
}

// ClaudeDynamicOverride reports whether VIBETUNNEL_CLAUDE_DYNAMIC_TITLE is
// truthy and argv runs Claude, in which case the session's title mode is
// forced to dynamic.
func ClaudeDynamicOverride(argv []string) bool {
	switch strings.ToLower(os.Getenv("VIBETUNNEL_CLAUDE_DYNAMIC_TITLE")) {
	case "1", "true", "yes":
	default:
		return false
	}
	for _, arg := range argv {
		if strings.Contains(strings.ToLower(arg), "claude") {
			return true
		}
	}
	return false
}

// Status is a parsed Claude status line such as
// "✻ Thinking… (12s · ↓ 3.2k tokens)".
type Status struct {
	Action    string
	Duration  int     // seconds
	Tokens    float64 // thousands
	Direction string  // "↑" or "↓"
}

func (s Status) String() string {
	return fmt.Sprintf("%s (%ds, %s %.1fk tokens)", s.Action, s.Duration, s.Direction, s.Tokens)
}

var (
	// Trailing ANSI CSI sequences and whitespace that may follow a prompt.
	trailingNoiseRe = regexp.MustCompile(`(?:\x1b\[[0-9;?]*[A-Za-z]|\s)+$`)

	// Prompt characters at end of output: bash ($), root (#), zsh (%),
	// fish (❯ ➜ »), PowerShell and generic (>). Bracketed prompts like
	// [user@host]$ end in the same class.
	promptEndRe = regexp.MustCompile(`[$#%>❯➜»]$`)

	// A line that carries nothing but prompt decoration.
	promptOnlyRe = regexp.MustCompile(`^[\w@.~/:()\[\]\\ -]*[$#%>❯➜»]$`)

	claudeStatusRe = regexp.MustCompile(
		`[✻✽✶✢✳✦·✧⚒*]\s+([A-Za-z][A-Za-z ]{0,40}?)(?:…|\.\.\.)\s*\((\d+)s\s*·\s*([↑↓])\s*([0-9.]+)k\s*tokens`)

	// OSC 0/1/2 set-title sequences, BEL or ST terminated.
	titleSeqRe = regexp.MustCompile(`\x1b\][012];[^\x07\x1b]*(?:\x07|\x1b\\)`)
)

const (
	maxCacheEntries = 1000
	evictBatch      = maxCacheEntries / 5
	cacheKeyRunes   = 100
)

// Detector is safe for concurrent use. It keeps a bounded memo of
// end-of-output prompt checks; everything else is stateless.
type Detector struct {
	mu    sync.Mutex
	cache map[string]bool
	order []string
}

func NewDetector() *Detector {
	return &Detector{cache: make(map[string]bool, maxCacheEntries)}
}

// Process examines one chunk of terminal output. In filter mode the returned
// bytes have OSC 0/1/2 title sequences removed; otherwise they alias chunk.
func (d *Detector) Process(chunk []byte, mode TitleMode) (filtered []byte, status *Status, endsWithPrompt bool) {
	filtered = chunk
	if mode == TitleFilter {
		filtered = StripTitleSequences(chunk)
	}
	status = ParseClaudeStatus(string(chunk))
	endsWithPrompt = d.EndsWithPrompt(chunk)
	return filtered, status, endsWithPrompt
}

// EndsWithPrompt reports whether the chunk's last line ends in a shell
// prompt, ignoring trailing CSI sequences and whitespace. Python REPL
// prompts (">>>", "...") do not count.
func (d *Detector) EndsWithPrompt(chunk []byte) bool {
	if len(chunk) == 0 {
		return false
	}
	key := tailRunes(string(chunk), cacheKeyRunes)

	d.mu.Lock()
	if v, ok := d.cache[key]; ok {
		d.mu.Unlock()
		return v
	}
	d.mu.Unlock()

	v := endsWithPrompt(key)

	d.mu.Lock()
	if len(d.cache) >= maxCacheEntries {
		for _, old := range d.order[:evictBatch] {
			delete(d.cache, old)
		}
		d.order = append(d.order[:0], d.order[evictBatch:]...)
	}
	if _, ok := d.cache[key]; !ok {
		d.cache[key] = v
		d.order = append(d.order, key)
	}
	d.mu.Unlock()
	return v
}

func endsWithPrompt(s string) bool {
	s = trailingNoiseRe.ReplaceAllString(s, "")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if strings.HasSuffix(s, ">>>") || strings.HasSuffix(s, "...") {
		return false
	}
	return promptEndRe.MatchString(s)
}

// IsPromptOnly reports whether a line carries nothing but a prompt.
func IsPromptOnly(line string) bool {
	line = trailingNoiseRe.ReplaceAllString(line, "")
	line = strings.TrimSpace(stripEscapes(line))
	if strings.HasSuffix(line, ">>>") || strings.HasSuffix(line, "...") {
		return false
	}
	return promptOnlyRe.MatchString(line)
}

// ParseClaudeStatus extracts the most recent Claude status line, if any.
func ParseClaudeStatus(s string) *Status {
	ms := claudeStatusRe.FindAllStringSubmatch(stripEscapes(s), -1)
	if len(ms) == 0 {
		return nil
	}
	m := ms[len(ms)-1]
	dur, err := strconv.Atoi(m[2])
	if err != nil {
		return nil
	}
	tokens, err := strconv.ParseFloat(m[4], 64)
	if err != nil {
		return nil
	}
	return &Status{
		Action:    strings.TrimSpace(m[1]),
		Duration:  dur,
		Direction: m[3],
		Tokens:    tokens,
	}
}

// StripTitleSequences removes OSC 0/1/2 set-title sequences.
func StripTitleSequences(b []byte) []byte {
	if !strings.Contains(string(b), "\x1b]") {
		return b
	}
	return titleSeqRe.ReplaceAll(b, nil)
}

// TitleSequence builds an OSC 2 set-title escape sequence.
func TitleSequence(title string) []byte {
	return []byte("\x1b]2;" + title + "\x07")
}

// ComposeTitle joins the session path, command, and optional activity into
// the string injected as the terminal title.
func ComposeTitle(path, command, activity string) string {
	parts := []string{path, command}
	if activity != "" {
		parts = append(parts, activity)
	}
	return strings.Join(parts, " · ")
}

var escapeRe = regexp.MustCompile(`\x1b(?:\[[0-9;?]*[A-Za-z]|\][^\x07\x1b]*(?:\x07|\x1b\\))`)

func stripEscapes(s string) string {
	if !strings.ContainsRune(s, 0x1b) {
		return s
	}
	return escapeRe.ReplaceAllString(s, "")
}

func tailRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
