// Package validate gates inbound requests to the two approved CLIs this
// relay serves, rejecting everything else before it reaches the scheduler.
package validate

import (
	"regexp"
	"strconv"
	"strings"
)

// ClientType identifies which approved CLI issued a request, if any.
type ClientType string

const (
	ClientCodeCLI ClientType = "codeCLI"
	ClientCodexCLI ClientType = "codexCLI"
	ClientUnknown  ClientType = "unknown"
)

// Result is the outcome of validating one inbound request.
type Result struct {
	Valid      bool
	ClientType ClientType
	Reason     string
	Version    string
}

var (
	codeCLIUserAgent = regexp.MustCompile(`(?i)^claude-cli/([\d.]+)(?:\S*)?\s+\(external,\s*(?:cli|claude-[\w-]+|sdk-[\w-]+)\)$`)
	codexUserAgent   = regexp.MustCompile(`(?i)^(codex_vscode|codex_cli_rs)/([\d.]+)`)
	codeCLISessionID = regexp.MustCompile(`^user_[a-fA-F0-9]{64}_account__session_[\w-]+$`)
)

var systemPromptKeywords = []string{
	"You are Claude Code",
	"coding assistant",
	"Anthropic",
	"tools you can use",
}

const codexInstructionsPrefix = "You are a coding agent running in the Codex CLI"

// Headers is a case-insensitive view over inbound HTTP headers. Callers
// typically construct it from http.Header via NewHeaders.
type Headers map[string]string

// NewHeaders lowercases every key so lookups are case-insensitive.
func NewHeaders(raw map[string][]string) Headers {
	h := make(Headers, len(raw))
	for k, v := range raw {
		if len(v) > 0 {
			h[strings.ToLower(k)] = v[0]
		}
	}
	return h
}

func (h Headers) get(key string) string {
	return h[strings.ToLower(key)]
}

// ValidateCodeCLI checks whether a request came from the approved
// code-assistant CLI. It is total: any unexpected body shape yields
// {valid:false, clientType:unknown}.
func ValidateCodeCLI(headers Headers, body map[string]interface{}, path string) (result Result) {
	defer func() {
		if recover() != nil {
			result = Result{Valid: false, ClientType: ClientUnknown, Reason: "Validation error"}
		}
	}()

	ua := headers.get("User-Agent")
	m := codeCLIUserAgent.FindStringSubmatch(ua)
	if m == nil {
		return Result{Valid: false, ClientType: ClientUnknown, Reason: "Validation error"}
	}
	version := m[1]

	if !strings.Contains(path, "messages") {
		return Result{Valid: true, ClientType: ClientCodeCLI, Version: version}
	}

	if !systemPromptSimilar(body) {
		return Result{Valid: false, ClientType: ClientUnknown, Reason: "Validation error"}
	}
	if _, ok := body["model"].(string); !ok {
		return Result{Valid: false, ClientType: ClientUnknown, Reason: "Validation error"}
	}
	for _, h := range []string{"x-app", "anthropic-beta", "anthropic-version"} {
		if strings.TrimSpace(headers.get(h)) == "" {
			return Result{Valid: false, ClientType: ClientUnknown, Reason: "Validation error"}
		}
	}

	metadata, _ := body["metadata"].(map[string]interface{})
	userID, _ := metadata["user_id"].(string)
	if !codeCLISessionID.MatchString(userID) {
		return Result{Valid: false, ClientType: ClientUnknown, Reason: "Validation error"}
	}

	return Result{Valid: true, ClientType: ClientCodeCLI, Version: version}
}

// systemPromptSimilar reports whether the fraction of canonical keyword
// phrases present in body.system[].text is >= 0.8.
func systemPromptSimilar(body map[string]interface{}) bool {
	parts, _ := body["system"].([]interface{})
	if len(parts) == 0 {
		return false
	}
	var text strings.Builder
	for _, p := range parts {
		pm, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		if t, _ := pm["text"].(string); t != "" {
			text.WriteString(t)
			text.WriteByte('\n')
		}
	}
	joined := text.String()
	if joined == "" {
		return false
	}

	matched := 0
	for _, kw := range systemPromptKeywords {
		if strings.Contains(joined, kw) {
			matched++
		}
	}
	return float64(matched)/float64(len(systemPromptKeywords)) >= 0.8
}

// ValidateCodex checks whether a request came from one of the approved
// Codex CLI variants. It is total: any unexpected body shape yields
// {valid:false, clientType:unknown}.
func ValidateCodex(headers Headers, body map[string]interface{}, path string) (result Result) {
	defer func() {
		if recover() != nil {
			result = Result{Valid: false, ClientType: ClientUnknown, Reason: "Validation error"}
		}
	}()

	ua := headers.get("User-Agent")
	m := codexUserAgent.FindStringSubmatch(ua)
	if m == nil {
		return Result{Valid: false, ClientType: ClientUnknown, Reason: "Validation error"}
	}
	clientKind := strings.ToLower(m[1])
	version := m[2]

	if !strings.HasPrefix(path, "/openai") && !strings.HasPrefix(path, "/azure") {
		return Result{Valid: true, ClientType: ClientCodexCLI, Version: version}
	}

	if strings.ToLower(headers.get("originator")) != clientKind {
		return Result{Valid: false, ClientType: ClientUnknown, Reason: "Validation error"}
	}
	if len(headers.get("session_id")) <= 20 {
		return Result{Valid: false, ClientType: ClientUnknown, Reason: "Validation error"}
	}

	if strings.Contains(path, "/openai/responses") || strings.Contains(path, "/azure/response") {
		instructions, _ := body["instructions"].(string)
		if !strings.HasPrefix(instructions, codexInstructionsPrefix) {
			return Result{Valid: false, ClientType: ClientUnknown, Reason: "Validation error"}
		}
	}

	return Result{Valid: true, ClientType: ClientCodexCLI, Version: version}
}

// IsNewerVersion reports whether a is a strictly greater version than b,
// comparing dot-separated numeric tuples left to right; a missing part
// compares as 0. Used by the headers cache to gate replacement by semver.
func IsNewerVersion(a, b string) bool {
	at, bt := numericTuple(a), numericTuple(b)
	n := len(at)
	if len(bt) > n {
		n = len(bt)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(at) {
			av = at[i]
		}
		if i < len(bt) {
			bv = bt[i]
		}
		if av != bv {
			return av > bv
		}
	}
	return false
}

// numericTuple parses a dot-separated version string into an integer
// tuple, treating missing or non-numeric parts as 0.
func numericTuple(v string) []int {
	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			n = 0
		}
		out[i] = n
	}
	return out
}
