// Package fingerprint derives a stable session identifier from a parsed
// Anthropic Messages request body, so that follow-up turns of the same
// conversation land on the same upstream account.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

var sessionUserIDPattern = regexp.MustCompile(`session_([a-f0-9-]{36})`)

// maxHashInput bounds how much text levels 2-4 feed into SHA-256, mirroring
// the upstream's own prompt-caching boundary granularity.
const maxHashInput = 200

// Compute derives a session identifier from a parsed request body.
//
// It returns the empty string only when none of the four levels below
// produce a non-empty value; it is total and never panics on malformed
// input. The returned identifier is either a 36-char lowercase UUID
// (extracted verbatim) or a 32-char lowercase hex SHA-256 prefix.
func Compute(body map[string]interface{}) string {
	if body == nil {
		return ""
	}

	if uid := sessionUUIDFromMetadata(body); uid != "" {
		return uid
	}

	if text := firstCacheControlEphemeralText(body); text != "" {
		return hashPrefix("ephemeral:" + truncate(text))
	}

	if text := systemText(body); text != "" {
		return hashPrefix("system:" + truncate(text))
	}

	if text := firstMessageText(body); text != "" {
		return hashPrefix("msg:" + truncate(text))
	}

	return ""
}

func sessionUUIDFromMetadata(body map[string]interface{}) string {
	metadata, ok := asMap(body["metadata"])
	if !ok {
		return ""
	}
	userID, ok := metadata["user_id"].(string)
	if !ok {
		return ""
	}
	m := sessionUserIDPattern.FindStringSubmatch(userID)
	if m == nil {
		return ""
	}
	return m[1]
}

// firstCacheControlEphemeralText reports the first message's textual
// content, if any part under body.system[] or body.messages[].content[]
// carries cache_control.type == "ephemeral".
func firstCacheControlEphemeralText(body map[string]interface{}) string {
	if !anyEphemeralCacheControl(asSlice(body["system"])) {
		messages := asSlice(body["messages"])
		found := false
		for _, m := range messages {
			mm, ok := asMap(m)
			if !ok {
				continue
			}
			if anyEphemeralCacheControl(asSlice(mm["content"])) {
				found = true
				break
			}
		}
		if !found {
			return ""
		}
	}
	return firstMessageText(body)
}

func anyEphemeralCacheControl(parts []interface{}) bool {
	for _, p := range parts {
		pm, ok := asMap(p)
		if !ok {
			continue
		}
		cc, ok := asMap(pm["cache_control"])
		if !ok {
			continue
		}
		if t, _ := cc["type"].(string); t == "ephemeral" {
			return true
		}
	}
	return false
}

// systemText concatenates body.system, whether a plain string or an array
// of {text} parts.
func systemText(body map[string]interface{}) string {
	switch v := body["system"].(type) {
	case string:
		return v
	case []interface{}:
		return joinTextParts(v)
	default:
		return ""
	}
}

// firstMessageText extracts the textual content of the first element of
// body.messages[], whether a plain string or an array of text parts.
func firstMessageText(body map[string]interface{}) string {
	messages := asSlice(body["messages"])
	if len(messages) == 0 {
		return ""
	}
	first, ok := asMap(messages[0])
	if !ok {
		return ""
	}
	switch v := first["content"].(type) {
	case string:
		return v
	case []interface{}:
		return joinTextParts(v)
	default:
		return ""
	}
}

func joinTextParts(parts []interface{}) string {
	var out []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			out = append(out, v...)
		case map[string]interface{}:
			if t, _ := v["type"].(string); t == "text" {
				if text, _ := v["text"].(string); text != "" {
					out = append(out, text...)
				}
			}
		}
	}
	return string(out)
}

func truncate(s string) string {
	if len(s) <= maxHashInput {
		return s
	}
	return s[:maxHashInput]
}

func hashPrefix(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:16]) // 32 hex chars
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func asSlice(v interface{}) []interface{} {
	s, _ := v.([]interface{})
	return s
}
