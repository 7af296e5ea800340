package main

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	maxPackageNameLength = 200
	maxParamKeyLength    = 100
	maxParamValueLength  = 1000
	maxArgsTokens        = 20
	maxArgTokenLength    = 100
	reservedArgsKey      = "args"
)

// packageNamePattern matches `(@SCOPE/)?NAME(@VERSION)?` with the character
// class spec.md §3 defines for SCOPE and NAME.
var packageNamePattern = regexp.MustCompile(
	`^(@[a-z0-9~][a-z0-9._~-]*/)?[a-z0-9~][a-z0-9._~-]*(@.+)?$`,
)

// shellMetacharacters is the character set spec.md §3 and §4.A forbid in
// package identifiers and extra-argument tokens.
const shellMetacharacters = ";&|`$(){}[]<>'\"\\"

// remoteURLPatterns flag package identifiers disguised as remote MCP bridge
// endpoints (spec.md §3, §4.C).
var remoteURLPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^https?://`),
	regexp.MustCompile(`(?i)^wss?://`),
	regexp.MustCompile(`(?i)/sse$`),
	regexp.MustCompile(`(?i)/stdio$`),
}

// ParsedPackage is the decomposition of a validated package identifier.
type ParsedPackage struct {
	FullName string
	Scope    string
	Name     string
	Version  string
}

// containsAny reports whether s contains any rune in chars.
func containsAny(s, chars string) bool {
	return strings.ContainsAny(s, chars)
}

// validatePackageIdentifier canonicalizes and validates a package
// identifier string per spec.md §3. The canonical form equals the input for
// every accepted identifier (spec.md §8's universal property).
func validatePackageIdentifier(s string) (ParsedPackage, error) {
	if s == "" {
		return ParsedPackage{}, NewGatewayError(ErrInvalidPackageName, "empty package identifier").
			WithData(map[string]string{"reason": "empty"})
	}
	if len(s) > maxPackageNameLength {
		return ParsedPackage{}, NewGatewayError(ErrInvalidPackageName, "package identifier too long").
			WithData(map[string]string{"reason": "too_long"})
	}
	if strings.Contains(s, "..") || strings.Contains(s, "/./") || strings.Contains(s, "\\") {
		return ParsedPackage{}, NewGatewayError(ErrInvalidPackageName, "path traversal in package identifier").
			WithData(map[string]string{"reason": "path_traversal"})
	}
	if containsAny(s, shellMetacharacters) {
		return ParsedPackage{}, NewGatewayError(ErrInvalidPackageName, "shell metacharacters in package identifier").
			WithData(map[string]string{"reason": "shell_metacharacters"})
	}
	if isRemoteURLDisguise(s) {
		return ParsedPackage{}, NewGatewayError(ErrRemoteServerNotSupported, "remote server identifiers are not supported")
	}
	if !packageNamePattern.MatchString(s) {
		return ParsedPackage{}, NewGatewayError(ErrInvalidPackageName, "invalid package identifier format").
			WithData(map[string]string{"reason": "invalid_format"})
	}

	return parsePackage(s), nil
}

// isRemoteURLDisguise reports whether s looks like a remote MCP bridge
// endpoint rather than an installable package name.
func isRemoteURLDisguise(s string) bool {
	for _, pat := range remoteURLPatterns {
		if pat.MatchString(s) {
			return true
		}
	}
	return false
}

// parsePackage splits an already-validated identifier into its parts.
// Per spec.md §9, VERSION is the substring after the last '@' that is not
// at position 0 (so scoped names like "@scope/name" are not mistaken for a
// pinned version at the leading '@').
func parsePackage(s string) ParsedPackage {
	fullName := s
	version := "latest"

	if idx := lastAtNotAtStart(s); idx >= 0 {
		fullName = s[:idx]
		version = s[idx+1:]
	}

	scope := ""
	name := fullName
	if strings.HasPrefix(fullName, "@") {
		if slash := strings.Index(fullName, "/"); slash >= 0 {
			scope = fullName[:slash]
			name = fullName[slash+1:]
		}
	}

	return ParsedPackage{
		FullName: fullName,
		Scope:    scope,
		Name:     name,
		Version:  version,
	}
}

// lastAtNotAtStart returns the index of the last '@' in s that is not at
// position 0, or -1 if there is none.
func lastAtNotAtStart(s string) int {
	for i := len(s) - 1; i > 0; i-- {
		if s[i] == '@' {
			return i
		}
	}
	return -1
}

// Param is a single ordered (key, value) pair from a request query string.
type Param struct {
	Key   string
	Value string
}

// ParamSet is the ordered set of query parameters from an incoming request.
type ParamSet []Param

// validateParams enforces key/value length caps on a parameter set. Oversize
// keys fail outright; oversize values are left as-is here and truncated
// later at projection time (spec.md §4.A).
func validateParams(params ParamSet) error {
	for _, p := range params {
		if len(p.Key) > maxParamKeyLength {
			return NewGatewayError(ErrInvalidParams, fmt.Sprintf("parameter key %q exceeds %d characters", p.Key, maxParamKeyLength))
		}
	}
	return nil
}

// envAliases is the fixed table of well-known parameter-key-to-environment
// aliases consulted before the transliteration fallback (spec.md §3).
var envAliases = map[string]string{
	"openaiApiKey":    "OPENAI_API_KEY",
	"anthropicApiKey": "ANTHROPIC_API_KEY",
	"apiKey":          "API_KEY",
	"githubToken":     "GITHUB_TOKEN",
	"githubPat":       "GITHUB_TOKEN",
	"slackToken":      "SLACK_TOKEN",
	"awsAccessKeyId":  "AWS_ACCESS_KEY_ID",
	"awsSecretKey":    "AWS_SECRET_ACCESS_KEY",
	"databaseUrl":     "DATABASE_URL",
}

var envKeyTransliteration = regexp.MustCompile(`[^A-Za-z0-9_]`)

// EnvironmentDelta is the set of environment variables to overlay onto a
// spawned child's inherited environment.
type EnvironmentDelta map[string]string

// projectEnvironment converts a parameter set into an environment delta,
// dropping and logging any key that cannot be sanitized (spec.md §4.A). The
// reserved "args" key is skipped; call buildExtraArgs for it.
func projectEnvironment(params ParamSet, logger *Logger) EnvironmentDelta {
	delta := make(EnvironmentDelta)
	for _, p := range params {
		if p.Key == reservedArgsKey {
			continue
		}

		envKey, ok := projectEnvKey(p.Key)
		if !ok {
			if logger != nil {
				logger.Warn("dropping unsanitizable parameter key", "key", p.Key)
			}
			continue
		}

		value := p.Value
		if len(value) > maxParamValueLength {
			value = value[:maxParamValueLength]
		}
		value = scrubShellMetacharacters(value)

		delta[envKey] = value
	}
	return delta
}

// projectEnvKey maps a parameter key to an environment variable name via the
// alias table first, then transliteration. Returns ok=false when the
// resulting key would not start with a letter or underscore.
func projectEnvKey(key string) (string, bool) {
	if alias, ok := envAliases[key]; ok {
		return alias, true
	}

	transliterated := envKeyTransliteration.ReplaceAllString(key, "_")
	envKey := strings.ToUpper(transliterated)
	if envKey == "" {
		return "", false
	}
	first := envKey[0]
	if !(first == '_' || (first >= 'A' && first <= 'Z')) {
		return "", false
	}
	return envKey, true
}

// scrubShellMetacharacters removes shell metacharacters from an environment
// value so a spawned child's environment cannot carry injection payloads.
func scrubShellMetacharacters(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(shellMetacharacters, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// buildExtraArgs URL-decodes the reserved "args" parameter value, splits it
// on spaces, discards empty tokens, and caps both the token count and each
// token's length (spec.md §3, §4.A, §8).
func buildExtraArgs(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}

	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return nil, NewGatewayError(ErrInvalidArgs, "malformed args encoding")
	}

	if containsAny(decoded, shellMetacharacters) {
		return nil, NewGatewayError(ErrInvalidArgs, "dangerous_characters").
			WithData(map[string]string{"reason": "dangerous_characters"})
	}

	var tokens []string
	for _, tok := range strings.Split(decoded, " ") {
		if tok == "" {
			continue
		}
		if len(tok) > maxArgTokenLength {
			tok = tok[:maxArgTokenLength]
		}
		tokens = append(tokens, tok)
		if len(tokens) == maxArgsTokens {
			break
		}
	}

	return tokens, nil
}

// extraArgsFromParams extracts the reserved "args" value (if present) from a
// ParamSet.
func extraArgsFromParams(params ParamSet) string {
	for _, p := range params {
		if p.Key == reservedArgsKey {
			return p.Value
		}
	}
	return ""
}

// parseParamSet builds an ordered ParamSet from a url.Values map, sorting
// keys for determinism (the hash in Component E's child key depends on a
// stable ordering — see childKey in registry.go).
func parseParamSet(values url.Values) ParamSet {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sortStrings(keys)

	var params ParamSet
	for _, k := range keys {
		for _, v := range values[k] {
			params = append(params, Param{Key: k, Value: v})
		}
	}
	return params
}
