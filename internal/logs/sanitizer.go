package logs

import (
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
)

// SecretSanitizer wraps a zapcore.Core to sanitize sensitive values from logs
type SecretSanitizer struct {
	zapcore.Core
	patterns []*secretPattern
	known    *sync.Map
}

type secretPattern struct {
	name     string
	regex    *regexp.Regexp
	maskFunc func(string) string
}

var defaultPatterns = []*secretPattern{
	{
		name:  "bearer_token",
		regex: regexp.MustCompile(`\bBearer\s+[A-Za-z0-9\-\._~\+\/]+=*`),
		maskFunc: func(token string) string {
			parts := strings.SplitN(token, " ", 2)
			if len(parts) != 2 || len(parts[1]) <= 8 {
				return "Bearer ****"
			}
			return "Bearer " + parts[1][:4] + "***" + parts[1][len(parts[1])-2:]
		},
	},
	{
		// Session cookies and provider access tokens are usually JWTs.
		name:  "jwt",
		regex: regexp.MustCompile(`\beyJ[A-Za-z0-9\-_]+\.eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+`),
		maskFunc: func(jwt string) string {
			parts := strings.Split(jwt, ".")
			if len(parts) != 3 || len(parts[2]) < 4 {
				return "****"
			}
			return parts[0] + ".***." + parts[2][len(parts[2])-4:]
		},
	},
	{
		name:  "oauth_param",
		regex: regexp.MustCompile(`\b(code|code_verifier|access_token|refresh_token|client_secret|id_token)=([^&\s"']+)`),
		maskFunc: func(match string) string {
			key, value, _ := strings.Cut(match, "=")
			return key + "=" + MaskValue(value)
		},
	},
}

// NewSecretSanitizer creates a new sanitizing core that wraps the provided core
func NewSecretSanitizer(core zapcore.Core) *SecretSanitizer {
	return &SecretSanitizer{
		Core:     core,
		patterns: defaultPatterns,
		known:    &sync.Map{},
	}
}

// RegisterSecret records a literal value (signing secret, client secret) to mask
// wherever it appears. Values shorter than 8 characters are ignored.
func (s *SecretSanitizer) RegisterSecret(value string) {
	if len(value) < 8 {
		return
	}
	s.known.Store(value, struct{}{})
}

// Sanitize applies every registered mask to str.
func (s *SecretSanitizer) Sanitize(str string) string {
	result := str
	s.known.Range(func(key, _ any) bool {
		secret := key.(string)
		result = strings.ReplaceAll(result, secret, MaskValue(secret))
		return true
	})
	for _, p := range s.patterns {
		result = p.regex.ReplaceAllStringFunc(result, p.maskFunc)
	}
	return result
}

// Write sanitizes the entry before writing
func (s *SecretSanitizer) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Message = s.Sanitize(entry.Message)
	return s.Core.Write(entry, s.sanitizeFields(fields))
}

func (s *SecretSanitizer) sanitizeFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, field := range fields {
		out[i] = s.sanitizeField(field)
	}
	return out
}

func (s *SecretSanitizer) sanitizeField(field zapcore.Field) zapcore.Field {
	switch field.Type {
	case zapcore.StringType:
		field.String = s.Sanitize(field.String)
	case zapcore.ByteStringType:
		if b, ok := field.Interface.([]byte); ok {
			field.Interface = []byte(s.Sanitize(string(b)))
		}
	case zapcore.ErrorType:
		if err, ok := field.Interface.(error); ok && err != nil {
			msg := err.Error()
			if clean := s.Sanitize(msg); clean != msg {
				return zapcore.Field{Key: field.Key, Type: zapcore.StringType, String: clean}
			}
		}
	case zapcore.StringerType, zapcore.ReflectType:
		if stringer, ok := field.Interface.(interface{ String() string }); ok {
			original := stringer.String()
			if clean := s.Sanitize(original); clean != original {
				return zapcore.Field{Key: field.Key, Type: zapcore.StringType, String: clean}
			}
		}
	}
	return field
}

// With creates a sanitizing child core
func (s *SecretSanitizer) With(fields []zapcore.Field) zapcore.Core {
	return &SecretSanitizer{
		Core:     s.Core.With(s.sanitizeFields(fields)),
		patterns: s.patterns,
		known:    s.known,
	}
}

// Check delegates to the wrapped core
func (s *SecretSanitizer) Check(entry zapcore.Entry, checkedEntry *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s.Enabled(entry.Level) {
		return checkedEntry.AddCore(entry, s)
	}
	return checkedEntry
}

// MaskValue masks a secret value showing first 3 and last 2 characters
func MaskValue(value string) string {
	if len(value) <= 5 {
		return "****"
	}
	if len(value) <= 8 {
		return value[:2] + "****"
	}
	return value[:3] + "***" + value[len(value)-2:]
}
