package config

import (
	"fmt"
	"os"
	"strings"
)

// expandPlaceholders replaces {$NAME}, {$NAME:default}, {env.NAME} and
// {file.PATH} in in. Unset variables expand to "" with a warning.
func expandPlaceholders(in string) (out string, errs, warns []string) {
	var b strings.Builder
	b.Grow(len(in))

	rest := in
	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		rest = rest[start:]

		var kind string
		switch {
		case strings.HasPrefix(rest, "{$"):
			kind = "{$"
		case strings.HasPrefix(rest, "{env."):
			kind = "{env."
		case strings.HasPrefix(rest, "{file."):
			kind = "{file."
		default:
			b.WriteByte('{')
			rest = rest[1:]
			continue
		}

		end := strings.IndexByte(rest, '}')
		if end < 0 {
			errs = append(errs, fmt.Sprintf("unterminated %s...} placeholder", kind))
			b.WriteString(rest)
			break
		}
		body := rest[len(kind):end]
		rest = rest[end+1:]

		switch kind {
		case "{$", "{env.":
			name, def, hasDef := body, "", false
			if kind == "{$" {
				name, def, hasDef = strings.Cut(body, ":")
			}
			if name == "" {
				errs = append(errs, fmt.Sprintf("empty env var in %s...} placeholder", kind))
				continue
			}
			val, ok := os.LookupEnv(name)
			if !ok {
				val = def
				if !hasDef {
					warns = append(warns, fmt.Sprintf("env var %q not set; replaced with empty string", name))
				}
			}
			b.WriteString(val)
		case "{file.":
			if body == "" {
				errs = append(errs, "empty path in {file.*} placeholder")
				continue
			}
			data, err := os.ReadFile(body)
			if err != nil {
				errs = append(errs, fmt.Sprintf("file placeholder %q: %v", body, err))
				continue
			}
			b.WriteString(strings.TrimRight(string(data), "\r\n"))
		}
	}
	return b.String(), errs, warns
}

func resolveValue(in, field string, res *ValidationResult) string {
	if !strings.Contains(in, "{") {
		return in
	}
	val, errs, warns := expandPlaceholders(in)
	for _, e := range errs {
		res.errorf("%s: %s", field, e)
	}
	for _, w := range warns {
		res.warnf("%s: %s", field, w)
	}
	return val
}
