// Package policy keeps caller PII out of logs.
package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	addrPattern  = regexp.MustCompile(`^` + emailPattern.String() + `$`)
)

type rule struct {
	pattern *regexp.Regexp
	marker  string
}

// Cards go before phones so long digit runs are not taken for phone numbers.
var rules = []rule{
	{emailPattern, "[REDACTED_EMAIL]"},
	{cardPattern, "[REDACTED_CARD]"},
	{phonePattern, "[REDACTED_PHONE]"},
}

// RedactPII masks emails, card numbers and phone numbers in free text.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range rules {
		next := r.pattern.ReplaceAllString(out, r.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// MaskEmail keeps the first letter of the local part and the domain, e.g.
// "a***@example.com". Anything that is not an address is fully redacted.
func MaskEmail(addr string) string {
	addr = strings.TrimSpace(addr)
	if !addrPattern.MatchString(addr) {
		return "[REDACTED_EMAIL]"
	}
	local, domain, _ := strings.Cut(addr, "@")
	return local[:1] + "***@" + domain
}

// sensitiveArgs are tool argument names logged only in masked form.
var sensitiveArgs = map[string]func(string) string{
	"customerEmail": MaskEmail,
	"customerName":  maskName,
}

func maskName(name string) string {
	fields := strings.Fields(name)
	for i, f := range fields {
		r := []rune(f)
		fields[i] = string(r[:1]) + "."
	}
	return strings.Join(fields, " ")
}

// RedactArgs renders tool arguments for logging as sorted key=value pairs
// with personal fields masked and free text scrubbed.
func RedactArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := fmt.Sprint(args[k])
		if mask, ok := sensitiveArgs[k]; ok {
			v = mask(v)
		} else {
			v, _ = RedactPII(v)
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, " ")
}
