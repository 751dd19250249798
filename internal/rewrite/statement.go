package rewrite

import (
	"fmt"
	"regexp"
	"strings"
)

// These patterns match the closed list of non-deterministic call forms
// the rewriter knows how to substitute. Matching is case-insensitive and
// purely textual: the regexps run over the raw statement string, with no
// parse tree (a call inside a string literal or comment is matched too).
var (
	reNow       = regexp.MustCompile(`(?i)\b(now\s*\(\s*\)|current_timestamp\b)`)
	reRandom    = regexp.MustCompile(`(?i)\brandom\s*\(\s*\)`)
	reUUIDv4    = regexp.MustCompile(`(?i)\b(gen_random_uuid|uuid_generate_v4)\s*\(\s*\)`)
	reTxIDFunc  = regexp.MustCompile(`(?i)\btxid_current\s*\(\s*\)`)
)

// Result is the outcome of rewriting one statement.
type Result struct {
	Statement  string
	Rewritten  bool
	Substituted int // number of substitutions actually applied
}

// Statement applies every known deterministic substitution to stmt using
// fns. If stmt contains none of the recognized non-deterministic call
// forms, Result.Rewritten is false and Statement equals stmt unchanged
// (forwarding unrewritten is not a failure by itself — the caller decides
// whether an unrecognized non-deterministic construct should fail
// verification, per §4.4.3 and §7).
func Statement(stmt string, fns *Functions) (Result, error) {
	out := stmt
	count := 0

	out, n, err := substitute(out, reNow, func() (string, error) {
		return quoteLiteral(fns.Timestamp()), nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("rewrite: timestamp substitution: %w", err)
	}
	count += n

	out, n, err = substitute(out, reRandom, func() (string, error) {
		return fmt.Sprintf("%v", fns.RandomFloat64()), nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("rewrite: random substitution: %w", err)
	}
	count += n

	out, n, err = substitute(out, reUUIDv4, func() (string, error) {
		return quoteLiteral(fns.RandomUUID()), nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("rewrite: uuid substitution: %w", err)
	}
	count += n

	out, n, err = substitute(out, reTxIDFunc, func() (string, error) {
		return fmt.Sprintf("%d", fns.TxIDLiteral()), nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("rewrite: txid substitution: %w", err)
	}
	count += n

	return Result{Statement: out, Rewritten: count > 0, Substituted: count}, nil
}

func substitute(stmt string, re *regexp.Regexp, next func() (string, error)) (string, int, error) {
	matches := re.FindAllStringIndex(stmt, -1)
	if len(matches) == 0 {
		return stmt, 0, nil
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(stmt[last:m[0]])
		lit, err := next()
		if err != nil {
			return "", 0, err
		}
		b.WriteString(lit)
		last = m[1]
	}
	b.WriteString(stmt[last:])
	return b.String(), len(matches), nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
