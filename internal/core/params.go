package core

import (
	"fmt"
	"strings"
)

// ParamBinder rewrites named (:name) and positional (?) parameter markers
// into the placeholder syntax of the target dialect and produces the bound
// argument list. Values are always passed to the driver as arguments, never
// interpolated into the SQL text. Markers inside string literals, quoted
// identifiers and comments are plain text, not parameters.
type ParamBinder struct{}

func NewParamBinder() *ParamBinder {
	return &ParamBinder{}
}

// BoundStatement is a statement ready for the driver.
type BoundStatement struct {
	SQL  string
	Args []interface{}
}

// marker is one parameter occurrence in the statement text.
type marker struct {
	start, end int
	name       string // named markers
	ordinal    int    // $n markers
}

// Bind resolves parameters in sqlText. Named parameters are looked up in
// params; positional ? markers consume entries of positional in order.
// Postgres statements may instead carry native $n markers, which pass the
// positional arguments straight through. A statement uses one style or
// none; mixing styles is rejected.
func (b *ParamBinder) Bind(sqlText string, dialect Dialect, params map[string]interface{}, positional []interface{}) (*BoundStatement, error) {
	named, question, dollar := scanMarkers(sqlText)
	nativeDollar := dialect == DialectPostgres && len(dollar) > 0

	styles := 0
	for _, present := range []bool{len(named) > 0, len(question) > 0, nativeDollar} {
		if present {
			styles++
		}
	}
	if styles > 1 {
		return nil, Ef(KindValidation, "statement mixes parameter styles")
	}

	switch {
	case len(named) > 0:
		return bindNamed(sqlText, dialect, named, params)
	case len(question) > 0:
		return bindPositional(sqlText, dialect, question, positional)
	case nativeDollar:
		return bindDollar(sqlText, dollar, positional)
	default:
		return &BoundStatement{SQL: sqlText}, nil
	}
}

// scanMarkers walks the statement once and collects parameter markers,
// skipping single-quoted literals (with '' doubling and backslash escapes),
// double-quoted and backtick-quoted identifiers, -- line comments and
// /* */ block comments.
func scanMarkers(sqlText string) (named, question, dollar []marker) {
	i := 0
	n := len(sqlText)
	for i < n {
		c := sqlText[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			i = skipQuoted(sqlText, i)
		case c == '-' && i+1 < n && sqlText[i+1] == '-':
			for i < n && sqlText[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && sqlText[i+1] == '*':
			i += 2
			for i < n {
				if sqlText[i] == '*' && i+1 < n && sqlText[i+1] == '/' {
					i += 2
					break
				}
				i++
			}
		case c == '?':
			question = append(question, marker{start: i, end: i + 1})
			i++
		case c == ':':
			// '::' is the postgres cast operator, never a parameter.
			if i+1 < n && sqlText[i+1] == ':' {
				i += 2
				continue
			}
			j := i + 1
			if j < n && isIdentStart(sqlText[j]) {
				for j < n && isIdentChar(sqlText[j]) {
					j++
				}
				named = append(named, marker{start: i, end: j, name: sqlText[i+1 : j]})
			}
			i = j
		case c == '$':
			j := i + 1
			ordinal := 0
			for j < n && isDigit(sqlText[j]) {
				ordinal = ordinal*10 + int(sqlText[j]-'0')
				j++
			}
			if j > i+1 {
				dollar = append(dollar, marker{start: i, end: j, ordinal: ordinal})
			}
			i = j
		default:
			i++
		}
	}
	return named, question, dollar
}

// skipQuoted advances past the quoted region opening at sqlText[start]. A
// doubled closing quote is an escaped quote; backslashes escape inside
// single quotes.
func skipQuoted(sqlText string, start int) int {
	quote := sqlText[start]
	n := len(sqlText)
	i := start + 1
	for i < n {
		c := sqlText[i]
		if c == '\\' && quote == '\'' {
			i += 2
			continue
		}
		if c == quote {
			if i+1 < n && sqlText[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return n
}

func bindNamed(sqlText string, dialect Dialect, markers []marker, params map[string]interface{}) (*BoundStatement, error) {
	args := make([]interface{}, 0, len(markers))
	var missing []string
	for _, m := range markers {
		val, ok := params[m.name]
		if !ok {
			missing = append(missing, m.name)
			continue
		}
		args = append(args, val)
	}
	if len(missing) > 0 {
		return nil, Ef(KindValidation, "missing parameters: %s", strings.Join(missing, ", "))
	}
	return &BoundStatement{SQL: rewrite(sqlText, dialect, markers), Args: args}, nil
}

func bindPositional(sqlText string, dialect Dialect, markers []marker, positional []interface{}) (*BoundStatement, error) {
	if len(markers) != len(positional) {
		return nil, Ef(KindValidation, "statement expects %d parameters, got %d", len(markers), len(positional))
	}
	if dialect != DialectPostgres {
		return &BoundStatement{SQL: sqlText, Args: positional}, nil
	}
	// lib/pq only understands $n placeholders.
	return &BoundStatement{SQL: rewrite(sqlText, dialect, markers), Args: positional}, nil
}

// bindDollar handles statements already written with postgres-native $n
// markers: the text stays as-is and the arguments pass through.
func bindDollar(sqlText string, markers []marker, positional []interface{}) (*BoundStatement, error) {
	max := 0
	for _, m := range markers {
		if m.ordinal > max {
			max = m.ordinal
		}
	}
	if max != len(positional) {
		return nil, Ef(KindValidation, "statement expects %d parameters, got %d", max, len(positional))
	}
	return &BoundStatement{SQL: sqlText, Args: positional}, nil
}

// rewrite replaces each marker, in order, with the dialect's n-th
// placeholder.
func rewrite(sqlText string, dialect Dialect, markers []marker) string {
	var sb strings.Builder
	last := 0
	for i, m := range markers {
		sb.WriteString(sqlText[last:m.start])
		sb.WriteString(placeholder(dialect, i+1))
		last = m.end
	}
	sb.WriteString(sqlText[last:])
	return sb.String()
}

func placeholder(dialect Dialect, n int) string {
	if dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
