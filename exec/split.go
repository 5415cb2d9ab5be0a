package exec

import (
	"strings"
)

// SplitStatements splits multi-statement SQL on terminators, respecting
// quoted literals ('...', "...", `...`), line comments and block comments.
// Transaction-control statements are stripped: transaction boundaries belong
// to the executor, never to embedded SQL.
func SplitStatements(sqlText string) []string {
	var statements []string
	var current strings.Builder

	const (
		statePlain = iota
		stateSingleQuote
		stateDoubleQuote
		stateBacktick
		stateLineComment
		stateBlockComment
	)

	state := statePlain
	runes := []rune(sqlText)

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		current.Reset()
		if stmt == "" || isTransactionControl(stmt) {
			return
		}
		statements = append(statements, stmt)
	}

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		var next rune
		if i+1 < len(runes) {
			next = runes[i+1]
		}

		switch state {
		case statePlain:
			switch {
			case c == ';':
				flush()
				continue
			case c == '\'':
				state = stateSingleQuote
			case c == '"':
				state = stateDoubleQuote
			case c == '`':
				state = stateBacktick
			case c == '-' && next == '-':
				state = stateLineComment
			case c == '/' && next == '*':
				state = stateBlockComment
			}

		case stateSingleQuote:
			if c == '\'' {
				if next == '\'' { // escaped quote
					current.WriteRune(c)
					i++
					c = runes[i]
				} else {
					state = statePlain
				}
			}

		case stateDoubleQuote:
			if c == '"' {
				state = statePlain
			}

		case stateBacktick:
			if c == '`' {
				state = statePlain
			}

		case stateLineComment:
			if c == '\n' {
				state = statePlain
			}

		case stateBlockComment:
			if c == '*' && next == '/' {
				current.WriteRune(c)
				i++
				c = runes[i]
				state = statePlain
			}
		}

		current.WriteRune(c)
	}

	flush()
	return statements
}

// isTransactionControl spots BEGIN / START TRANSACTION / COMMIT / ROLLBACK /
// END statements by their first words.
func isTransactionControl(stmt string) bool {
	fields := strings.Fields(strings.ToUpper(stmt))
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "BEGIN", "COMMIT", "ROLLBACK", "END":
		return true
	case "START":
		return len(fields) > 1 && fields[1] == "TRANSACTION"
	}
	return false
}
