package chat

import "strings"

const (
	routeDelimiter = ">>"
	recipientSep   = ","
	broadcastToken = "ALL"
)

// Directive is the routing extracted from one inbound chat line. It is
// transient: derived per line, never stored.
type Directive struct {
	ToAll      bool
	Recipients []string
	Body       string
	Malformed  bool
}

// ParseRoute interprets one raw input line of the form
// "<recipients>>><body>" where recipients is either the single token "ALL"
// or a comma-separated list of display names. Only the first ">>" is
// significant; the body may itself contain ">>". A line without the
// delimiter is malformed and carries an empty body. Empty recipient tokens
// are dropped; duplicates are tolerated and collapse during delivery.
func ParseRoute(line string) Directive {
	head, body, found := strings.Cut(line, routeDelimiter)
	if !found {
		return Directive{Malformed: true}
	}

	tokens := strings.Split(head, recipientSep)
	if len(tokens) == 1 && tokens[0] == broadcastToken {
		return Directive{ToAll: true, Body: body}
	}

	recipients := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		recipients = append(recipients, tok)
	}
	return Directive{Recipients: recipients, Body: body}
}
