// Package commands parses raw command strings into execution specs.
//
// A spec distinguishes three shapes of input: local directives that are
// consumed on this side and never sent to the device (show:, delay/wait),
// background launches (trailing &), and plain remote commands.
package commands

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DirectiveKind identifies a locally-handled command.
type DirectiveKind int

const (
	// DirectiveNone means the command is sent to the device.
	DirectiveNone DirectiveKind = iota

	// DirectiveShow emits a local informational message.
	DirectiveShow

	// DirectiveDelay sleeps locally for the parsed duration.
	DirectiveDelay
)

// Spec is one parsed command ready for execution.
type Spec struct {
	// Raw is the original command string as submitted.
	Raw string

	// Text is the command to send to the device. For background commands
	// the trailing '&' has been stripped.
	Text string

	// Background is true when the command ends with '&' and must be
	// launched detached on the remote shell.
	Background bool

	// Directive marks commands that are handled locally.
	Directive DirectiveKind

	// Message is the text of a show: directive.
	Message string

	// Delay is the duration of a delay/wait directive.
	Delay time.Duration
}

// delayPattern accepts "delay 5", "delay:5", "wait 500ms", "wait:0.5s" and
// similar forms. The unit defaults to seconds.
var delayPattern = regexp.MustCompile(`^(?:delay|wait)[:\s]+([0-9]+(?:\.[0-9]+)?)\s*(ms|s)?\s*$`)

// Parse converts a raw command string into a Spec.
func Parse(raw string) Spec {
	spec := Spec{Raw: raw}
	trimmed := strings.TrimSpace(raw)
	lower := strings.ToLower(trimmed)

	if strings.HasPrefix(lower, "show:") {
		spec.Directive = DirectiveShow
		spec.Message = strings.TrimSpace(trimmed[len("show:"):])
		if spec.Message == "" {
			spec.Message = "(empty message)"
		}
		return spec
	}

	if strings.HasPrefix(lower, "delay ") || strings.HasPrefix(lower, "delay:") ||
		strings.HasPrefix(lower, "wait ") || strings.HasPrefix(lower, "wait:") {
		if m := delayPattern.FindStringSubmatch(lower); m != nil {
			val, err := strconv.ParseFloat(m[1], 64)
			if err == nil {
				if m[2] == "ms" {
					spec.Delay = time.Duration(val * float64(time.Millisecond))
				} else {
					spec.Delay = time.Duration(val * float64(time.Second))
				}
				spec.Directive = DirectiveDelay
				return spec
			}
		}
		// A malformed delay falls through and is sent to the device as-is,
		// matching how an interactive terminal would treat it.
	}

	if strings.HasSuffix(trimmed, "&") {
		spec.Background = true
		spec.Text = strings.TrimSpace(strings.TrimSuffix(trimmed, "&"))
		return spec
	}

	spec.Text = trimmed
	return spec
}

// ParseAll parses a batch of raw command strings in submission order.
func ParseAll(raw []string) []Spec {
	specs := make([]Spec, 0, len(raw))
	for _, r := range raw {
		specs = append(specs, Parse(r))
	}
	return specs
}

// IsLocal reports whether the spec is fully handled on this side.
func (s Spec) IsLocal() bool {
	return s.Directive != DirectiveNone
}
