package commands

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Spec
	}{
		{
			name: "plain command",
			raw:  "diag temp",
			want: Spec{Raw: "diag temp", Text: "diag temp"},
		},
		{
			name: "surrounding whitespace trimmed",
			raw:  "  uptime  ",
			want: Spec{Raw: "  uptime  ", Text: "uptime"},
		},
		{
			name: "show directive",
			raw:  "show: connect the probe",
			want: Spec{Raw: "show: connect the probe", Directive: DirectiveShow, Message: "connect the probe"},
		},
		{
			name: "show with empty message",
			raw:  "show:",
			want: Spec{Raw: "show:", Directive: DirectiveShow, Message: "(empty message)"},
		},
		{
			name: "show is case insensitive",
			raw:  "SHOW: reboot now",
			want: Spec{Raw: "SHOW: reboot now", Directive: DirectiveShow, Message: "reboot now"},
		},
		{
			name: "delay in seconds",
			raw:  "delay:5",
			want: Spec{Raw: "delay:5", Directive: DirectiveDelay, Delay: 5 * time.Second},
		},
		{
			name: "delay with space",
			raw:  "delay 2",
			want: Spec{Raw: "delay 2", Directive: DirectiveDelay, Delay: 2 * time.Second},
		},
		{
			name: "wait alias",
			raw:  "wait: 1.5",
			want: Spec{Raw: "wait: 1.5", Directive: DirectiveDelay, Delay: 1500 * time.Millisecond},
		},
		{
			name: "delay in milliseconds",
			raw:  "delay:250ms",
			want: Spec{Raw: "delay:250ms", Directive: DirectiveDelay, Delay: 250 * time.Millisecond},
		},
		{
			name: "explicit seconds unit",
			raw:  "wait 3s",
			want: Spec{Raw: "wait 3s", Directive: DirectiveDelay, Delay: 3 * time.Second},
		},
		{
			name: "malformed delay goes to the device",
			raw:  "delay: soon",
			want: Spec{Raw: "delay: soon", Text: "delay: soon"},
		},
		{
			name: "background launch",
			raw:  "capture_tool --all &",
			want: Spec{Raw: "capture_tool --all &", Text: "capture_tool --all", Background: true},
		},
		{
			name: "background without space",
			raw:  "stream_start&",
			want: Spec{Raw: "stream_start&", Text: "stream_start", Background: true},
		},
		{
			name: "bare ampersand",
			raw:  "&",
			want: Spec{Raw: "&", Text: "", Background: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.raw))
		})
	}
}

func TestParseAllKeepsOrder(t *testing.T) {
	raw := []string{"show: start", "diag temp", "delay:1", "collect &"}
	specs := ParseAll(raw)

	assert.Len(t, specs, len(raw))
	for i, spec := range specs {
		assert.Equal(t, raw[i], spec.Raw)
	}
	assert.Equal(t, DirectiveShow, specs[0].Directive)
	assert.Equal(t, DirectiveNone, specs[1].Directive)
	assert.Equal(t, DirectiveDelay, specs[2].Directive)
	assert.True(t, specs[3].Background)
}

func TestIsLocal(t *testing.T) {
	assert.True(t, Parse("show: hi").IsLocal())
	assert.True(t, Parse("delay:1").IsLocal())
	assert.False(t, Parse("uptime").IsLocal())
	assert.False(t, Parse("uptime &").IsLocal())
}
