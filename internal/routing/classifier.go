package routing

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/fentz26/baton/internal/errors"
	"github.com/fentz26/baton/internal/models"
)

// ClassifierConfig lists the response signatures that decide whether a
// failure quarantines a route. Patterns are case-insensitive regular
// expressions matched against output, stderr and error text.
type ClassifierConfig struct {
	PermanentStatus   []int    `mapstructure:"permanent_status" yaml:"permanent_status"`
	TransientStatus   []int    `mapstructure:"transient_status" yaml:"transient_status"`
	PermanentPatterns []string `mapstructure:"permanent_patterns" yaml:"permanent_patterns"`
	TransientPatterns []string `mapstructure:"transient_patterns" yaml:"transient_patterns"`
}

// DefaultClassifierConfig returns signatures that cover the common hosted
// model APIs and their CLIs.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		PermanentStatus: []int{401, 402, 403},
		TransientStatus: []int{408, 409, 425, 429, 500, 502, 503, 504, 529},
		PermanentPatterns: []string{
			`suspend`,
			`revoked`,
			`deactivated`,
			`account (is )?disabled`,
			`unauthori[sz]ed`,
			`invalid[ _-]?(api[ _-]?)?key`,
			`authentication (failed|error)`,
			`billing`,
		},
		TransientPatterns: []string{
			`rate[ _-]?limit`,
			`too many requests`,
			`overloaded`,
			`timed? ?out`,
			`temporarily unavailable`,
			`connection (refused|reset)`,
			`try again`,
		},
	}
}

// Classifier maps backend responses to probe outcomes.
type Classifier struct {
	permanentStatus map[int]bool
	transientStatus map[int]bool
	permanent       []*regexp.Regexp
	transient       []*regexp.Regexp
}

// NewClassifier compiles cfg.
func NewClassifier(cfg ClassifierConfig) (*Classifier, error) {
	c := &Classifier{
		permanentStatus: make(map[int]bool),
		transientStatus: make(map[int]bool),
	}
	for _, s := range cfg.PermanentStatus {
		c.permanentStatus[s] = true
	}
	for _, s := range cfg.TransientStatus {
		c.transientStatus[s] = true
	}
	var err error
	if c.permanent, err = compileAll(cfg.PermanentPatterns); err != nil {
		return nil, fmt.Errorf("permanent patterns: %w", err)
	}
	if c.transient, err = compileAll(cfg.TransientPatterns); err != nil {
		return nil, fmt.Errorf("transient patterns: %w", err)
	}
	return c, nil
}

// DefaultClassifier returns a classifier built from DefaultClassifierConfig.
func DefaultClassifier() *Classifier {
	c, err := NewClassifier(DefaultClassifierConfig())
	if err != nil {
		panic(err)
	}
	return c
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Classify decides the outcome of one backend call. A call that could not
// be made at all is transient unless its error text carries a permanent
// signature.
func (c *Classifier) Classify(resp *Response, err error) (models.ProbeOutcome, string) {
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) || isNetError(err) {
			return models.ProbeTransient, msg
		}
		if re := firstMatch(c.permanent, msg); re != nil {
			return models.ProbePermanent, msg
		}
		return models.ProbeTransient, msg
	}
	if resp == nil {
		return models.ProbeTransient, "empty response"
	}

	text := resp.Output + "\n" + resp.Stderr
	if resp.Status != 0 {
		switch {
		case c.permanentStatus[resp.Status]:
			return models.ProbePermanent, fmt.Sprintf("status %d: %s", resp.Status, snippet(text))
		case c.transientStatus[resp.Status] || resp.Status >= 500:
			return models.ProbeTransient, fmt.Sprintf("status %d: %s", resp.Status, snippet(text))
		}
	}

	if resp.ExitCode != 0 || resp.Status >= 400 {
		if re := firstMatch(c.permanent, text); re != nil {
			return models.ProbePermanent, fmt.Sprintf("matched %q: %s", re.String()[4:], snippet(text))
		}
		if re := firstMatch(c.transient, text); re != nil {
			return models.ProbeTransient, fmt.Sprintf("matched %q: %s", re.String()[4:], snippet(text))
		}
	}
	if resp.ExitCode != 0 {
		return models.ProbeTransient, fmt.Sprintf("exit code %d: %s", resp.ExitCode, snippet(text))
	}
	if resp.Status >= 400 {
		return models.ProbeTransient, fmt.Sprintf("status %d: %s", resp.Status, snippet(text))
	}
	return models.ProbeHealthy, ""
}

func firstMatch(res []*regexp.Regexp, text string) *regexp.Regexp {
	for _, re := range res {
		if re.MatchString(text) {
			return re
		}
	}
	return nil
}

func isNetError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne)
}

// snippet collapses whitespace and keeps at most 200 runes of valid UTF-8.
func snippet(s string) string {
	s = strings.Join(strings.Fields(strings.ToValidUTF8(s, "")), " ")
	if r := []rune(s); len(r) > 200 {
		return string(r[:200]) + "..."
	}
	return s
}
