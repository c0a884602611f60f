package detect

import (
	"os"
	"regexp"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

// DefaultSignals are phrases that suggest a customer objection. The set is broad on
// purpose: a false positive costs one oracle call, a false negative loses an objection.
var DefaultSignals = []string{
	"?",
	"too expensive",
	"not sure",
	"need more",
	"but",
	"however",
	"concern",
	"worried",
}

// Detector decides whether a finalized utterance is an objection worth handling
type Detector struct {
	pattern *regexp.Regexp
	signals []string
}

// New builds a detector matching DefaultSignals plus extra. Extra phrases are matched
// literally and case-insensitively; blank entries are ignored.
func New(extra ...string) *Detector {
	seen := make(map[string]struct{})
	var signals []string
	for _, s := range append(append([]string{}, DefaultSignals...), extra...) {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		signals = append(signals, s)
	}

	quoted := make([]string, len(signals))
	for i, s := range signals {
		quoted[i] = regexp.QuoteMeta(s)
	}

	return &Detector{
		pattern: regexp.MustCompile(`(?i)` + strings.Join(quoted, "|")),
		signals: signals,
	}
}

// Detect returns true iff utterance is non-empty and contains at least one signal
func (d *Detector) Detect(utterance string) bool {
	text := strings.TrimSpace(utterance)
	if text == "" {
		return false
	}
	return d.pattern.MatchString(text)
}

// Signals returns the lower-cased signal set in match order
func (d *Detector) Signals() []string {
	return append([]string(nil), d.signals...)
}

// Detect runs the default detector
func Detect(utterance string) bool {
	return defaultDetector.Detect(utterance)
}

var defaultDetector = New()

type signalFile struct {
	Signals []string `yaml:"signals"`
}

// LoadSignalFile reads extra signal phrases from a YAML file of the form
//
//	signals:
//	  - "send me a proposal"
//	  - "call me back"
func LoadSignalFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read signal file", goerr.V("path", path))
	}

	var f signalFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, goerr.Wrap(err, "failed to parse signal file", goerr.V("path", path))
	}

	return f.Signals, nil
}
