package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/davidleathers/guardian-core/internal/domain/command"
	"github.com/davidleathers/guardian-core/internal/domain/errors"
)

// rule maps one pattern to an intent. extract pulls parameters from the
// submatches of the original (case-preserved) text; a rule whose accept
// rejects the parameters is skipped.
type rule struct {
	intent  command.Intent
	pattern *regexp.Regexp
	extract func(m []string) map[string]string
	accept  func(params map[string]string) bool
}

func r(intent command.Intent, pattern string, extract func([]string) map[string]string) rule {
	return rule{intent: intent, pattern: regexp.MustCompile(`(?i)` + pattern), extract: extract}
}

// secret is r for credential-bearing commands. A keyword of the phrase
// itself is never taken as the secret, so "confirm recovery" alone does not
// submit "recovery" as a wrong answer.
func secret(intent command.Intent, pattern string, keywords ...string) rule {
	rl := r(intent, pattern, param(command.ParamSecret, 1))
	rl.accept = func(params map[string]string) bool {
		for _, kw := range keywords {
			if strings.EqualFold(params[command.ParamSecret], kw) {
				return false
			}
		}
		return true
	}
	return rl
}

func param(key string, group int) func([]string) map[string]string {
	return func(m []string) map[string]string {
		return map[string]string{key: strings.TrimSpace(m[group])}
	}
}

func fixed(key, value string) func([]string) map[string]string {
	return func([]string) map[string]string {
		return map[string]string{key: value}
	}
}

// rules are tried in order; identity-establishing and security commands come
// first so they are never shadowed by looser phrases
var rules = []rule{
	secret(command.IntentAuthenticate, `^(?:authenticate|verify|unlock)(?:\s+with)?(?:\s+pin)?\s+(\S+)$`, "with", "pin"),
	secret(command.IntentAuthenticate, `^pin\s+(\S+)$`),
	secret(command.IntentConfirmRecovery, `^confirm\s+recovery\s+(.+)$`),
	secret(command.IntentConfirmRecovery, `^confirm\s+(.+)$`, "recovery"),
	r(command.IntentPanic, `\b(?:panic(?:\s+mode)?|emergency)\b`, nil),
	r(command.IntentSetSecurityLevel, `\bsecurity\s+level\s+([1-3])\b`, param(command.ParamLevel, 1)),
	r(command.IntentShutdown, `\bshut\s*down\s+(?:the\s+)?(?:laptop|computer|system)\b`, nil),
	r(command.IntentRestart, `\brestart\s+(?:the\s+)?(?:laptop|computer|system)\b`, nil),
	r(command.IntentLockScreen, `\block\s+(?:the\s+)?(?:computer|laptop|screen)\b`, nil),
	r(command.IntentSleep, `\bsleep\s*mode\b`, nil),
	r(command.IntentRunRoutine, `\b(?:study\s+cyber|cyber\s+mode)\b`, fixed(command.ParamRoutine, "study_cyber")),
	r(command.IntentRunRoutine, `\b(?:work\s+mode|start\s+working)\b`, fixed(command.ParamRoutine, "work_mode")),
	r(command.IntentOpenApplication, `\bopen\s+(?:microsoft\s+|google\s+|the\s+)?([\w .-]+?)\s*(?:please)?$`, param(command.ParamApp, 1)),
	r(command.IntentTime, `\bwhat(?:'?s|\s+is)\s+the\s+time\b|\bcurrent\s+time\b`, nil),
	r(command.IntentDate, `\bwhat(?:'?s|\s+is)\s+the\s+date\b|\btoday(?:'?s)?\s+date\b`, nil),
	r(command.IntentIdentity, `\bwho\s*(?:are|r)\s*you\b|\bwhat(?:'?s|\s+is)\s+your\s+name\b|\btell\s+me\s+about\s+yourself\b|\bintroduce\s+yourself\b`, nil),
	r(command.IntentHelp, `\bwhat\s+can\s+you\s+do\b|\bhelp\s+me\b|\b(?:list|show)\s+commands\b|^help$`, nil),
	r(command.IntentGreeting, `^(?:hello|hi|hey)\b|\bgood\s*(?:morning|evening|afternoon)\b`, nil),
	r(command.IntentFarewell, `\bgood\s*bye\b|^bye\b|^(?:exit|quit)$|\bsee\s+you\b|\bgo\s+to\s+sleep\b`, nil),
}

// Parser maps NLU input onto the closed intent set
type Parser struct {
	minConfidence float64
}

func NewParser(minConfidence float64) *Parser {
	return &Parser{minConfidence: minConfidence}
}

// Parse returns the command for in. Input below the confidence floor is
// treated the same as input that matches nothing.
func (p *Parser) Parse(in command.Input) (command.Command, error) {
	text := strings.Join(strings.Fields(in.Text), " ")
	if text == "" {
		return command.Command{}, errors.ErrEmptyInput
	}
	if in.Confidence < p.minConfidence {
		return command.Command{}, errors.ErrUnrecognizedInput.WithDetails(map[string]interface{}{
			"reason": fmt.Sprintf("input confidence %.2f below floor", in.Confidence),
		})
	}

	for _, rl := range rules {
		m := rl.pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		params := map[string]string{}
		if rl.extract != nil {
			params = rl.extract(m)
		}
		if rl.accept != nil && !rl.accept(params) {
			continue
		}
		if app, ok := params[command.ParamApp]; ok {
			params[command.ParamApp] = strings.ToLower(app)
		}
		return command.Command{
			ID:     uuid.New(),
			Input:  in,
			Intent: rl.intent,
			Action: rl.intent.String(),
			Params: params,
			Tier:   rl.intent.Tier(),
		}, nil
	}
	return command.Command{}, errors.ErrUnrecognizedInput
}
