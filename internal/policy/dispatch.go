package policy

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxSystemPromptRunes bounds the system prompt accepted for a dispatch.
const MaxSystemPromptRunes = 4000

// DispatchFields is the caller-controlled part of an agent dispatch.
type DispatchFields struct {
	AvatarID          string
	ProfilePictureURL string
	IdleVideoURL      string
	VoiceID           string
	SystemPrompt      string
}

// DispatchDecision is the outcome of ReviewDispatch.
type DispatchDecision struct {
	Allowed bool
	Field   string
	Reason  string
}

var (
	blockedPromptPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(exfiltrate|steal|dump credentials|leak secrets?)\b`),
		regexp.MustCompile(`(?i)\b(print|show|reveal)\b.*\b(api[_ -]?key|livekit[_ -]?secret|password)\b`),
	}
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._:\-]{1,128}$`)
)

// ReviewDispatch validates dispatch customisation before it reaches the
// agent as job metadata. Empty fields are always allowed.
func ReviewDispatch(f DispatchFields) DispatchDecision {
	for _, id := range []struct{ name, value string }{
		{"avatarId", f.AvatarID},
		{"voiceId", f.VoiceID},
	} {
		if id.value != "" && !identifierPattern.MatchString(id.value) {
			return deny(id.name, "must be 1-128 letters, digits or ._:-")
		}
	}
	for _, u := range []struct{ name, value string }{
		{"profilePictureUrl", f.ProfilePictureURL},
		{"idleVideoUrl", f.IdleVideoURL},
	} {
		if u.value == "" {
			continue
		}
		if err := checkMediaURL(u.value); err != nil {
			return deny(u.name, err.Error())
		}
	}

	prompt := strings.TrimSpace(f.SystemPrompt)
	if n := utf8.RuneCountInString(prompt); n > MaxSystemPromptRunes {
		return deny("systemPrompt", fmt.Sprintf("exceeds %d characters", MaxSystemPromptRunes))
	}
	for _, re := range blockedPromptPatterns {
		if re.MatchString(prompt) {
			return deny("systemPrompt", "requests secret disclosure or exfiltration")
		}
	}
	return DispatchDecision{Allowed: true}
}

func checkMediaURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.New("is not a valid URL")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return errors.New("must use http or https")
	}
	if u.Host == "" {
		return errors.New("must include a host")
	}
	return nil
}

func deny(field, reason string) DispatchDecision {
	return DispatchDecision{Field: field, Reason: field + " " + reason}
}
