package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-rod/rod"
)

// Markers are the bot-challenge signals observed in a rendered page.
// Detection runs one script in page context; scoring and the decision
// rule live here so they stay testable without a browser.
type Markers struct {
	// Strong markers, weight 3 each.
	ChallengeOptions bool `json:"opt"`      // window._cf_chl_opt global
	PlatformScript   bool `json:"platform"` // script src containing challenge-platform
	TraceScript      bool `json:"trace"`    // script src containing trace-jsch
	ChallengeForm    bool `json:"form"`     // form targeting a challenge action

	// Medium markers, weight 2 each.
	ContentContainer bool `json:"content"` // #cf-content
	WrapperContainer bool `json:"wrapper"` // #cf-wrapper
	ErrorText        bool `json:"errtext"` // body text "Error 1020" / "Access denied"
	InternalURL      bool `json:"cdn"`     // URL containing /cdn-cgi/

	// Weak markers, weight 1 each.
	WaitTitle     bool `json:"title"`   // "just a moment" / "please wait" / "attention required"
	CaptchaWidget bool `json:"captcha"` // turnstile iframe / data-sitekey element
}

// Score sums marker weights.
func (m Markers) Score() int {
	score := 0
	for _, strong := range []bool{m.ChallengeOptions, m.PlatformScript, m.TraceScript, m.ChallengeForm} {
		if strong {
			score += 3
		}
	}
	for _, medium := range []bool{m.ContentContainer, m.WrapperContainer, m.ErrorText, m.InternalURL} {
		if medium {
			score += 2
		}
	}
	for _, weak := range []bool{m.WaitTitle, m.CaptchaWidget} {
		if weak {
			score++
		}
	}
	return score
}

func (m Markers) strongCount() int {
	n := 0
	for _, strong := range []bool{m.ChallengeOptions, m.PlatformScript, m.TraceScript, m.ChallengeForm} {
		if strong {
			n++
		}
	}
	return n
}

func (m Markers) supportCount() int {
	n := 0
	for _, support := range []bool{m.ContentContainer, m.WrapperContainer, m.ErrorText, m.InternalURL, m.WaitTitle, m.CaptchaWidget} {
		if support {
			n++
		}
	}
	return n
}

// IsChallenge applies the decision rule: any strong marker, or a total
// score of at least 3 backed by at least one medium/weak marker. A
// single weak marker alone never qualifies.
func (m Markers) IsChallenge() bool {
	if m.strongCount() > 0 {
		return true
	}
	return m.Score() >= 3 && m.supportCount() > 0
}

const detectScript = `() => {
	const out = {opt:false, platform:false, trace:false, form:false,
		content:false, wrapper:false, errtext:false, cdn:false,
		title:false, captcha:false};

	if (typeof window._cf_chl_opt !== 'undefined') out.opt = true;
	const scripts = Array.from(document.querySelectorAll('script[src]'));
	if (scripts.some(s => s.src.includes('challenge-platform'))) out.platform = true;
	if (scripts.some(s => s.src.includes('trace-jsch'))) out.trace = true;
	if (document.querySelector('form#challenge-form, form[action*="challenge"]')) out.form = true;

	if (document.querySelector('#cf-content')) out.content = true;
	if (document.querySelector('#cf-wrapper')) out.wrapper = true;
	const bodyText = document.body ? document.body.innerText : '';
	if (bodyText.includes('Error 1020') || bodyText.includes('Access denied')) out.errtext = true;
	if (window.location.href.includes('/cdn-cgi/')) out.cdn = true;

	const title = document.title.toLowerCase();
	if (title.includes('just a moment') || title.includes('please wait') || title.includes('attention required')) out.title = true;
	if (document.querySelector('iframe[src*="turnstile"], .cf-turnstile, [data-sitekey]')) out.captcha = true;

	return JSON.stringify(out);
}`

// DetectChallenge evaluates the marker script in the page and returns
// the observed markers.
func DetectChallenge(page *rod.Page) (Markers, error) {
	var m Markers
	res, err := page.Eval(detectScript)
	if err != nil {
		return m, fmt.Errorf("browser: detect challenge: %w", err)
	}
	if err := json.Unmarshal([]byte(res.Value.Str()), &m); err != nil {
		return m, fmt.Errorf("browser: decode markers: %w", err)
	}
	return m, nil
}

// maxChallengeWait bounds how long a single bypass wait may poll,
// whatever the caller-supplied timeout says.
const maxChallengeWait = 30 * time.Second

// challengePollInterval is the delay between detection polls.
const challengePollInterval = 500 * time.Millisecond

// WaitForBypass polls the page until no challenge is detected or the
// timeout elapses. It returns true when the page is clear. An immediate
// first check short-circuits the loop when no challenge exists at all.
// Detection errors during the loop are ignored — the page is usually
// mid-navigation while the challenge resolves.
func (s *Session) WaitForBypass(ctx context.Context, page *rod.Page, timeout time.Duration) bool {
	if timeout <= 0 || timeout > maxChallengeWait {
		timeout = maxChallengeWait
	}

	initial, err := DetectChallenge(page)
	if err == nil && !initial.IsChallenge() {
		return true
	}
	if err == nil {
		s.logger.Info("browser: challenge detected, waiting for bypass",
			"score", initial.Score(), "strong", initial.strongCount(), "support", initial.supportCount())
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(challengePollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		m, err := DetectChallenge(page)
		if err != nil {
			continue
		}
		if !m.IsChallenge() {
			s.logger.Info("browser: challenge resolved")
			return true
		}
	}

	s.logger.Warn("browser: challenge not resolved within timeout", "timeout", timeout)
	return false
}
