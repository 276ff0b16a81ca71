// internal/classifier/rules.go
package classifier

import (
	"github.com/xkilldash9x/autoauth/internal/config"
	"github.com/xkilldash9x/autoauth/internal/progress"
)

// RuleSet holds the selectors and phrase sets the classifier matches against.
type RuleSet struct {
	IdentityField string
	SecretFields  []string
	PasswordField string

	NextButton      string
	VerifyButton    string
	TrustButton     string
	TrustCandidates []string
	TrustButtonText string

	OverlaySelector string

	SecondFactorPhrases []string
	DeviceTrustPhrases  []string
	ChallengePhrases    []string
	SuccessPhrases      []string
	SuccessURLParts     []string
	AuthSurfacePhrases  []string
}

// RulesFromConfig converts the configuration section into a RuleSet.
func RulesFromConfig(c config.RulesConfig) RuleSet {
	return RuleSet{
		IdentityField:       c.IdentityField,
		SecretFields:        c.SecretFields,
		PasswordField:       c.PasswordField,
		NextButton:          c.NextButton,
		VerifyButton:        c.VerifyButton,
		TrustButton:         c.TrustButton,
		TrustCandidates:     c.TrustCandidates,
		TrustButtonText:     c.TrustButtonText,
		OverlaySelector:     c.OverlaySelector,
		SecondFactorPhrases: c.SecondFactorPhrase,
		DeviceTrustPhrases:  c.DeviceTrustPhrase,
		ChallengePhrases:    c.ChallengePhrase,
		SuccessPhrases:      c.SuccessPhrase,
		SuccessURLParts:     c.SuccessURLPart,
		AuthSurfacePhrases:  c.AuthSurfacePhrase,
	}
}

// DefaultRules returns the rule set for the stock login flow.
func DefaultRules() RuleSet {
	return RulesFromConfig(config.NewDefaultConfig().Rules)
}

// Action is what the flow should do with a matched page.
type Action int

const (
	// FillAndSubmit injects a credential into Field and then activates Control.
	FillAndSubmit Action = iota
	// Submit activates Control without injecting anything.
	Submit
	// Observe records progress only.
	Observe
	// Complete marks the flow finished.
	Complete
)

func (a Action) String() string {
	switch a {
	case FillAndSubmit:
		return "fill_and_submit"
	case Submit:
		return "submit"
	case Observe:
		return "observe"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Credential names which stored value a FillAndSubmit match consumes.
type Credential int

const (
	NoCredential Credential = iota
	IdentityCredential
	SecretCredential
)

// Rule names, in priority order.
const (
	RuleIdentity     = "identity"
	RuleSecret       = "secret"
	RuleSecondFactor = "second_factor"
	RuleDeviceTrust  = "device_trust"
	RuleChallenge    = "challenge"
	RuleSuccess      = "success"
)

// Match is the outcome of a successful classification. Step is the progress the
// page stands for; a device-trust match only reaches it once Control is activated.
type Match struct {
	Rule       string
	Step       progress.Step
	Action     Action
	Field      string
	Credential Credential
	Control    string
}

// Classify evaluates the fixed priority list and returns the first rule that holds.
// ok is false when nothing matches, which callers treat as "keep polling".
func Classify(sig PageSignature) (Match, bool) {
	switch {
	case sig.Identity.Present && !sig.Identity.Filled:
		return Match{
			Rule:       RuleIdentity,
			Step:       progress.EnteringIdentity,
			Action:     FillAndSubmit,
			Field:      sig.Identity.Selector,
			Credential: IdentityCredential,
			Control:    sig.Next.Selector,
		}, true

	case sig.Secret.Present && !sig.Secret.Filled:
		return Match{
			Rule:       RuleSecret,
			Step:       progress.EnteringSecret,
			Action:     FillAndSubmit,
			Field:      sig.Secret.Selector,
			Credential: SecretCredential,
			Control:    sig.Verify.Selector,
		}, true

	case sig.Verify.Present && !sig.PasswordPresent && !sig.Identity.Present && sig.SecondFactorText:
		return Match{
			Rule:    RuleSecondFactor,
			Step:    progress.ConnectingSecondFactor,
			Action:  Submit,
			Control: sig.Verify.Selector,
		}, true

	// A control found by text search only counts on a page that reads as a device
	// trust prompt.
	case sig.Trust.Present && (sig.Trust.Dedicated || sig.DeviceTrustText):
		return Match{
			Rule:    RuleDeviceTrust,
			Step:    progress.Finalizing,
			Action:  Submit,
			Control: sig.Trust.Selector,
		}, true

	case sig.ChallengeText:
		return Match{
			Rule:   RuleChallenge,
			Step:   progress.AuthenticatingChallenge,
			Action: Observe,
		}, true

	case sig.SuccessText || sig.SuccessURL:
		return Match{
			Rule:   RuleSuccess,
			Step:   progress.Success,
			Action: Complete,
		}, true
	}
	return Match{}, false
}

// HasAuthSurface reports whether the page still looks like part of the login flow.
func HasAuthSurface(sig PageSignature) bool {
	return sig.Identity.Present || sig.PasswordPresent || sig.AuthSurfaceText
}
