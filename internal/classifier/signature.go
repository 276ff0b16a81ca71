// internal/classifier/signature.go
package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Snapshot is a point-in-time capture of one document. HTML is a detached clone
// of the live DOM in which every form control carries its live value in the
// value attribute, so filled-state can be read without touching the page.
type Snapshot struct {
	URL     string
	HTML    string
	InFrame bool
}

// FieldState describes a text input located by the classifier.
type FieldState struct {
	Selector string
	Present  bool
	Filled   bool
}

// ControlState describes a clickable control located by the classifier. Selector
// addresses the exact element found, which may differ from the rule that found it.
// Dedicated is set when the control matched its own selector rather than a text search.
type ControlState struct {
	Selector  string
	Present   bool
	Dedicated bool
}

// PageSignature is the set of observable facts a classification is computed from.
// It is recomputed on every cycle and never persisted.
type PageSignature struct {
	URL     string
	InFrame bool

	Identity        FieldState
	Secret          FieldState
	PasswordPresent bool

	Next   ControlState
	Verify ControlState
	Trust  ControlState

	SecondFactorText bool
	DeviceTrustText  bool
	ChallengeText    bool
	SuccessText      bool
	SuccessURL       bool
	AuthSurfaceText  bool
}

// Inspect parses a snapshot into a signature.
func Inspect(snap Snapshot, rules RuleSet) (PageSignature, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snap.HTML))
	if err != nil {
		return PageSignature{}, fmt.Errorf("failed to parse snapshot: %w", err)
	}

	sig := PageSignature{URL: snap.URL, InFrame: snap.InFrame}

	sig.Identity = inspectField(doc, rules.IdentityField)
	for _, sel := range rules.SecretFields {
		if f := inspectField(doc, sel); f.Present {
			sig.Secret = f
			break
		}
	}
	sig.PasswordPresent = rules.PasswordField != "" && doc.Find(rules.PasswordField).Length() > 0

	sig.Next = inspectControl(doc.Find(rules.NextButton).First(), rules.NextButton)
	sig.Verify = inspectControl(doc.Find(rules.VerifyButton).First(), rules.VerifyButton)
	sig.Trust = findTrustControl(doc, rules)

	text := visibleText(doc, rules.OverlaySelector)
	sig.SecondFactorText = containsAny(text, rules.SecondFactorPhrases)
	sig.DeviceTrustText = containsAny(text, rules.DeviceTrustPhrases)
	sig.ChallengeText = containsAny(text, rules.ChallengePhrases)
	sig.SuccessText = containsAny(text, rules.SuccessPhrases)
	sig.AuthSurfaceText = containsAny(text, rules.AuthSurfacePhrases)
	sig.SuccessURL = containsAny(strings.ToLower(snap.URL), rules.SuccessURLParts)

	return sig, nil
}

func inspectField(doc *goquery.Document, selector string) FieldState {
	if selector == "" {
		return FieldState{}
	}
	el := doc.Find(selector).First()
	if el.Length() == 0 {
		return FieldState{Selector: selector}
	}
	val, _ := el.Attr("value")
	return FieldState{Selector: selector, Present: true, Filled: val != ""}
}

func inspectControl(el *goquery.Selection, selector string) ControlState {
	if selector == "" || el.Length() == 0 {
		return ControlState{Selector: selector}
	}
	return ControlState{Selector: selector, Present: true}
}

// findTrustControl tries the dedicated trust button first, then any candidate whose
// text carries the confirmation phrase.
func findTrustControl(doc *goquery.Document, rules RuleSet) ControlState {
	if rules.TrustButton != "" {
		if doc.Find(rules.TrustButton).Length() > 0 {
			return ControlState{Selector: rules.TrustButton, Present: true, Dedicated: true}
		}
	}
	if rules.TrustButtonText == "" {
		return ControlState{}
	}
	for _, sel := range rules.TrustCandidates {
		var found *goquery.Selection
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if strings.Contains(s.Text(), rules.TrustButtonText) {
				found = s
				return false
			}
			return true
		})
		if found != nil {
			return ControlState{Selector: cssPath(found), Present: true}
		}
	}
	return ControlState{}
}

// visibleText returns the body text without script, style and overlay content.
func visibleText(doc *goquery.Document, overlaySelector string) string {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	if overlaySelector != "" {
		body.Find(overlaySelector).Remove()
	}
	return body.Text()
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if p != "" && strings.Contains(text, p) {
			return true
		}
	}
	return false
}

var plainIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// cssPath builds a selector that addresses el uniquely in a document with the same
// structure, anchoring on the nearest ancestor with a usable id.
func cssPath(el *goquery.Selection) string {
	var parts []string
	for n := el.First(); n.Length() > 0; n = n.Parent() {
		if id, ok := n.Attr("id"); ok && plainIdent.MatchString(id) {
			parts = append(parts, "#"+id)
			break
		}
		name := goquery.NodeName(n)
		if name == "html" {
			parts = append(parts, name)
			break
		}
		parts = append(parts, fmt.Sprintf("%s:nth-child(%d)", name, n.PrevAll().Length()+1))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}
