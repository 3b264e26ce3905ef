package transform

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/sells-group/wisdom-cli/internal/model"
	"github.com/sells-group/wisdom-cli/internal/resilience"
)

// MinRationaleLength is the shortest rationale accepted, in characters.
const MinRationaleLength = 50

// Rejection reasons.
const (
	ReasonDiscarded        = "discarded"
	ReasonInvalid          = "invalid_insight"
	ReasonNotDirective     = "not_directive"
	ReasonShortRationale   = "short_rationale"
	ReasonGenericRationale = "generic_rationale"
)

// DirectiveVerbs are the accepted leading words of a description.
var DirectiveVerbs = map[string]struct{}{}

func init() {
	for _, v := range strings.Fields(`
		add adjust align allocate anchor ask assign audit automate avoid batch benchmark block
		book break bring budget build bundle calculate call cap capture check clarify close
		collect combine confirm consolidate count create cut default define delay delegate
		design document double drop email enforce escalate establish estimate favor file
		flag follow force frame front-load gate get give group hold identify include insist
		keep label lead leave limit list lock log map match measure meet monitor move name
		negotiate never offer open order pair pay pick pin plan pre-qualify prefer prepare
		present price prioritize probe prototype push put qualify quote read record reduce
		refuse reject remove repeat replace report request require reserve review run
		schedule screen send separate set share ship show sign skip split stack standardize
		start stop structure submit swap take target test tie time track trade treat trim
		try turn update use validate verify visit walk watch write`) {
		DirectiveVerbs[v] = struct{}{}
	}
}

var genericRationales = []string{
	"it's important", "it's essential", "it's necessary", "it's good practice",
	"it helps", "it works", "it's effective", "it's beneficial",
	"because it's right", "because it's professional", "because it's ethical",
}

// RejectedError reports an insight that failed a quality gate or that the
// model declined to produce. Rejections are final and are never retried.
type RejectedError struct {
	Reason string
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return "transform: rejected: " + e.Reason
	}
	return "transform: rejected: " + e.Reason + ": " + e.Detail
}

// IsRejected reports whether err carries a RejectedError.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// RejectReason returns the rejection reason carried by err, or "".
func RejectReason(err error) string {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" || strings.EqualFold(s, "nan") {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return eris.Wrapf(err, "transform: not a number %q", s)
	}
	*f = flexInt(v)
	return nil
}

type rawInsight struct {
	Description          string  `json:"description"`
	Rationale            string  `json:"rationale"`
	UseCase              string  `json:"use_case"`
	ImpactArea           string  `json:"impact_area"`
	TransferabilityScore flexInt `json:"transferability_score"`
	ActionabilityRating  flexInt `json:"actionability_rating"`
	EvidenceStrength     string  `json:"evidence_strength"`
	Type                 string  `json:"type"`
	Tag                  string  `json:"tag"`
	Source               string  `json:"source"`
	Link                 string  `json:"link"`
	Notes                string  `json:"notes"`
}

// ParseInsight decodes a model reply into a validated insight for item.
// Malformed JSON is a transient error so the call is retried; a DISCARD
// reply or a failed quality gate is a RejectedError.
func ParseInsight(content string, item model.FilteredItem) (*model.WisdomInsight, error) {
	content = strings.TrimSpace(content)
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		if strings.Contains(strings.ToUpper(content), DiscardMarker) {
			return nil, &RejectedError{Reason: ReasonDiscarded}
		}
		return nil, resilience.NewTransientError(eris.Errorf("transform: reply for %s has no JSON object", item.Key()), 0)
	}

	var raw rawInsight
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "transform: decode reply for %s", item.Key()), 0)
	}

	ins := &model.WisdomInsight{
		Description:          strings.TrimSpace(raw.Description),
		Rationale:            strings.TrimSpace(raw.Rationale),
		UseCase:              strings.TrimSpace(raw.UseCase),
		ImpactArea:           strings.TrimSpace(raw.ImpactArea),
		TransferabilityScore: int(raw.TransferabilityScore),
		ActionabilityRating:  int(raw.ActionabilityRating),
		EvidenceStrength:     strings.TrimSpace(raw.EvidenceStrength),
		Type:                 raw.Type,
		Tag:                  strings.TrimSpace(raw.Tag),
		Source:               raw.Source,
		Link:                 raw.Link,
		Notes:                raw.Notes,
	}
	// Provenance comes from the item, not the model.
	ins.Source = sourceOf(item)
	if link := item.Meta("link"); link != "" {
		ins.Link = link
	}
	if notes := item.Meta("notes"); notes != "" {
		ins.Notes = notes
	}

	if err := CheckQuality(ins); err != nil {
		return nil, err
	}
	return ins, nil
}

// CheckQuality applies the wisdom tier constraints and the content gates.
func CheckQuality(ins *model.WisdomInsight) error {
	if err := ins.Validate(); err != nil {
		return &RejectedError{Reason: ReasonInvalid, Detail: err.Error()}
	}
	if !startsWithDirective(ins.Description) {
		return &RejectedError{Reason: ReasonNotDirective, Detail: firstWord(ins.Description)}
	}
	if len([]rune(ins.Rationale)) < MinRationaleLength {
		return &RejectedError{Reason: ReasonShortRationale}
	}
	lower := strings.ToLower(ins.Rationale)
	for _, p := range genericRationales {
		if strings.Contains(lower, p) {
			return &RejectedError{Reason: ReasonGenericRationale, Detail: p}
		}
	}
	return nil
}

func startsWithDirective(s string) bool {
	_, ok := DirectiveVerbs[firstWord(s)]
	return ok
}

func firstWord(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return strings.ToLower(strings.TrimFunc(f[0], func(r rune) bool {
		return !unicode.IsLetter(r) && r != '-'
	}))
}
