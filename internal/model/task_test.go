package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint_IgnoresLimit(t *testing.T) {
	a := HarvestTask{Platform: "reddit", Target: "sysadmin", Mode: ModeTop, TimeWindow: WindowWeek, Limit: 25}
	b := a
	b.Limit = 100
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprint_NormalizesCosmetics(t *testing.T) {
	a := NewFingerprint("Reddit", "  SysAdmin ", "pro  tip", ModeSearch, "WEEK")
	b := NewFingerprint("reddit", "sysadmin", "pro tip", ModeSearch, WindowWeek)
	assert.Equal(t, a, b)
	assert.Equal(t, "reddit", a.Platform())
}

func TestFingerprint_DistinguishesComponents(t *testing.T) {
	base := HarvestTask{Platform: "reddit", Target: "sysadmin", Mode: ModeTop, TimeWindow: WindowWeek}
	variants := []HarvestTask{
		{Platform: "stackexchange", Target: "sysadmin", Mode: ModeTop, TimeWindow: WindowWeek},
		{Platform: "reddit", Target: "devops", Mode: ModeTop, TimeWindow: WindowWeek},
		{Platform: "reddit", Target: "sysadmin", Mode: ModeNew, TimeWindow: WindowWeek},
		{Platform: "reddit", Target: "sysadmin", Mode: ModeTop, TimeWindow: WindowMonth},
		{Platform: "reddit", Target: "sysadmin", Query: "tip", Mode: ModeTop, TimeWindow: WindowWeek},
	}
	for _, v := range variants {
		assert.NotEqual(t, base.Fingerprint(), v.Fingerprint(), v.String())
	}
}

func TestTimeWindowBucket(t *testing.T) {
	assert.Equal(t, "week", TimeWindow(" Week ").Bucket())
	assert.Equal(t, "all", TimeWindow("").Bucket())
	assert.Equal(t, "all", TimeWindow("fortnight").Bucket())
}

func TestHarvestTaskValidate(t *testing.T) {
	require.NoError(t, HarvestTask{Platform: "reddit", Target: "x", Mode: ModeTop}.Validate())
	assert.Error(t, HarvestTask{Target: "x", Mode: ModeTop}.Validate())
	assert.Error(t, HarvestTask{Platform: "reddit", Mode: ModeTop}.Validate())
	assert.Error(t, HarvestTask{Platform: "reddit", Target: "x"}.Validate())
	assert.Error(t, HarvestTask{Platform: "reddit", Target: "x", Mode: ModeSearch}.Validate())
}

func TestWisdomInsightValidate(t *testing.T) {
	w := WisdomInsight{
		Description:          "Use a staging bucket before bulk deletes",
		UseCase:              "bulk data cleanup",
		TransferabilityScore: 4,
		ActionabilityRating:  5,
		EvidenceStrength:     "observed",
		Type:                 "Workaround",
	}
	require.NoError(t, w.Validate())
	assert.Equal(t, "Observed", w.EvidenceStrength)
	assert.Equal(t, "workaround", w.Type)

	bad := WisdomInsight{
		Description:          "x",
		UseCase:              "one two three four five six seven",
		TransferabilityScore: 9,
		ActionabilityRating:  0,
		EvidenceStrength:     "gut feeling",
		Type:                 "essay",
	}
	err := bad.Validate()
	require.Error(t, err)
	for _, want := range []string{"transferability_score", "actionability_rating", "use_case", "type", "evidence_strength"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestRawItemKey(t *testing.T) {
	r := RawItem{Platform: "Reddit", ExternalID: "t3_abc"}
	assert.Equal(t, "reddit/t3_abc", r.Key())
	assert.Equal(t, "", r.Meta("missing"))
}

func TestStageTerminal(t *testing.T) {
	want := map[Stage]bool{
		StageRaw:             false,
		StageFiltered:        false,
		StageWisdom:          true,
		StageRejected:        true,
		StageTransformFailed: true,
	}
	for _, s := range AllStages {
		assert.Equal(t, want[s], s.Terminal(), s)
	}
}
