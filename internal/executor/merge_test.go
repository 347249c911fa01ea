package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/tiersearch/internal/planner"
	"github.com/hupe1980/tiersearch/model"
	"github.com/hupe1980/tiersearch/query"
)

func TestMergeKeepsGreatestStamp(t *testing.T) {
	merged := make(map[model.DocKey]model.Hit)
	Merge(merged, []model.Hit{{Key: 1, Tier: model.TierHot, CommitStamp: 10, Score: 5}})
	dup := Merge(merged, []model.Hit{{Key: 1, Tier: model.TierWarm, CommitStamp: 20, Score: 1}})

	assert.Equal(t, 1, dup)
	assert.Equal(t, model.TierWarm, merged[1].Tier)
	// Scores are not summed across tiers.
	assert.Equal(t, float32(1), merged[1].Score)

	Merge(merged, []model.Hit{{Key: 1, Tier: model.TierCold, CommitStamp: 20}})
	assert.Equal(t, model.TierWarm, merged[1].Tier, "equal stamps keep the younger tier")
}

func TestRankOrder(t *testing.T) {
	now := time.Now()
	merged := map[model.DocKey]model.Hit{
		3: {Key: 3, Score: 1, Meta: &model.FileMeta{Modified: now}},
		1: {Key: 1, Score: 1, Meta: &model.FileMeta{Modified: now}},
		2: {Key: 2, Score: 2, Meta: &model.FileMeta{Modified: now.Add(-time.Hour)}},
		4: {Key: 4, Score: 1, Content: &model.ContentDoc{Modified: now.Add(time.Hour)}},
	}
	assert.Equal(t, []model.DocKey{2, 4, 1, 3}, keys(Rank(merged, 0)))
	assert.Equal(t, []model.DocKey{2, 4}, keys(Rank(merged, 2)))
}

func TestTopKBounded(t *testing.T) {
	top := newTopK(3)
	for i := range 500 {
		top.push(model.Hit{Key: model.DocKey(i), Score: float32(i)})
		assert.LessOrEqual(t, len(top.buf), 2*3+64)
	}
	assert.Equal(t, []model.DocKey{499, 498, 497}, keys(top.hits()))
}

func TestMatchMeta(t *testing.T) {
	m := &model.FileMeta{
		Name:     "Report.PDF",
		Path:     "/Users/ann/Docs/Report.PDF",
		Ext:      ".PDF",
		Size:     2048,
		Modified: time.UnixMilli(1_700_000_000_000),
		Volume:   2,
		Flags:    model.FlagHidden | model.FlagArchive,
	}
	tests := []struct {
		name string
		expr query.Expr
		want bool
	}{
		{"size gt", query.Compare(query.FieldSize, query.OpGt, 1024), true},
		{"size between", query.Between(query.FieldSize, 0, 1024), false},
		{"modified ge", query.Compare(query.FieldModified, query.OpGe, 1_700_000_000_000), true},
		{"volume eq", query.Compare(query.FieldVolume, query.OpEq, 2), true},
		{"flags all bits", query.Compare(query.FieldFlags, query.OpEq, int64(model.FlagHidden)), true},
		{"flags missing bit", query.Compare(query.FieldFlags, query.OpEq, int64(model.FlagHidden|model.FlagSystem)), false},
		{"ext", query.Match(query.FieldExt, "pdf"), true},
		{"ext prefix", query.Term{Field: query.FieldExt, Value: "pd", Modifier: query.Prefix}, true},
		{"path prefix", query.Term{Field: query.FieldPath, Value: "/users/ann", Modifier: query.Prefix}, true},
		{"path prefix miss", query.Term{Field: query.FieldPath, Value: "/tmp", Modifier: query.Prefix}, false},
		{"not", query.NewNot(query.Match(query.FieldExt, "pdf")), false},
		{"or", query.NewOr(query.Match(query.FieldExt, "doc"), query.Compare(query.FieldVolume, query.OpEq, 2)), true},
		{"text term", query.Match(query.FieldName, "report"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchMeta(tt.expr, m))
		})
	}
	assert.False(t, MatchMeta(query.Match(query.FieldExt, "pdf"), nil))
	assert.True(t, MatchFilters([]planner.FilterClause{{Expr: query.Match(query.FieldExt, "pdf")}}, m))
}
