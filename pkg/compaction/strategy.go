package compaction

import (
	"github.com/cockroachdb/errors"

	"github.com/JaimePolidura/SimpleDB/pkg/config"
	"github.com/JaimePolidura/SimpleDB/pkg/dberrors"
)

// Strategy decides which levels to merge next. It is a closed set:
// SimpleLeveled or SizeTiered.
type Strategy interface {
	String() string
	pick(v view) (plan, bool)
	// splitOutputs reports whether outputs are cut at the target table size.
	splitOutputs() bool
}

// ParseStrategy builds the strategy named in cfg.
func ParseStrategy(cfg config.CompactionConfig) (Strategy, error) {
	switch cfg.Strategy {
	case config.StrategySimpleLeveled, "":
		return SimpleLeveled{cfg.SimpleLeveled}, nil
	case config.StrategySizeTiered:
		return SizeTiered{cfg.SizeTiered}, nil
	default:
		return nil, errors.Mark(errors.Newf("unknown compaction strategy %q", cfg.Strategy), dberrors.ErrInvalidArgument)
	}
}

// view is the per level table count and size at the time a task is picked.
type view struct {
	counts []int
	sizes  []int64
}

func (v view) populated() []int {
	var out []int
	for lvl, n := range v.counts {
		if n > 0 {
			out = append(out, lvl)
		}
	}
	return out
}

type inputMode int

const (
	// every table of source plus the tables of target overlapping them
	modeOverlapping inputMode = iota
	// every table of source only
	modeWholeLevel
	// every table of every level up to target
	modeFull
)

type plan struct {
	source int
	target int
	mode   inputMode
}

// SimpleLeveled keeps levels >= 1 disjoint and pushes data down by size ratio.
type SimpleLeveled struct {
	config.SimpleLeveledCompactionConf
}

func (SimpleLeveled) String() string { return config.StrategySimpleLeveled }

func (SimpleLeveled) splitOutputs() bool { return true }

func (s SimpleLeveled) pick(v view) (plan, bool) {
	maxLevels := min(s.MaxLevels, len(v.counts))
	if maxLevels < 2 {
		return plan{}, false
	}

	if v.counts[0] >= s.Level0FileNumTrigger {
		return plan{source: 0, target: 1, mode: modeOverlapping}, true
	}

	for lvl := 1; lvl+1 < maxLevels; lvl++ {
		if v.counts[lvl] == 0 || v.sizes[lvl] == 0 {
			continue
		}
		ratio := v.sizes[lvl+1] * 100 / v.sizes[lvl]
		if ratio < int64(s.SizeRatioPercent) {
			return plan{source: lvl, target: lvl + 1, mode: modeOverlapping}, true
		}
	}
	return plan{}, false
}

// SizeTiered treats each level >= 1 as a stack of sorted runs.
type SizeTiered struct {
	config.SizeTieredCompactionConf
}

func (SizeTiered) String() string { return config.StrategySizeTiered }

func (SizeTiered) splitOutputs() bool { return false }

func (s SizeTiered) pick(v view) (plan, bool) {
	populated := v.populated()

	if len(populated) >= max(s.MinLevelsTrigger, 2) {
		last := populated[len(populated)-1]
		var others int64
		for _, lvl := range populated[:len(populated)-1] {
			others += v.sizes[lvl]
		}
		if v.sizes[last] > 0 && others*100/v.sizes[last] >= int64(s.MaxSizeAmplificationPercent) {
			return plan{source: populated[0], target: last, mode: modeFull}, true
		}
	}

	for _, lvl := range populated {
		if lvl+1 < len(v.counts) && v.counts[lvl] >= s.LevelFileNumTrigger {
			return plan{source: lvl, target: lvl + 1, mode: modeWholeLevel}, true
		}
	}
	return plan{}, false
}
