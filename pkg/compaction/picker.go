package compaction

import (
	"time"

	"granite/pkg/keys"
	"granite/pkg/listener"
	"granite/pkg/version"
)

// PickerConfig carries the shape of the level hierarchy.
type PickerConfig struct {
	L0CompactionTrigger int
	LevelBaseBytes      int64
	LevelMultiplier     int
	MaxLevels           int
	MaxCompactionBytes  int64
	// TTL forces files older than this into compaction; zero disables.
	TTL time.Duration
}

// Picker chooses the next compaction. It keeps a per-level cursor so repeated
// picks rotate through a level's key space instead of hammering its head.
type Picker struct {
	cfg PickerConfig
	cmp keys.Comparator

	// cursor[l] is the user key after which the next pick on level l starts.
	cursor [][]byte
}

func NewPicker(cfg PickerConfig, cmp keys.Comparator) *Picker {
	return &Picker{cfg: cfg, cmp: cmp, cursor: make([][]byte, cfg.MaxLevels)}
}

// targetBytes returns the size target of a level (levels >= 1).
func (p *Picker) targetBytes(level int) int64 {
	target := p.cfg.LevelBaseBytes
	for l := 1; l < level; l++ {
		target *= int64(p.cfg.LevelMultiplier)
	}
	return target
}

// Pick returns the most urgent compaction for the version, or nil when no
// level needs work. The caller must hold a reference on v for the lifetime of
// the returned compaction.
func (p *Picker) Pick(v *version.Version) *Compaction {
	bestLevel, bestScore := -1, 1.0
	for level := 0; level < p.cfg.MaxLevels-1; level++ {
		var score float64
		if level == 0 {
			score = float64(v.L0Count()) / float64(p.cfg.L0CompactionTrigger)
		} else {
			score = float64(v.LevelBytes(level)) / float64(p.targetBytes(level))
		}
		if score >= bestScore {
			bestLevel, bestScore = level, score
		}
	}
	if bestLevel >= 0 {
		reason := listener.CompactionReasonLevelSize
		if bestLevel == 0 {
			reason = listener.CompactionReasonL0Files
		}
		return p.pickLevel(v, bestLevel, reason)
	}

	if c := p.pickMarked(v); c != nil {
		return c
	}
	return p.pickTTL(v)
}

// pickMarked compacts files flagged by property-driven marking.
func (p *Picker) pickMarked(v *version.Version) *Compaction {
	for level := 0; level < p.cfg.MaxLevels-1; level++ {
		for _, f := range v.Files(level) {
			if f.MarkedForCompaction.Load() {
				return p.build(v, level, f, listener.CompactionReasonMarkedFile)
			}
		}
	}
	return nil
}

// pickTTL compacts the oldest file past the TTL, moving stale data downward.
func (p *Picker) pickTTL(v *version.Version) *Compaction {
	if p.cfg.TTL <= 0 {
		return nil
	}
	horizon := time.Now().Add(-p.cfg.TTL).Unix()
	for level := 0; level < p.cfg.MaxLevels-1; level++ {
		for _, f := range v.Files(level) {
			if f.CreatedAt != 0 && f.CreatedAt < horizon {
				return p.build(v, level, f, listener.CompactionReasonTTL)
			}
		}
	}
	return nil
}

// PickManual builds a compaction covering [start, end] on the level; nil
// bounds are unbounded. Returns nil when the level has no overlapping files.
func (p *Picker) PickManual(v *version.Version, level int, start, end []byte) *Compaction {
	inputs := v.Overlaps(level, start, end)
	if len(inputs) == 0 {
		return nil
	}
	return p.finish(v, level, inputs, listener.CompactionReasonManual)
}

// pickLevel selects the seed file for a size- or count-triggered compaction.
func (p *Picker) pickLevel(v *version.Version, level int, reason listener.CompactionReason) *Compaction {
	files := v.Files(level)
	if len(files) == 0 {
		return nil
	}
	if level == 0 {
		// All L0 files overlap in general; take them together.
		return p.finish(v, 0, files, reason)
	}

	// Resume after the cursor, wrapping to the level's head.
	seed := files[0]
	if after := p.cursor[level]; after != nil {
		for _, f := range files {
			if p.cmp.Compare(f.Smallest.UserKey, after) > 0 {
				seed = f
				break
			}
		}
	}
	return p.build(v, level, seed, reason)
}

func (p *Picker) build(v *version.Version, level int, seed *version.FileMetadata, reason listener.CompactionReason) *Compaction {
	inputs := v.Overlaps(level, seed.Smallest.UserKey, seed.Largest.UserKey)
	if len(inputs) == 0 {
		inputs = []*version.FileMetadata{seed}
	}
	return p.finish(v, level, inputs, reason)
}

// finish expands the pick into the output level and computes bounds.
func (p *Picker) finish(v *version.Version, level int, inputs []*version.FileMetadata, reason listener.CompactionReason) *Compaction {
	outputLevel := level + 1

	start, end := bounds(p.cmp, inputs)
	outputs := v.Overlaps(outputLevel, start, end)

	// Bound the total work. Output files must stay together for
	// correctness, so trim from the start level only.
	if limit := p.cfg.MaxCompactionBytes; limit > 0 && level > 0 {
		total := sumSizes(inputs) + sumSizes(outputs)
		for total > limit && len(inputs) > 1 {
			total -= inputs[len(inputs)-1].Size
			inputs = inputs[:len(inputs)-1]
			start, end = bounds(p.cmp, inputs)
			outputs = v.Overlaps(outputLevel, start, end)
			total = sumSizes(inputs) + sumSizes(outputs)
		}
	}

	start, end = bounds(p.cmp, append(append([]*version.FileMetadata{}, inputs...), outputs...))

	c := &Compaction{
		Level:       level,
		OutputLevel: outputLevel,
		Reason:      reason,
		Smallest:    start,
		Largest:     end,
		CanElide:    true,
	}
	c.Inputs[0] = inputs
	c.Inputs[1] = outputs
	for l := outputLevel + 1; l < v.NumLevels(); l++ {
		if len(v.Overlaps(l, start, end)) > 0 {
			c.CanElide = false
			break
		}
	}
	p.cursor[level] = append([]byte(nil), end...)
	return c
}

func bounds(cmp keys.Comparator, files []*version.FileMetadata) (start, end []byte) {
	for _, f := range files {
		if start == nil || cmp.Compare(f.Smallest.UserKey, start) < 0 {
			start = f.Smallest.UserKey
		}
		if end == nil || cmp.Compare(f.Largest.UserKey, end) > 0 {
			end = f.Largest.UserKey
		}
	}
	return start, end
}

func sumSizes(files []*version.FileMetadata) int64 {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total
}
