package align

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var familyNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("squiggle.event_family"))

// #region aligner

// Aligner finds event families across the runs of a cohort.
type Aligner struct {
	config Config
}

// NewAligner creates an aligner after validating its config.
func NewAligner(config Config) (*Aligner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Aligner{config: config}, nil
}

// Align normalises every event by its run length and links events of the same
// (metric, layer) whose windows overlap enough. Connected components spanning at
// least MinRepeat runs become families; everything else is a singleton.
func (a *Aligner) Align(c Cohort) (Result, error) {
	res := Result{CohortID: c.ID, Status: StatusComplete}

	runs, err := uniqueRuns(c.Runs)
	if err != nil {
		return Result{}, err
	}
	res.Missing = missingRuns(c, runs)
	if len(res.Missing) > 0 {
		res.Status = StatusInsufficientCohort
		ids := make([]string, len(res.Missing))
		for i, m := range res.Missing {
			ids[i] = m.RunID
		}
		res.Reason = fmt.Sprintf("runs not completed: %s", strings.Join(ids, ", "))
	}
	if len(runs) < 2 {
		res.Status = StatusInsufficientCohort
		res.Err = &InsufficientCohortError{CohortID: c.ID, Completed: len(runs), Expected: max(len(c.Expected), len(runs))}
		res.Reason = res.Err.Error()
		return res, nil
	}

	groups := make(map[groupKey][]node)
	for _, r := range runs {
		for _, se := range r.Events {
			ev := se.Event
			k := groupKey{metric: ev.Metric, layer: ev.Layer}
			groups[k] = append(groups[k], node{
				metric: ev.Metric,
				layer:  ev.Layer,
				member: Member{
					RunID:   r.RunID,
					EventID: ev.EventID,
					Window:  [2]float64{warp(ev.StepStart, r.TotalSteps), warp(ev.StepEnd, r.TotalSteps)},
				},
			})
		}
	}

	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].metric != keys[j].metric {
			return keys[i].metric < keys[j].metric
		}
		return keys[i].layer < keys[j].layer
	})

	for _, k := range keys {
		fams, singles := a.link(c.ID, groups[k])
		res.Families = append(res.Families, fams...)
		res.Singletons = append(res.Singletons, singles...)
	}
	return res, nil
}

// #endregion aligner

// #region linking

type groupKey struct {
	metric string
	layer  string
}

type node struct {
	metric string
	layer  string
	member Member
}

func (a *Aligner) link(cohortID string, nodes []node) ([]Family, []Member) {
	sort.Slice(nodes, func(i, j int) bool {
		x, y := nodes[i].member, nodes[j].member
		if x.Window[0] != y.Window[0] {
			return x.Window[0] < y.Window[0]
		}
		if x.Window[1] != y.Window[1] {
			return x.Window[1] < y.Window[1]
		}
		if x.RunID != y.RunID {
			return x.RunID < y.RunID
		}
		return x.EventID < y.EventID
	})

	uf := newUnionFind(len(nodes))
	for i := range nodes {
		for j := i + 1; j < len(nodes); j++ {
			// Sorted by start: nothing later can overlap once starts pass this end.
			if nodes[j].member.Window[0] > nodes[i].member.Window[1] {
				break
			}
			if IoU(nodes[i].member.Window, nodes[j].member.Window) >= a.config.OverlapTolerance {
				uf.union(i, j)
			}
		}
	}

	components := make(map[int][]int)
	var roots []int
	for i := range nodes {
		r := uf.find(i)
		if _, ok := components[r]; !ok {
			roots = append(roots, r)
		}
		components[r] = append(components[r], i)
	}

	var fams []Family
	var singles []Member
	for _, r := range roots {
		idx := components[r]
		runs := make(map[string]struct{})
		members := make([]Member, len(idx))
		window := nodes[idx[0]].member.Window
		for i, n := range idx {
			m := nodes[n].member
			members[i] = m
			runs[m.RunID] = struct{}{}
			window[0] = min(window[0], m.Window[0])
			window[1] = max(window[1], m.Window[1])
		}
		if len(runs) < a.config.MinRepeat {
			singles = append(singles, members...)
			continue
		}
		sort.Slice(members, func(i, j int) bool {
			if members[i].RunID != members[j].RunID {
				return members[i].RunID < members[j].RunID
			}
			return members[i].EventID < members[j].EventID
		})
		first := nodes[idx[0]]
		fams = append(fams, Family{
			FamilyID:    familyID(cohortID, first.metric, first.layer, members),
			CohortID:    cohortID,
			Metric:      first.metric,
			Layer:       first.layer,
			Window:      window,
			Members:     members,
			RepeatCount: len(runs),
			Structural:  true,
		})
	}
	return fams, singles
}

func familyID(cohortID, metric, layer string, members []Member) string {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.EventID
	}
	sort.Strings(ids)
	name := cohortID + "|" + metric + "|" + layer + "|" + strings.Join(ids, ",")
	return uuid.NewSHA1(familyNamespace, []byte(name)).String()
}

// IoU is the intersection over union of two closed intervals.
func IoU(a, b [2]float64) float64 {
	inter := min(a[1], b[1]) - max(a[0], b[0])
	union := max(a[1], b[1]) - min(a[0], b[0])
	if union <= 0 {
		if a == b {
			return 1
		}
		return 0
	}
	if inter <= 0 {
		return 0
	}
	return inter / union
}

// warp maps a step onto the run's [0, 1] training axis.
func warp(step, total int64) float64 {
	f := float64(step) / float64(total)
	return min(max(f, 0), 1)
}

// #endregion linking

// #region cohort-checks

func uniqueRuns(runs []Run) ([]Run, error) {
	seen := make(map[string]bool, len(runs))
	out := make([]Run, 0, len(runs))
	for _, r := range runs {
		if r.RunID == "" {
			return nil, fmt.Errorf("%w: empty run id", ErrInvalidRun)
		}
		if r.TotalSteps <= 0 {
			return nil, fmt.Errorf("%w: run %s has total steps %d", ErrInvalidRun, r.RunID, r.TotalSteps)
		}
		if seen[r.RunID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRun, r.RunID)
		}
		seen[r.RunID] = true
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

func missingRuns(c Cohort, completed []Run) []FailedRun {
	done := make(map[string]bool, len(completed))
	for _, r := range completed {
		done[r.RunID] = true
	}
	reasons := make(map[string]string, len(c.Failed))
	for _, f := range c.Failed {
		reasons[f.RunID] = f.Reason
	}
	var out []FailedRun
	for _, id := range c.Expected {
		if done[id] {
			continue
		}
		reason, ok := reasons[id]
		if !ok {
			reason = "not arrived"
		}
		out = append(out, FailedRun{RunID: id, Reason: reason})
		delete(reasons, id)
	}
	for id, reason := range reasons {
		if !done[id] {
			out = append(out, FailedRun{RunID: id, Reason: reason})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out
}

// #endregion cohort-checks

// #region union-find

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

// union keeps the smaller index as root so component order follows node order.
func (u *unionFind) union(i, j int) {
	a, b := u.find(i), u.find(j)
	if a == b {
		return
	}
	if a < b {
		u.parent[b] = a
	} else {
		u.parent[a] = b
	}
}

// #endregion union-find
