// Package schedule implements a dependency-DAG operation scheduler: ops are
// placed into per-shard groups that batch as aggressively as possible while
// respecting cross-shard dependencies, and a failed group cancels exactly
// its descendants.
//
// Nodes are stored in flat maps keyed by monotonic integer ids rather than
// linked by pointer — ancestor/descendant sets reference ids, never
// *opNode/*groupNode directly, so there is no possibility of an owning
// reference cycle.
//
// © 2025 docvault authors. MIT License.
package schedule

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/keyspan/docvault/internal/dverr"
	"github.com/keyspan/docvault/internal/dvlog"
)

// OpID identifies an operation. Ids are never reused for the lifetime of a
// Schedule, even across rebalance.
type OpID int64

// groupID identifies a group. Unexported: callers only ever see a
// *GroupHandle, never a raw group id.
type groupID int64

// DefaultDepthLimit is the depth-limited-reshuffle threshold used when a
// Schedule is built with depthLimit <= 0.
const DefaultDepthLimit = 2

type groupState int

const (
	groupAvailable groupState = iota
	groupStarted
	groupCompleted
	groupFailed
)

type shardSlotState int

const (
	shardAvailable shardSlotState = iota
	shardStarted
)

type opNode struct {
	id      OpID
	shard   string
	parents []OpID
	value   any
	group   groupID

	ancestors   map[OpID]struct{}
	descendants map[OpID]struct{}
}

type groupNode struct {
	id    groupID
	shard string
	ops   []OpID
	state groupState
	depth int

	parents     map[groupID]struct{}
	ancestors   map[groupID]struct{}
	descendants map[groupID]struct{}
}

type shardSlot struct {
	groups []groupID
	state  shardSlotState
}

// Schedule is the dependency DAG over per-shard operation groups. All
// methods are safe for concurrent use.
type Schedule struct {
	mu sync.Mutex

	depthLimit int

	nextOpID    OpID
	nextGroupID groupID

	ops    map[OpID]*opNode
	groups map[groupID]*groupNode
	shards map[string]*shardSlot

	logger *zap.Logger
}

// Option configures a Schedule.
type Option func(*Schedule)

// WithLogger attaches a zap logger; default is a no-op logger. Rebalance
// operations (the rebuild that follows Failed or OpFailed) are logged at
// Info; the hot path (Add, NextGroup) never logs.
func WithLogger(l *zap.Logger) Option {
	return func(s *Schedule) { s.logger = dvlog.Or(l) }
}

// New constructs an empty Schedule. depthLimit <= 0 uses DefaultDepthLimit.
func New(depthLimit int, opts ...Option) *Schedule {
	if depthLimit <= 0 {
		depthLimit = DefaultDepthLimit
	}
	s := &Schedule{
		depthLimit: depthLimit,
		ops:        make(map[OpID]*opNode),
		groups:     make(map[groupID]*groupNode),
		shards:     make(map[string]*shardSlot),
		logger:     dvlog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func copyOpSet(m map[OpID]struct{}) map[OpID]struct{} {
	out := make(map[OpID]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func copyGroupSet(m map[groupID]struct{}) map[groupID]struct{} {
	out := make(map[groupID]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func (s *Schedule) slot(shard string) *shardSlot {
	sl, ok := s.shards[shard]
	if !ok {
		sl = &shardSlot{state: shardAvailable}
		s.shards[shard] = sl
	}
	return sl
}

// Shards returns every shard id currently mentioned by the Schedule, i.e.
// every shard with at least one live group. Used by the Executor to know
// which shards it must read coherently before applying a group.
func (s *Schedule) Shards() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.shards))
	for id, sl := range s.shards {
		if len(sl.groups) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Add places a new operation with the given shard, dependency op ids, and
// opaque user value. Every dep must already exist, else fails KindSchedule.
func (s *Schedule) Add(shard string, deps []OpID, value any) (OpID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(shard, deps, value)
}

func (s *Schedule) addLocked(shard string, deps []OpID, value any) (OpID, error) {
	for _, d := range deps {
		if _, ok := s.ops[d]; !ok {
			return 0, dverr.New(dverr.KindSchedule, "schedule.Add", "unknown dependency op id")
		}
	}
	id := s.nextOpID
	s.nextOpID++
	s.placeOp(id, shard, deps, value)
	return id, nil
}

// addExisting re-adds an op that already has an id (used only by rebalance,
// which replays surviving ops through the normal placement algorithm while
// preserving their original ids). Deps that have already completed, and so
// are no longer in the Schedule, are dropped before placement.
func (s *Schedule) addExisting(id OpID, shard string, deps []OpID, value any) {
	live := make([]OpID, 0, len(deps))
	for _, d := range deps {
		if _, ok := s.ops[d]; ok {
			live = append(live, d)
		}
	}
	s.placeOp(id, shard, live, value)
}

func (s *Schedule) placeOp(id OpID, shard string, deps []OpID, value any) {
	op := &opNode{
		id:          id,
		shard:       shard,
		parents:     append([]OpID(nil), deps...),
		value:       value,
		ancestors:   make(map[OpID]struct{}),
		descendants: make(map[OpID]struct{}),
	}
	s.ops[id] = op
	for _, d := range deps {
		s.addOpParent(op, d)
	}

	depGroups := make(map[groupID]struct{})
	for _, d := range deps {
		depGroups[s.ops[d].group] = struct{}{}
	}

	g := s.placeGroup(shard, depGroups)
	g.ops = append(g.ops, id)
	op.group = g.id
}

// addOpParent records that op depends on dep, updating op's transitive
// ancestor set and dep's (and dep's ancestors') descendant sets. Op edges
// are fixed at creation time and never revisited afterward.
func (s *Schedule) addOpParent(op *opNode, dep OpID) {
	if _, ok := op.ancestors[dep]; ok {
		return
	}
	op.ancestors[dep] = struct{}{}
	depNode := s.ops[dep]
	for a := range depNode.ancestors {
		op.ancestors[a] = struct{}{}
	}
	for a := range op.ancestors {
		if an, ok := s.ops[a]; ok {
			an.descendants[op.id] = struct{}{}
		}
	}
}

// placeGroup runs the group placement algorithm for a new op on shard with
// the given set of direct dependency groups, returning the group it should
// join (creating one if necessary).
func (s *Schedule) placeGroup(shard string, depGroups map[groupID]struct{}) *groupNode {
	sl := s.slot(shard)

	lowerBound := 0
	for i := len(sl.groups) - 1; i >= 0; i-- {
		gid := sl.groups[i]
		if _, ok := depGroups[gid]; ok {
			lowerBound = i
			break
		}
		if s.isAncestorOfAny(gid, depGroups) {
			lowerBound = i + 1
			break
		}
	}

	desired := 0
	for dg := range depGroups {
		g := s.groups[dg]
		if g.shard != shard && g.depth+1 > desired {
			desired = g.depth + 1
		}
	}

	var chosen *groupNode
	bestDist := -1
	for i := lowerBound; i < len(sl.groups); i++ {
		g := s.groups[sl.groups[i]]
		if g.state != groupAvailable {
			continue
		}
		dist := g.depth - desired
		if dist < 0 {
			dist = -dist
		}
		switch {
		case chosen == nil:
			chosen, bestDist = g, dist
		case dist < bestDist:
			chosen, bestDist = g, dist
		case dist == bestDist && len(chosen.descendants) > 0 && len(g.descendants) == 0:
			// Prefer a later, equally-good candidate that has no
			// dependants over an earlier one that already does.
			chosen = g
		}
	}

	createNew := chosen == nil
	if chosen != nil {
		if bestDist >= s.depthLimit {
			createNew = true
		}
		if desired-chosen.depth > s.depthLimit+1 {
			createNew = true
		}
		if _, forced := depGroups[chosen.id]; !forced && len(chosen.descendants) > 0 {
			// Reuse is purely opportunistic batching here (nothing
			// requires this particular group); don't graft an
			// unrelated op onto a group that already has dependants,
			// since failing it would then cancel work the new op
			// never depended on.
			createNew = true
		}
	}

	var target *groupNode
	if createNew {
		gid := s.nextGroupID
		s.nextGroupID++
		target = &groupNode{
			id:          gid,
			shard:       shard,
			state:       groupAvailable,
			parents:     make(map[groupID]struct{}),
			ancestors:   make(map[groupID]struct{}),
			descendants: make(map[groupID]struct{}),
		}
		s.groups[gid] = target
		// Insert just before the first existing group (at or past the
		// lower bound) whose depth already exceeds what this op needs,
		// keeping the shard's group list roughly depth-ordered and the
		// new group as short-lived a dependency chain as possible. Absent
		// such a group, append at the end rather than jumping ahead of
		// unrelated, equally-shallow work.
		insertAt := len(sl.groups)
		for i := lowerBound; i < len(sl.groups); i++ {
			if s.groups[sl.groups[i]].depth > desired {
				insertAt = i
				break
			}
		}
		sl.groups = append(sl.groups, 0)
		copy(sl.groups[insertAt+1:], sl.groups[insertAt:])
		sl.groups[insertAt] = gid
	} else {
		target = chosen
	}

	for dg := range depGroups {
		if dg == target.id {
			continue
		}
		s.addGroupParent(target.id, dg)
	}
	s.recomputeDepths(target.id)
	return target
}

// isAncestorOfAny reports whether gid is an ancestor of any group in ids.
func (s *Schedule) isAncestorOfAny(gid groupID, ids map[groupID]struct{}) bool {
	for id := range ids {
		if _, ok := s.groups[id].ancestors[gid]; ok {
			return true
		}
	}
	return false
}

// addGroupParent adds a dependency edge child -> parent, updating the full
// transitive ancestor/descendant closure for child and everything
// downstream of it. Caller must call recomputeDepths(child) afterward.
func (s *Schedule) addGroupParent(child, parent groupID) {
	if child == parent {
		return
	}
	cg := s.groups[child]
	if _, ok := cg.ancestors[parent]; ok {
		cg.parents[parent] = struct{}{}
		return
	}
	cg.parents[parent] = struct{}{}

	pg := s.groups[parent]
	newAnc := map[groupID]struct{}{parent: {}}
	for a := range pg.ancestors {
		newAnc[a] = struct{}{}
	}

	affected := append([]groupID{child}, s.groupDescendantsList(child)...)
	for _, did := range affected {
		d := s.groups[did]
		for a := range newAnc {
			if _, ok := d.ancestors[a]; !ok {
				d.ancestors[a] = struct{}{}
				s.groups[a].descendants[did] = struct{}{}
			}
		}
	}
}

func (s *Schedule) groupDescendantsList(id groupID) []groupID {
	g := s.groups[id]
	out := make([]groupID, 0, len(g.descendants))
	for d := range g.descendants {
		out = append(out, d)
	}
	return out
}

// recomputeDepths recomputes depth for root and every one of its
// descendants, in topological order, maintaining the invariant that depth =
// 1 + max depth of cross-shard group-parents; same-shard parents never
// raise depth.
func (s *Schedule) recomputeDepths(root groupID) {
	affected := map[groupID]struct{}{root: {}}
	for d := range s.groups[root].descendants {
		affected[d] = struct{}{}
	}

	order := make([]groupID, 0, len(affected))
	for id := range affected {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool {
		return len(s.groups[order[i]].ancestors) < len(s.groups[order[j]].ancestors)
	})

	for _, id := range order {
		g := s.groups[id]
		depth := 0
		for p := range g.parents {
			pg, ok := s.groups[p]
			if !ok || pg.shard == g.shard {
				continue
			}
			if pg.depth+1 > depth {
				depth = pg.depth + 1
			}
		}
		g.depth = depth
	}
}

// NextGroup returns a handle to the first AVAILABLE group on an AVAILABLE
// shard whose group has no remaining group-ancestors, or false if none is
// ready.
func (s *Schedule) NextGroup() (*GroupHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shardIDs := make([]string, 0, len(s.shards))
	for id := range s.shards {
		shardIDs = append(shardIDs, id)
	}
	sort.Strings(shardIDs)

	for _, sid := range shardIDs {
		sl := s.shards[sid]
		if sl.state != shardAvailable {
			continue
		}
		for _, gid := range sl.groups {
			g := s.groups[gid]
			if g.state == groupAvailable && len(g.ancestors) == 0 {
				return &GroupHandle{sched: s, id: gid}, true
			}
		}
	}
	return nil, false
}

// cancelOpsLocked removes the ops named by ids (an accumulating set) along
// with any group that becomes empty as a result, returning the removed
// ops' user values in a stable order (the seed ops, then their descendants
// breadth-first by ascending id).
func (s *Schedule) cancelOpsLocked(seed []OpID) []any {
	ids := make(map[OpID]struct{}, len(seed))
	order := make([]OpID, 0, len(seed))
	queue := append([]OpID(nil), seed...)
	for _, id := range seed {
		ids[id] = struct{}{}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		op, ok := s.ops[id]
		if !ok {
			continue
		}
		descs := make([]OpID, 0, len(op.descendants))
		for d := range op.descendants {
			descs = append(descs, d)
		}
		sort.Slice(descs, func(i, j int) bool { return descs[i] < descs[j] })
		for _, d := range descs {
			if _, seen := ids[d]; !seen {
				ids[d] = struct{}{}
				queue = append(queue, d)
			}
		}
	}

	values := make([]any, 0, len(order))
	touchedGroups := make(map[groupID]struct{})
	for _, id := range order {
		op, ok := s.ops[id]
		if !ok {
			continue
		}
		values = append(values, op.value)
		touchedGroups[op.group] = struct{}{}

		for a := range op.ancestors {
			if an, ok := s.ops[a]; ok {
				delete(an.descendants, id)
			}
		}
		delete(s.ops, id)
	}

	for gid := range touchedGroups {
		g, ok := s.groups[gid]
		if !ok {
			continue
		}
		kept := g.ops[:0]
		for _, oid := range g.ops {
			if _, gone := ids[oid]; !gone {
				kept = append(kept, oid)
			}
		}
		g.ops = kept
		if len(g.ops) == 0 {
			s.removeGroupLocked(gid)
		}
	}

	return values
}

// removeGroupLocked deletes a group entirely: unlinks it from its shard
// slot and from every ancestor/descendant's edge sets.
func (s *Schedule) removeGroupLocked(gid groupID) {
	g, ok := s.groups[gid]
	if !ok {
		return
	}
	for a := range g.ancestors {
		if ag, ok := s.groups[a]; ok {
			delete(ag.descendants, gid)
		}
	}
	for d := range g.descendants {
		if dg, ok := s.groups[d]; ok {
			delete(dg.ancestors, gid)
		}
	}
	delete(s.groups, gid)

	sl := s.slot(g.shard)
	for i, id := range sl.groups {
		if id == gid {
			sl.groups = append(sl.groups[:i], sl.groups[i+1:]...)
			break
		}
	}
	if len(sl.groups) == 0 {
		sl.state = shardAvailable
	}
}

// rebalanceLocked rebuilds the Schedule from scratch, preserving every
// STARTED group and its ops exactly (same ids), and replaying every other
// surviving op through the ordinary placement algorithm in ascending-id
// (and therefore topological) order.
func (s *Schedule) rebalanceLocked() {
	s.logger.Info("schedule: rebalancing",
		zap.Int("started_groups", countStarted(s.groups)),
		zap.Int("pending_ops", len(s.ops)))
	fresh := New(s.depthLimit)
	fresh.nextOpID = s.nextOpID
	fresh.nextGroupID = s.nextGroupID

	startedGroups := make(map[groupID]struct{})
	for gid, g := range s.groups {
		if g.state == groupStarted {
			startedGroups[gid] = struct{}{}
		}
	}

	for gid := range startedGroups {
		g := s.groups[gid]
		fresh.groups[gid] = &groupNode{
			id:          g.id,
			shard:       g.shard,
			ops:         append([]OpID(nil), g.ops...),
			state:       groupStarted,
			depth:       g.depth,
			parents:     copyGroupSet(g.parents),
			ancestors:   copyGroupSet(g.ancestors),
			descendants: copyGroupSet(g.descendants),
		}
		sl := fresh.slot(g.shard)
		sl.groups = append(sl.groups, gid)
		sl.state = shardStarted

		for _, oid := range g.ops {
			op := s.ops[oid]
			fresh.ops[oid] = &opNode{
				id:          op.id,
				shard:       op.shard,
				parents:     append([]OpID(nil), op.parents...),
				value:       op.value,
				group:       gid,
				ancestors:   copyOpSet(op.ancestors),
				descendants: copyOpSet(op.descendants),
			}
		}
	}

	pending := make([]OpID, 0, len(s.ops))
	for oid, op := range s.ops {
		if _, started := startedGroups[op.group]; started {
			continue
		}
		pending = append(pending, oid)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })

	for _, oid := range pending {
		op := s.ops[oid]
		fresh.addExisting(oid, op.shard, op.parents, op.value)
	}

	s.depthLimit = fresh.depthLimit
	s.nextOpID = fresh.nextOpID
	s.nextGroupID = fresh.nextGroupID
	s.ops = fresh.ops
	s.groups = fresh.groups
	s.shards = fresh.shards
}

func countStarted(groups map[groupID]*groupNode) int {
	n := 0
	for _, g := range groups {
		if g.state == groupStarted {
			n++
		}
	}
	return n
}

// GroupHandle is an opaque reference to a group, returned by NextGroup. A
// handle obtained before its group's shard suffered an unrelated FAILED
// transition may become stale; Started returns KindSchedule in that case.
type GroupHandle struct {
	sched *Schedule
	id    groupID
}

// Shard returns the shard this group belongs to.
func (h *GroupHandle) Shard() string {
	h.sched.mu.Lock()
	defer h.sched.mu.Unlock()
	return h.sched.groups[h.id].shard
}

// Values returns the user values of every op currently in the group, in
// group (topological) order.
func (h *GroupHandle) Values() []any {
	h.sched.mu.Lock()
	defer h.sched.mu.Unlock()
	g := h.sched.groups[h.id]
	out := make([]any, len(g.ops))
	for i, oid := range g.ops {
		out[i] = h.sched.ops[oid].value
	}
	return out
}

// Ops returns the op ids currently in the group, in group (topological)
// order.
func (h *GroupHandle) Ops() []OpID {
	h.sched.mu.Lock()
	defer h.sched.mu.Unlock()
	g := h.sched.groups[h.id]
	return append([]OpID(nil), g.ops...)
}

// Started transitions the group AVAILABLE -> STARTED and marks its shard
// STARTED. Fails KindSchedule if the group is gone or already started.
func (h *GroupHandle) Started() error {
	s := h.sched
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[h.id]
	if !ok || g.state != groupAvailable {
		return dverr.New(dverr.KindSchedule, "schedule.Started", "stale group handle")
	}
	g.state = groupStarted
	s.slot(g.shard).state = shardStarted
	return nil
}

// Completed transitions the group STARTED -> COMPLETED: removes every op
// in the group and the group itself, and marks its shard AVAILABLE.
func (h *GroupHandle) Completed() error {
	s := h.sched
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[h.id]
	if !ok || g.state != groupStarted {
		return dverr.New(dverr.KindSchedule, "schedule.Completed", "group not started")
	}
	for _, oid := range g.ops {
		if op, ok := s.ops[oid]; ok {
			for a := range op.ancestors {
				if an, ok := s.ops[a]; ok {
					delete(an.descendants, oid)
				}
			}
			delete(s.ops, oid)
		}
	}
	g.ops = nil
	s.removeGroupLocked(g.id)
	return nil
}

// Failed transitions the group STARTED -> FAILED, cancelling every op in
// the group plus every transitive descendant of those ops, and triggers a
// rebalance. Returns the cancelled ops' user values.
func (h *GroupHandle) Failed() ([]any, error) {
	s := h.sched
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[h.id]
	if !ok || g.state != groupStarted {
		return nil, dverr.New(dverr.KindSchedule, "schedule.Failed", "group not started")
	}
	g.state = groupFailed
	seed := append([]OpID(nil), g.ops...)
	values := s.cancelOpsLocked(seed)
	s.rebalanceLocked()
	return values, nil
}

// OpFailed cancels a single op and its transitive descendants, but not its
// group siblings, then rebalances.
func (h *GroupHandle) OpFailed(id OpID) ([]any, error) {
	s := h.sched
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ops[id]; !ok {
		return nil, dverr.New(dverr.KindSchedule, "schedule.OpFailed", "unknown op id")
	}
	values := s.cancelOpsLocked([]OpID{id})
	s.rebalanceLocked()
	return values, nil
}
