package domain

// StageGraph maps each status of a job type to the set of statuses it may
// advance to. Every graph is a DAG from StatusPending to exactly the two
// terminal statuses; a status missing from the map has no outgoing edges.
type StageGraph map[JobStatus][]JobStatus

// stageGraphs holds the fixed transitions per job type. Transitions are data,
// not code paths: workers consult the graph before every write so an illegal
// transition is rejected uniformly instead of per-handler.
var stageGraphs = map[JobType]StageGraph{
	JobTypeModelGeneration: {
		StatusPending:    {StatusGenerating, StatusFailed},
		StatusGenerating: {StatusPolling, StatusFailed},
		StatusPolling:    {StatusComplete, StatusFailed},
	},
	JobTypeVTOPipeline: {
		StatusPending:     {StatusPreparing, StatusFailed},
		StatusPreparing:   {StatusRendering, StatusFailed},
		StatusRendering:   {StatusPolling, StatusFailed},
		StatusPolling:     {StatusCompositing, StatusFailed},
		StatusCompositing: {StatusComplete, StatusFailed},
	},
	JobTypeTiledUpscale: {
		// Zero-tile requests complete straight from pending.
		StatusPending:    {StatusProcessing, StatusComplete, StatusFailed},
		StatusProcessing: {StatusComplete, StatusFailed},
	},
	JobTypeUpscaleTile: {
		StatusPending:   {StatusUpscaling, StatusFailed},
		StatusUpscaling: {StatusPolling, StatusFailed},
		StatusPolling:   {StatusComplete, StatusFailed},
	},
	JobTypeBatchInpaint: {
		StatusPending:    {StatusProcessing, StatusComplete, StatusFailed},
		StatusProcessing: {StatusComplete, StatusFailed},
	},
	JobTypeInpaintRegion: {
		StatusPending:    {StatusInpainting, StatusFailed},
		StatusInpainting: {StatusPolling, StatusFailed},
		StatusPolling:    {StatusComplete, StatusFailed},
	},
	JobTypeEnhancement: {
		StatusPending:   {StatusEnhancing, StatusFailed},
		StatusEnhancing: {StatusComplete, StatusFailed},
	},
}

// fanOutChildren maps fan-out parents to the type of their children.
var fanOutChildren = map[JobType]JobType{
	JobTypeTiledUpscale: JobTypeUpscaleTile,
	JobTypeBatchInpaint: JobTypeInpaintRegion,
}

// Graph returns the stage graph for t.
func Graph(t JobType) (StageGraph, bool) {
	g, ok := stageGraphs[t]
	return g, ok
}

// KnownType reports whether t has a registered stage graph.
func KnownType(t JobType) bool {
	_, ok := stageGraphs[t]
	return ok
}

// CanTransition reports whether a job of type t may move from one status to
// another. Cancellation writes failed directly and is validated separately.
func CanTransition(t JobType, from, to JobStatus) bool {
	g, ok := stageGraphs[t]
	if !ok {
		return false
	}
	for _, next := range g[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NonTerminalStatuses returns every status of t that is not complete/failed,
// in graph order starting from pending. This is the status set the watchdog
// sweeps for staleness.
func NonTerminalStatuses(t JobType) []JobStatus {
	g, ok := stageGraphs[t]
	if !ok {
		return nil
	}
	seen := map[JobStatus]bool{}
	var out []JobStatus
	var walk func(s JobStatus)
	walk = func(s JobStatus) {
		if s.Terminal() || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
		for _, next := range g[s] {
			walk(next)
		}
	}
	walk(StatusPending)
	return out
}

// IsFanOut reports whether jobs of type t spawn child jobs.
func IsFanOut(t JobType) bool {
	_, ok := fanOutChildren[t]
	return ok
}

// ChildType returns the child job type for a fan-out parent.
func ChildType(t JobType) (JobType, bool) {
	c, ok := fanOutChildren[t]
	return c, ok
}

// ReentryStatus returns the status a failed job of type t is reset to on a
// user-initiated retry. Non-fan-out jobs restart the graph: payload fields
// written by earlier stages (vendor task handles, intermediate keys) are
// stale after a failure and are re-derived. Fan-out parents re-enter
// processing; their failed children are reset individually.
func ReentryStatus(t JobType) JobStatus {
	if IsFanOut(t) {
		return StatusProcessing
	}
	return StatusPending
}
