// Package engine turns an execution request into a built, isolated,
// time-bounded run of the submitted code.
//
// The Dispatcher drives every request through a fixed state machine:
//
//	RECEIVED -> PREPARING -> BUILDING -> RUNNING -> COLLECTING -> DONE
//
// with BUILD_FAILED, RUN_FAILED and TIMED_OUT as terminal failure states.
// BUILDING is satisfied from the per-runtime build cache when the same code
// was built before (a warm start). Whatever the outcome, the sandbox instance
// and the workspace are released, exactly one metric record is appended, and
// the caller receives a complete Result. Requests that fail validation are
// rejected with a ValidationError before any resource is allocated.
package engine
