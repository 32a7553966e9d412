// Package framework runs a tester: an ordered list of stages that each check some behavior of
// a candidate program.
//
// The general model is:
//
// 1. A specific challenge supplies a Definition: the name of the candidate's executable and
// its stages, each with a slug, an ordinal, and a Validator.
//
// 2. The Runner goes through the planned stages in ordinal order. For each one it builds a T,
// which is similar to Go's *testing.T: it carries a logger scoped to the stage, a random
// generator seeded from the run seed and the stage ordinal, and access to the candidate
// process through the process package.
//
// 3. Each stage ends with a StageResult. A failed stage can halt the run, in which case every
// later stage is recorded as Skipped. Finalize combines the results into a Report.
//
// The challenge-specific code decides what input to send and what output to expect; this
// package takes care of process lifetimes, timeouts, failure isolation, and reporting.
package framework
