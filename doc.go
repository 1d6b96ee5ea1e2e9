// Package sagaflow runs sagas: ordered lists of stages whose steps each pair
// an action with a compensation that undoes it.
//
// Sagas coordinate work that cannot share a transaction. When a stage fails,
// every stage that completed before it is rolled back in reverse order, and
// an optional global hook runs once at the end of the rollback. For more on
// the pattern, see this 2017 JOTB talk by Caitie McCaffrey:
// https://www.youtube.com/watch?v=0UTOLRTwOX0
//
// Overview
//
//  1. Define steps:
//     - Use NewStep or MustStep to pair an ActionFunc with a CompensateFunc.
//     - An action receives a private copy of the run's Context and returns
//     the keys it wants merged back.
//  2. Build a Saga:
//     - AddStep appends a sequential stage; AddParallel appends a stage whose
//     steps run concurrently on identical snapshots.
//     - SkipStep, SetStepReruns and InsertStepAt adjust the plan by name.
//  3. Run it:
//     - Execute returns the final context or the original step error.
//     - Run returns an Outcome with the trace and any compensation failures.
//  4. Manage many workflows:
//     - A Registry stores named templates, runs a fresh clone per call and
//     keeps a bounded history of results.
//  5. Persist progress:
//     - Wire a Repository with WithRepository. MemoryRepository and
//     FileRepository live here; the redisrepo and pgrepo packages provide
//     Redis and PostgreSQL backends, and the config package builds any of
//     them from a viper configuration.
package sagaflow
