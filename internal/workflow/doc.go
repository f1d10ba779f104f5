// Package workflow drives reconstruction jobs from submission to a local
// artifact.
//
// The Registry owns the ordered model list and is its only mutator. Submit
// encodes and uploads media, records the accepted job as a queued model, and
// hands its task id to the Scheduler, which polls the service once per
// interval until the job is terminal. Poll results flow back into the
// Registry, which advances the model's status monotonically, persists the
// list through queue.Store inside the same critical section, and fetches the
// artifact when a job completes.
//
// Observers (journal, event stream, artifact mirror, push notifications) see
// every change after the registry lock is released, so a slow broker or
// bucket never stalls polling of other jobs.
package workflow
