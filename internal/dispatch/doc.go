// Package dispatch delivers one message to many recipients through a messenger.
//
// # Concepts
//
// A dispatch job is one message (text and/or a single attachment) sent to an
// ordered list of recipients. The attachment is read once by the
// AttachmentCache and shared read-only by every send of the job.
//
// # Pacing
//
// Recipients are split into fixed-size batches processed strictly in order.
// Sends inside a batch run concurrently, each delayed by StaggerDelay times its
// position in the batch, and the batch settles completely before the next one
// starts after BatchDelay.
//
// # Delivery semantics
//
// Delivery is best-effort. Each send is retried with capped exponential backoff
// and its final result is reported as a SendOutcome; a failing recipient never
// aborts its siblings or the job. Only attachment resolution can fail a job,
// and it does so before any send is attempted.
package dispatch
