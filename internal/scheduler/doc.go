// Package scheduler runs periodic broadcast campaigns, one loop per tenant.
//
// Each loop repeats a cycle: load the campaign, check it is still eligible
// (non-empty message, reachable destinations, positive interval, valid
// authorization), deliver the message to every resolved destination, persist
// the outcome, then sleep for the configured interval. A campaign that fails
// the eligibility check is disabled in the store and its loop exits; the
// next explicit enable brings it back. Stop requests take effect at the
// interval wait, so an in-flight cycle always completes and records its
// stats before the loop exits.
package scheduler
