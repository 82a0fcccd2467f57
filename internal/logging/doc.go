// Package logging is the structured logger used across selfheal.
//
// Logger wraps zap. Every entry picks up the trace and span IDs of the
// active span plus the tenant key, issue ID and run ID stored in the
// context, so one remediation can be followed across the scheduler, the
// pipeline stages and the Temporal activities:
//
//	ctx = logging.WithTenantKey(ctx, tenant.Key)
//	ctx = logging.WithIssueID(ctx, issue.ID)
//	logger.Info(ctx, "context pack built", zap.Int("excerpts", len(pack.Excerpts)))
//
// Entries go to stderr by default because stdout carries command output.
// The encoder masks credential keys and token-shaped values, including
// those inside error text. Optional sampling thins repeated entries below
// error level.
//
// Tests use NewTestLogger, which records entries in memory.
package logging
