// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package context keeps conversation histories inside model context
// windows.
//
// The central type is [Compressor], a pure function over message
// slices: given a history and a model identifier it returns a reduced
// history that fits the model's token budget, never mutating its
// input. Compression proceeds in stages, each cheaper in fidelity
// than the last:
//
//  1. Payload stripping: raw tool-call arguments echoed on tool
//     results are replaced with digest references to the stored
//     original. Always applied.
//  2. Role-scoped truncation: oversized tool results, then user
//     messages, then assistant messages are cut down, oldest first.
//     The newest message of each role keeps its content unless it
//     alone dwarfs the budget.
//  3. Threshold halving: if the history still exceeds the budget, the
//     per-message threshold is halved and the role passes run again,
//     up to a bounded number of rounds.
//  4. Structural omission: whole messages are removed from the middle
//     of the conversation in batches, preserving the system prompt
//     and the most recent messages, down to a floor.
//  5. Message-count ceiling: a hard middle-out cap on the number of
//     messages, as the final guard.
//
// Token budgets come from a per-family lookup table ([Budgets]):
// model identifiers are normalized and prefix-matched against
// families, each carrying a context window and reserves. Deployments
// override families through configuration.
//
// Token counts are estimated, not tokenized. [CharEstimator] starts
// from a characters-per-token ratio and calibrates it from actual
// provider usage via exponential moving average, so estimates
// converge on the deployed tokenizer's behavior.
package context
