// Package ranking computes the published question ranking for a contest.
//
// A recompute runs in stages against a point-in-time read of the contest:
//
//	load      questions, votes, frozen aggregates and clusters
//	embed     re-embed approved questions with no stored vector
//	recluster merge near-duplicate approved questions (union-find)
//	score     base × recency + minority boost
//	cap       at most MaxClustersPerTag clusters per primary tag in top N
//	allocate  portfolio allocation across issue buckets
//	commit    status merges, cluster merges, rank scores, snapshot
//
// Nothing is written until every stage before commit succeeded. A failed
// recompute leaves the previous snapshot in place, so readers always get
// the last good ranking.
//
// Basic usage:
//
//	r := ranking.NewRecomputer(cfg, deps, logger, metrics)
//	coord := ranking.NewCoordinator(r, logger)
//	coord.Trigger(ctx, contestID) // coalesced per contest
//	items, err := r.GetRanked(ctx, contestID, 10)
package ranking
