// Package strategy provides built-in task assignment strategy implementations.
//
// Assignment strategies determine how background tasks are distributed across
// the connected clients of a document. The package includes three built-in
// strategies:
//
//   - ConsistentHash: Consistent hashing with virtual nodes (recommended;
//     keeps task placement stable while clients join and leave)
//   - Weighted: Consistent hashing with task weight balancing (for workloads
//     with significantly different task costs)
//   - RoundRobin: Simple round-robin distribution (even spread, no placement
//     affinity)
//
// Custom strategies can be implemented by satisfying the types.TaskAssigner
// interface. Strategies must be deterministic and stateless: the leader
// recomputes assignment from scratch on every leadership change and quorum
// departure, and every replica that becomes leader must compute the same
// result from the same membership.
package strategy
