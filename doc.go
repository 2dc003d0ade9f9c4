// Package vecmesh is a distributed vector store for nearest-neighbor
// workloads.
//
// Vectors are mapped to keys on a Hilbert curve and partitioned into key
// ranges (shards). Each range has one owning node and a replica set. The
// owner accepts writes into a per-shard centroid CRDT; a replication
// runtime pushes CRDT deltas to the other holders in periodic epochs, each
// delivery guarded by a per-peer circuit breaker. Ranges move between
// nodes with a migration protocol that commits ownership only after the
// destination proves it holds everything the source has.
//
// # Quick Start
//
// Single node:
//
//	ctx := context.Background()
//	n, _ := vecmesh.Open(ctx, "node-a", 128, vecmesh.WithCluster([]string{"node-a"}, 4, 1))
//	defer n.Close()
//
//	id, _ := n.Put(ctx, vec, "", vecmesh.WithMetadata(map[string]string{"src": "crawl"}))
//	hits, _ := n.Nearest(ctx, query, 10, vector.Euclidean)
//	prev, _ := n.Get(ctx, id, vecmesh.WithVersion(1))
//
// Cluster over HTTP:
//
//	client := httptransport.NewClient("node-a", peers)
//	n, _ := vecmesh.Open(ctx, "node-a", 128,
//	    vecmesh.WithTransport(client),
//	    vecmesh.WithMapStore(shard.NewDynamoMapStore(ddb, "vecmesh-maps", "prod")),
//	    vecmesh.WithCluster([]string{"node-a", "node-b", "node-c"}, 12, 2),
//	)
//	http.ListenAndServe(addr, httptransport.NewServer(n.Handler()))
//	n.Start(ctx)
//
// # Consistency
//
// Reads and writes go to the current owner of a range. Replicas converge
// through CRDT merges regardless of delivery order or duplication. When an
// owner is unreachable, reads fall back to a local replica if this node
// holds one. Queries near range edges are exact unless WithProbe narrows
// the fan-out.
package vecmesh
