package vecmesh_test

import (
	"context"
	"fmt"
	"log"

	"github.com/hupe1980/vecmesh"
	"github.com/hupe1980/vecmesh/blobstore"
	"github.com/hupe1980/vecmesh/vector"
)

// Example_singleNode stores a few vectors on one node and queries them.
func Example_singleNode() {
	ctx := context.Background()
	n, err := vecmesh.Open(ctx, "node-a", 3,
		vecmesh.WithCluster([]string{"node-a"}, 4, 1), // 4 ranges, no replicas
	)
	if err != nil {
		log.Fatal(err)
	}
	defer n.Close()

	for id, v := range map[string]vector.Vector{
		"red":   {0.9, 0.1, 0.1},
		"green": {0.1, 0.9, 0.1},
		"blue":  {0.1, 0.1, 0.9},
	} {
		if _, err := n.Put(ctx, v, id); err != nil {
			log.Fatal(err)
		}
	}

	hits, err := n.Nearest(ctx, vector.Vector{0.8, 0.2, 0.1}, 2, vector.Euclidean)
	if err != nil {
		log.Fatal(err)
	}
	for _, h := range hits {
		fmt.Println(h.ID)
	}
	// Output:
	// red
	// green
}

// Example_versions shows that re-putting an id creates a new version and
// that earlier versions stay readable.
func Example_versions() {
	ctx := context.Background()
	n, err := vecmesh.Open(ctx, "node-a", 2)
	if err != nil {
		log.Fatal(err)
	}
	defer n.Close()

	_, _ = n.Put(ctx, vector.Vector{0.1, 0.2}, "doc", vecmesh.WithMetadata(map[string]string{"rev": "a"}))
	_, _ = n.Put(ctx, vector.Vector{0.3, 0.4}, "doc", vecmesh.WithMetadata(map[string]string{"rev": "b"}))

	rec, err := n.Get(ctx, "doc")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(rec.Version, rec.Vector, rec.Metadata["rev"])

	first, err := n.Get(ctx, "doc", vecmesh.WithVersion(1))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(first.Version, first.Vector, first.Metadata["rev"])

	hist, _ := n.History(ctx, "doc")
	fmt.Println(len(hist))
	// Output:
	// 2 [0.3 0.4] b
	// 1 [0.1 0.2] a
	// 2
}

// Example_persistence checkpoints replicas into a blob store and restores
// them on the next open.
func Example_persistence() {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	n, err := vecmesh.Open(ctx, "node-a", 2, vecmesh.WithPersistence(store, "snapshots", 0))
	if err != nil {
		log.Fatal(err)
	}
	_, _ = n.Put(ctx, vector.Vector{0.5, 0.5}, "kept")
	_ = n.Close() // writes a final checkpoint

	n, err = vecmesh.Open(ctx, "node-a", 2, vecmesh.WithPersistence(store, "snapshots", 0))
	if err != nil {
		log.Fatal(err)
	}
	defer n.Close()

	rec, err := n.Get(ctx, "kept")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(rec.ID)
	// Output: kept
}
