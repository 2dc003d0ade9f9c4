package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/vecmesh/hilbert"
	"github.com/hupe1980/vecmesh/shard"
	"github.com/hupe1980/vecmesh/vector"
)

var routeFlags struct {
	nodes    []string
	shards   int
	replicas int
	bits     int
	lo, hi   float32
}

var routeCmd = &cobra.Command{
	Use:     "route <v1,v2,...>",
	Short:   "Print the Hilbert key and shard of a vector under an even map",
	Example: `  vecmeshd route --nodes a,b,c --shards 12 0.1,-0.4,0.9`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := parseVector(args[0])
		if err != nil {
			return err
		}
		curve, err := hilbert.New(len(v),
			hilbert.WithBitsPerAxis(routeFlags.bits),
			hilbert.WithBounds(routeFlags.lo, routeFlags.hi),
		)
		if err != nil {
			return err
		}
		key, err := curve.Encode(v)
		if err != nil {
			return err
		}
		nodes := make([]shard.NodeID, len(routeFlags.nodes))
		for i, n := range routeFlags.nodes {
			nodes[i] = shard.NodeID(n)
		}
		m, err := shard.NewEvenMap(routeFlags.shards, nodes, routeFlags.replicas)
		if err != nil {
			return err
		}
		r := m.Lookup(key)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "key:      %d\n", key)
		fmt.Fprintf(out, "shard:    %d [%d, %d)\n", r.ID, r.Low, r.High)
		fmt.Fprintf(out, "owner:    %s\n", r.Owner)
		if len(r.Replicas) > 0 {
			fmt.Fprintf(out, "replicas: %v\n", r.Replicas)
		}
		if c := curve.Clamps(); c > 0 {
			fmt.Fprintln(out, "note:     vector was clamped to the configured bounds")
		}
		return nil
	},
}

func init() {
	f := routeCmd.Flags()
	f.StringSliceVar(&routeFlags.nodes, "nodes", []string{"a"}, "cluster node ids")
	f.IntVar(&routeFlags.shards, "shards", 4, "number of shards")
	f.IntVar(&routeFlags.replicas, "replicas", 1, "nodes holding each shard, owner included")
	f.IntVar(&routeFlags.bits, "bits", 16, "Hilbert quantization bits per axis")
	f.Float32Var(&routeFlags.lo, "bounds-min", -1, "lower bound of every coordinate")
	f.Float32Var(&routeFlags.hi, "bounds-max", 1, "upper bound of every coordinate")
}

func parseVector(s string) (vector.Vector, error) {
	parts := strings.Split(s, ",")
	v := make(vector.Vector, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid component %q: %w", p, err)
		}
		v = append(v, float32(f))
	}
	return v, nil
}
