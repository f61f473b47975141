package main

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"

	"github.com/aclements/go-moremath/stats"
	"github.com/alecthomas/kong"

	"github.com/lab5e/meshfunk/pkg/funk"
	"github.com/lab5e/meshfunk/pkg/funk/sharding"
	"github.com/lab5e/meshfunk/pkg/funk/topology"
	"github.com/lab5e/meshfunk/pkg/toolbox"
)

// This program shows how partitions (or entities in direct mode) are
// distributed across nodes as the cluster grows and shrinks. Each step can
// be dumped as an image, one color per node.

type parameters struct {
	Sharding funk.ShardingParameters `kong:"embed,prefix='sharding-'"`
	Service  string                  `kong:"help='Service type to inspect',default='core'"`
	Nodes    int                     `kong:"help='Max number of nodes',default='6'"`
	Entities int                     `kong:"help='Number of entities to resolve for services without partitions',default='100000'"`
	Image    string                  `kong:"help='Prefix for PNG ownership maps, empty to disable'"`
}

var nodeColors = []color.NRGBA{
	{R: 255, G: 0, B: 0, A: 255},     // red
	{R: 0, G: 255, B: 0, A: 255},     // green
	{R: 0, G: 0, B: 255, A: 255},     // blue
	{R: 255, G: 255, B: 0, A: 255},   // yellow
	{R: 0, G: 255, B: 255, A: 255},   // cyan
	{R: 255, G: 0, B: 255, A: 255},   // purple
	{R: 255, G: 128, B: 0, A: 255},   // orange
	{R: 128, G: 128, B: 128, A: 255}, // grey
}

func nodeAddress(i int) topology.NodeAddress {
	return topology.NodeAddress{Host: fmt.Sprintf("10.0.0.%d", i+1), Port: 7000}
}

func main() {
	var config parameters
	k, err := kong.New(&config, kong.Name("sharddist"),
		kong.Description("Partition distribution report"),
		kong.UsageOnError())
	if err != nil {
		panic(err)
	}
	if _, err := k.Parse(os.Args[1:]); err != nil {
		k.FatalIfErrorf(err)
		return
	}
	if config.Nodes < 1 {
		k.Fatalf("need at least one node")
	}

	p := funk.Parameters{Sharding: config.Sharding}
	cfg, err := p.RoutingConfig()
	k.FatalIfErrorf(err)
	st := topology.ServiceType(config.Service)
	if _, ok := cfg.Service(st); !ok {
		k.Fatalf("service %s is not configured", st)
	}

	dist := &distribution{
		service:  st,
		entities: config.Entities,
	}
	fmt.Printf("Mode: %s  hash: %s  virtual nodes: %d  assignment: %s\n", cfg.Mode, cfg.Hash, cfg.VirtualNodes, cfg.Assignment)

	// Grow the cluster, then shrink it again
	var steps []int
	for n := 1; n <= config.Nodes; n++ {
		steps = append(steps, n)
	}
	for n := config.Nodes - 1; n >= 1; n-- {
		steps = append(steps, n)
	}
	for i, n := range steps {
		owners, err := dist.compute(cfg, n)
		k.FatalIfErrorf(err)
		dist.report(n, owners)
		if config.Image != "" {
			name := fmt.Sprintf("%s_%02d_%02dnode.png", config.Image, i, n)
			k.FatalIfErrorf(dumpImage(name, owners))
		}
	}
}

type distribution struct {
	service  topology.ServiceType
	entities int
	previous []topology.NodeAddress
}

// compute returns the owner of every partition (or entity) with n nodes
func (d *distribution) compute(cfg sharding.Config, n int) ([]topology.NodeAddress, error) {
	view := topology.NewView(topology.ServiceInfo{
		ID:       "node-0",
		Address:  nodeAddress(0),
		Services: []topology.ServiceType{d.service},
	})
	for i := 1; i < n; i++ {
		view.Apply(topology.Event{Kind: topology.NodeAdded, Node: topology.ServiceInfo{
			ID:       fmt.Sprintf("node-%d", i),
			Address:  nodeAddress(i),
			Services: []topology.ServiceType{d.service},
		}})
	}
	resolver, err := sharding.NewResolver(cfg, nodeAddress(0))
	if err != nil {
		return nil, err
	}
	resolver.Update(view.Snapshot())

	svc, _ := cfg.Service(d.service)
	if cfg.Mode == sharding.QueueMode && svc.Partitions > 0 {
		targets, err := resolver.Owners(d.service)
		if err != nil {
			return nil, err
		}
		ret := make([]topology.NodeAddress, len(targets))
		for i, t := range targets {
			ret[i] = t.Owner
		}
		return ret, nil
	}

	ret := make([]topology.NodeAddress, d.entities)
	progress := toolbox.ConsoleProgress{Max: d.entities}
	for i := range ret {
		target, err := resolver.Resolve(d.service, "tenant", fmt.Sprintf("entity-%d", i))
		if err != nil {
			return nil, err
		}
		ret[i] = target.Owner
		progress.Print(i + 1)
	}
	return ret, nil
}

// report prints the per node counts, the spread and how many keys moved
// since the previous step
func (d *distribution) report(n int, owners []topology.NodeAddress) {
	counts := make(map[topology.NodeAddress]int)
	for i := 0; i < n; i++ {
		counts[nodeAddress(i)] = 0
	}
	for _, o := range owners {
		counts[o]++
	}
	moved := 0
	if len(d.previous) == len(owners) {
		for i := range owners {
			if owners[i] != d.previous[i] {
				moved++
			}
		}
	}
	d.previous = owners

	nodes := make([]topology.NodeAddress, 0, len(counts))
	for k := range counts {
		nodes = append(nodes, k)
	}
	topology.SortAddresses(nodes)

	sample := stats.Sample{}
	fmt.Printf("--- %d node(s), %d keys ---\n", n, len(owners))
	for _, node := range nodes {
		fmt.Printf("  %-16s %8d\n", node.String(), counts[node])
		sample.Xs = append(sample.Xs, float64(counts[node]))
	}
	lo, hi := sample.Bounds()
	mean := sample.Mean()
	stddev := sample.StdDev()
	dispersion := 0.0
	if mean > 0 {
		dispersion = stddev / mean
	}
	fmt.Printf("  min %.0f  max %.0f  mean %.1f  stddev %.2f  dispersion %.3f  moved %d\n", lo, hi, mean, stddev, dispersion, moved)
}

// dumpImage writes the owners as a 128 pixel wide image
func dumpImage(name string, owners []topology.NodeAddress) error {
	const width = 128
	height := len(owners) / width
	if len(owners)%width > 0 {
		height++
	}
	var nodes []topology.NodeAddress
	colorMap := make(map[topology.NodeAddress]color.NRGBA)
	for _, o := range owners {
		if _, ok := colorMap[o]; !ok {
			colorMap[o] = color.NRGBA{}
			nodes = append(nodes, o)
		}
	}
	topology.SortAddresses(nodes)
	for i, node := range nodes {
		colorMap[node] = nodeColors[i%len(nodeColors)]
	}

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	key := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if key < len(owners) {
				img.Set(x, y, colorMap[owners[key]])
			} else {
				img.Set(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
			}
			key++
		}
	}
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}
