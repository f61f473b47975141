package main

import (
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
	gotoolbox "github.com/lab5e/gotoolbox/toolbox"
	log "github.com/sirupsen/logrus"

	"github.com/lab5e/meshfunk/pkg/funk"
	"github.com/lab5e/meshfunk/pkg/toolbox"
)

// Browse or register Serf endpoints in zeroconf. Registering is handy when
// testing discovery without running a node.
type parameters struct {
	Name     string        `kong:"help='Name of cluster',default='meshfunk'"`
	Register int           `kong:"help='Register a fake Serf endpoint on this port, 0 to browse'"`
	Wait     time.Duration `kong:"help='Browse time',default='2s'"`
}

func main() {
	var config parameters
	k, err := kong.New(&config, kong.Name("zeroconf"),
		kong.Description("Zeroconf lookups for mesh clusters"),
		kong.UsageOnError())
	if err != nil {
		panic(err)
	}
	if _, err := k.Parse(os.Args[1:]); err != nil {
		k.FatalIfErrorf(err)
		return
	}

	reg := toolbox.NewZeroconfRegistry(config.Name)
	if config.Register > 0 {
		nodeName := "node_" + toolbox.RandomID()
		if err := reg.Register(funk.ZeroconfSerfKind, nodeName, config.Register); err != nil {
			log.WithError(err).Error("Error registering service")
			os.Exit(2)
		}
		log.WithField("node", nodeName).Info("Registered, Ctrl+C to stop")
		gotoolbox.WaitForSignal()
		reg.Shutdown()
		return
	}

	results, err := reg.Resolve(funk.ZeroconfSerfKind, config.Wait)
	if err != nil {
		log.WithError(err).Error("Error browsing for zeroconf")
		os.Exit(2)
	}
	for _, r := range results {
		fmt.Println(r)
	}
}
