package seed

//
//Copyright 2019 Telenor Digital AS
//
//Licensed under the Apache License, Version 2.0 (the "License");
//you may not use this file except in compliance with the License.
//You may obtain a copy of the License at
//
//http://www.apache.org/licenses/LICENSE-2.0
//
//Unless required by applicable law or agreed to in writing, software
//distributed under the License is distributed on an "AS IS" BASIS,
//WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//See the License for the specific language governing permissions and
//limitations under the License.
//
import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/alecthomas/kong"
	gotoolbox "github.com/lab5e/gotoolbox/toolbox"
	"github.com/sirupsen/logrus"

	"github.com/lab5e/meshfunk/pkg/funk"
	"github.com/lab5e/meshfunk/pkg/toolbox"
)

type parameters struct {
	ClusterName  string                  `kong:"help='Cluster name',default='meshfunk'"`
	ZeroConf     bool                    `kong:"help='ZeroConf lookups for cluster',default='true'"`
	NodeID       string                  `kong:"help='Node ID for seed node',default=''"`
	Serf         funk.SerfParameters     `kong:"embed,prefix='serf-'"`
	Log          gotoolbox.LogParameters `kong:"embed,prefix='log-'"`
	LiveView     bool                    `kong:"help='Display live view of nodes',default='false'"`
	ShowAllNodes bool                    `kong:"help='Show all nodes, not just nodes alive',default='false'"`
}

// Run is a ready-to run (just call it from main()) implementation of
// a simple seed node. The seed node takes part in the Serf cluster but has
// no session endpoint so it is never a member of the mesh.
func Run() {
	var config parameters
	k, err := kong.New(&config, kong.Name("meshseed"),
		kong.Description("Serf seed node for mesh clusters"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: false,
		}))
	if err != nil {
		panic(err)
	}
	if _, err := k.Parse(os.Args[1:]); err != nil {
		k.FatalIfErrorf(err)
		return
	}

	gotoolbox.InitLogs("meshseed", config.Log)
	if config.NodeID == "" {
		config.NodeID = toolbox.RandomID()
	}
	config.Serf.Final()

	logrus.WithField("nodeId", config.NodeID).Info("Starting seed node")

	if config.ZeroConf {
		zr := toolbox.NewZeroconfRegistry(config.ClusterName)
		port, err := toolbox.PortOfHostPort(config.Serf.Endpoint)
		if err != nil {
			logrus.WithError(err).WithField("hostport", config.Serf.Endpoint).Error("Host:port string is invalid")
			os.Exit(2)
		}
		if err := zr.Register(funk.ZeroconfSerfKind, config.NodeID, port); err != nil {
			logrus.WithError(err).Error("Unable to register in ZeroConf")
			os.Exit(2)
		}
		defer zr.Shutdown()
	}

	serfNode := funk.NewSerfNode()
	serfNode.SetTag(funk.SerfEndpoint, config.Serf.Endpoint)
	serfNode.SetTag(funk.SerfServiceName, config.ClusterName)
	serfNode.SetTag(funk.RoleTag, "seed")
	if err := serfNode.Start(config.NodeID, config.Serf); err != nil {
		logrus.WithError(err).Error("Unable to start Serf node")
		os.Exit(2)
	}
	defer serfNode.Stop()

	if config.LiveView {
		for {
			clearScreen()
			dumpMembers(os.Stdout, config.ClusterName, config.ShowAllNodes, serfNode.LoadMembers())
			spin()
		}
	}
	// Dump Serf events
	go func(evCh <-chan funk.NodeEvent) {
		for ev := range evCh {
			logrus.WithFields(logrus.Fields{
				"nodeId":   ev.Node.NodeID,
				"event":    ev.Event.String(),
				"state":    ev.Node.State,
				"endpoint": ev.Node.Tags[funk.RPCEndpoint],
				"services": ev.Node.Tags[funk.ServicesTag],
			}).Info("Serf event")
		}
	}(serfNode.Events())
	logrus.WithField("endpoint", config.Serf.Endpoint).Info("Seed node started")
	gotoolbox.WaitForSignal()
}

// dumpMembers prints the members with their session endpoint and services
// first, followed by the remaining tags.
func dumpMembers(w io.Writer, clusterName string, showAllNodes bool, members []funk.SerfMember) {
	sort.Slice(members, func(i, j int) bool {
		return members[i].NodeID < members[j].NodeID
	})

	fmt.Fprintf(w, "Members of cluster '%s'\n", clusterName)
	fmt.Fprintf(w, "------------------------------------------------\n")

	for _, node := range members {
		if node.State != funk.SerfAlive && !showAllNodes {
			continue
		}
		endpoint := node.Tags[funk.RPCEndpoint]
		if endpoint == "" {
			endpoint = "(no session endpoint)"
		}
		fmt.Fprintf(w, "Node: %s (%s) %s\n", node.NodeID, node.State, endpoint)
		if services := node.Tags[funk.ServicesTag]; services != "" {
			fmt.Fprintf(w, "  services: %s\n", services)
		}
		var tags []string
		for k := range node.Tags {
			if k == funk.RPCEndpoint || k == funk.ServicesTag {
				continue
			}
			tags = append(tags, k)
		}
		sort.Strings(tags)
		for i, name := range tags {
			ch := '|'
			if i == (len(tags) - 1) {
				ch = '\\'
			}
			fmt.Fprintf(w, "  %c- %s -> %s\n", ch, name, node.Tags[name])
		}
		fmt.Fprintln(w)
	}
}

func clearScreen() {
	fmt.Print("\033c")
}

func spin() {
	fmt.Println()
	for _, c := range `|/-\` {
		time.Sleep(1 * time.Second)
		fmt.Printf("%c\r", c)
	}
	time.Sleep(1 * time.Second)
}
