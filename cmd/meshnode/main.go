package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	gotoolbox "github.com/lab5e/gotoolbox/toolbox"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/lab5e/meshfunk/pkg/funk"
	"github.com/lab5e/meshfunk/pkg/funk/metrics"
	"github.com/lab5e/meshfunk/pkg/funk/topology"
)

type parameters struct {
	Cluster         funk.Parameters         `kong:"embed"`
	Log             gotoolbox.LogParameters `kong:"embed,prefix='log-'"`
	MetricsEndpoint string                  `kong:"help='Endpoint for Prometheus metrics (host:port), empty to disable'"`
	PingInterval    time.Duration           `kong:"help='Interval between test messages, 0 to disable',default='0s'"`
	Tenant          string                  `kong:"help='Tenant ID used for test messages',default='meshnode'"`
}

func main() {
	var config parameters
	k, err := kong.New(&config, kong.Name("meshnode"),
		kong.Description("Mesh node demo"),
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
	gotoolbox.InitLogs("meshnode", config.Log)

	c := funk.NewCluster(config.Cluster, func(from topology.NodeAddress, payload []byte) {
		log.WithFields(log.Fields{
			"from":    from.String(),
			"payload": string(payload),
		}).Info("Message received")
	})

	go logEvents(c, c.Events())

	if err := c.Start(); err != nil {
		log.WithError(err).Error("Error starting cluster")
		os.Exit(2)
	}
	defer c.Stop()

	if config.MetricsEndpoint != "" {
		if config.Cluster.Metrics != metrics.PrometheusSink {
			log.Warning("Metrics endpoint is enabled but the metrics sink isn't Prometheus")
		}
		go serveMetrics(config.MetricsEndpoint)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if config.PingInterval > 0 {
		go ping(ctx, c, config.Tenant, config.PingInterval)
	}

	gotoolbox.WaitForSignal()
}

func serveMetrics(endpoint string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.WithField("endpoint", endpoint).Info("Serving metrics")
	if err := http.ListenAndServe(endpoint, mux); err != nil {
		log.WithError(err).Error("Metrics server stopped")
	}
}

// logEvents logs state changes and the locally owned partitions
func logEvents(c funk.Cluster, events <-chan funk.Event) {
	for ev := range events {
		log.WithFields(log.Fields{
			"state":   ev.State.String(),
			"size":    ev.Size,
			"added":   len(ev.Added),
			"removed": len(ev.Removed),
		}).Info("Cluster event")
		if ev.State != funk.Operational || c.Resolver() == nil {
			continue
		}
		for _, st := range c.Local().Services {
			log.WithFields(log.Fields{
				"service":    string(st),
				"partitions": c.Resolver().MyPartitions(st),
			}).Debug("Owned partitions")
		}
	}
}

// ping broadcasts a message and sends one routed message per interval
func ping(ctx context.Context, c funk.Cluster, tenant string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n++
		msg := []byte(fmt.Sprintf("ping %d from %s", n, c.NodeID()))
		if err := c.Broadcast(ctx, msg, func(peer topology.NodeAddress, err error) {
			if err != nil {
				log.WithError(err).WithField("peer", peer.String()).Warning("Ping not delivered")
			}
		}); err != nil {
			log.WithError(err).Warning("Broadcast failed")
			continue
		}

		entity := fmt.Sprintf("entity-%d", n)
		target, err := c.Resolve(topology.Core, tenant, entity)
		if err != nil {
			log.WithError(err).Debug("Unable to resolve entity")
			continue
		}
		if err := c.Send(ctx, target, []byte("routed "+entity), nil); err != nil {
			log.WithError(err).WithField("target", target.String()).Warning("Send failed")
		}
	}
}
