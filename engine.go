package main

import (
	"context"
	"fmt"
	"net"

	"github.com/danielfoehrkn/writable-layer-finder/pkg/cluster"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/cmdrunner"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/collector"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/disk"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/du"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/overlay"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/runtime"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/sizer"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// engine wires the discovery and sizing components from the configuration
type engine struct {
	collector *collector.Collector
	sizer     *sizer.Sizer
	// duRunner runs du, optionally with lowered priority
	duRunner cmdrunner.Runner
	close    func() error
}

func newEngine(ctx context.Context) (*engine, error) {
	runner := cmdrunner.New()

	duRunner := runner
	if duNice {
		duRunner = cmdrunner.NewPrepended("nice", "-n", "19")
	}

	var (
		client runtime.Client
		closer = func() error { return nil }
	)
	if len(runtimeEndpoint) > 0 {
		criClient, err := runtime.NewCRIClient(ctx, runtimeEndpoint)
		if err != nil {
			return nil, err
		}
		log.Infof("Container runtime: CRI endpoint %s", runtimeEndpoint)
		client = criClient
		closer = criClient.Close
	} else {
		log.Infof("Container runtime: %s", crictlPath)
		client = runtime.NewCrictlClient(runner, crictlPath)
	}

	resolver := overlay.NewResolver(log, hostPrefix, containerdNamespace)

	return &engine{
		collector: collector.NewCollector(log, client, resolver, hostPrefix, kubeletDirectory),
		sizer:     sizer.New(log, du.NewEngine(log, duRunner, hostPrefix, duPath)),
		duRunner:  duRunner,
		close:     closer,
	}, nil
}

func listMounts() ([]types.MountRecord, error) {
	return disk.ListMounts(log, disk.MountsCandidates(hostPrefix), hostPrefix)
}

// newDiscoverer returns the configured peer discovery, nil if cluster aggregation is disabled
func newDiscoverer() (cluster.Discoverer, error) {
	switch {
	case len(peers) > 0 || len(peersFile) > 0:
		log.Infof("Cluster peers: static (%d addresses, file %q)", len(peers), peersFile)
		return cluster.NewStaticDiscoverer(peers, peersFile, peerPort), nil
	case len(peerDNS) > 0:
		log.Infof("Cluster peers: DNS %s", net.JoinHostPort(peerDNS, fmt.Sprint(peerPort)))
		return cluster.NewDNSDiscoverer(peerDNS, peerPort), nil
	case len(peerSelector) > 0:
		config, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load in-cluster configuration for peer discovery: %w", err)
		}
		client, err := kubernetes.NewForConfig(config)
		if err != nil {
			return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
		}
		log.Infof("Cluster peers: pods in namespace %q matching %q", peerNamespace, peerSelector)
		return cluster.NewKubernetesDiscoverer(client, peerNamespace, peerSelector, peerPort), nil
	default:
		return nil, nil
	}
}
