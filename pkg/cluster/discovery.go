package cluster

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/yaml"
)

// DefaultPort is the port the node agents listen on
const DefaultPort = 16911

// Peer is a node agent that can be asked for its writable paths
type Peer struct {
	// Name is the node name, used to tag records the peer does not tag itself
	Name string `json:"name,omitempty"`
	// Address is host:port of the agent
	Address string `json:"address"`
}

// Discoverer returns the peers to aggregate
type Discoverer interface {
	Peers(ctx context.Context) ([]Peer, error)
}

// StaticDiscoverer returns a fixed list of peers, optionally extended by a YAML peers file
//
//	peers:
//	- name: worker-1
//	  address: 10.250.0.4:16911
type StaticDiscoverer struct {
	addresses []string
	file      string
	port      int
}

type peersFile struct {
	Peers []Peer `json:"peers"`
}

// NewStaticDiscoverer returns a Discoverer for the given addresses and peers file (both optional).
// Addresses without port get port appended.
func NewStaticDiscoverer(addresses []string, file string, port int) *StaticDiscoverer {
	return &StaticDiscoverer{
		addresses: addresses,
		file:      file,
		port:      port,
	}
}

func (d *StaticDiscoverer) Peers(context.Context) ([]Peer, error) {
	var peers []Peer
	for _, address := range d.addresses {
		if address = strings.TrimSpace(address); address == "" {
			continue
		}
		peers = append(peers, Peer{Address: withPort(address, d.port)})
	}

	if d.file == "" {
		return peers, nil
	}

	content, err := os.ReadFile(d.file)
	if err != nil {
		return nil, fmt.Errorf("failed to read peers file %q: %w", d.file, err)
	}
	parsed := peersFile{}
	if err := yaml.Unmarshal(content, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse peers file %q: %w", d.file, err)
	}
	for _, peer := range parsed.Peers {
		if peer.Address == "" {
			continue
		}
		peer.Address = withPort(peer.Address, d.port)
		peers = append(peers, peer)
	}
	return peers, nil
}

// DNSDiscoverer resolves a (headless service) name to the addresses of all peers
type DNSDiscoverer struct {
	name     string
	port     int
	resolver *net.Resolver
}

// NewDNSDiscoverer returns a Discoverer resolving name with the default resolver
func NewDNSDiscoverer(name string, port int) *DNSDiscoverer {
	return &DNSDiscoverer{
		name:     name,
		port:     port,
		resolver: net.DefaultResolver,
	}
}

func (d *DNSDiscoverer) Peers(ctx context.Context) ([]Peer, error) {
	addresses, err := d.resolver.LookupHost(ctx, d.name)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve peers %q: %w", d.name, err)
	}

	peers := make([]Peer, 0, len(addresses))
	for _, address := range addresses {
		peers = append(peers, Peer{Address: net.JoinHostPort(address, strconv.Itoa(d.port))})
	}
	return peers, nil
}

// KubernetesDiscoverer lists the running agent pods (e.g. of a DaemonSet) by label selector
type KubernetesDiscoverer struct {
	client    kubernetes.Interface
	namespace string
	selector  string
	port      int
}

// NewKubernetesDiscoverer returns a Discoverer listing pods matching selector in namespace
func NewKubernetesDiscoverer(client kubernetes.Interface, namespace, selector string, port int) *KubernetesDiscoverer {
	return &KubernetesDiscoverer{
		client:    client,
		namespace: namespace,
		selector:  selector,
		port:      port,
	}
}

func (d *KubernetesDiscoverer) Peers(ctx context.Context) ([]Peer, error) {
	pods, err := d.client.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{LabelSelector: d.selector})
	if err != nil {
		return nil, fmt.Errorf("failed to list peer pods in namespace %q with selector %q: %w", d.namespace, d.selector, err)
	}

	var peers []Peer
	for _, pod := range pods.Items {
		if pod.Status.Phase != corev1.PodRunning || pod.Status.PodIP == "" {
			continue
		}
		peers = append(peers, Peer{
			Name:    pod.Spec.NodeName,
			Address: net.JoinHostPort(pod.Status.PodIP, strconv.Itoa(d.port)),
		})
	}
	return peers, nil
}

func withPort(address string, port int) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(port))
}
