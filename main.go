package main

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/danielfoehrkn/writable-layer-finder/pkg/cluster"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/du"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/runtime"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/server"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/sizer"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const defaultDuCacheTTL = 180 * time.Second

var (
	log = logrus.New()
	// hostPrefix is where the host's root filesystem is mounted into the container
	// defaults to: /host
	hostPrefix string
	// kubeletDirectory is the directory that contains the kubelet's state (as seen from the host)
	// defaults to: /var/lib/kubelet
	kubeletDirectory string
	// containerdNamespace is the containerd namespace of the kubernetes containers, it is part of every rootfs mountpoint
	// defaults to: k8s.io
	containerdNamespace string
	// runtimeEndpoint is the CRI socket of the container runtime, e.g. unix:///run/containerd/containerd.sock
	// if empty, crictl is used instead
	runtimeEndpoint string
	// crictlPath is the crictl binary
	// defaults to: crictl
	crictlPath string
	// duPath is the du binary (GNU coreutils)
	// defaults to: du
	duPath string
	// duNice runs du with the lowest CPU priority
	duNice bool
	// duTimeout bounds every single du invocation
	// defaults to 60s
	duTimeout time.Duration
	// maxWorkers is the number of concurrent du invocations
	// defaults to 6
	maxWorkers int
	// duCacheTTL is the lifetime of cached listings of the /api/du endpoint
	// defaults to 180s
	duCacheTTL time.Duration
	// allowedRoots restricts the paths that can be listed via /api/du
	allowedRoots []string
	// nodeName is the name of this node, used to tag records
	// defaults to the hostname
	nodeName string
	// listenAddress is the address of the HTTP server
	// defaults to :16911
	listenAddress string
	// refreshPeriod is the period of the background measurement exporting the gauges. 0 disables it.
	refreshPeriod time.Duration
	// peers, peersFile, peerDNS and peerSelector configure the cluster aggregation (first one set wins)
	peers         []string
	peersFile     string
	peerDNS       string
	peerPort      int
	peerSelector  string
	peerNamespace string
)

func init() {
	hostPrefix = os.Getenv("HOST_PREFIX")
	kubeletDirectory = os.Getenv("KUBELET_DIRECTORY")
	containerdNamespace = os.Getenv("CONTAINERD_NAMESPACE")
	runtimeEndpoint = os.Getenv("RUNTIME_ENDPOINT")
	crictlPath = os.Getenv("CRICTL_PATH")
	duPath = os.Getenv("DU_PATH")
	nodeName = os.Getenv("NODE_NAME")
	listenAddress = os.Getenv("LISTEN_ADDRESS")
	peersFile = os.Getenv("PEERS_FILE")
	peerDNS = os.Getenv("PEER_DNS")
	peerSelector = os.Getenv("PEER_SELECTOR")
	peerNamespace = os.Getenv("PEER_NAMESPACE")
	allowedRoots = splitList(os.Getenv("ALLOWED_ROOTS"))
	peers = splitList(os.Getenv("PEERS"))

	if level := os.Getenv("LOG_LEVEL"); len(level) > 0 {
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			log.Fatalf("The LOG_LEVEL env variable is invalid: %v", err)
		}
		log.SetLevel(parsed)
	}

	// the host prefix is only set explicitly to "" if the tool runs directly on the host
	if _, set := os.LookupEnv("HOST_PREFIX"); !set {
		hostPrefix = types.DefaultHostPrefix
	}

	if len(kubeletDirectory) == 0 {
		kubeletDirectory = types.DefaultKubeletDirectory
	}

	if len(containerdNamespace) == 0 {
		containerdNamespace = types.DefaultContainerdNamespace
	}

	if len(crictlPath) == 0 {
		crictlPath = runtime.DefaultCrictlPath
	}

	if len(duPath) == 0 {
		duPath = du.DefaultDuPath
	}

	if len(listenAddress) == 0 {
		listenAddress = server.DefaultListenAddress
	}

	if len(nodeName) == 0 {
		hostname, err := os.Hostname()
		if err != nil {
			log.Fatalf("NODE_NAME is not set and the hostname cannot be determined: %v", err)
		}
		nodeName = hostname
	}

	var err error
	if nice := os.Getenv("DU_NICE"); len(nice) > 0 {
		duNice, err = strconv.ParseBool(nice)
		if err != nil {
			log.Fatalf("The DU_NICE env variable is invalid: must be boolean: %v", err)
		}
	}

	duTimeout = du.DefaultTimeout
	if timeout := os.Getenv("DU_TIMEOUT_SEC"); len(timeout) > 0 {
		seconds, err := strconv.Atoi(timeout)
		if err != nil || seconds <= 0 {
			log.Fatalf("The DU_TIMEOUT_SEC env variable is invalid: must be a positive number of seconds")
		}
		duTimeout = time.Duration(seconds) * time.Second
	}

	maxWorkers = sizer.DefaultWorkers
	if workers := os.Getenv("ACTUAL_MAX_WORKERS"); len(workers) > 0 {
		maxWorkers, err = strconv.Atoi(workers)
		if err != nil || maxWorkers <= 0 {
			log.Fatalf("The ACTUAL_MAX_WORKERS env variable is invalid: must be a positive number")
		}
	}

	duCacheTTL = parseDuration("DU_CACHE_TTL", defaultDuCacheTTL)
	refreshPeriod = parseDuration("REFRESH_PERIOD", 0)

	peerPort = cluster.DefaultPort
	if port := os.Getenv("PEER_PORT"); len(port) > 0 {
		peerPort, err = strconv.Atoi(port)
		if err != nil {
			log.Fatalf("The PEER_PORT env variable is invalid: %v", err)
		}
	}
}

func parseDuration(env string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(env)
	if len(value) == 0 {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Fatalf("The %s env variable is not a valid duration: %v", env, err)
	}
	return d
}

func splitList(value string) []string {
	var result []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}

func main() {
	os.Exit(execute(newRootCommand()))
}

// execute runs cmd and returns the exit code. Errors are logged, an interrupt only sets the exit code.
func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, errInterrupted) {
			log.Errorf("%v", err)
		}
		return 1
	}
	return 0
}
