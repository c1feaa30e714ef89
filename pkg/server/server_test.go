package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danielfoehrkn/writable-layer-finder/pkg/cluster"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/cmdrunner"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/cmdrunner/fake"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/du"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/report"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/server"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/sizer"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/types"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

type staticCollector []types.WritablePathRecord

func (c staticCollector) Collect(context.Context) []types.WritablePathRecord {
	return c
}

// sizes answers du invocations by the base name of the measured path
var sizes = map[string]string{"upper": "2048", "cache": "0", "logs": "1048576"}

func duHandler(_ context.Context, _ string, args ...string) (*cmdrunner.Output, error) {
	path := args[len(args)-1]
	if args[0] == "-b" {
		return &cmdrunner.Output{Stdout: []byte("300\t" + path + "/a\n700\t" + path + "/b\n1000\t" + path + "\n")}, nil
	}
	return &cmdrunner.Output{Stdout: []byte(sizes[filepath.Base(path)] + "\t" + path + "\n")}, nil
}

func get(url string) (int, string) {
	resp, err := http.Get(url)
	Expect(err).ToNot(HaveOccurred())
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	Expect(err).ToNot(HaveOccurred())
	return resp.StatusCode, string(body)
}

func events(body string) []string {
	var result []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			result = append(result, strings.TrimPrefix(line, "data: "))
		}
	}
	return result
}

var _ = Describe("Server", func() {
	var (
		dir        string
		records    staticCollector
		components server.Components
		config     server.Config
		httpServer *httptest.Server
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "server")
		Expect(err).ToNot(HaveOccurred())
		for _, name := range []string{"upper", "cache", "logs"} {
			Expect(os.MkdirAll(filepath.Join(dir, name), 0755)).To(Succeed())
		}

		records = staticCollector{
			{Kind: types.KindOverlay, ContainerID: "4f1e2d3c4b5a", ContainerName: "app", PodName: "app-0", Namespace: "default", Path: filepath.Join(dir, "upper")},
			{Kind: types.KindEmptyDir, ContainerName: "cache", PodName: "app-0", Namespace: "default", Path: filepath.Join(dir, "cache")},
			{Kind: types.KindEmptyDir, ContainerName: "logs", PodName: "app-0", Namespace: "default", Path: filepath.Join(dir, "logs")},
			{Kind: types.KindEmptyDir, ContainerName: "gone", Path: filepath.Join(dir, "gone")},
		}

		runner := &fake.Runner{Handler: duHandler}
		cache, err := du.NewCache(time.Minute)
		Expect(err).ToNot(HaveOccurred())

		components = server.Components{
			Collector: records,
			Sizer:     sizer.New(log, du.NewEngine(log, runner, "", "")),
			Lister:    du.NewLister(log, runner, "", cache),
			Mounts: func() ([]types.MountRecord, error) {
				return []types.MountRecord{{Device: "/dev/sda1", Mountpoint: "/", FSType: "ext4", Total: 100}}, nil
			},
		}
		config = server.Config{NodeName: "node-a", AllowedRoots: []string{dir}}
	})

	JustBeforeEach(func() {
		httpServer = httptest.NewServer(server.New(log, config, components).Handler())
	})

	AfterEach(func() {
		httpServer.Close()
		os.RemoveAll(dir)
	})

	It("should report health and node info", func() {
		status, body := get(httpServer.URL + "/healthz")
		Expect(status).To(Equal(http.StatusOK))
		Expect(body).To(Equal("ok"))

		status, body = get(httpServer.URL + "/api/node-info")
		Expect(status).To(Equal(http.StatusOK))
		Expect(body).To(MatchJSON(`{"node_name":"node-a"}`))
	})

	It("should list the mounts", func() {
		status, body := get(httpServer.URL + "/api/mounts")
		Expect(status).To(Equal(http.StatusOK))
		Expect(body).To(ContainSubstring(`"device":"/dev/sda1"`))
	})

	It("should fail if the mounts cannot be read", func() {
		components.Mounts = func() ([]types.MountRecord, error) { return nil, errors.New("no mount table") }
		httpServer.Close()
		httpServer = httptest.NewServer(server.New(log, config, components).Handler())

		status, _ := get(httpServer.URL + "/api/mounts")
		Expect(status).To(Equal(http.StatusInternalServerError))
	})

	It("should serve the metrics", func() {
		status, body := get(httpServer.URL + "/metrics")
		Expect(status).To(Equal(http.StatusOK))
		Expect(body).To(ContainSubstring("go_goroutines"))
	})

	Describe("/api/du", func() {
		It("should list a path", func() {
			status, body := get(httpServer.URL + "/api/du?depth=1&path=" + dir)
			Expect(status).To(Equal(http.StatusOK))

			listing := du.Listing{}
			Expect(json.Unmarshal([]byte(body), &listing)).To(Succeed())
			Expect(*listing.TotalBytes).To(Equal(int64(1000)))
			Expect(listing.Entries).To(HaveLen(2))
			Expect(listing.Entries[0].Name).To(Equal("b"))
		})

		expectStatus := func(query string, expected int) {
			status, _ := get(httpServer.URL + "/api/du?" + query)
			Expect(status).To(Equal(expected))
		}

		It("should map request errors", func() {
			expectStatus("path=relative", http.StatusBadRequest)
			expectStatus("path=/data&depth=x", http.StatusBadRequest)
			expectStatus("path="+dir+"&depth=9", http.StatusBadRequest)
			expectStatus("path=/etc", http.StatusForbidden)
		})

		It("should map tool errors", func() {
			components.Lister = du.NewLister(log, &fake.Runner{Handler: fake.Exit(2, "", "boom")}, "", mustCache())
			httpServer.Close()
			httpServer = httptest.NewServer(server.New(log, config, components).Handler())

			status, body := get(httpServer.URL + "/api/du?path=" + dir)
			Expect(status).To(Equal(http.StatusInternalServerError))
			Expect(body).To(ContainSubstring("boom"))
		})

		It("should bound the concurrent listings", func() {
			release := make(chan struct{})
			var inFlight, maxInFlight int32
			runner := &fake.Runner{Handler: func(ctx context.Context, name string, args ...string) (*cmdrunner.Output, error) {
				n := atomic.AddInt32(&inFlight, 1)
				defer atomic.AddInt32(&inFlight, -1)
				for {
					current := atomic.LoadInt32(&maxInFlight)
					if n <= current || atomic.CompareAndSwapInt32(&maxInFlight, current, n) {
						break
					}
				}
				<-release
				return duHandler(ctx, name, args...)
			}}
			components.Lister = du.NewLister(log, runner, "", mustCache())
			config.ListWorkers = 1
			httpServer.Close()
			httpServer = httptest.NewServer(server.New(log, config, components).Handler())

			statuses := make(chan int, 3)
			for _, name := range []string{"upper", "cache", "logs"} {
				go func(path string) {
					resp, err := http.Get(httpServer.URL + "/api/du?path=" + path)
					if err != nil {
						statuses <- 0
						return
					}
					resp.Body.Close()
					statuses <- resp.StatusCode
				}(filepath.Join(dir, name))
			}

			Eventually(func() int { return runner.CallCount("du") }).Should(Equal(1))
			Consistently(func() int { return runner.CallCount("du") }, 200*time.Millisecond).Should(Equal(1))

			close(release)
			for i := 0; i < 3; i++ {
				Eventually(statuses, 5*time.Second).Should(Receive(Equal(http.StatusOK)))
			}
			Expect(runner.CallCount("du")).To(Equal(3))
			Expect(atomic.LoadInt32(&maxInFlight)).To(Equal(int32(1)))
		})

		It("should map timeouts", func() {
			components.Lister = du.NewLister(log, &fake.Runner{Handler: fake.Error(context.DeadlineExceeded)}, "", mustCache())
			httpServer.Close()
			httpServer = httptest.NewServer(server.New(log, config, components).Handler())

			status, _ := get(httpServer.URL + "/api/du?path=" + dir)
			Expect(status).To(Equal(http.StatusGatewayTimeout))
		})
	})

	Describe("/api/containers/writable", func() {
		It("should return the sorted report", func() {
			status, body := get(httpServer.URL + "/api/containers/writable")
			Expect(status).To(Equal(http.StatusOK))

			r := report.Report{}
			Expect(json.Unmarshal([]byte(body), &r)).To(Succeed())
			Expect(r.Records).To(HaveLen(4))
			Expect(r.Records[0].ContainerName).To(Equal("logs"))
			Expect(r.Records[0].HumanSize).To(Equal("1.0 MiB"))
			Expect(r.Records[0].Node).To(Equal("node-a"))
			Expect(r.Records[3].ContainerName).To(Equal("gone"))
			Expect(r.Records[3].Status).To(Equal(types.StatusError))
			Expect(r.Summary.Discovered).To(Equal(4))
			Expect(r.Summary.ErrorCount).To(Equal(1))
		})

		It("should filter", func() {
			status, body := get(httpServer.URL + "/api/containers/writable?skip_zero=true&min_size=1Ki&sort=name")
			Expect(status).To(Equal(http.StatusOK))

			r := report.Report{}
			Expect(json.Unmarshal([]byte(body), &r)).To(Succeed())
			var names []string
			for _, record := range r.Records {
				names = append(names, record.ContainerName)
			}
			Expect(names).To(Equal([]string{"app", "gone", "logs"}))
			Expect(r.Summary.Discovered).To(Equal(4))
		})

		It("should reject invalid parameters", func() {
			for _, query := range []string{"skip_zero=maybe", "min_size=lots", "sort=age"} {
				status, _ := get(httpServer.URL + "/api/containers/writable?" + query)
				Expect(status).To(Equal(http.StatusBadRequest))
			}
		})

		It("should stream the records", func() {
			status, body := get(httpServer.URL + "/api/containers/writable/stream?skip_zero=1")
			Expect(status).To(Equal(http.StatusOK))

			data := events(body)
			Expect(data).To(HaveLen(4))
			Expect(data[3]).To(Equal("[DONE]"))

			record := types.SizedRecord{}
			Expect(json.Unmarshal([]byte(data[0]), &record)).To(Succeed())
			Expect(record.Node).To(Equal("node-a"))
			Expect(record.Path).To(HavePrefix(dir))
		})
	})

	Describe("cluster endpoints", func() {
		var peer *httptest.Server

		BeforeEach(func() {
			peerConfig := server.Config{NodeName: "node-b"}
			peer = httptest.NewServer(server.New(log, peerConfig, components).Handler())

			components.Discoverer = cluster.NewStaticDiscoverer([]string{strings.TrimPrefix(peer.URL, "http://"), "127.0.0.1:1"}, "", cluster.DefaultPort)
			components.Aggregator = cluster.NewAggregator(log, nil)
		})

		AfterEach(func() {
			peer.Close()
		})

		It("should stream the records of all peers", func() {
			status, body := get(httpServer.URL + "/api/cluster/writable/stream")
			Expect(status).To(Equal(http.StatusOK))

			data := events(body)
			Expect(data).To(HaveLen(5))
			Expect(data[4]).To(Equal("[DONE]"))
			Expect(data[0]).To(ContainSubstring(`"node":"node-b"`))
		})

		It("should aggregate the records of all peers", func() {
			status, body := get(httpServer.URL + "/api/cluster/writable?skip_zero=true")
			Expect(status).To(Equal(http.StatusOK))

			r := report.Report{}
			Expect(json.Unmarshal([]byte(body), &r)).To(Succeed())
			Expect(r.Records).To(HaveLen(3))
			Expect(r.Records[0].ContainerName).To(Equal("logs"))
			Expect(r.Records[0].Node).To(Equal("node-b"))
		})
	})

	It("should report cluster aggregation as unavailable without discovery", func() {
		status, _ := get(httpServer.URL + "/api/cluster/writable")
		Expect(status).To(Equal(http.StatusNotImplemented))
		status, _ = get(httpServer.URL + "/api/cluster/writable/stream")
		Expect(status).To(Equal(http.StatusNotImplemented))
	})
})

func mustCache() *du.Cache {
	cache, err := du.NewCache(time.Minute)
	Expect(err).ToNot(HaveOccurred())
	return cache
}
