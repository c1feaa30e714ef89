package cluster

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danielfoehrkn/writable-layer-finder/pkg/types"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

const (
	// StreamPath is the per-node streaming endpoint fetched from every peer
	StreamPath = "/api/containers/writable/stream"

	// SSE framing
	eventPrefix = "data: "
	eventDone   = "[DONE]"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Aggregator merges the record streams of several peers
type Aggregator struct {
	log    *logrus.Logger
	client *http.Client
}

// NewAggregator returns an Aggregator fetching peers with client.
// The client must not set an overall timeout shorter than a full node measurement.
func NewAggregator(log *logrus.Logger, client *http.Client) *Aggregator {
	if client == nil {
		client = &http.Client{}
	}
	return &Aggregator{
		log:    log,
		client: client,
	}
}

// Stream fetches the writable path stream of every peer concurrently and merges the records as they arrive.
// The channel is closed once every peer finished or failed. Failing peers are logged and contribute nothing.
func (a *Aggregator) Stream(ctx context.Context, peers []Peer, skipZero bool) <-chan types.SizedRecord {
	out := make(chan types.SizedRecord)

	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(peer Peer) {
			defer wg.Done()
			count, err := a.fetch(ctx, peer, skipZero, out)
			if err != nil {
				a.log.Warnf("failed to fetch writable paths from peer %s after %d records: %v", peer.Address, count, err)
				return
			}
			a.log.Debugf("received %d records from peer %s", count, peer.Address)
		}(peer)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Collect returns all records of Stream
func (a *Aggregator) Collect(ctx context.Context, peers []Peer, skipZero bool) []types.SizedRecord {
	var records []types.SizedRecord
	for record := range a.Stream(ctx, peers, skipZero) {
		records = append(records, record)
	}
	return records
}

func (a *Aggregator) fetch(ctx context.Context, peer Peer, skipZero bool, out chan<- types.SizedRecord) (int, error) {
	url := fmt.Sprintf("http://%s%s?skip_zero=%t", peer.Address, StreamPath, skipZero)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	node := peer.Name
	if node == "" {
		node = hostOf(peer.Address)
	}

	count := 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte(eventPrefix)) {
			continue
		}
		payload := bytes.TrimSpace(line[len(eventPrefix):])
		if string(payload) == eventDone {
			return count, nil
		}

		record := types.SizedRecord{}
		if err := json.Unmarshal(payload, &record); err != nil {
			a.log.Debugf("skipping malformed event from peer %s: %v", peer.Address, err)
			continue
		}
		if record.Node == "" {
			record.Node = node
		}

		select {
		case out <- record:
			count++
		case <-ctx.Done():
			return count, ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return count, err
	}
	return count, fmt.Errorf("stream ended without %s", eventDone)
}

func hostOf(address string) string {
	if host, _, err := net.SplitHostPort(address); err == nil {
		return host
	}
	return address
}

// DefaultClient returns the HTTP client used to fetch peers
func DefaultClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: 30 * time.Second,
			MaxIdleConnsPerHost:   2,
		},
	}
}
