// Command loadgen fires concurrent Consume requests at a running node
// over the shared datastore, the same way any other node in the pool
// would, and reports submission QPS.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"meshlb/pkg/idgen"
	"meshlb/pkg/rpc"
	"meshlb/pkg/store"
)

func main() {
	target := flag.String("target", "", "node id to send Consume requests to")
	poolID := flag.String("pool", "global", "pool id shared with the target node")
	driver := flag.String("driver", "mem", "datastore driver: mem or etcd")
	endpoints := flag.String("endpoints", "localhost:2379", "comma-separated etcd endpoints")
	requestCount := flag.Int("n", 1, "number of Consume requests to submit")
	concurrency := flag.Int("c", 50, "max concurrent in-flight requests")
	seats := flag.Int("seats", 1, "seats requested per call")
	flag.Parse()

	if *target == "" {
		log.Fatal("loadgen: -target is required")
	}

	ds, err := buildDatastore(*driver, *endpoints)
	if err != nil {
		log.Fatalf("loadgen: build datastore: %v", err)
	}

	ctx := context.Background()
	selfID := "loadgen-" + idgen.NodeID()
	node, err := rpc.New(ctx, ds, selfID, *poolID, nil)
	if err != nil {
		log.Fatalf("loadgen: start rpc node: %v", err)
	}
	defer node.Disconnect()

	fmt.Printf("Submitting %d requests (%d seats each, concurrency %d) to %s...\n",
		*requestCount, *seats, *concurrency, *target)

	var wg sync.WaitGroup
	var succeeded, failed int64
	sem := make(chan struct{}, *concurrency)
	start := time.Now()

	for i := 0; i < *requestCount; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer func() {
				<-sem
				wg.Done()
			}()

			ids := make([]string, *seats)
			for s := range ids {
				ids[s] = fmt.Sprintf("player-%d-%d", i, s)
			}
			reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			req := map[string]interface{}{"PlayerIDs": ids}
			if _, err := node.Call(reqCtx, *target, req, 0); err != nil {
				atomic.AddInt64(&failed, 1)
				if *requestCount == 1 {
					fmt.Printf("request failed: %v\n", err)
				}
			} else {
				atomic.AddInt64(&succeeded, 1)
			}
		}(i)
	}

	wg.Wait()
	duration := time.Since(start)
	qps := float64(*requestCount) / duration.Seconds()

	fmt.Printf("\nDone. %d succeeded, %d failed in %v (%.2f req/s)\n",
		succeeded, failed, duration, qps)
}

func buildDatastore(driver, endpoints string) (store.Datastore, error) {
	switch driver {
	case "etcd":
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   []string{endpoints},
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return store.NewEtcdDatastore(cli), nil
	default:
		return store.NewMemDatastore(), nil
	}
}
