// Long-running soak test for osdd.
//
// Spins worker clients doing puts and gets across a handful of shards while
// a disruptor degrades and recovers random key ranges, checking after each
// cycle that no backoffs leak once every range has recovered. Runs until
// interrupted.
//
// Usage:
//
//	go run ./cmd/soak [--server 127.0.0.1:6800] [--workers 4] [--shards 4] [--rounds-per-cycle 50]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/krunerge/ceph/client"
)

func shardName(i int) string { return fmt.Sprintf("1.%d", i) }

func objName(prefix string, i int) string { return fmt.Sprintf("%s_obj%04d", prefix, i) }

func main() {
	addr := flag.String("server", "127.0.0.1:6800", "osdd server address")
	workers := flag.Int("workers", 4, "concurrent worker clients")
	shards := flag.Int("shards", 4, "number of shards to spread ops over")
	roundsPerCycle := flag.Int("rounds-per-cycle", 50, "puts per worker per cycle")
	flag.Parse()

	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Printf("soak: server=%s workers=%d shards=%d rounds/cycle=%d", *addr, *workers, *shards, *roundsPerCycle)
	log.Printf("soak: press Ctrl-C to stop")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var cycle int
	for {
		select {
		case <-stop:
			log.Printf("soak: stopped after %d cycles", cycle)
			return
		default:
		}

		cycle++
		t0 := time.Now()
		prefix := fmt.Sprintf("soak_%d_%d", cycle, rand.Intn(999999))

		if err := runCycle(*addr, prefix, *workers, *shards, *roundsPerCycle); err != nil {
			log.Fatalf("soak: cycle %d FAILED: %v", cycle, err)
		}
		log.Printf("soak: cycle %d ok (%s)", cycle, time.Since(t0).Round(time.Millisecond))
	}
}

func runCycle(addr, prefix string, workers, shards, rounds int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var blockedOps atomic.Int64
	var workerWG, disruptWG sync.WaitGroup
	errCh := make(chan error, workers+1)

	// Disruptor: degrade and recover random ranges while workers run.
	disruptCtx, stopDisrupt := context.WithCancel(ctx)
	disruptWG.Add(1)
	go func() {
		defer disruptWG.Done()
		c, err := client.Dial(addr)
		if err != nil {
			errCh <- fmt.Errorf("disruptor dial: %w", err)
			return
		}
		defer c.Close()
		for {
			select {
			case <-disruptCtx.Done():
				// Recover everything before leaving.
				for i := 0; i < shards; i++ {
					if _, err := c.RecoverShard(shardName(i)); err != nil {
						errCh <- fmt.Errorf("recover: %w", err)
						return
					}
				}
				return
			case <-time.After(20 * time.Millisecond):
			}
			shard := shardName(rand.Intn(shards))
			lo := rand.Intn(rounds)
			hi := lo + 1 + rand.Intn(rounds-lo)
			begin := objName(prefix, lo)
			end := objName(prefix, hi)
			if err := c.Block(shard, begin, end); err != nil {
				errCh <- fmt.Errorf("block: %w", err)
				return
			}
			select {
			case <-disruptCtx.Done():
				continue
			case <-time.After(10 * time.Millisecond):
			}
			if _, err := c.Unblock(shard, begin, end); err != nil {
				errCh <- fmt.Errorf("unblock: %w", err)
				return
			}
		}
	}()

	for w := 0; w < workers; w++ {
		workerWG.Add(1)
		go func(w int) {
			defer workerWG.Done()
			c, err := client.Dial(addr)
			if err != nil {
				errCh <- fmt.Errorf("worker %d dial: %w", w, err)
				return
			}
			defer c.Close()
			for i := 0; i < rounds; i++ {
				shard := shardName(rand.Intn(shards))
				obj := objName(prefix, i)
				err := c.Put(shard, obj, fmt.Sprintf("w%d_%d", w, i))
				if errors.Is(err, client.ErrBlocked) {
					blockedOps.Add(1)
					if err := c.PutWait(ctx, shard, obj, fmt.Sprintf("w%d_%d", w, i)); err != nil {
						errCh <- fmt.Errorf("worker %d putwait: %w", w, err)
						return
					}
				} else if err != nil {
					errCh <- fmt.Errorf("worker %d put: %w", w, err)
					return
				}
				if _, err := c.Get(shard, obj); err != nil && !errors.Is(err, client.ErrBlocked) {
					errCh <- fmt.Errorf("worker %d get: %w", w, err)
					return
				}
			}
		}(w)
	}

	// Workers drive the cycle length; the disruptor follows.
	workersDone := make(chan struct{})
	go func() {
		workerWG.Wait()
		close(workersDone)
	}()

	var timedOut bool
	select {
	case <-workersDone:
	case <-time.After(90 * time.Second):
		timedOut = true
	}
	stopDisrupt()
	disruptWG.Wait()
	if timedOut {
		return fmt.Errorf("cycle timed out")
	}

	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	log.Printf("soak: %d ops waited out a backoff", blockedOps.Load())

	// Leak check: with every range recovered and all worker connections
	// gone, no shard may still hold backoffs.
	return checkNoLeaks(addr)
}

type statsShard struct {
	ID       string `json:"id"`
	Backoffs int    `json:"backoffs"`
}

type statsDoc struct {
	Shards []statsShard `json:"shards"`
}

func checkNoLeaks(addr string) error {
	c, err := client.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()
	raw, err := c.Stats()
	if err != nil {
		return err
	}
	var doc statsDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("parsing stats: %w", err)
	}
	for _, sh := range doc.Shards {
		if sh.Backoffs != 0 {
			return fmt.Errorf("shard %s leaked %d backoffs", sh.ID, sh.Backoffs)
		}
	}
	return nil
}
