package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ROBOTdingDONG/fusionedge"
)

func main() {
	flow, err := fusionedge.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink, batches, closeBatches := fusionedge.NewChannelSink("fanout", 32)
	defer closeBatches()

	go fanoutWorker("audit", batches)

	if err := flow.Run(ctx, fusionedge.ActOutSink(sink)); err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}

func fanoutWorker(name string, batches <-chan []fusionedge.AuditRecord) {
	for batch := range batches {
		fmt.Printf("[%s] forwarding %d records at %s\n", name, len(batch), time.Now().Format(time.RFC3339))
		// TODO: forward to downstream compliance store.
	}
}
