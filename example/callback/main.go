package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ROBOTdingDONG/fusionedge/pkg/fusionedge"
)

func main() {
	flow, err := fusionedge.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	callback := func(batch []fusionedge.AuditRecord) error {
		for _, rec := range batch {
			fmt.Printf("%s kind=%s machine=%s seq=%d payload=%s\n",
				rec.RecordedAt.Format(time.RFC3339Nano),
				rec.Kind,
				rec.MachineID,
				rec.Seq,
				rec.Payload,
			)
		}
		return nil
	}

	if err := flow.Run(ctx, fusionedge.ActOutCallback("stdout", callback)); err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}
