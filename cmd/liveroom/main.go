// Package main starts the live review room service and handles termination.
//
// The process is a transport adapter around review room lifecycle and
// highlight streaming; submissions themselves are owned by the grading
// pipeline and only read and annotated here.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	liveroomcmd "github.com/redmarklive/redmark/internal/cmd/liveroom"
)

func main() {
	cfg, err := liveroomcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[LIVEROOM] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := liveroomcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
