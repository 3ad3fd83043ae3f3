package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KevoDB/kvcache/pkg/grpc/service"
	"github.com/KevoDB/kvcache/pkg/grpc/transport"
)

// startServer serves the node's local store. Peers must only ever see the local
// store so a fetch never fans out across the cluster.
func startServer(n *Node) (*transport.Server, func(), error) {
	svc, err := service.NewObjectStoreService(n.local, n.codec, n.logger)
	if err != nil {
		return nil, nil, err
	}

	server := transport.NewServer(n.cfg.ListenAddr, svc, n.transport, n.logger)
	if err := server.Start(); err != nil {
		svc.Close()
		return nil, nil, err
	}

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping server: %v\n", err)
		}
		svc.Close()
	}
	return server, stop, nil
}

// runServer serves until SIGINT or SIGTERM
func runServer(n *Node) error {
	server, stop, err := startServer(n)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	fmt.Printf("kvblock instance %d serving on %s\n", n.cfg.InstanceID, server.Addr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
		stop()
	}()

	if err := server.Wait(); err != nil {
		n.logger.Debug("Server exited: %v", err)
	}
	fmt.Println("Shutdown complete")
	return nil
}
