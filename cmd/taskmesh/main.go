package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskmesh/taskmesh"
	"github.com/taskmesh/taskmesh/internal/observability"
)

var (
	// Version information (set via ldflags)
	Version = "dev"

	// Command line flags
	configFile = flag.String("config", getEnv("CONFIG_FILE", "config/engine.yaml"), "Engine configuration file")
	task       = flag.String("task", "", "User task to orchestrate")
	httpPort   = flag.Int("http-port", getEnvInt("PORT", 8080), "HTTP server port")
)

func main() {
	flag.Parse()

	if *task == "" {
		fmt.Fprintln(os.Stderr, "usage: taskmesh -task \"describe the work\" [-config engine.yaml]")
		os.Exit(2)
	}

	log.Printf("Starting TaskMesh v%s", Version)
	log.Printf("Config: %s, HTTP Port: %d", *configFile, *httpPort)

	// Initialize observability
	observability.InitMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.RegisterCheck(observability.PingCheck())

	// Start observability server
	obsServer := observability.NewServer(*httpPort, healthChecker)
	errChan := make(chan error, 2)
	go func() {
		log.Printf("Starting HTTP server on :%d", *httpPort)
		if err := obsServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Run the orchestration
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	done := make(chan error, 1)
	go func() {
		done <- taskmesh.Run(runCtx, *configFile, *task)
	}()

	// Wait for completion, shutdown signal, or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-done:
		if err != nil {
			log.Printf("Error: %v", err)
			exitCode = 1
		}
	case err := <-errChan:
		log.Printf("Error: %v", err)
		exitCode = 1
	case <-quit:
		log.Println("Shutting down orchestrator...")
		cancelRun()
		if err := <-done; err != nil {
			log.Printf("Error: %v", err)
			exitCode = 1
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := obsServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Orchestrator stopped")
	os.Exit(exitCode)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}
