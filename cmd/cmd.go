// Package cmd provides the studybuddy CLI commands.
//
// Commands:
//   - serve: HTTP API server with SSE chat streaming
//   - migrate: apply database migrations and exit
//
// All commands shut down gracefully via context cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/studybuddy-ai/studybuddy/internal/log"
)

// Execute is the main entry point for the studybuddy CLI.
func Execute() error {
	logger := log.New(log.Config{
		Level: logLevel(),
		JSON:  os.Getenv("STUDYBUDDY_LOG_JSON") != "",
	})
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "serve":
		return runServe(logger)
	case "migrate":
		return runMigrate(logger)
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

func logLevel() slog.Level {
	if os.Getenv("DEBUG") != "" {
		return slog.LevelDebug
	}
	return log.ParseLevel(os.Getenv("STUDYBUDDY_LOG_LEVEL"))
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("StudyBuddy - retrieval-augmented study assistant")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  studybuddy serve [addr]  Start HTTP API server (default: 127.0.0.1:8080)")
	fmt.Println("  studybuddy migrate       Apply database migrations and exit")
	fmt.Println("  studybuddy --version     Show version information")
	fmt.Println("  studybuddy --help        Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  GEMINI_API_KEY           Required: Gemini API key")
	fmt.Println("  DATABASE_URL             Optional: overrides postgres_* config")
	fmt.Println("  DEBUG                    Optional: enable debug logging")
	fmt.Println("  STUDYBUDDY_LOG_JSON      Optional: JSON log output")
}
