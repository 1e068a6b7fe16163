package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/HMasataka/presence/internal/logging"
	"github.com/HMasataka/presence/pkg/client"
	"github.com/HMasataka/presence/pkg/domain"
	"github.com/spf13/cobra"
)

func clientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Connect as a user and exchange presence frames from stdin",
		Long: `Connect as a user and print every frame the server sends.

Commands read from stdin:
  status <online|away|busy|offline> [key=value ...]
  heartbeat
  disconnect
  quit`,
		RunE: runClient,
	}

	flags := cmd.Flags()
	flags.String("server", "ws://localhost:8080/ws", "presence server WebSocket URL")
	flags.StringP("user", "u", "", "user identifier")
	flags.String("client-type", "cli", "client type reported to the server")
	flags.Duration("heartbeat", 0, "send HEARTBEAT at this interval")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func runClient(cmd *cobra.Command, _ []string) error {
	server, _ := cmd.Flags().GetString("server")
	user, _ := cmd.Flags().GetString("user")
	clientType, _ := cmd.Flags().GetString("client-type")
	heartbeat, _ := cmd.Flags().GetDuration("heartbeat")
	logLevel, _ := cmd.Flags().GetString("log-level")

	logger := logging.New(logging.Config{Level: logLevel, Format: "text"})
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	options := client.DefaultOptions()
	options.Logger = logger
	options.ClientType = clientType
	options.HeartbeatInterval = heartbeat
	options.DialAttempts = 3

	c, err := client.Dial(ctx, server, user, options)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	go func() {
		for msg := range c.Events() {
			data, _ := json.Marshal(msg)
			fmt.Fprintln(out, string(data))
		}
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return closeClient(c)
		case <-c.Done():
			code, reason := c.CloseStatus()
			logger.Info("connection closed", "code", int(code), "reason", reason)
			return nil
		case line, ok := <-lines:
			if !ok {
				return closeClient(c)
			}
			quit, err := runLine(c, line)
			if err != nil {
				logger.Warn("command failed", "error", err)
			}
			if quit {
				return closeClient(c)
			}
		}
	}
}

// runLine executes one stdin command and reports whether to quit
func runLine(c *client.Client, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	switch fields[0] {
	case "status":
		if len(fields) < 2 {
			return false, fmt.Errorf("usage: status <online|away|busy|offline> [key=value ...]")
		}
		status, err := domain.ParseStatus(fields[1])
		if err != nil {
			return false, err
		}
		return false, c.UpdateStatus(status, parsePatch(fields[2:]))
	case "heartbeat":
		return false, c.Heartbeat()
	case "disconnect":
		return false, c.Disconnect()
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q", fields[0])
	}
}

// parsePatch turns key=value pairs into a metadata patch. key= removes key.
func parsePatch(pairs []string) domain.MetadataPatch {
	if len(pairs) == 0 {
		return nil
	}
	patch := make(domain.MetadataPatch, len(pairs))
	for _, pair := range pairs {
		key, value, _ := strings.Cut(pair, "=")
		if value == "" {
			patch[key] = nil
			continue
		}
		v := domain.StringValue(value)
		patch[key] = &v
	}
	return patch
}

func closeClient(c *client.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return c.Close(ctx)
}
