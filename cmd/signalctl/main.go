package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"admission-gateway/internal/signals"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	var (
		addr    = flag.String("addr", "localhost:9090", "Gateway gRPC address")
		timeout = flag.Duration("timeout", 10*time.Second, "Request timeout")
		token   = flag.String("token", os.Getenv("ADM_SECURITY_ADMIN_TOKEN"), "Admin token (default $ADM_SECURITY_ADMIN_TOKEN)")
		useTLS  = flag.Bool("tls", false, "Connect over TLS")
		caFile  = flag.String("ca", "", "CA certificate for verifying the gateway (system roots if empty)")
	)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		return
	}

	transport := insecure.NewCredentials()
	if *useTLS {
		var err error
		if transport, err = tlsCredentials(*caFile); err != nil {
			log.Fatalf("Failed to load TLS credentials: %v", err)
		}
	}

	conn, err := grpc.NewClient(*addr,
		grpc.WithTransportCredentials(transport),
		grpc.WithPerRPCCredentials(signals.TokenCredentials{Token: *token, AllowInsecure: !*useTLS}),
	)
	if err != nil {
		log.Fatalf("Failed to connect to gateway: %v", err)
	}
	defer conn.Close()

	client := signals.NewClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	command := args[0]
	switch command {
	case "score":
		if len(args) < 3 {
			fmt.Println("Usage: score <identity> <0-100> [flag,flag,...]")
			os.Exit(1)
		}
		handleScore(ctx, client, args[1:])
	case "disable":
		if len(args) < 2 {
			fmt.Println("Usage: disable <identity> [reason]")
			os.Exit(1)
		}
		reason := ""
		if len(args) > 2 {
			reason = strings.Join(args[2:], " ")
		}
		handleDisable(ctx, client, args[1], reason)
	case "health":
		handleHealth(ctx, conn)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func tlsCredentials(caFile string) (credentials.TransportCredentials, error) {
	if caFile == "" {
		return credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}), nil
	}
	return credentials.NewClientTLSFromFile(caFile, "")
}

func handleScore(ctx context.Context, client *signals.Client, args []string) {
	score, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		fmt.Printf("Error: invalid score %q\n", args[1])
		os.Exit(1)
	}

	var flags []string
	if len(args) > 2 && args[2] != "" {
		flags = strings.Split(args[2], ",")
	}

	if err := client.ReportBotScore(ctx, args[0], score, flags); err != nil {
		log.Fatalf("ReportBotScore failed: %v", err)
	}
	fmt.Println("OK")
}

func handleDisable(ctx context.Context, client *signals.Client, id, reason string) {
	if err := client.AutoDisable(ctx, id, reason); err != nil {
		log.Fatalf("AutoDisable failed: %v", err)
	}
	fmt.Println("OK")
}

func handleHealth(ctx context.Context, conn *grpc.ClientConn) {
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: signals.ServiceName})
	if err != nil {
		log.Fatalf("Health check failed: %v", err)
	}
	fmt.Printf("Status: %s\n", resp.Status)
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`Admission Gateway signal client

Usage:
  %s [options] <command> [args...]

Options:
  -addr string
        Gateway gRPC address (default "localhost:9090")
  -timeout duration
        Request timeout (default 10s)
  -token string
        Admin token (default $ADM_SECURITY_ADMIN_TOKEN)
  -tls
        Connect over TLS
  -ca string
        CA certificate for verifying the gateway

Commands:
  score <identity> <0-100> [flags]   Report a bot suspicion score (flags comma separated)
  disable <identity> [reason]        Blacklist an identity immediately
  health                             Check the signals service health

Examples:
  %s score 203.0.113.7 85 headless,datacenter
  %s disable 203.0.113.7 credential stuffing
`, os.Args[0], os.Args[0], os.Args[0])
}
