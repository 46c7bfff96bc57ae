package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/foxzi/courier/internal/config"
)

var (
	initOutput        string
	initDataDir       string
	initTransport     string
	initGatewayURL    string
	initAPIKey        string
	initWebhookSecret string
	initMetrics       bool
	initForce         bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize Courier configuration",
	Long: `Interactive wizard to create a Courier configuration file.

Examples:
  # Interactive mode - prompts for missing values
  courier init

  # Non-interactive gateway setup
  courier init --transport gateway --gateway-url http://localhost:3000

  # Quick setup for testing
  courier init --transport sandbox --data-dir ./data -o test.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/courier", "Data directory for the database and credentials")
	initCmd.Flags().StringVar(&initTransport, "transport", "", "Transport mode: gateway, sandbox")
	initCmd.Flags().StringVar(&initGatewayURL, "gateway-url", "", "Chat gateway base URL")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().StringVar(&initWebhookSecret, "webhook-secret", "", "Webhook secret (auto-generated if not provided)")
	initCmd.Flags().BoolVar(&initMetrics, "metrics", false, "Enable Prometheus metrics")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("Courier Configuration Wizard")
	fmt.Println("============================")
	fmt.Println()

	if initTransport == "" {
		initTransport = prompt(reader, "Transport (gateway, sandbox)", config.TransportGateway)
	}
	if initTransport != config.TransportGateway && initTransport != config.TransportSandbox {
		return fmt.Errorf("unknown transport %q", initTransport)
	}

	if initTransport == config.TransportGateway && initGatewayURL == "" {
		initGatewayURL = prompt(reader, "Gateway base URL", "http://localhost:3000")
	}

	initDataDir = prompt(reader, "Data directory", initDataDir)

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", initAPIKey)
	}
	if initWebhookSecret == "" {
		initWebhookSecret = generateRandomString(32)
		fmt.Printf("  Generated webhook secret: %s\n", initWebhookSecret)
	}

	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	fmt.Println()
	fmt.Println("Creating configuration...")

	if err := os.MkdirAll(initDataDir, 0755); err != nil {
		fmt.Printf("  Warning: Could not create data directory: %v\n", err)
	}

	content := generateConfig()

	// The wizard never writes a file the server would reject
	if _, err := config.Parse([]byte(content)); err != nil {
		return fmt.Errorf("generated configuration is invalid: %w", err)
	}

	if err := os.WriteFile(initOutput, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("  Configuration saved to: %s\n", initOutput)
	fmt.Println()

	printNextSteps()
	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func generateConfig() string {
	transportSection := fmt.Sprintf(`transport:
  mode: %s`, initTransport)
	if initTransport == config.TransportGateway {
		transportSection += fmt.Sprintf(`
  gateway:
    base_url: "%s"
    api_key: "${COURIER_GATEWAY_KEY}"
    # Where the gateway posts session and receipt events
    webhook_url: "http://localhost:8080/webhooks/events"
    timeout: 30s
    requests_per_second: 0`, initGatewayURL)
	} else {
		transportSection += `
  sandbox:
    require_scan: true
    ready_delay: 2s
    receipt_delay: 5s
    error_rate: 0`
	}

	return fmt.Sprintf(`# Courier configuration
# Generated by: courier init

api:
  listen_addr: ":8080"
  api_key: "%s"
  webhook_secret: "%s"
  # allowed_ips:
  #   - "10.0.0.0/8"

storage:
  path: "%s"
  credentials_path: "%s"

%s

sessions:
  max_restarts: 5
  restart_delay: 5s
  persist_policy: log
  scan_ttl: 60s

dispatch:
  resume_on_start: true
  # speeds:
  #   fast:
  #     min: 5s
  #     max: 15s

scheduler:
  enabled: true
  spec: "@every 30s"

logging:
  level: info
  format: json

metrics:
  enabled: %t
  listen_addr: ":9090"
  path: /metrics
`, initAPIKey, initWebhookSecret,
		filepath.Join(initDataDir, "courier.db"),
		filepath.Join(initDataDir, "credentials.db"),
		transportSection, initMetrics)
}

func printNextSteps() {
	fmt.Println("Next Steps")
	fmt.Println("==========")
	fmt.Println()
	if initTransport == config.TransportGateway {
		fmt.Println("1. Put the gateway key into .env:")
		fmt.Println("   COURIER_GATEWAY_KEY=<key>")
		fmt.Println()
	}
	fmt.Println("2. Start the server:")
	fmt.Printf("   courier serve -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("3. Create a session and scan its code:")
	fmt.Println("   curl -X POST http://localhost:8080/api/v1/sessions \\")
	fmt.Printf("     -H \"Authorization: Bearer %s\" \\\n", initAPIKey)
	fmt.Println("     -d '{\"id\": \"main\"}'")
	fmt.Println("   curl http://localhost:8080/api/v1/sessions/main/qr \\")
	fmt.Printf("     -H \"Authorization: Bearer %s\"\n", initAPIKey)
	fmt.Println()
	fmt.Println("Credentials")
	fmt.Println("-----------")
	fmt.Printf("API Key:        %s\n", initAPIKey)
	fmt.Printf("Webhook Secret: %s\n", initWebhookSecret)
	fmt.Println()
}
