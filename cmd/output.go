package main

import (
	"fmt"
	"net"
)

// Print helper functions for consistent output formatting.
func printHeader(title string) {
	fmt.Printf("\033[1m\033[0;36m========================================\033[0m\n")
	fmt.Printf("\033[1m\033[0;36m       %s\033[0m\n", title)
	fmt.Printf("\033[1m\033[0;36m========================================\033[0m\n")
	fmt.Println()
}

func printSuccess(msg string) {
	fmt.Printf("\033[0;32m[OK]\033[0m %s\n", msg)
}

func printInfo(msg string) {
	fmt.Printf("\033[0;34m[INFO]\033[0m %s\n", msg)
}

func printWarn(msg string) {
	fmt.Printf("\033[1;33m[WARN]\033[0m %s\n", msg)
}

func printError(msg string) {
	fmt.Printf("\033[0;31m[ERROR]\033[0m %s\n", msg)
}

// isPortInUse checks if a TCP port is in use.
func isPortInUse(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return true
	}
	_ = listener.Close()
	return false
}

func printHelp() {
	fmt.Println("Gemini credential pool gateway")
	fmt.Println()
	fmt.Println("Usage: pool-gateway [COMMAND] [OPTIONS]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                         Run the gateway (default)")
	fmt.Println("  credentials list              List stored credentials")
	fmt.Println("  credentials add               Add one credential from flags")
	fmt.Println("  credentials import FILE...    Import credential JSON files")
	fmt.Println("  credentials verify [ID|--all] Probe credentials and detect tiers")
	fmt.Println("  credentials enable ID         Activate a credential")
	fmt.Println("  credentials disable ID        Deactivate a credential")
	fmt.Println("  migrate                       Apply database migrations")
	fmt.Println("  version                       Print the version")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -c, --config FILE    Config file (.yaml or .toml)")
	fmt.Println("  -e, --env FILE       Env file loaded before the config (default: .env)")
	fmt.Println("  -p, --port PORT      Listen port (serve only)")
	fmt.Println("  -d, --debug          Enable debug logging")
	fmt.Println("  -h, --help           Show this help")
	fmt.Println()
	fmt.Println("Credential options:")
	fmt.Println("  --refresh-token TOKEN  --access-token TOKEN  --email EMAIL")
	fmt.Println("  --project ID  --label NAME  --owner USER_ID  --public  --no-verify")
}
